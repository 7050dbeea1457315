package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider creates a provider for the OpenAI-compatible API at
// baseURL.
func NewOpenAIProvider(name, baseURL, apiKey string, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{name: name, baseURL: normalizeBaseURL(baseURL), apiKey: apiKey, client: client}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

type openaiChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error) {
	req := openaiChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	}

	start := time.Now()
	var resp openaiChatResponse
	status, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/v1/chat/completions", p.headers(), req, &resp)
	if err != nil {
		return nil, p.wrap(model, status, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Model: model, Kind: ErrKindPermanent,
			Err: fmt.Errorf("response contained no choices")}
	}

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		Provider:         p.name,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Latency:          time.Since(start),
	}, nil
}

type openaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) (*EmbedResponse, error) {
	start := time.Now()
	var resp openaiEmbedResponse
	status, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/v1/embeddings", p.headers(),
		openaiEmbedRequest{Model: model, Input: text}, &resp)
	if err != nil {
		return nil, p.wrap(model, status, err)
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{Provider: p.name, Model: model, Kind: ErrKindPermanent,
			Err: fmt.Errorf("empty embedding response")}
	}
	return &EmbedResponse{
		Embedding:  resp.Data[0].Embedding,
		Dimensions: len(resp.Data[0].Embedding),
		Model:      resp.Model,
		Provider:   p.name,
		Latency:    time.Since(start),
	}, nil
}

type openaiModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels implements Provider.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	var resp openaiModelsResponse
	status, err := doJSON(ctx, p.client, http.MethodGet, p.baseURL+"/v1/models", p.headers(), nil, &resp)
	if err != nil {
		return nil, p.wrap("", status, err)
	}
	names := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (p *OpenAIProvider) wrap(model string, status int, err error) *ProviderError {
	kind := classifyTransportError(err)
	if status != 0 {
		kind = classifyHTTPStatus(status)
	}
	return &ProviderError{Provider: p.name, Model: model, Kind: kind, Status: status, Err: err}
}
