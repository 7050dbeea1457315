package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider talks to a local Ollama server through its native API.
// Ollama reports model evaluation durations in nanoseconds, which feed the
// tokens-per-second metric.
type OllamaProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewOllamaProvider creates a provider for the Ollama server at baseURL.
func NewOllamaProvider(name, baseURL string, client *http.Client) *OllamaProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaProvider{name: name, baseURL: normalizeBaseURL(baseURL), client: client}
}

func (p *OllamaProvider) Name() string { return p.name }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	EvalCount          int   `json:"eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"` // nanoseconds
	EvalDuration       int64 `json:"eval_duration"`        // nanoseconds
}

// Chat implements Provider.
func (p *OllamaProvider) Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: params.Temperature,
			TopP:        params.TopP,
			NumPredict:  params.MaxTokens,
		},
	}

	start := time.Now()
	var resp ollamaChatResponse
	status, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/api/chat", nil, req, &resp)
	if err != nil {
		return nil, p.wrap(model, status, err)
	}

	return &Response{
		Content:          resp.Message.Content,
		Model:            resp.Model,
		Provider:         p.name,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		Latency:          time.Since(start),
		ModelDuration:    time.Duration(resp.EvalDuration),
	}, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Provider.
func (p *OllamaProvider) Embed(ctx context.Context, model, text string) (*EmbedResponse, error) {
	start := time.Now()
	var resp ollamaEmbedResponse
	status, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/api/embed", nil,
		ollamaEmbedRequest{Model: model, Input: text}, &resp)
	if err != nil {
		return nil, p.wrap(model, status, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, &ProviderError{Provider: p.name, Model: model, Kind: ErrKindPermanent,
			Err: fmt.Errorf("empty embedding response")}
	}
	return &EmbedResponse{
		Embedding:  resp.Embeddings[0],
		Dimensions: len(resp.Embeddings[0]),
		Model:      resp.Model,
		Provider:   p.name,
		Latency:    time.Since(start),
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels implements Provider.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	var resp ollamaTagsResponse
	status, err := doJSON(ctx, p.client, http.MethodGet, p.baseURL+"/api/tags", nil, nil, &resp)
	if err != nil {
		return nil, p.wrap("", status, err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (p *OllamaProvider) wrap(model string, status int, err error) *ProviderError {
	kind := classifyTransportError(err)
	if status != 0 {
		kind = classifyHTTPStatus(status)
	}
	return &ProviderError{Provider: p.name, Model: model, Kind: kind, Status: status, Err: err}
}
