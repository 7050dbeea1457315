package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicProvider talks to the Anthropic Messages API. The API requires an
// explicit max_tokens and takes the system prompt as a top-level field rather
// than a message.
type AnthropicProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropicProvider creates a provider for the Anthropic API at baseURL.
func NewAnthropicProvider(name, baseURL, apiKey string, client *http.Client) *AnthropicProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicProvider{name: name, baseURL: normalizeBaseURL(baseURL), apiKey: apiKey, client: client}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

type anthropicChatRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

type anthropicChatResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error) {
	req := anthropicChatRequest{
		Model:       model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = anthropicDefaultMaxTokens
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			req.System = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	start := time.Now()
	var resp anthropicChatResponse
	status, err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/v1/messages", p.headers(), req, &resp)
	if err != nil {
		return nil, p.wrap(model, status, err)
	}
	if len(resp.Content) == 0 {
		return nil, &ProviderError{Provider: p.name, Model: model, Kind: ErrKindPermanent,
			Err: fmt.Errorf("response contained no content blocks")}
	}

	return &Response{
		Content:          resp.Content[0].Text,
		Model:            resp.Model,
		Provider:         p.name,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:          time.Since(start),
	}, nil
}

// Embed implements Provider. Anthropic has no embeddings endpoint, so this
// always fails permanently; the gateway routes embedding traffic elsewhere.
func (p *AnthropicProvider) Embed(ctx context.Context, model, text string) (*EmbedResponse, error) {
	return nil, &ProviderError{Provider: p.name, Model: model, Kind: ErrKindPermanent,
		Err: fmt.Errorf("provider does not support embeddings")}
}

type anthropicModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels implements Provider.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	var resp anthropicModelsResponse
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

func (p *AnthropicProvider) wrap(model string, status int, err error) *ProviderError {
	kind := classifyTransportError(err)
	if status != 0 {
		kind = classifyHTTPStatus(status)
	}
	return &ProviderError{Provider: p.name, Model: model, Kind: kind, Status: status, Err: err}
}
