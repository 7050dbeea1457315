package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Provider is one LLM backend. Implementations normalise their native HTTP
// responses to the shared Response shape and classify failures as
// *ProviderError.
type Provider interface {
	Name() string
	Chat(ctx context.Context, model string, messages []Message, params Params) (*Response, error)
	Embed(ctx context.Context, model, text string) (*EmbedResponse, error)
	ListModels(ctx context.Context) ([]string, error)
}

// maxErrorBodySize caps how much of an error response body is surfaced.
const maxErrorBodySize = 2048

// normalizeBaseURL strips trailing slashes so providers can append paths
// without doubling separators.
func normalizeBaseURL(raw string) string {
	return strings.TrimRight(raw, "/")
}

// doJSON performs one JSON request/response exchange. A non-2xx status
// returns the status code and an error carrying the (truncated) body; the
// caller classifies it. Transport failures return status zero.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
