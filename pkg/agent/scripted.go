package agent

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
)

// ScriptedGateway is an in-memory Gateway for tests: responses are scripted
// against substrings of the conversation, so a test reads as "when asked
// about X, answer Y". Unmatched calls fail loudly rather than returning
// something plausible.
type ScriptedGateway struct {
	mu    sync.Mutex
	rules []*scriptRule
	calls []ScriptedCall

	// DefaultResponse, when non-empty, answers calls no rule matches.
	DefaultResponse string
}

type scriptRule struct {
	substr  string
	content string
	err     error
	once    bool
	used    bool
}

// ScriptedCall records one Chat invocation for assertions.
type ScriptedCall struct {
	Messages []llm.Message
	Model    string
}

// NewScriptedGateway creates an empty scripted gateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{}
}

// Respond answers every conversation containing substr with content.
func (g *ScriptedGateway) Respond(substr, content string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, &scriptRule{substr: substr, content: content})
	return g
}

// RespondOnce answers the first conversation containing substr with content,
// then retires the rule. Later rules with the same substring take over,
// which scripts multi-turn corrections.
func (g *ScriptedGateway) RespondOnce(substr, content string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, &scriptRule{substr: substr, content: content, once: true})
	return g
}

// FailWith makes conversations containing substr fail with err.
func (g *ScriptedGateway) FailWith(substr string, err error) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, &scriptRule{substr: substr, err: err})
	return g
}

// Calls returns a copy of the recorded Chat invocations.
func (g *ScriptedGateway) Calls() []ScriptedCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ScriptedCall{}, g.calls...)
}

// Chat implements Gateway.
func (g *ScriptedGateway) Chat(ctx context.Context, messages []llm.Message, model string, params llm.Params) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.calls = append(g.calls, ScriptedCall{Messages: append([]llm.Message{}, messages...), Model: model})

	var conversation strings.Builder
	for _, m := range messages {
		conversation.WriteString(m.Content)
		conversation.WriteByte('\n')
	}
	text := conversation.String()

	var matched *scriptRule
	for _, rule := range g.rules {
		if rule.used || !strings.Contains(text, rule.substr) {
			continue
		}
		if rule.once {
			rule.used = true
		}
		matched = rule
		break
	}
	g.mu.Unlock()

	if matched == nil {
		if g.DefaultResponse != "" {
			return scriptedResponse(g.DefaultResponse, model), nil
		}
		return nil, fmt.Errorf("scripted gateway: no rule matches conversation %q", truncate(text, 200))
	}
	if matched.err != nil {
		return nil, matched.err
	}
	return scriptedResponse(matched.content, model), nil
}

func scriptedResponse(content, model string) *llm.Response {
	return &llm.Response{
		Content:          content,
		Model:            model,
		Provider:         "scripted",
		PromptTokens:     20,
		CompletionTokens: 10,
		TotalTokens:      30,
		Latency:          time.Millisecond,
		ModelDuration:    time.Millisecond,
	}
}

// Embed implements Gateway with a deterministic pseudo-embedding derived
// from the text, so equal texts embed equally and nearest-neighbour tests
// stay stable.
func (g *ScriptedGateway) Embed(ctx context.Context, text, model string) (*llm.EmbedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i])/255 - 0.5
	}
	return &llm.EmbedResponse{
		Embedding:  vec,
		Dimensions: len(vec),
		Model:      model,
		Provider:   "scripted",
		Latency:    time.Millisecond,
	}, nil
}

// ListModels implements Gateway.
func (g *ScriptedGateway) ListModels(ctx context.Context, provider string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string][]string{"scripted": {"scripted-model"}}, nil
}
