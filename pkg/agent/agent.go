// Package agent implements the specialised LLM agents of the research
// pipeline: query conversion, document scoring, citation extraction, report
// synthesis, counterfactual analysis, and verdicts. All agents share a base
// that owns the gateway call path, structured-output parsing, metrics, and
// progress publishing.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/jsonrepair"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
)

// Gateway is the slice of the LLM gateway the agents consume. *llm.Gateway
// satisfies it; tests substitute a ScriptedGateway.
type Gateway interface {
	Chat(ctx context.Context, messages []llm.Message, model string, params llm.Params) (*llm.Response, error)
	Embed(ctx context.Context, text, model string) (*llm.EmbedResponse, error)
	ListModels(ctx context.Context, provider string) (map[string][]string, error)
}

// ValidationError reports unusable agent input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// base carries the shared machinery of every agent. Agents are stateless per
// invocation apart from the metrics accumulator.
type base struct {
	agentType string
	gateway   Gateway
	bus       *events.Bus
	settings  config.AgentSettings
	log       *slog.Logger
	metrics   Metrics
}

func newBase(agentType string, gateway Gateway, bus *events.Bus, settings config.AgentSettings) base {
	return base{
		agentType: agentType,
		gateway:   gateway,
		bus:       bus,
		settings:  settings,
		log:       slog.With("component", "agent", "agent_type", agentType),
	}
}

// Type returns the agent's registration name.
func (b *base) Type() string { return b.agentType }

// TestConnection reports whether the agent's gateway answers a model
// listing.
func (b *base) TestConnection(ctx context.Context) bool {
	_, err := b.gateway.ListModels(ctx, "")
	return err == nil
}

// MetricsSnapshot returns a copy of the accumulated metrics.
func (b *base) MetricsSnapshot() MetricsSnapshot { return b.metrics.Snapshot() }

// ResetMetrics clears the accumulated metrics.
func (b *base) ResetMetrics() { b.metrics.Reset() }

// StartMetrics marks the beginning of a measured run.
func (b *base) StartMetrics() { b.metrics.Start() }

// StopMetrics marks the end of a measured run.
func (b *base) StopMetrics() { b.metrics.Stop() }

// params returns the sampling parameters from the agent's settings.
func (b *base) params() llm.Params {
	return llm.Params{
		Temperature: b.settings.Temperature,
		TopP:        b.settings.TopP,
		MaxTokens:   b.settings.MaxTokens,
	}
}

// callLLM sends one conversation through the gateway and folds the response
// into the metrics accumulator.
func (b *base) callLLM(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	resp, err := b.gateway.Chat(ctx, messages, b.settings.Model, b.params())
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", b.agentType, err)
	}
	b.metrics.Record(resp)
	return resp, nil
}

// reask continues a conversation after an unusable answer: the assistant's
// previous output plus a corrective user message. Counted as a retry.
func (b *base) reask(ctx context.Context, messages []llm.Message, previous *llm.Response, correction string) (*llm.Response, error) {
	b.metrics.RecordRetry()
	continued := append(append([]llm.Message{}, messages...),
		llm.Message{Role: llm.RoleAssistant, Content: previous.Content},
		llm.Message{Role: llm.RoleUser, Content: correction},
	)
	return b.callLLM(ctx, continued)
}

// parseStructured decodes a model answer into v through the JSON repair
// path, then runs the supplied validation.
func (b *base) parseStructured(text string, v any, validate func() error) error {
	if err := jsonrepair.Decode(text, v); err != nil {
		return fmt.Errorf("%s agent: parsing structured output: %w", b.agentType, err)
	}
	if validate != nil {
		if err := validate(); err != nil {
			return fmt.Errorf("%s agent: %w", b.agentType, err)
		}
	}
	return nil
}

// publishProgress emits a pipeline progress event. Publishing never fails
// the primary operation; a nil bus discards.
func (b *base) publishProgress(evtType events.EventType, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["agent_type"] = b.agentType
	b.bus.Publish(events.Event{Type: evtType, Message: message, Data: data})
}

// decodePayload maps a queue task payload onto a typed request via a JSON
// round-trip.
func decodePayload(data map[string]any, v any) error {
	encoded, err := jsonMarshal(data)
	if err != nil {
		return fmt.Errorf("encoding task payload: %w", err)
	}
	if err := jsonrepair.SafeUnmarshal(encoded, v); err != nil {
		return fmt.Errorf("decoding task payload: %w", err)
	}
	return nil
}

// encodeResult maps a typed result back onto a queue-storable map.
func encodeResult(v any) (map[string]any, error) {
	encoded, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding task result: %w", err)
	}
	var out map[string]any
	if err := jsonrepair.SafeUnmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("decoding task result: %w", err)
	}
	return out, nil
}

func jsonMarshal(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// truncate bounds prompt-embedded text so a pathological document cannot
// blow the context window.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndexByte(s[:max], ' ')
	if cut <= 0 {
		cut = max
	}
	return s[:cut] + "…"
}
