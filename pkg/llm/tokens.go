package llm

import (
	"sort"
	"strings"
	"sync"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
)

// TokenTracker is the process-wide sink for token usage. All gateway calls
// record into it; reads copy out under the mutex.
type TokenTracker struct {
	mu    sync.Mutex
	costs map[string]map[string]config.ModelCost
	usage map[usageKey]*usageEntry
}

type usageKey struct {
	provider string
	model    string
}

type usageEntry struct {
	prompt     int
	completion int
	requests   int
	cost       float64
}

// ModelUsage is the per-model aggregate in a usage report.
type ModelUsage struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Requests         int     `json:"requests"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageReport is a snapshot of accumulated usage across all models.
type UsageReport struct {
	Models           []ModelUsage `json:"models"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	TotalTokens      int          `json:"total_tokens"`
	Requests         int          `json:"requests"`
	CostUSD          float64      `json:"cost_usd"`
}

// NewTokenTracker creates a tracker with the given cost table. The table
// maps provider → model-name prefix → unit cost in USD per million tokens;
// providers absent from the table are free.
func NewTokenTracker(costs map[string]map[string]config.ModelCost) *TokenTracker {
	return &TokenTracker{
		costs: costs,
		usage: make(map[usageKey]*usageEntry),
	}
}

// Record accumulates one call's token usage against (provider, model).
func (t *TokenTracker) Record(provider, model string, promptTokens, completionTokens int) {
	cost := t.costFor(provider, model, promptTokens, completionTokens)

	t.mu.Lock()
	defer t.mu.Unlock()
	key := usageKey{provider: provider, model: model}
	entry, ok := t.usage[key]
	if !ok {
		entry = &usageEntry{}
		t.usage[key] = entry
	}
	entry.prompt += promptTokens
	entry.completion += completionTokens
	entry.requests++
	entry.cost += cost
}

// costFor prices a call using longest-prefix match on the model name, so
// versioned model names ("gpt-4o-2024-08-06") resolve to a base model's
// price. Unmatched models cost zero.
func (t *TokenTracker) costFor(provider, model string, promptTokens, completionTokens int) float64 {
	table, ok := t.costs[provider]
	if !ok {
		return 0
	}
	var best string
	var bestCost config.ModelCost
	for prefix, cost := range table {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			bestCost = cost
		}
	}
	if best == "" {
		return 0
	}
	const million = 1e6
	return float64(promptTokens)*bestCost.Prompt/million +
		float64(completionTokens)*bestCost.Completion/million
}

// Report returns the accumulated usage, sorted by provider then model.
func (t *TokenTracker) Report() UsageReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := UsageReport{Models: make([]ModelUsage, 0, len(t.usage))}
	for key, entry := range t.usage {
		report.Models = append(report.Models, ModelUsage{
			Provider:         key.provider,
			Model:            key.model,
			PromptTokens:     entry.prompt,
			CompletionTokens: entry.completion,
			TotalTokens:      entry.prompt + entry.completion,
			Requests:         entry.requests,
			CostUSD:          entry.cost,
		})
		report.PromptTokens += entry.prompt
		report.CompletionTokens += entry.completion
		report.Requests += entry.requests
		report.CostUSD += entry.cost
	}
	report.TotalTokens = report.PromptTokens + report.CompletionTokens

	sort.Slice(report.Models, func(i, j int) bool {
		if report.Models[i].Provider != report.Models[j].Provider {
			return report.Models[i].Provider < report.Models[j].Provider
		}
		return report.Models[i].Model < report.Models[j].Model
	})
	return report
}

// Reset clears all accumulated usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = make(map[usageKey]*usageEntry)
}
