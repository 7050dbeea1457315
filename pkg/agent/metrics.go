package agent

import (
	"sync"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
)

// Metrics accumulates per-agent LLM usage. Safe for concurrent use; workers
// may invoke the same agent in parallel.
type Metrics struct {
	mu               sync.Mutex
	requests         int
	retries          int
	promptTokens     int
	completionTokens int
	wallTime         time.Duration
	modelTime        time.Duration
	startedAt        time.Time
	stoppedAt        time.Time
}

// MetricsSnapshot is a copy-out of the accumulator plus derived rates.
type MetricsSnapshot struct {
	Requests         int           `json:"requests"`
	Retries          int           `json:"retries"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	WallTime         time.Duration `json:"wall_time"`
	ModelTime        time.Duration `json:"model_time"`

	// TokensPerSecond divides completion tokens by model evaluation time,
	// not wall time, so network latency does not pollute the rate. Zero
	// when the provider reports no model durations.
	TokensPerSecond     float64       `json:"tokens_per_second"`
	AvgTokensPerRequest float64       `json:"avg_tokens_per_request"`
	Elapsed             time.Duration `json:"elapsed"`
}

// Record folds one gateway response into the accumulator.
func (m *Metrics) Record(resp *llm.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.promptTokens += resp.PromptTokens
	m.completionTokens += resp.CompletionTokens
	m.wallTime += resp.Latency
	m.modelTime += resp.ModelDuration
}

// RecordRetry counts a corrective re-ask.
func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

// Start marks the beginning of a measured run.
func (m *Metrics) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = time.Now()
	m.stoppedAt = time.Time{}
}

// Stop marks the end of a measured run.
func (m *Metrics) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppedAt = time.Now()
}

// Reset clears the accumulator.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = 0
	m.retries = 0
	m.promptTokens = 0
	m.completionTokens = 0
	m.wallTime = 0
	m.modelTime = 0
	m.startedAt = time.Time{}
	m.stoppedAt = time.Time{}
}

// Snapshot copies the accumulator out and computes the derived rates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Requests:         m.requests,
		Retries:          m.retries,
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
		WallTime:         m.wallTime,
		ModelTime:        m.modelTime,
	}
	if m.modelTime > 0 {
		snap.TokensPerSecond = float64(m.completionTokens) / m.modelTime.Seconds()
	}
	if m.requests > 0 {
		snap.AvgTokensPerRequest = float64(snap.TotalTokens) / float64(m.requests)
	}
	switch {
	case m.startedAt.IsZero():
	case m.stoppedAt.IsZero():
		snap.Elapsed = time.Since(m.startedAt)
	default:
		snap.Elapsed = m.stoppedAt.Sub(m.startedAt)
	}
	return snap
}
