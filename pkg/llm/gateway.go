package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
)

const (
	// maxAttempts bounds retries against a single provider per call.
	maxAttempts = 3

	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second

	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
)

// Gateway routes chat, generate, and embedding calls to configured providers.
// It owns the per-call deadline, retry policy, per-provider circuit breaker,
// fallback routing, and token accounting.
type Gateway struct {
	providers       map[string]Provider
	providerNames   []string // sorted, for ParseModelRef and ListModels
	breakers        map[string]*gobreaker.CircuitBreaker
	defaultProvider string
	defaultModel    string
	fallback        ModelRef // zero when no fallback is configured
	timeout         time.Duration
	tracker         *TokenTracker
	embedCache      *embedCache
	log             *slog.Logger
}

// NewGateway builds a gateway from configuration. Every configured provider
// name must be one of the supported backends.
func NewGateway(cfg *config.LLMConfig) (*Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q: %w", cfg.DefaultProvider, ErrUnknownProvider)
	}

	// No client-level timeout: the per-call context deadline governs.
	client := &http.Client{}

	g := &Gateway{
		providers:       make(map[string]Provider, len(cfg.Providers)),
		breakers:        make(map[string]*gobreaker.CircuitBreaker, len(cfg.Providers)),
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		timeout:         cfg.PerCallTimeout(),
		tracker:         NewTokenTracker(cfg.CostTable),
		embedCache:      newEmbedCache(defaultEmbedCacheTTL, defaultEmbedCacheSize),
		log:             slog.With("component", "llm"),
	}

	for name, pc := range cfg.Providers {
		var p Provider
		switch strings.ToLower(name) {
		case "ollama":
			p = NewOllamaProvider(name, pc.BaseURL, client)
		case "openai":
			p = NewOpenAIProvider(name, pc.BaseURL, pc.APIKey, client)
		case "anthropic":
			p = NewAnthropicProvider(name, pc.BaseURL, pc.APIKey, client)
		default:
			return nil, fmt.Errorf("provider %q: %w", name, ErrUnknownProvider)
		}
		g.providers[name] = p
		g.breakers[name] = newBreaker(name, g.log)
		g.providerNames = append(g.providerNames, name)
	}
	sort.Strings(g.providerNames)

	if cfg.FallbackModel != "" {
		g.fallback = ParseModelRef(cfg.FallbackModel, cfg.DefaultProvider, g.providerNames)
	}
	return g, nil
}

func newBreaker(name string, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		// Permanent errors are the caller's problem, not the provider's
		// health; only transient failures count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Provider circuit breaker state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
}

// Tracker exposes the gateway's token usage sink.
func (g *Gateway) Tracker() *TokenTracker {
	return g.tracker
}

// Providers returns the configured provider names, sorted.
func (g *Gateway) Providers() []string {
	return g.providerNames
}

// Resolve parses a model string against the configured providers. An empty
// string resolves to the default model.
func (g *Gateway) Resolve(model string) ModelRef {
	if strings.TrimSpace(model) == "" {
		model = g.defaultModel
	}
	return ParseModelRef(model, g.defaultProvider, g.providerNames)
}

// Chat sends a conversation to the resolved provider and returns the
// normalised response. Transient failures are retried with exponential
// backoff; if the primary provider is exhausted the call is retried once
// against the configured fallback model, unless the fallback resolves to the
// same provider. Usage is recorded against whichever provider answered.
func (g *Gateway) Chat(ctx context.Context, messages []Message, model string, params Params) (*Response, error) {
	ref := g.Resolve(model)

	resp, err := g.chatOn(ctx, ref, messages, params)
	if err == nil {
		return resp, nil
	}

	if g.fallback.Name == "" || g.fallback.Provider == ref.Provider {
		return nil, err
	}

	g.log.Warn("Primary provider failed, trying fallback",
		"primary", ref.String(), "fallback", g.fallback.String(), "error", err)
	resp, fbErr := g.chatOn(ctx, g.fallback, messages, params)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback %s failed: %w (primary: %v)", g.fallback.String(), fbErr, err)
	}
	return resp, nil
}

// Generate is a completion-style wrapper: a single user message.
func (g *Gateway) Generate(ctx context.Context, prompt, model string, params Params) (*Response, error) {
	return g.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, model, params)
}

func (g *Gateway) chatOn(ctx context.Context, ref ModelRef, messages []Message, params Params) (*Response, error) {
	provider, ok := g.providers[ref.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", ref.Provider, ErrUnknownProvider)
	}

	var resp *Response
	err := g.withRetry(ctx, ref.Provider, func(callCtx context.Context) error {
		r, err := provider.Chat(callCtx, ref.Name, messages, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.tracker.Record(resp.Provider, resp.Model, resp.PromptTokens, resp.CompletionTokens)
	return resp, nil
}

// Embed returns the embedding vector for text, caching results by
// (model, text) for the cache TTL.
func (g *Gateway) Embed(ctx context.Context, text, model string) (*EmbedResponse, error) {
	ref := g.Resolve(model)
	provider, ok := g.providers[ref.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", ref.Provider, ErrUnknownProvider)
	}

	if cached, ok := g.embedCache.get(ref.String(), text); ok {
		return cached, nil
	}

	var resp *EmbedResponse
	err := g.withRetry(ctx, ref.Provider, func(callCtx context.Context) error {
		r, err := provider.Embed(callCtx, ref.Name, text)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.embedCache.put(ref.String(), text, resp)
	return resp, nil
}

// ListModels queries providers for their available models. With an empty
// provider name every configured provider is queried; individual provider
// failures are logged and omitted rather than failing the whole call.
func (g *Gateway) ListModels(ctx context.Context, provider string) (map[string][]string, error) {
	names := g.providerNames
	if provider != "" {
		if _, ok := g.providers[provider]; !ok {
			return nil, fmt.Errorf("provider %q: %w", provider, ErrUnknownProvider)
		}
		names = []string{provider}
	}

	out := make(map[string][]string, len(names))
	for _, name := range names {
		models, err := g.providers[name].ListModels(ctx)
		if err != nil {
			if provider != "" {
				return nil, err
			}
			g.log.Debug("Listing models failed", "provider", name, "error", err)
			continue
		}
		sort.Strings(models)
		out[name] = models
	}
	return out, nil
}

// TestProvider reports whether the named provider answers a model listing.
func (g *Gateway) TestProvider(ctx context.Context, provider string) bool {
	_, err := g.ListModels(ctx, provider)
	return err == nil
}

// withRetry runs one provider call under the per-call deadline, the
// provider's circuit breaker, and the transient-retry policy.
func (g *Gateway) withRetry(ctx context.Context, provider string, call func(context.Context) error) error {
	breaker := g.breakers[provider]

	op := func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		_, err := breaker.Execute(func() (any, error) {
			return nil, call(callCtx)
		})
		if err == nil {
			return nil
		}
		// An open breaker fails fast: no point retrying the same provider.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(&ProviderError{
				Provider: provider, Kind: ErrKindTransient,
				Err: fmt.Errorf("circuit breaker open: %w", err),
			})
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
}
