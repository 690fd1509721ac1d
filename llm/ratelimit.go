package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/memhive/memoryd/memory"
)

// RateLimitConfig bounds outbound provider calls.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.RPS <= 0 {
		c.RPS = 2
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	return c
}

// RateLimiters is the process-wide registry of token buckets, one per
// (provider, api key) pair. Every client sharing a key shares its bucket,
// so concurrent engines cannot multiply a provider's quota.
type RateLimiters struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiters builds the registry with one bucket shape for all keys.
func NewRateLimiters(cfg RateLimitConfig) *RateLimiters {
	return &RateLimiters{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the (provider, key) bucket grants a token, the context
// is cancelled, or its deadline cannot accommodate the wait.
func (r *RateLimiters) Wait(ctx context.Context, provider, key string) error {
	return r.bucket(provider, key).Wait(ctx)
}

func (r *RateLimiters) bucket(provider, key string) *rate.Limiter {
	name := provider + "\x00" + key
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[name]
	if !ok {
		b = rate.NewLimiter(rate.Limit(r.cfg.RPS), r.cfg.Burst)
		r.buckets[name] = b
	}
	return b
}

// RateLimitedEmbedder gates an embedder behind a shared token bucket.
type RateLimitedEmbedder struct {
	inner    memory.Embedder
	limiters *RateLimiters
	provider string
	key      string
}

// WithEmbedRateLimit decorates an embedder with the bucket for
// (provider, key).
func WithEmbedRateLimit(inner memory.Embedder, limiters *RateLimiters, provider, key string) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{inner: inner, limiters: limiters, provider: provider, key: key}
}

func (e *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiters.Wait(ctx, e.provider, e.key); err != nil {
		return nil, NewTransientError("rate limiter wait cancelled", err)
	}
	return e.inner.Embed(ctx, text)
}

// RateLimitedCompleter gates a completer behind a shared token bucket.
type RateLimitedCompleter struct {
	inner    memory.Completer
	limiters *RateLimiters
	provider string
	key      string
}

// WithCompleteRateLimit decorates a completer with the bucket for
// (provider, key).
func WithCompleteRateLimit(inner memory.Completer, limiters *RateLimiters, provider, key string) *RateLimitedCompleter {
	return &RateLimitedCompleter{inner: inner, limiters: limiters, provider: provider, key: key}
}

func (c *RateLimitedCompleter) Complete(ctx context.Context, prompt, input string, maxTokens int) (memory.Completion, error) {
	if err := c.limiters.Wait(ctx, c.provider, c.key); err != nil {
		return memory.Completion{}, NewTransientError("rate limiter wait cancelled", err)
	}
	return c.inner.Complete(ctx, prompt, input, maxTokens)
}

var (
	_ memory.Embedder  = (*RateLimitedEmbedder)(nil)
	_ memory.Completer = (*RateLimitedCompleter)(nil)
)
