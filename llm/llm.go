// Package llm adapts external model providers to the two capabilities the
// engine needs: embedding text and generating short completions. Provider
// errors are normalized so retry decisions never depend on provider SDKs.
package llm

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// RetryConfig bounds provider retries.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval == 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// withRetry runs op with jittered exponential backoff, honoring provider
// retry-after hints and giving up immediately on non-retryable errors.
func withRetry(ctx context.Context, logger zerolog.Logger, cfg RetryConfig, name string, op func() error) error {
	cfg = cfg.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.RandomizationFactor = 0.3
	eb.Reset()

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		if ra := ExtractRetryAfter(err); ra != nil {
			select {
			case <-time.After(*ra):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		logger.Warn().Str("op", name).Int("attempt", attempt).Err(err).Msg("provider call failed, retrying")
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(eb, cfg.MaxRetries), ctx))
}

// RetryingEmbedder wraps an embedder with normalized retries.
type RetryingEmbedder struct {
	inner  memory.Embedder
	cfg    RetryConfig
	logger zerolog.Logger
}

// WithEmbedRetry decorates an embedder.
func WithEmbedRetry(inner memory.Embedder, cfg RetryConfig, logger zerolog.Logger) *RetryingEmbedder {
	return &RetryingEmbedder{inner: inner, cfg: cfg, logger: logger.With().Str("component", "llm_retry").Logger()}
}

func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := withRetry(ctx, r.logger, r.cfg, "embed", func() error {
		var err error
		out, err = r.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

// RetryingCompleter wraps a completer with normalized retries.
type RetryingCompleter struct {
	inner  memory.Completer
	cfg    RetryConfig
	logger zerolog.Logger
}

// WithCompleteRetry decorates a completer.
func WithCompleteRetry(inner memory.Completer, cfg RetryConfig, logger zerolog.Logger) *RetryingCompleter {
	return &RetryingCompleter{inner: inner, cfg: cfg, logger: logger.With().Str("component", "llm_retry").Logger()}
}

func (r *RetryingCompleter) Complete(ctx context.Context, prompt, input string, maxTokens int) (memory.Completion, error) {
	var out memory.Completion
	err := withRetry(ctx, r.logger, r.cfg, "complete", func() error {
		var err error
		out, err = r.inner.Complete(ctx, prompt, input, maxTokens)
		return err
	})
	return out, err
}

// CachingEmbedder memoizes embeddings by content hash. Identical text is
// embedded once per process, which also makes the dedup probe cheap for
// repeated adds.
type CachingEmbedder struct {
	inner memory.Embedder
	mu    sync.Mutex
	cache map[[32]byte][]float32
	order [][32]byte
	cap   int
}

// WithEmbedCache decorates an embedder with an in-process cache of up to
// capacity entries, evicting oldest-inserted first.
func WithEmbedCache(inner memory.Embedder, capacity int) *CachingEmbedder {
	if capacity <= 0 {
		capacity = 4096
	}
	return &CachingEmbedder{
		inner: inner,
		cache: make(map[[32]byte][]float32, capacity),
		cap:   capacity,
	}
}

func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	c.mu.Lock()
	if v, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if _, ok := c.cache[key]; !ok {
		if len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.cache, oldest)
		}
		c.cache[key] = v
		c.order = append(c.order, key)
	}
	c.mu.Unlock()
	return v, nil
}

var (
	_ memory.Embedder  = (*RetryingEmbedder)(nil)
	_ memory.Embedder  = (*CachingEmbedder)(nil)
	_ memory.Completer = (*RetryingCompleter)(nil)
)
