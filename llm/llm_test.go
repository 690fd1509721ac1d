package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memoryd/memory"
)

type countingEmbedder struct {
	calls atomic.Int32
	fails int32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := c.calls.Add(1)
	if n <= c.fails {
		return nil, c.err
	}
	return []float32{float32(len(text))}, nil
}

func fastRetries() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 3}
}

func TestLocalEmbedderIsDeterministic(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the dedup probe runs before commit")
	require.NoError(t, err)
	require.Len(t, a, 64)

	b, err := e.Embed(ctx, "the dedup probe runs before commit")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "something else entirely unrelated here")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbedCacheMemoizesByContent(t *testing.T) {
	inner := &countingEmbedder{}
	cached := WithEmbedCache(inner, 2)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	// Third distinct text evicts the oldest entry.
	_, _ = cached.Embed(ctx, "beta")
	_, _ = cached.Embed(ctx, "gamma")
	_, err = cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(4), inner.calls.Load())
}

func TestEmbedCacheDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{fails: 1, err: NewTransientError("blip", nil)}
	cached := WithEmbedCache(inner, 8)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "alpha")
	require.Error(t, err)
	_, err = cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := &countingEmbedder{fails: 2, err: NewTransientError("overloaded", nil)}
	r := WithEmbedRetry(inner, fastRetries(), zerolog.Nop())

	out, err := r.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	inner := &countingEmbedder{fails: 10, err: NewInvalidRequestError("bad input", nil)}
	r := WithEmbedRetry(inner, fastRetries(), zerolog.Nop())

	_, err := r.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	inner := &countingEmbedder{fails: 100, err: NewTransientError("down", nil)}
	r := WithEmbedRetry(inner, fastRetries(), zerolog.Nop())

	_, err := r.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, int32(4), inner.calls.Load()) // initial try + 3 retries
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	hint := 20 * time.Millisecond
	inner := &countingEmbedder{fails: 1, err: NewRateLimitError("slow down", &hint, nil)}
	r := WithEmbedRetry(inner, fastRetries(), zerolog.Nop())

	start := time.Now()
	_, err := r.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, IsRetryableError(NewRateLimitError("x", nil, nil)))
	assert.True(t, IsRetryableError(NewTransientError("x", nil)))
	assert.False(t, IsRetryableError(NewInvalidRequestError("x", nil)))
	assert.False(t, IsRetryableError(NewProviderError("x", nil)))
	assert.False(t, IsRetryableError(errors.New("plain")))
}

func TestRateLimiterSharesBucketPerProviderKey(t *testing.T) {
	limiters := NewRateLimiters(RateLimitConfig{RPS: 50, Burst: 1})
	ctx := context.Background()

	// Two clients on the same key contend for one bucket.
	a := WithEmbedRateLimit(&countingEmbedder{}, limiters, "openai", "key-1")
	b := WithEmbedRateLimit(&countingEmbedder{}, limiters, "openai", "key-1")

	start := time.Now()
	_, err := a.Embed(ctx, "one")
	require.NoError(t, err)
	_, err = b.Embed(ctx, "two")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// A different key gets a fresh burst and is not delayed.
	c := WithEmbedRateLimit(&countingEmbedder{}, limiters, "openai", "key-2")
	start = time.Now()
	_, err = c.Embed(ctx, "three")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 15*time.Millisecond)
}

func TestRateLimiterRespectsCancellation(t *testing.T) {
	limiters := NewRateLimiters(RateLimitConfig{RPS: 0.001, Burst: 1})
	e := WithEmbedRateLimit(&countingEmbedder{}, limiters, "anthropic", "key")
	ctx := context.Background()

	_, err := e.Embed(ctx, "uses the burst")
	require.NoError(t, err)

	cancelled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = e.Embed(cancelled, "must wait far too long")
	require.Error(t, err)
	assert.True(t, IsRetryableError(err))
}

var _ memory.Embedder = (*countingEmbedder)(nil)
