package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostUSDMatchesModelFamily(t *testing.T) {
	assert.InDelta(t, 4.80, costUSD("claude-3-5-haiku-latest", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 18.00, costUSD("claude-sonnet-4-0", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 90.00, costUSD("claude-opus-4-0", 1_000_000, 1_000_000), 1e-9)

	// A realistic summarize call on haiku.
	assert.InDelta(t, 0.00048, costUSD("claude-3-5-haiku-latest", 350, 50), 1e-12)
}

func TestCostUSDUnknownFamilyIsZero(t *testing.T) {
	assert.Zero(t, costUSD("claude-instant-1", 1000, 1000))
	assert.Zero(t, costUSD("", 1000, 1000))
}
