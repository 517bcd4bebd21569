package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimits_PerIPLimit(t *testing.T) {
	limits := NewConnectionLimits(2, 1000, 1000)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)

	// A different IP is unaffected.
	ok, _ = limits.Acquire("10.0.0.2")
	assert.True(t, ok)
}

func TestConnectionLimits_ReleaseFreesSlot(t *testing.T) {
	limits := NewConnectionLimits(1, 1000, 1000)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("10.0.0.1")
	assert.False(t, ok)

	limits.Release("10.0.0.1")

	ok, _ = limits.Acquire("10.0.0.1")
	assert.True(t, ok)
}

func TestConnectionLimits_RateLimit(t *testing.T) {
	// Burst of 2 with a negligible refill rate: the third attempt in quick
	// succession must be rate limited.
	limits := NewConnectionLimits(100, 0.001, 2)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)
}

func TestConnectionLimits_ReleaseUnknownIPIsHarmless(t *testing.T) {
	limits := NewConnectionLimits(1, 1000, 1000)
	limits.Release("10.0.0.9")

	ok, _ := limits.Acquire("10.0.0.9")
	assert.True(t, ok)
}
