package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	req.True(limiter.Allow("1.2.3.4"))
	req.True(limiter.Allow("1.2.3.4"))
	req.False(limiter.Allow("1.2.3.4"))
	req.True(limiter.Allow("5.6.7.8"))

	now = now.Add(61 * time.Second)
	req.True(limiter.Allow("1.2.3.4"))
}

func TestRateLimiter_SweepForgetsIdleKeys(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(5, time.Second)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	limiter.Allow("b")
	now = now.Add(2 * time.Second)
	limiter.Sweep()

	req.Empty(limiter.hits)
}
