package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding window counter keyed by client IP or user id.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it fits in the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	recent := r.prune(key, now)
	if len(recent) >= r.limit {
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// Sweep drops keys with no hit inside the window.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key := range r.hits {
		r.prune(key, now)
	}
}

func (r *RateLimiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	if idx == 0 {
		delete(r.hits, key)
		return nil
	}
	r.hits[key] = slice[:idx]
	return slice[:idx]
}
