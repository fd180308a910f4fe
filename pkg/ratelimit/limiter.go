// Package ratelimit protects the unauthenticated snapshot and
// suggestion endpoints from being used to enumerate the catalog.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key over a fixed window.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is the single-process implementation, also the
// fallback when the shared counter store is unreachable.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemory(windowSize time.Duration) *InMemoryLimiter {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &InMemoryLimiter{window: windowSize, counts: map[string]window{}}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.counts {
		if now.After(w.resetAt) {
			delete(l.counts, k)
		}
	}
	w, ok := l.counts[key]
	if !ok || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.counts[key] = w
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: w.count <= limit, Remaining: remaining, ResetAt: w.resetAt}
}
