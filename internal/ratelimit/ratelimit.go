// Package ratelimit provides per-key fixed-window request admission control.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks admissions for one key within the current window.
type bucket struct {
	requestsMade  int
	requestsLimit int
	windowStart   time.Time
	windowLen     time.Duration
}

// Limiter admits requests per key against a fixed window. Buckets are
// created lazily on first use. The check-reset-increment sequence runs
// under one lock so concurrent callers cannot over-admit.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	defaultLimit int
	defaultLen   time.Duration
	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter with the given default per-window request limit
// and window duration.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:      make(map[string]*bucket),
		defaultLimit: limit,
		defaultLen:   window,
		now:          time.Now,
	}
}

// SetLimit overrides the limit and window for a specific key. An existing
// bucket for the key is reset.
func (l *Limiter) SetLimit(key string, limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &bucket{
		requestsLimit: limit,
		windowStart:   l.now(),
		windowLen:     window,
	}
}

// Allow reports whether a request under the given key is admitted.
// A missing bucket is created and the request admitted. An elapsed window
// resets the counter before admission.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			requestsMade:  1,
			requestsLimit: l.defaultLimit,
			windowStart:   now,
			windowLen:     l.defaultLen,
		}
		return true
	}

	if now.Sub(b.windowStart) >= b.windowLen {
		b.requestsMade = 1
		b.windowStart = now
		return true
	}

	if b.requestsMade < b.requestsLimit {
		b.requestsMade++
		return true
	}
	return false
}

// NextWindow returns when the key's current window elapses, so denied
// callers know how long to back off. A missing bucket returns the zero time.
func (l *Limiter) NextWindow(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return time.Time{}
	}
	return b.windowStart.Add(b.windowLen)
}

// Remaining returns how many admissions are left in the key's current
// window. A missing or elapsed bucket reports the full default limit.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.defaultLimit
	}
	if l.now().Sub(b.windowStart) >= b.windowLen {
		return b.requestsLimit
	}
	n := b.requestsLimit - b.requestsMade
	if n < 0 {
		return 0
	}
	return n
}
