package service

import (
	"context"
	"sync"
	"time"

	"trust-service/internal/models"
	"trust-service/internal/util"
)

// RateLimiter counts a request for key against a fixed window.
// repository/redis.RateLimitCache is the shared implementation.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (models.RateLimitDecision, error)
}

type window struct {
	start time.Time
	count int
}

// MemoryRateLimiter is a per-process fixed-window limiter. The window opens on
// the first request for a key and resets once it has fully elapsed.
type MemoryRateLimiter struct {
	limit  int
	period time.Duration
	clock  util.Clock

	locks   keyedMutex
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryRateLimiter(limit int, period time.Duration, clock util.Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &MemoryRateLimiter{
		limit:   limit,
		period:  period,
		clock:   clock,
		windows: make(map[string]*window),
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (models.RateLimitDecision, error) {
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.clock.Now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	l.mu.Unlock()

	w.count++
	decision := models.RateLimitDecision{
		Allowed: w.count <= l.limit,
		Count:   w.count,
		Limit:   l.limit,
	}
	if !decision.Allowed {
		decision.RetryAfter = w.start.Add(l.period).Sub(now)
	}
	return decision, nil
}

// Prune drops windows that have elapsed.
func (l *MemoryRateLimiter) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// keyedMutex hands out one mutex per key and frees it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
