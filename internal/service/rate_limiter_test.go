package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"trust-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_FixedWindow(t *testing.T) {
	clock := util.NewFakeClock(t0)
	l := NewMemoryRateLimiter(3, time.Hour, clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
		clock.Advance(10 * time.Minute)
	}

	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	// window is anchored at the first request, not the latest
	clock.Advance(30 * time.Minute)
	d, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryRateLimiter_Prune(t *testing.T) {
	clock := util.NewFakeClock(t0)
	l := NewMemoryRateLimiter(1, time.Minute, clock)
	_, _ = l.Allow(context.Background(), "a")
	_, _ = l.Allow(context.Background(), "b")

	assert.Equal(t, 0, l.Prune())
	clock.Advance(time.Minute)
	assert.Equal(t, 2, l.Prune())
}

func TestMemoryRateLimiter_Concurrent(t *testing.T) {
	l := NewMemoryRateLimiter(10, time.Hour, util.NewFakeClock(t0))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "shared")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
