package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/client"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupTokenCache(t *testing.T) (*TokenCache, *miniredis.Miniredis, *util.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := &client.RedisClient{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = rc.Close() })
	clock := util.NewFakeClock(t0)
	return NewTokenCache(rc, 30*time.Minute, clock), mr, clock
}

func newToken(id, email string) *models.VerificationToken {
	return &models.VerificationToken{
		ID:            id,
		Email:         email,
		CodeHash:      "hash",
		CodeSalt:      "salt",
		PepperVersion: 2,
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(30 * time.Minute),
	}
}

func TestTokenCache_CreateGetUpdate(t *testing.T) {
	cache, mr, _ := setupTokenCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Create(ctx, newToken("tok-1", "jane@example.com")))
	assert.Equal(t, time.Hour, mr.TTL(tokenPrefix+"tok-1"))

	got, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.CodeHash, "hash fields survive storage")
	assert.Equal(t, 2, got.PepperVersion)

	got.Attempts = 3
	verified := t0.Add(time.Minute)
	got.VerifiedAt = &verified
	require.NoError(t, cache.Update(ctx, got))
	assert.Equal(t, time.Hour, mr.TTL(tokenPrefix+"tok-1"), "update keeps expiry")

	again, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 3, again.Attempts)
	assert.True(t, again.IsVerified())
}

func TestTokenCache_NotFound(t *testing.T) {
	cache, _, _ := setupTokenCache(t)
	ctx := context.Background()

	_, err := cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, cache.Update(ctx, newToken("missing", "a@example.com")), repository.ErrNotFound)
}

func TestTokenCache_SwapRelatedRequest(t *testing.T) {
	cache, mr, _ := setupTokenCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Create(ctx, newToken("tok-1", "jane@example.com")))

	require.NoError(t, cache.SwapRelatedRequest(ctx, "tok-1", "", "req-1"))
	assert.ErrorIs(t, cache.SwapRelatedRequest(ctx, "tok-1", "", "req-2"), repository.ErrConflict)
	assert.ErrorIs(t, cache.SwapRelatedRequest(ctx, "missing", "", "req-2"), repository.ErrNotFound)
	assert.Equal(t, time.Hour, mr.TTL(tokenPrefix+"tok-1"), "swap keeps expiry")

	got, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RelatedRequestID)
	assert.Equal(t, "hash", got.CodeHash)

	require.NoError(t, cache.SwapRelatedRequest(ctx, "tok-1", "req-1", ""))
	got, err = cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Empty(t, got.RelatedRequestID)
}

func TestTokenCache_SwapRelatedRequest_Concurrent(t *testing.T) {
	cache, _, _ := setupTokenCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Create(ctx, newToken("tok-1", "jane@example.com")))

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.SwapRelatedRequest(ctx, "tok-1", "", fmt.Sprintf("req-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrConflict)
	}
	assert.Equal(t, 1, won)
}

func TestTokenCache_DeleteUnverifiedByEmail(t *testing.T) {
	cache, _, _ := setupTokenCache(t)
	ctx := context.Background()

	verified := newToken("v", "jane@example.com")
	at := t0
	verified.VerifiedAt = &at
	require.NoError(t, cache.Create(ctx, verified))
	require.NoError(t, cache.Create(ctx, newToken("u1", "jane@example.com")))
	require.NoError(t, cache.Create(ctx, newToken("u2", "jane@example.com")))
	require.NoError(t, cache.Create(ctx, newToken("other", "bob@example.com")))

	n, err := cache.DeleteUnverifiedByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = cache.Get(ctx, "v")
	assert.NoError(t, err)
	_, err = cache.Get(ctx, "other")
	assert.NoError(t, err)
	_, err = cache.Get(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTokenCache_DeleteExpired(t *testing.T) {
	cache, _, _ := setupTokenCache(t)
	ctx := context.Background()

	old := newToken("old", "jane@example.com")
	old.ExpiresAt = t0.Add(-2 * time.Hour)
	require.NoError(t, cache.Create(ctx, old))
	require.NoError(t, cache.Create(ctx, newToken("fresh", "jane@example.com")))

	n, err := cache.DeleteExpired(ctx, t0.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = cache.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestTokenCache_KeyExpiry(t *testing.T) {
	cache, mr, _ := setupTokenCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Create(ctx, newToken("tok", "jane@example.com")))
	mr.FastForward(time.Hour + time.Second)

	_, err := cache.Get(ctx, "tok")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
