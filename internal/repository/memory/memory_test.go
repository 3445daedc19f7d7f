package memory

import (
	"context"
	"testing"
	"time"

	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTokenRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository()

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	tok := &models.VerificationToken{ID: "a", Email: "x@example.com", CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Minute)}
	require.NoError(t, repo.Create(ctx, tok))

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	got.Attempts = 3
	stored, _ := repo.Get(ctx, "a")
	assert.Equal(t, 0, stored.Attempts, "Get returns a copy")

	require.NoError(t, repo.Update(ctx, got))
	stored, _ = repo.Get(ctx, "a")
	assert.Equal(t, 3, stored.Attempts)

	assert.ErrorIs(t, repo.Update(ctx, &models.VerificationToken{ID: "nope"}), repository.ErrNotFound)
}

func TestTokenRepository_SwapRelatedRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository()
	require.NoError(t, repo.Create(ctx, &models.VerificationToken{ID: "a", Email: "x@example.com", ExpiresAt: t0.Add(time.Hour)}))

	require.NoError(t, repo.SwapRelatedRequest(ctx, "a", "", "req-1"))
	assert.ErrorIs(t, repo.SwapRelatedRequest(ctx, "a", "", "req-2"), repository.ErrConflict)
	assert.ErrorIs(t, repo.SwapRelatedRequest(ctx, "nope", "", "req-2"), repository.ErrNotFound)

	stored, _ := repo.Get(ctx, "a")
	assert.Equal(t, "req-1", stored.RelatedRequestID)

	require.NoError(t, repo.SwapRelatedRequest(ctx, "a", "req-1", ""))
	stored, _ = repo.Get(ctx, "a")
	assert.Empty(t, stored.RelatedRequestID)
}

func TestTokenRepository_Deletes(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository()
	verifiedAt := t0

	require.NoError(t, repo.Create(ctx, &models.VerificationToken{ID: "u1", Email: "x@example.com", ExpiresAt: t0.Add(time.Hour)}))
	require.NoError(t, repo.Create(ctx, &models.VerificationToken{ID: "v1", Email: "x@example.com", ExpiresAt: t0.Add(time.Hour), VerifiedAt: &verifiedAt}))
	require.NoError(t, repo.Create(ctx, &models.VerificationToken{ID: "o1", Email: "y@example.com", ExpiresAt: t0.Add(-time.Minute)}))

	n, err := repo.DeleteUnverifiedByEmail(ctx, "x@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.Get(ctx, "v1")
	assert.NoError(t, err, "verified tokens survive supersession")

	n, err = repo.DeleteExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.Get(ctx, "o1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDSRRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDSRRepository()

	older := &models.DSRRequest{ID: "1", Status: models.DSRPending, CreatedAt: t0, RequestDetails: map[string]any{"k": "v"}}
	newer := &models.DSRRequest{ID: "2", Status: models.DSRCompleted, CreatedAt: t0.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].ID)

	pending, err := repo.List(ctx, models.DSRPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending[0].RequestDetails["k"] = "mutated"
	stored, err := repo.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "v", stored.RequestDetails["k"])

	_, err = repo.Get(ctx, "3")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConversationStore(t *testing.T) {
	ctx := context.Background()
	store := NewConversationStore(util.NewFakeClock(t0))
	store.AddSession(models.ConversationSession{ID: "s1", CreatedAt: t0})
	store.AddMessage(models.ConversationMessage{ID: "m1", SessionID: "s1", CreatedAt: t0})
	store.AddMessage(models.ConversationMessage{ID: "m2", SessionID: "s1", CreatedAt: t0.Add(time.Second)})

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DataCounts{Sessions: 1, Messages: 2}, *counts)

	snap, err := store.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.ExportedAt)
	assert.Equal(t, "m1", snap.Messages[0].ID)

	require.NoError(t, store.DeleteAll(ctx))
	counts, _ = store.Counts(ctx)
	assert.Zero(t, counts.Sessions)
	assert.Zero(t, counts.Messages)
}
