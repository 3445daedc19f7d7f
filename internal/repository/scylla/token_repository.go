package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/bucketing"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

type TokenRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

var _ repository.TokenRepository = (*TokenRepository)(nil)

func NewTokenRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *TokenRepository {
	return &TokenRepository{client: client, buckets: buckets}
}

func (r *TokenRepository) Create(ctx context.Context, t *models.VerificationToken) error {
	return r.write(ctx, t, "create")
}

func (r *TokenRepository) Update(ctx context.Context, t *models.VerificationToken) error {
	if _, err := r.Get(ctx, t.ID); err != nil {
		return err
	}
	return r.write(ctx, t, "update")
}

func (r *TokenRepository) write(ctx context.Context, t *models.VerificationToken, op string) error {
	q := r.client.Query(ctx, r.client.Stmt.InsertToken,
		r.buckets.GetTokenBucket(t.ID), t.ID, t.Email, t.CodeHash, t.CodeSalt, t.PepperVersion,
		t.RelatedRequestID, t.CreatedAt, t.ExpiresAt, nullableTime(t.VerifiedAt), t.Attempts, t.SourceAddress)

	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to write verification token",
			zap.String("op", op),
			zap.String("token_id", t.ID),
			zap.Error(err))
		return fmt.Errorf("failed to %s verification token: %w", op, err)
	}
	return nil
}

func (r *TokenRepository) Get(ctx context.Context, id string) (*models.VerificationToken, error) {
	q := r.client.Query(ctx, r.client.Stmt.GetToken, r.buckets.GetTokenBucket(id), id)
	var row tokenRow
	if err := r.client.ScanWithRetry(q, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}
	return row.model(), nil
}

// SwapRelatedRequest runs as a lightweight transaction so two instances can
// never both spend one token.
func (r *TokenRepository) SwapRelatedRequest(ctx context.Context, id, expected, next string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	q := r.client.Query(ctx, r.client.Stmt.SwapTokenRequest, next, r.buckets.GetTokenBucket(id), id, expected).
		SerialConsistency(gocql.LocalSerial)
	applied, err := q.MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to swap related request: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

func (r *TokenRepository) DeleteUnverifiedByEmail(ctx context.Context, email string) (int, error) {
	iter := r.client.Query(ctx, r.client.Stmt.TokensByEmail, email).Iter()
	var victims []*models.VerificationToken
	var row tokenRow
	for iter.Scan(row.dest()...) {
		if t := row.model(); !t.IsVerified() {
			victims = append(victims, t)
		}
		row = tokenRow{}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to list tokens by email: %w", err)
	}
	return r.deleteAll(ctx, victims)
}

// DeleteExpired walks every token bucket.
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var victims []*models.VerificationToken
	for b := 0; b < r.buckets.TokenBuckets(); b++ {
		iter := r.client.Query(ctx, r.client.Stmt.TokensInBucket, b).Iter()
		var row tokenRow
		for iter.Scan(row.dest()...) {
			if t := row.model(); t.IsExpired(now) {
				victims = append(victims, t)
			}
			row = tokenRow{}
		}
		if err := iter.Close(); err != nil {
			return 0, fmt.Errorf("failed to scan token bucket %d: %w", b, err)
		}
	}
	return r.deleteAll(ctx, victims)
}

func (r *TokenRepository) deleteAll(ctx context.Context, tokens []*models.VerificationToken) (int, error) {
	n := 0
	for _, t := range tokens {
		q := r.client.Query(ctx, r.client.Stmt.DeleteToken, r.buckets.GetTokenBucket(t.ID), t.ID)
		if err := r.client.ExecuteWithRetry(q, 2); err != nil {
			return n, fmt.Errorf("failed to delete verification token: %w", err)
		}
		n++
	}
	return n, nil
}

type tokenRow struct {
	bucket     int
	token      models.VerificationToken
	verifiedAt time.Time
}

func (row *tokenRow) dest() []any {
	t := &row.token
	return []any{
		&row.bucket, &t.ID, &t.Email, &t.CodeHash, &t.CodeSalt, &t.PepperVersion, &t.RelatedRequestID,
		&t.CreatedAt, &t.ExpiresAt, &row.verifiedAt, &t.Attempts, &t.SourceAddress,
	}
}

func (row *tokenRow) model() *models.VerificationToken {
	t := row.token
	t.VerifiedAt = timePtr(row.verifiedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t
}
