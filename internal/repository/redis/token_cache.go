package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-service/internal/client"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

const (
	tokenPrefix      = "verification_token:"
	tokenEmailPrefix = "verification_token_email:"
	scanBatch        = 100
)

// TokenCache keeps verification tokens in Redis. Each key expires retain
// after the token itself, so a verified token stays usable for the
// post-verification window and the sweep rarely finds anything left.
type TokenCache struct {
	client *client.RedisClient
	retain time.Duration
	clock  util.Clock
}

var _ repository.TokenRepository = (*TokenCache)(nil)

func NewTokenCache(client *client.RedisClient, retain time.Duration, clock util.Clock) *TokenCache {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &TokenCache{client: client, retain: retain, clock: clock}
}

// tokenRecord carries the hash fields the API model hides from JSON.
type tokenRecord struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	CodeHash         string     `json:"codeHash"`
	CodeSalt         string     `json:"codeSalt"`
	PepperVersion    int        `json:"pepperVersion"`
	RelatedRequestID string     `json:"relatedRequestId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
	Attempts         int        `json:"attempts"`
	SourceAddress    string     `json:"sourceAddress,omitempty"`
}

func toRecord(t *models.VerificationToken) tokenRecord {
	return tokenRecord(*t)
}

func (r tokenRecord) model() *models.VerificationToken {
	t := models.VerificationToken(r)
	return &t
}

func (c *TokenCache) keyTTL(t *models.VerificationToken) time.Duration {
	ttl := t.ExpiresAt.Sub(c.clock.Now()) + c.retain
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (c *TokenCache) Create(ctx context.Context, t *models.VerificationToken) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(toRecord(t))
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	ttl := c.keyTTL(t)
	emailKey := tokenEmailPrefix + t.Email

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, tokenPrefix+t.ID, data, ttl)
	pipe.SAdd(ctx, emailKey, t.ID)
	pipe.Expire(ctx, emailKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to cache verification token",
			zap.String("email", util.MaskEmail(t.Email)),
			zap.Error(err))
		return fmt.Errorf("failed to cache verification token: %w", err)
	}
	return nil
}

func (c *TokenCache) Get(ctx context.Context, id string) (*models.VerificationToken, error) {
	data, err := c.client.Client.Get(ctx, tokenPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", id, err)
	}
	return rec.model(), nil
}

// Update rewrites an existing token and keeps its expiry.
func (c *TokenCache) Update(ctx context.Context, t *models.VerificationToken) error {
	data, err := json.Marshal(toRecord(t))
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	err = c.client.Client.SetArgs(ctx, tokenPrefix+t.ID, data, goredis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, goredis.Nil) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update verification token: %w", err)
	}
	return nil
}

// SwapRelatedRequest is a WATCH/MULTI compare-and-set. A concurrent write to
// the key aborts the transaction and is reported as ErrConflict.
func (c *TokenCache) SwapRelatedRequest(ctx context.Context, id, expected, next string) error {
	key := tokenPrefix + id
	err := c.client.Client.Watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec tokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode token %s: %w", id, err)
		}
		if rec.RelatedRequestID != expected {
			return repository.ErrConflict
		}
		rec.RelatedRequestID = next
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, goredis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, goredis.TxFailedErr):
		return repository.ErrConflict
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to swap related request: %w", err)
	}
	return nil
}

func (c *TokenCache) DeleteUnverifiedByEmail(ctx context.Context, email string) (int, error) {
	emailKey := tokenEmailPrefix + email
	ids, err := c.client.Client.SMembers(ctx, emailKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens by email: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		t, err := c.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			_ = c.client.Client.SRem(ctx, emailKey, id).Err()
			continue
		}
		if err != nil {
			return deleted, err
		}
		if t.IsVerified() {
			continue
		}
		if err := c.remove(ctx, t); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteExpired removes tokens that expired before cutoff. Key expiry
// normally gets there first.
func (c *TokenCache) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Client.Scan(ctx, cursor, tokenPrefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan verification tokens: %w", err)
		}
		for _, key := range keys {
			t, err := c.Get(ctx, key[len(tokenPrefix):])
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				util.Warn("Skipping unreadable verification token", zap.String("key", key), zap.Error(err))
				continue
			}
			if t.ExpiresAt.Before(cutoff) {
				if err := c.remove(ctx, t); err != nil {
					return deleted, err
				}
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

func (c *TokenCache) remove(ctx context.Context, t *models.VerificationToken) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, tokenPrefix+t.ID)
	pipe.SRem(ctx, tokenEmailPrefix+t.Email, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete verification token: %w", err)
	}
	return nil
}
