package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/client"
	"trust-service/internal/models"
	"trust-service/internal/util"
)

const verificationRateLimitPrefix = "rate_limit:dsr_verify:"

// RateLimitCache is a fixed-window counter: the first request in a window
// creates the key with the window TTL (SETNX), every request INCRs it. Both
// run in one MULTI so concurrent callers never lose a count.
type RateLimitCache struct {
	client *client.RedisClient
	limit  int
	window time.Duration
}

func NewRateLimitCache(client *client.RedisClient, limit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{client: client, limit: limit, window: window}
}

func (c *RateLimitCache) Allow(ctx context.Context, key string) (models.RateLimitDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	redisKey := verificationRateLimitPrefix + key

	pipe := c.client.TxPipeline()
	pipe.SetNX(ctx, redisKey, 0, c.window)
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", util.MaskEmail(key)),
			zap.Error(err))
		return models.RateLimitDecision{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	count := int(incr.Val())
	retryAfter := ttl.Val()
	if retryAfter < 0 {
		// key without expiry; should not happen but never lock forever
		retryAfter = c.window
		_ = c.client.Client.PExpire(ctx, redisKey, c.window).Err()
	}

	decision := models.RateLimitDecision{
		Allowed: count <= c.limit,
		Count:   count,
		Limit:   c.limit,
	}
	if !decision.Allowed {
		decision.RetryAfter = retryAfter
	}

	util.Debug("Rate limit counter incremented",
		zap.Int("count", count),
		zap.Int("limit", c.limit),
		zap.Duration("ttl", retryAfter))

	return decision, nil
}

// Reset clears the window for key.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, verificationRateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
