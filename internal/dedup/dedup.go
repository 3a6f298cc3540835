// Package dedup suppresses duplicate alerts and rate-limits webhook
// sources using Redis. Both checks fail open: if Redis is unreachable the
// gateway keeps accepting alerts rather than dropping them.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	fingerprintPrefix = "aiops:fingerprint:"
	rateLimitPrefix   = "aiops:ratelimit:"
)

// Deduplicator tracks recently seen alert fingerprints.
type Deduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduplicator builds a Deduplicator over an existing Redis client.
func NewDeduplicator(client *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{client: client, ttl: ttl}
}

// Seen atomically records a fingerprint and reports whether it was already
// present. A duplicate hit does not refresh the TTL, so a flapping alert
// resurfaces once the original entry ages out.
func (d *Deduplicator) Seen(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := d.client.SetNX(ctx, fingerprintPrefix+fingerprint, 1, d.ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Dedup check failed, treating alert as new")
		return false, nil
	}
	return !ok, nil
}

// Extend refreshes the TTL of a known fingerprint. Nothing in the ingest
// path calls it; it exists for a future suppress-while-firing mode.
func (d *Deduplicator) Extend(ctx context.Context, fingerprint string) error {
	if err := d.client.Expire(ctx, fingerprintPrefix+fingerprint, d.ttl).Err(); err != nil {
		return fmt.Errorf("extend fingerprint ttl: %w", err)
	}
	return nil
}

// Forget drops a fingerprint so the next matching alert opens a fresh
// incident. Used when an incident is closed early.
func (d *Deduplicator) Forget(ctx context.Context, fingerprint string) error {
	if err := d.client.Del(ctx, fingerprintPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("forget fingerprint: %w", err)
	}
	return nil
}

// RateLimiter enforces a fixed-window request budget per key.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter builds a RateLimiter allowing limit requests per window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow consumes one slot for key and reports whether the request is within
// budget, plus the remaining budget for the current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, int) {
	redisKey := rateLimitPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Rate limit check failed, allowing request")
		return true, r.limit
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to set rate limit window")
		}
	}
	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= r.limit, remaining
}
