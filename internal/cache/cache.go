// Package cache wraps the ephemeral Redis store: dedup keys, the sliding
// rate-limit counter, and the in-app broadcast pub/sub channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/config"
)

const (
	dedupTTL     = time.Hour
	rateLimitTTL = time.Hour
	// BroadcastChannel is the pub/sub channel the in-app delivery worker
	// publishes compact broadcast records to after persisting a delivery.
	BroadcastChannel = "ws:notifications"
)

type Cache struct {
	client *redis.Client
	logger *zerolog.Logger
}

func Connect(cfg config.RedisConfig, log *zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Address).Msg("connected to redis")

	return &Cache{client: client, logger: log}, nil
}

func dedupKey(eventID string) string {
	return fmt.Sprintf("dedup:%s", eventID)
}

// Dedup attempts to claim eventID as seen. It returns true the first time a
// given id is claimed (caller should proceed), false on every subsequent
// call within the TTL window (caller should ack-drop as a duplicate).
func (c *Cache) Dedup(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.client.SetNX(ctx, dedupKey(eventID), "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedup key: %w", err)
	}
	return ok, nil
}

func rateLimitKey(userID, channel, eventType string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", userID, channel, eventType)
}

// IncrRateLimit increments the sliding-window counter for (userID, channel,
// eventType), setting a 3600s TTL on the first increment in the window, and
// returns the post-increment value. Callers must only invoke this when the
// rate-limit rule of the preference filter is actually evaluated, never on
// an earlier rule's denial.
func (c *Cache) IncrRateLimit(ctx context.Context, userID, channel, eventType string) (int64, error) {
	key := rateLimitKey(userID, channel, eventType)

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, rateLimitTTL).Err(); err != nil {
			return n, fmt.Errorf("failed to set rate limit ttl: %w", err)
		}
	}

	return n, nil
}

// Publish broadcasts v as JSON on BroadcastChannel. Failures are logged and
// swallowed: a broadcast failure never flips a delivery row to failed and
// never naks an already-acked message.
func (c *Cache) Publish(ctx context.Context, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to marshal broadcast payload")
		return
	}
	if err := c.client.Publish(ctx, BroadcastChannel, payload).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to publish broadcast")
	}
}

func (c *Cache) Close() error {
	c.logger.Info().Msg("closing redis connection")
	return c.client.Close()
}
