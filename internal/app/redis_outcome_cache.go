package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/domain"
)

// RedisOutcomeCache keeps terminal idempotency outcomes in Redis so replays
// are answered without a database round trip.
type RedisOutcomeCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisOutcomeCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisOutcomeCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:idempotency"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisOutcomeCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (c *RedisOutcomeCache) key(idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", c.prefix, idempotencyKey)
}

// Get returns nil, nil on a miss.
func (c *RedisOutcomeCache) Get(ctx context.Context, idempotencyKey string) (*domain.IdempotencyOutcome, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	raw, err := c.client.Get(ctx, c.key(idempotencyKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var outcome domain.IdempotencyOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, fmt.Errorf("decode cached outcome: %w", err)
	}
	return &outcome, nil
}

// Set stores the outcome unless one is already cached for the key; the first
// committed outcome is the only one that can exist.
func (c *RedisOutcomeCache) Set(ctx context.Context, outcome *domain.IdempotencyOutcome) error {
	if c == nil || c.client == nil || outcome == nil {
		return nil
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return c.client.SetNX(ctx, c.key(outcome.IdempotencyKey), payload, c.ttl).Err()
}
