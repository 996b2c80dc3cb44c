package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// SettlementCache implements ports.IdempotencyCache: the fast-path lookup of
// an already-settled external reference. The Transaction row's unique
// reference constraint remains the authoritative guard; this cache only
// short-circuits duplicate webhook deliveries before they reach the database.
type SettlementCache struct {
	client *goredis.Client
	prefix string
}

// NewSettlementCache creates a new Redis-backed settlement result cache.
func NewSettlementCache(client *goredis.Client) *SettlementCache {
	return &SettlementCache{
		client: client,
		prefix: "settle:",
	}
}

// Get retrieves a cached settlement result by external reference.
// Returns nil, nil if the reference has not been cached.
func (c *SettlementCache) Get(ctx context.Context, reference string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+reference).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis settlement cache get: %w", err)
	}
	return val, nil
}

// Set stores a settlement result with TTL.
func (c *SettlementCache) Set(ctx context.Context, reference string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+reference, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis settlement cache set: %w", err)
	}
	return nil
}
