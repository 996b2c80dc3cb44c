package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ReplayStore implements ports.ReplayGuard on Redis SET NX. It is the
// shared-store variant for multi-node deployments, where an in-process cache
// cannot see payloads first validated on another node.
type ReplayStore struct {
	client *goredis.Client
	prefix string
	window time.Duration
}

// NewReplayStore creates a Redis-backed replay guard with the given
// freshness window.
func NewReplayStore(client *goredis.Client, window time.Duration) *ReplayStore {
	return &ReplayStore{
		client: client,
		prefix: "replay:",
		window: window,
	}
}

// FirstSeen atomically registers a payload hash. Returns true when the hash
// is new, false when it was already registered within the freshness window.
func (s *ReplayStore) FirstSeen(ctx context.Context, hash string) (bool, error) {
	result, err := s.client.SetArgs(ctx, s.prefix+hash, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  s.window,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			// Key already exists, payload was seen before.
			return false, nil
		}
		return false, fmt.Errorf("redis replay check: %w", err)
	}
	return result == "OK", nil
}
