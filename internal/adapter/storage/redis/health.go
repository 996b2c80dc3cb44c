package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const healthPingTimeout = 2 * time.Second

// HealthCheck reports Redis availability for the deep health endpoint.
// Redis going down degrades the service (no replay guard, no result
// cache, no throttling) but does not stop settlement, so the probe is
// informational rather than fatal.
type HealthCheck struct {
	client *goredis.Client
}

func NewHealthCheck(client *goredis.Client) *HealthCheck {
	return &HealthCheck{client: client}
}

func (h *HealthCheck) Name() string { return "redis" }

func (h *HealthCheck) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return h.client.Ping(ctx).Err()
}
