package postgres

import (
	"context"
	"time"
)

const healthQueryTimeout = 2 * time.Second

// HealthCheck reports PostgreSQL availability for the deep health
// endpoint. The database holds the ledger, so a failed probe marks the
// whole service degraded.
type HealthCheck struct {
	pool Pool
}

func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

func (h *HealthCheck) Name() string { return "postgresql" }

func (h *HealthCheck) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthQueryTimeout)
	defer cancel()
	_, err := h.pool.Exec(ctx, "SELECT 1")
	return err
}
