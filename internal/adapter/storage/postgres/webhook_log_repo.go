package postgres

import (
	"context"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"
)

// WebhookLogRepo implements ports.WebhookLogRepository. Every inbound
// provider delivery is recorded regardless of outcome; REJECTED and FAILED
// rows form the investigation backlog.
type WebhookLogRepo struct {
	pool Pool
}

// NewWebhookLogRepo creates a new WebhookLogRepo.
func NewWebhookLogRepo(pool Pool) *WebhookLogRepo {
	return &WebhookLogRepo{pool: pool}
}

// Append records one delivery.
func (r *WebhookLogRepo) Append(ctx context.Context, d *domain.WebhookDelivery) error {
	query := `INSERT INTO webhook_deliveries (id, provider, reference, payload_hash, outcome, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.Provider, d.Reference, d.PayloadHash, d.Outcome, d.Error, d.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ListUnresolved returns rejected and failed deliveries, oldest first.
func (r *WebhookLogRepo) ListUnresolved(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	query := `SELECT id, provider, reference, payload_hash, outcome, error, received_at
		FROM webhook_deliveries WHERE outcome IN ('REJECTED', 'FAILED')
		ORDER BY received_at ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.Provider, &d.Reference, &d.PayloadHash, &d.Outcome, &d.Error, &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
