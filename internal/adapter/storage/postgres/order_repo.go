package postgres

import (
	"context"
	"errors"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// OrderRepo implements ports.OrderRepository.
type OrderRepo struct {
	pool Pool
}

// NewOrderRepo creates a new OrderRepo.
func NewOrderRepo(pool Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

const orderColumns = `external_id, user_id, side, token_currency, fiat_currency,
	quantity, price, fee, status, counterparty_id, payment_method, payment_reference,
	version, created_at, updated_at, completed_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	o := &domain.Order{}
	err := row.Scan(
		&o.ExternalID, &o.UserID, &o.Side, &o.TokenCurrency, &o.FiatCurrency,
		&o.Quantity, &o.Price, &o.Fee, &o.Status, &o.CounterpartyID,
		&o.PaymentMethod, &o.PaymentReference, &o.Version,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Create inserts a new order mirror row.
func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	query := `INSERT INTO orders (external_id, user_id, side, token_currency, fiat_currency,
		quantity, price, fee, status, counterparty_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		o.ExternalID, o.UserID, o.Side, o.TokenCurrency, o.FiatCurrency,
		o.Quantity, o.Price, o.Fee, o.Status, o.CounterpartyID,
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByExternalID fetches an order by its marketplace-assigned id.
func (r *OrderRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE external_id = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by external id: %w", err)
	}
	return o, nil
}

// ListByStatuses returns orders in any of the given statuses, oldest first,
// paged for polling runs.
func (r *OrderRepo) ListByStatuses(ctx context.Context, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2 OFFSET $3`

	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, query, raw, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders by statuses: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UpdateStatusIf performs the compare-and-swap transition. The write succeeds
// only when the persisted status and version still match the expected prior
// state; a zero row count means the signal is stale.
func (r *OrderRepo) UpdateStatusIf(ctx context.Context, tx pgx.Tx, externalID string, from, to domain.OrderStatus, version int64) (bool, error) {
	query := `UPDATE orders SET status = $1, version = version + 1, updated_at = NOW()
		WHERE external_id = $2 AND status = $3 AND version = $4`

	tag, err := tx.Exec(ctx, query, to, externalID, from, version)
	if err != nil {
		return false, fmt.Errorf("conditional status update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaymentDetails records the payment method and reference observed when the
// order was marked paid.
func (r *OrderRepo) SetPaymentDetails(ctx context.Context, tx pgx.Tx, externalID, method, reference string) error {
	query := `UPDATE orders SET payment_method = $1, payment_reference = $2, updated_at = NOW()
		WHERE external_id = $3`

	tag, err := tx.Exec(ctx, query, method, reference, externalID)
	if err != nil {
		return fmt.Errorf("set payment details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order not found: %s", externalID)
	}
	return nil
}

// MarkCompleted stamps the completion time.
func (r *OrderRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, externalID string) error {
	query := `UPDATE orders SET completed_at = NOW(), updated_at = NOW() WHERE external_id = $1`

	tag, err := tx.Exec(ctx, query, externalID)
	if err != nil {
		return fmt.Errorf("mark order completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order not found: %s", externalID)
	}
	return nil
}
