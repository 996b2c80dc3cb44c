package postgres

import (
	"context"
	"errors"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the postgres error code for a violated UNIQUE
// constraint. On transactions.external_reference it means another writer
// settled the same reference first.
const uniqueViolation = "23505"

// TransactionRepo implements ports.TransactionRepository. The
// transactions.external_reference column carries a UNIQUE constraint; the
// settlement engine relies on it as the final idempotency defense under
// concurrent duplicate deliveries.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const txColumns = `id, user_id, type, direction, amount, fee, currency, status,
	external_reference, order_id, receipt_ref, created_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Direction, &t.Amount, &t.Fee,
		&t.Currency, &t.Status, &t.ExternalReference, &t.OrderID,
		&t.ReceiptRef, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a transaction row inside a settlement unit of work.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (id, user_id, type, direction, amount, fee, currency,
		status, external_reference, order_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := tx.Exec(ctx, query,
		t.ID, t.UserID, t.Type, t.Direction, t.Amount, t.Fee, t.Currency,
		t.Status, t.ExternalReference, t.OrderID, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperror.ErrDuplicateReference(t.ExternalReference)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by id.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return t, nil
}

// GetByReference fetches a transaction by its idempotency reference.
// Returns nil, nil when the reference has not settled yet.
func (r *TransactionRepo) GetByReference(ctx context.Context, externalReference string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE external_reference = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, externalReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction by reference: %w", err)
	}
	return t, nil
}

// AttachReceipt records a receipt reference. Receipt attachment is the only
// mutation allowed on a terminal transaction.
func (r *TransactionRepo) AttachReceipt(ctx context.Context, id uuid.UUID, receiptRef string) error {
	query := `UPDATE transactions SET receipt_ref = $1 WHERE id = $2`

	tag, err := r.pool.Exec(ctx, query, receiptRef, id)
	if err != nil {
		return fmt.Errorf("attach receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}
	return nil
}
