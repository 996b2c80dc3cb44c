package postgres

import (
	"context"
	"errors"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// WalletRepo implements ports.WalletRepository. The settlement engine is the
// sole writer; every balance write travels through a pgx.Tx holding the
// FOR UPDATE lock on the balance row.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const balanceColumns = `id, user_id, currency, available_balance, frozen_balance, total_balance, created_at, updated_at`

func scanBalance(row pgx.Row) (*domain.WalletBalance, error) {
	b := &domain.WalletBalance{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.Currency, &b.Available, &b.Frozen, &b.Total,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetForUpdate locks and fetches the (user, currency) balance row.
// Returns nil, nil when the wallet does not exist yet.
func (r *WalletRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*domain.WalletBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM wallet_balances
		WHERE user_id = $1 AND currency = $2 FOR UPDATE`

	b, err := scanBalance(tx.QueryRow(ctx, query, userID, currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance for update: %w", err)
	}
	return b, nil
}

// CreateInTx inserts a fresh balance row inside the settlement unit of work.
func (r *WalletRepo) CreateInTx(ctx context.Context, tx pgx.Tx, b *domain.WalletBalance) error {
	query := `INSERT INTO wallet_balances (id, user_id, currency, available_balance,
		frozen_balance, total_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		b.ID, b.UserID, b.Currency, b.Available, b.Frozen, b.Total,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet balance: %w", err)
	}
	return nil
}

// UpdateBalances writes all three sub-balances of a locked row.
func (r *WalletRepo) UpdateBalances(ctx context.Context, tx pgx.Tx, id uuid.UUID, available, frozen, total decimal.Decimal) error {
	query := `UPDATE wallet_balances SET available_balance = $1, frozen_balance = $2,
		total_balance = $3, updated_at = NOW() WHERE id = $4`

	tag, err := tx.Exec(ctx, query, available, frozen, total, id)
	if err != nil {
		return fmt.Errorf("update wallet balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet balance not found: %s", id)
	}
	return nil
}

// AppendWalletTransaction appends one immutable movement record.
func (r *WalletRepo) AppendWalletTransaction(ctx context.Context, tx pgx.Tx, wt *domain.WalletTransaction) error {
	query := `INSERT INTO wallet_transactions (id, user_id, currency, type, amount,
		available_before, available_after, frozen_before, frozen_after,
		reference_id, reference_type, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := tx.Exec(ctx, query,
		wt.ID, wt.UserID, wt.Currency, wt.Type, wt.Amount,
		wt.AvailableBefore, wt.AvailableAfter, wt.FrozenBefore, wt.FrozenAfter,
		wt.ReferenceID, wt.ReferenceType, wt.Actor, wt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append wallet transaction: %w", err)
	}
	return nil
}

// AppendGLEntries appends the double-entry rows of one settled event.
func (r *WalletRepo) AppendGLEntries(ctx context.Context, tx pgx.Tx, entries []domain.GLEntry) error {
	query := `INSERT INTO gl_entries (id, transaction_id, entry_type, account_type, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for i := range entries {
		e := &entries[i]
		if _, err := tx.Exec(ctx, query,
			e.ID, e.TransactionID, e.EntryType, e.AccountType, e.Amount, e.Currency, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("append gl entry: %w", err)
		}
	}
	return nil
}

// GetBalance is the non-locking balance read.
func (r *WalletRepo) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.WalletBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM wallet_balances WHERE user_id = $1 AND currency = $2`

	b, err := scanBalance(r.pool.QueryRow(ctx, query, userID, currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// ListWalletTransactions returns the movement journal in creation order.
func (r *WalletRepo) ListWalletTransactions(ctx context.Context, userID uuid.UUID, currency string) ([]domain.WalletTransaction, error) {
	query := `SELECT id, user_id, currency, type, amount,
		available_before, available_after, frozen_before, frozen_after,
		reference_id, reference_type, actor, created_at
		FROM wallet_transactions WHERE user_id = $1 AND currency = $2
		ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var journal []domain.WalletTransaction
	for rows.Next() {
		var wt domain.WalletTransaction
		if err := rows.Scan(
			&wt.ID, &wt.UserID, &wt.Currency, &wt.Type, &wt.Amount,
			&wt.AvailableBefore, &wt.AvailableAfter, &wt.FrozenBefore, &wt.FrozenAfter,
			&wt.ReferenceID, &wt.ReferenceType, &wt.Actor, &wt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		journal = append(journal, wt)
	}
	return journal, rows.Err()
}

// SumGLByTransaction returns the CREDIT and DEBIT totals for one transaction,
// used by the zero-sum audit.
func (r *WalletRepo) SumGLByTransaction(ctx context.Context, transactionID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	query := `SELECT
		COALESCE(SUM(amount) FILTER (WHERE entry_type = 'CREDIT'), 0),
		COALESCE(SUM(amount) FILTER (WHERE entry_type = 'DEBIT'), 0)
		FROM gl_entries WHERE transaction_id = $1`

	var credits, debits decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, transactionID).Scan(&credits, &debits); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sum gl entries: %w", err)
	}
	return credits, debits, nil
}
