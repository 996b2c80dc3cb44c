package ports

import (
	"context"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// OrderRepository defines persistence operations for marketplace order mirrors.
// Methods accepting pgx.Tx run inside a settlement unit of work.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByExternalID(ctx context.Context, externalID string) (*domain.Order, error)
	// ListByStatuses returns non-terminal orders for a polling run, paged.
	ListByStatuses(ctx context.Context, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error)
	// UpdateStatusIf applies a conditional status transition: the row is
	// written only when its current status and version still match the
	// expected prior state. Returns false when the order already moved on
	// (stale signal), with no row written.
	UpdateStatusIf(ctx context.Context, tx pgx.Tx, externalID string, from, to domain.OrderStatus, version int64) (bool, error)
	SetPaymentDetails(ctx context.Context, tx pgx.Tx, externalID, method, reference string) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, externalID string) error
}

// TransactionRepository defines persistence for money-movement records.
// external_reference carries a unique constraint; Create surfaces a duplicate
// as domain-level conflict, which is the last line of idempotency defense.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, txn *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByReference(ctx context.Context, externalReference string) (*domain.Transaction, error)
	// AttachReceipt records the provider's receipt identifier on a settled
	// transaction. It is the only mutation allowed on a terminal row.
	AttachReceipt(ctx context.Context, id uuid.UUID, receiptRef string) error
}

// WalletRepository owns balances, the wallet movement journal and GL rows.
// The settlement engine is the sole writer.
type WalletRepository interface {
	// GetForUpdate locks the (user, currency) balance row inside tx.
	// Returns nil, nil when no row exists yet.
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*domain.WalletBalance, error)
	CreateInTx(ctx context.Context, tx pgx.Tx, balance *domain.WalletBalance) error
	UpdateBalances(ctx context.Context, tx pgx.Tx, id uuid.UUID, available, frozen, total decimal.Decimal) error
	AppendWalletTransaction(ctx context.Context, tx pgx.Tx, wt *domain.WalletTransaction) error
	AppendGLEntries(ctx context.Context, tx pgx.Tx, entries []domain.GLEntry) error
	// GetBalance is the non-locking read used outside mutation boundaries.
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.WalletBalance, error)
	// ListWalletTransactions returns the movement journal in creation order,
	// used by the ledger replay audit.
	ListWalletTransactions(ctx context.Context, userID uuid.UUID, currency string) ([]domain.WalletTransaction, error)
	// SumGLByTransaction returns the CREDIT and DEBIT sums for one transaction.
	SumGLByTransaction(ctx context.Context, transactionID uuid.UUID) (credits, debits decimal.Decimal, err error)
}

// CurrencyRepository reads currency reference metadata (external collaborator).
type CurrencyRepository interface {
	GetByCode(ctx context.Context, code string) (*domain.Currency, error)
}

// WebhookLogRepository records inbound provider deliveries for audit and
// investigation.
type WebhookLogRepository interface {
	Append(ctx context.Context, delivery *domain.WebhookDelivery) error
	ListUnresolved(ctx context.Context, limit int) ([]domain.WebhookDelivery, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
