package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletBalance is the per (user, currency) balance aggregate. Invariants:
// Total == Available + Frozen at all times, and Available >= 0. The row is
// mutated exclusively through settlement operations that also append a
// WalletTransaction; it is never written directly.
type WalletBalance struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available_balance"`
	Frozen    decimal.Decimal `json:"frozen_balance"`
	Total     decimal.Decimal `json:"total_balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CheckInvariant verifies the balance identity. A violation is fatal to the
// enclosing unit of work.
func (b *WalletBalance) CheckInvariant() bool {
	return b.Total.Equal(b.Available.Add(b.Frozen)) && !b.Available.IsNegative()
}

// WalletTransactionType classifies a ledger movement.
type WalletTransactionType string

const (
	WalletTxCredit   WalletTransactionType = "CREDIT"
	WalletTxDebit    WalletTransactionType = "DEBIT"
	WalletTxFreeze   WalletTransactionType = "FREEZE"
	WalletTxUnfreeze WalletTransactionType = "UNFREEZE"
)

// WalletTransaction is an immutable audit record of one balance movement.
// Rows are append-only; replaying them in creation order from zero must
// reproduce the current WalletBalance exactly.
type WalletTransaction struct {
	ID              uuid.UUID             `json:"id"`
	UserID          uuid.UUID             `json:"user_id"`
	Currency        string                `json:"currency"`
	Type            WalletTransactionType `json:"type"`
	Amount          decimal.Decimal       `json:"amount"`
	AvailableBefore decimal.Decimal       `json:"available_before"`
	AvailableAfter  decimal.Decimal       `json:"available_after"`
	FrozenBefore    decimal.Decimal       `json:"frozen_before"`
	FrozenAfter     decimal.Decimal       `json:"frozen_after"`
	ReferenceID     string                `json:"reference_id"`
	ReferenceType   string                `json:"reference_type"`
	Actor           string                `json:"actor"`
	CreatedAt       time.Time             `json:"created_at"`
}

// Apply folds one movement into running available/frozen balances. Used by
// the ledger replay audit.
func (wt *WalletTransaction) Apply(available, frozen decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	switch wt.Type {
	case WalletTxCredit:
		return available.Add(wt.Amount), frozen
	case WalletTxDebit:
		return available.Sub(wt.Amount), frozen
	case WalletTxFreeze:
		return available.Sub(wt.Amount), frozen.Add(wt.Amount)
	case WalletTxUnfreeze:
		return available.Add(wt.Amount), frozen.Sub(wt.Amount)
	}
	return available, frozen
}
