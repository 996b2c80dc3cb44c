package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies the source of a money movement.
type TransactionType string

const (
	TransactionTypeDeposit         TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal      TransactionType = "WITHDRAWAL"
	TransactionTypeOrderSettlement TransactionType = "ORDER_SETTLEMENT"
	TransactionTypeFee             TransactionType = "FEE"
	TransactionTypeCashback        TransactionType = "CASHBACK"
	TransactionTypeReferral        TransactionType = "REFERRAL"
	TransactionTypeTransfer        TransactionType = "TRANSFER"
)

// TransactionDirection is the sign of a movement against the user's wallet.
type TransactionDirection string

const (
	DirectionCredit TransactionDirection = "CREDIT"
	DirectionDebit  TransactionDirection = "DEBIT"
)

// TransactionStatus represents the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is a money-movement record. ExternalReference is the provider-
// or caller-supplied idempotency key and is unique per provider: re-delivery
// of the same reference must never create a second row. Once COMPLETED or
// FAILED the row is immutable except for receipt attachment.
type Transaction struct {
	ID                uuid.UUID            `json:"id"`
	UserID            uuid.UUID            `json:"user_id"`
	Type              TransactionType      `json:"type"`
	Direction         TransactionDirection `json:"direction"`
	Amount            decimal.Decimal      `json:"amount"`
	Fee               decimal.Decimal      `json:"fee"`
	Currency          string               `json:"currency"`
	Status            TransactionStatus    `json:"status"`
	ExternalReference string               `json:"external_reference"`
	OrderID           *string              `json:"order_id,omitempty"`
	ReceiptRef        *string              `json:"receipt_ref,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the transaction reached a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}
