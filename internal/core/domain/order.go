package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade order on the external marketplace.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus represents the lifecycle state of an external trade order.
type OrderStatus string

const (
	OrderStatusCreated           OrderStatus = "CREATED"
	OrderStatusWaitingForPayment OrderStatus = "WAITING_FOR_PAYMENT"
	OrderStatusPaid              OrderStatus = "PAID"
	OrderStatusCompleted         OrderStatus = "COMPLETED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusDisputed          OrderStatus = "DISPUTED"
)

// orderTransitions is the allowed-transition table. A status absent from the
// map is terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:           {OrderStatusWaitingForPayment, OrderStatusCancelled},
	OrderStatusWaitingForPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:              {OrderStatusCompleted, OrderStatusDisputed},
	OrderStatusDisputed:          {OrderStatusCompleted, OrderStatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is accepted from s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Marketplace wire status codes, as reported by the order endpoints.
const (
	MarketplaceStatusCreated   = 10
	MarketplaceStatusWaiting   = 20
	MarketplaceStatusPaid      = 30
	MarketplaceStatusCompleted = 40
	MarketplaceStatusCancelled = 50
	MarketplaceStatusDisputed  = 60
)

// StatusFromMarketplaceCode maps a marketplace wire status code onto the
// local lifecycle. Unknown codes report ok=false and must be ignored.
func StatusFromMarketplaceCode(code int) (OrderStatus, bool) {
	switch code {
	case MarketplaceStatusCreated:
		return OrderStatusCreated, true
	case MarketplaceStatusWaiting:
		return OrderStatusWaitingForPayment, true
	case MarketplaceStatusPaid:
		return OrderStatusPaid, true
	case MarketplaceStatusCompleted:
		return OrderStatusCompleted, true
	case MarketplaceStatusCancelled:
		return OrderStatusCancelled, true
	case MarketplaceStatusDisputed:
		return OrderStatusDisputed, true
	}
	return "", false
}

// Order mirrors a trade order owned by the external marketplace. The external
// order id is the primary key; the marketplace assigns it. Orders are never
// deleted, they are retained for audit.
type Order struct {
	ExternalID       string          `json:"external_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Side             OrderSide       `json:"side"`
	TokenCurrency    string          `json:"token_currency"`
	FiatCurrency     string          `json:"fiat_currency"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Fee              decimal.Decimal `json:"fee"`
	Status           OrderStatus     `json:"status"`
	CounterpartyID   *string         `json:"counterparty_id,omitempty"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// NetAmount is the order amount credited to the receiving side after the fee.
func (o *Order) NetAmount() decimal.Decimal {
	return o.Quantity.Sub(o.Fee)
}

// SettlementReference builds the idempotency reference used when the order's
// funds are released into the ledger. One order settles at most once, so the
// external order id alone is the logical event key.
func (o *Order) SettlementReference() string {
	return "ORDER-" + o.ExternalID
}
