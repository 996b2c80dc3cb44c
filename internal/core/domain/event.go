package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType discriminates the domain event union.
type EventType string

const (
	EventOrderCreated          EventType = "ORDER_CREATED"
	EventOrderPaid             EventType = "ORDER_PAID"
	EventOrderCompleted        EventType = "ORDER_COMPLETED"
	EventPaymentProcessed      EventType = "PAYMENT_PROCESSED"
	EventNotificationRequested EventType = "NOTIFICATION_REQUESTED"
	EventCashbackEarned        EventType = "CASHBACK_EARNED"
	EventReferralBonus         EventType = "REFERRAL_BONUS"
)

// RoutingKey maps the event type onto its queue routing key family.
func (t EventType) RoutingKey() string {
	switch t {
	case EventOrderCreated:
		return "order.created"
	case EventOrderPaid:
		return "order.paid"
	case EventOrderCompleted:
		return "order.completed"
	case EventPaymentProcessed:
		return "payment.processed"
	case EventCashbackEarned:
		return "payment.cashback"
	case EventReferralBonus:
		return "payment.referral"
	case EventNotificationRequested:
		return "notification.requested"
	}
	return "notification.requested"
}

// Event is the envelope published onto the durable queues. Exactly one of the
// payload pointers is set, matching Type; consumers dispatch by switching on
// Type. Delivery is at-least-once, so every handler must be idempotent.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempt    int       `json:"attempt"`

	Order        *OrderEventPayload        `json:"order,omitempty"`
	Payment      *PaymentEventPayload      `json:"payment,omitempty"`
	Notification *NotificationEventPayload `json:"notification,omitempty"`
}

// OrderEventPayload carries order lifecycle details.
type OrderEventPayload struct {
	ExternalID       string          `json:"external_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Side             OrderSide       `json:"side"`
	Status           OrderStatus     `json:"status"`
	Quantity         decimal.Decimal `json:"quantity"`
	Fee              decimal.Decimal `json:"fee"`
	TokenCurrency    string          `json:"token_currency"`
	FiatCurrency     string          `json:"fiat_currency"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
}

// PaymentEventPayload carries settled-transaction details.
type PaymentEventPayload struct {
	TransactionID     uuid.UUID            `json:"transaction_id"`
	UserID            uuid.UUID            `json:"user_id"`
	Type              TransactionType      `json:"transaction_type"`
	Direction         TransactionDirection `json:"direction"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	ExternalReference string               `json:"external_reference"`
}

// NotificationEventPayload requests an out-of-band notification or flags an
// ingestion failure for investigation.
type NotificationEventPayload struct {
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Subject  string     `json:"subject"`
	Body     string     `json:"body"`
	Provider string     `json:"provider,omitempty"`
	Severity string     `json:"severity,omitempty"`
}

// NewOrderEvent builds an order lifecycle event from the order snapshot.
func NewOrderEvent(t EventType, o *Order) Event {
	p := &OrderEventPayload{
		ExternalID:    o.ExternalID,
		UserID:        o.UserID,
		Side:          o.Side,
		Status:        o.Status,
		Quantity:      o.Quantity,
		Fee:           o.Fee,
		TokenCurrency: o.TokenCurrency,
		FiatCurrency:  o.FiatCurrency,
	}
	if o.PaymentMethod != nil {
		p.PaymentMethod = *o.PaymentMethod
	}
	if o.PaymentReference != nil {
		p.PaymentReference = *o.PaymentReference
	}
	return Event{ID: uuid.New(), Type: t, OccurredAt: time.Now().UTC(), Order: p}
}

// NewPaymentEvent builds a payment event from a settled transaction.
func NewPaymentEvent(t EventType, txn *Transaction) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payment: &PaymentEventPayload{
			TransactionID:     txn.ID,
			UserID:            txn.UserID,
			Type:              txn.Type,
			Direction:         txn.Direction,
			Amount:            txn.Amount,
			Currency:          txn.Currency,
			ExternalReference: txn.ExternalReference,
		},
	}
}

// NewNotificationEvent builds a notification request.
func NewNotificationEvent(subject, body, provider, severity string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       EventNotificationRequested,
		OccurredAt: time.Now().UTC(),
		Notification: &NotificationEventPayload{
			Subject:  subject,
			Body:     body,
			Provider: provider,
			Severity: severity,
		},
	}
}
