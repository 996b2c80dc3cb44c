package service

import (
	"context"
	"fmt"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const incentiveActor = "incentives"

// IncentiveService credits order cashback off the event stream. It is
// registered on the dispatcher for completed orders; at-least-once delivery
// is safe because the settlement reference embeds the order id.
type IncentiveService struct {
	settlement   ports.SettlementService
	currencyRepo ports.CurrencyRepository
	publisher    ports.EventPublisher
	cashbackRate decimal.Decimal
	log          zerolog.Logger
}

// NewIncentiveService creates a new IncentiveService. cashbackRate is the
// fraction of the order quantity credited back, e.g. 0.001 for 10 bps.
func NewIncentiveService(
	settlement ports.SettlementService,
	currencyRepo ports.CurrencyRepository,
	publisher ports.EventPublisher,
	cashbackRate decimal.Decimal,
	log zerolog.Logger,
) *IncentiveService {
	return &IncentiveService{
		settlement:   settlement,
		currencyRepo: currencyRepo,
		publisher:    publisher,
		cashbackRate: cashbackRate,
		log:          log,
	}
}

// HandleOrderCompleted settles the cashback credit for one completed order.
// A returned error makes the dispatcher retry and eventually dead-letter the
// event.
func (s *IncentiveService) HandleOrderCompleted(ctx context.Context, event domain.Event) error {
	if event.Order == nil {
		return fmt.Errorf("event %s carries no order payload", event.ID)
	}
	if !s.cashbackRate.IsPositive() {
		return nil
	}

	o := event.Order
	currency, err := s.currencyRepo.GetByCode(ctx, o.TokenCurrency)
	if err != nil {
		return fmt.Errorf("resolving currency %s: %w", o.TokenCurrency, err)
	}
	if currency == nil {
		return fmt.Errorf("currency %s is not registered", o.TokenCurrency)
	}

	amount := o.Quantity.Mul(s.cashbackRate).Truncate(currency.Precision)
	if !amount.IsPositive() {
		return nil
	}

	txn, err := s.settlement.Settle(ctx, ports.SettleRequest{
		Reference: "CASHBACK-" + o.ExternalID,
		UserID:    o.UserID,
		Currency:  o.TokenCurrency,
		Amount:    amount,
		Fee:       decimal.Zero,
		Direction: domain.DirectionCredit,
		Source:    domain.TransactionTypeCashback,
		OrderID:   &o.ExternalID,
		Actor:     incentiveActor,
	})
	if err != nil {
		return fmt.Errorf("settling cashback for order %s: %w", o.ExternalID, err)
	}

	if err := s.publisher.Publish(ctx, domain.NewPaymentEvent(domain.EventCashbackEarned, txn)); err != nil {
		s.log.Warn().Err(err).Str("order", o.ExternalID).Msg("cashback event publish failed")
	}

	s.log.Info().
		Str("order", o.ExternalID).
		Str("user", o.UserID.String()).
		Str("amount", amount.String()).
		Str("currency", o.TokenCurrency).
		Msg("cashback credited")
	return nil
}
