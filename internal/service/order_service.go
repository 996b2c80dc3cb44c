package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/rs/zerolog"
)

// OrderServiceImpl implements ports.OrderService. All status writes go
// through the conditional update, so concurrent pollers, webhooks and admin
// triggers can race on the same order without double-applying a transition.
type OrderServiceImpl struct {
	orderRepo  ports.OrderRepository
	settlement ports.SettlementService
	transactor ports.DBTransactor
	publisher  ports.EventPublisher
	log        zerolog.Logger
}

// NewOrderService creates a new OrderServiceImpl.
func NewOrderService(
	orderRepo ports.OrderRepository,
	settlement ports.SettlementService,
	transactor ports.DBTransactor,
	publisher ports.EventPublisher,
	log zerolog.Logger,
) *OrderServiceImpl {
	return &OrderServiceImpl{
		orderRepo:  orderRepo,
		settlement: settlement,
		transactor: transactor,
		publisher:  publisher,
		log:        log,
	}
}

// Register persists a marketplace-confirmed order and announces it.
func (s *OrderServiceImpl) Register(ctx context.Context, order *domain.Order) error {
	if order.ExternalID == "" {
		return apperror.ErrNotFound("order external id")
	}
	if !order.Quantity.IsPositive() || order.Fee.IsNegative() || !order.Fee.LessThan(order.Quantity) {
		return apperror.ErrInvalidAmount()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusCreated
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	if err := s.orderRepo.Create(ctx, order); err != nil {
		return apperror.InternalError(fmt.Errorf("create order: %w", err))
	}

	if err := s.publisher.Publish(ctx, domain.NewOrderEvent(domain.EventOrderCreated, order)); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ExternalID).Msg("failed to publish order created event")
	}

	s.log.Info().
		Str("order_id", order.ExternalID).
		Str("side", string(order.Side)).
		Str("quantity", order.Quantity.String()).
		Msg("order registered")
	return nil
}

// Apply reconciles one external signal with the persisted order. Stale and
// unreachable transitions are logged and swallowed; infrastructure failures
// still surface as errors so the caller can retry.
func (s *OrderServiceImpl) Apply(ctx context.Context, signal ports.OrderSignal) error {
	order, err := s.orderRepo.GetByExternalID(ctx, signal.ExternalID)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("load order: %w", err))
	}
	if order == nil {
		s.log.Warn().Str("order_id", signal.ExternalID).Msg("signal for unknown order ignored")
		return nil
	}
	if order.Status == signal.Status {
		return nil
	}
	if !order.Status.CanTransition(signal.Status) {
		s.log.Debug().
			Str("order_id", signal.ExternalID).
			Str("current", string(order.Status)).
			Str("signalled", string(signal.Status)).
			Msg("stale order signal ignored")
		return nil
	}

	switch signal.Status {
	case domain.OrderStatusWaitingForPayment:
		err = s.transition(ctx, order, domain.OrderStatusWaitingForPayment)
	case domain.OrderStatusPaid:
		err = s.MarkPaid(ctx, signal.ExternalID, signal.PaymentMethod, signal.PaymentReference)
	case domain.OrderStatusCompleted:
		err = s.Complete(ctx, signal.ExternalID)
	case domain.OrderStatusCancelled:
		err = s.Cancel(ctx, signal.ExternalID)
	case domain.OrderStatusDisputed:
		err = s.Dispute(ctx, signal.ExternalID)
	default:
		s.log.Warn().Str("order_id", signal.ExternalID).Str("status", string(signal.Status)).Msg("unhandled order signal ignored")
		return nil
	}

	if isStale(err) {
		s.log.Debug().Err(err).Str("order_id", signal.ExternalID).Msg("lost transition race, signal dropped")
		return nil
	}
	return err
}

// MarkPaid moves the order to PAID and records the payment details.
func (s *OrderServiceImpl) MarkPaid(ctx context.Context, externalID, method, reference string) error {
	order, err := s.loadForTransition(ctx, externalID, domain.OrderStatusPaid)
	if err != nil {
		return err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	applied, err := s.orderRepo.UpdateStatusIf(ctx, dbTx, externalID, order.Status, domain.OrderStatusPaid, order.Version)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("update status: %w", err))
	}
	if !applied {
		return apperror.ErrStaleTransition(externalID)
	}
	if err := s.orderRepo.SetPaymentDetails(ctx, dbTx, externalID, method, reference); err != nil {
		return apperror.InternalError(fmt.Errorf("set payment details: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	order.Status = domain.OrderStatusPaid
	order.PaymentMethod = &method
	order.PaymentReference = &reference
	if err := s.publisher.Publish(ctx, domain.NewOrderEvent(domain.EventOrderPaid, order)); err != nil {
		s.log.Warn().Err(err).Str("order_id", externalID).Msg("failed to publish order paid event")
	}

	s.log.Info().Str("order_id", externalID).Str("method", method).Msg("order marked paid")
	return nil
}

// Complete releases the order's net amount into the owner's ledger and marks
// the order COMPLETED. Status write and ledger mutation share one database
// transaction: if settlement fails, the status change rolls back with it.
func (s *OrderServiceImpl) Complete(ctx context.Context, externalID string) error {
	order, err := s.loadForTransition(ctx, externalID, domain.OrderStatusCompleted)
	if err != nil {
		return err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	applied, err := s.orderRepo.UpdateStatusIf(ctx, dbTx, externalID, order.Status, domain.OrderStatusCompleted, order.Version)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("update status: %w", err))
	}
	if !applied {
		return apperror.ErrStaleTransition(externalID)
	}

	// Gross on the transaction row; the settlement engine credits the net
	// and posts the fee to the GL fee account.
	_, err = s.settlement.SettleInTx(ctx, dbTx, ports.SettleRequest{
		Reference: order.SettlementReference(),
		UserID:    order.UserID,
		Currency:  order.TokenCurrency,
		Amount:    order.Quantity,
		Fee:       order.Fee,
		Direction: domain.DirectionCredit,
		Source:    domain.TransactionTypeOrderSettlement,
		OrderID:   &order.ExternalID,
		Actor:     "order-engine",
	})
	if err != nil {
		return err
	}

	if err := s.orderRepo.MarkCompleted(ctx, dbTx, externalID); err != nil {
		return apperror.InternalError(fmt.Errorf("mark completed: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	order.Status = domain.OrderStatusCompleted
	if err := s.publisher.Publish(ctx, domain.NewOrderEvent(domain.EventOrderCompleted, order)); err != nil {
		s.log.Warn().Err(err).Str("order_id", externalID).Msg("failed to publish order completed event")
	}

	s.log.Info().
		Str("order_id", externalID).
		Str("net_amount", order.NetAmount().String()).
		Str("currency", order.TokenCurrency).
		Msg("order completed and settled")
	return nil
}

// Cancel moves the order to CANCELLED.
func (s *OrderServiceImpl) Cancel(ctx context.Context, externalID string) error {
	order, err := s.loadForTransition(ctx, externalID, domain.OrderStatusCancelled)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, order, domain.OrderStatusCancelled); err != nil {
		return err
	}
	s.log.Info().Str("order_id", externalID).Msg("order cancelled")
	return nil
}

// Dispute moves the order to DISPUTED and requests operator attention.
func (s *OrderServiceImpl) Dispute(ctx context.Context, externalID string) error {
	order, err := s.loadForTransition(ctx, externalID, domain.OrderStatusDisputed)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, order, domain.OrderStatusDisputed); err != nil {
		return err
	}

	event := domain.NewNotificationEvent(
		"order disputed",
		fmt.Sprintf("order %s entered dispute, manual review required", externalID),
		"", "warning",
	)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("order_id", externalID).Msg("failed to publish dispute notification")
	}

	s.log.Warn().Str("order_id", externalID).Msg("order disputed")
	return nil
}

func (s *OrderServiceImpl) loadForTransition(ctx context.Context, externalID string, to domain.OrderStatus) (*domain.Order, error) {
	order, err := s.orderRepo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load order: %w", err))
	}
	if order == nil {
		return nil, apperror.ErrNotFound("order")
	}
	if !order.Status.CanTransition(to) {
		return nil, apperror.ErrTransitionNotAllowed(string(order.Status), string(to))
	}
	return order, nil
}

// transition applies a plain conditional status write in its own transaction.
func (s *OrderServiceImpl) transition(ctx context.Context, order *domain.Order, to domain.OrderStatus) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	applied, err := s.orderRepo.UpdateStatusIf(ctx, dbTx, order.ExternalID, order.Status, to, order.Version)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("update status: %w", err))
	}
	if !applied {
		return apperror.ErrStaleTransition(order.ExternalID)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// isStale reports whether err is a lost transition race or an unreachable
// transition, both ignorable for signal reconciliation.
func isStale(err error) bool {
	if err == nil {
		return false
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == "ORD_001" || appErr.Code == "ORD_002"
}
