package service

import (
	"context"
	"errors"
	"testing"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/internal/core/ports/mocks"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type orderTestDeps struct {
	svc        *OrderServiceImpl
	orderRepo  *mocks.MockOrderRepository
	settlement *mocks.MockSettlementService
	transactor *mocks.MockDBTransactor
	publisher  *mocks.MockEventPublisher
	ctrl       *gomock.Controller
}

func setupOrderService(t *testing.T) *orderTestDeps {
	ctrl := gomock.NewController(t)
	d := &orderTestDeps{
		orderRepo:  mocks.NewMockOrderRepository(ctrl),
		settlement: mocks.NewMockSettlementService(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		publisher:  mocks.NewMockEventPublisher(ctrl),
		ctrl:       ctrl,
	}
	d.svc = NewOrderService(d.orderRepo, d.settlement, d.transactor, d.publisher, zerolog.Nop())
	return d
}

func buyOrder(status domain.OrderStatus) *domain.Order {
	return &domain.Order{
		ExternalID:    "MKT-1001",
		UserID:        uuid.New(),
		Side:          domain.OrderSideBuy,
		TokenCurrency: "USDT",
		FiatCurrency:  "NGN",
		Quantity:      decimal.RequireFromString("100"),
		Price:         decimal.RequireFromString("1500"),
		Fee:           decimal.RequireFromString("1"),
		Status:        status,
		Version:       3,
	}
}

func TestOrderService_Register_Success(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder("")

	d.orderRepo.EXPECT().Create(ctx, order).Return(nil)
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventOrderCreated, event.Type)
			require.NotNil(t, event.Order)
			assert.Equal(t, "MKT-1001", event.Order.ExternalID)
			return nil
		})

	require.NoError(t, d.svc.Register(ctx, order))
	assert.Equal(t, domain.OrderStatusCreated, order.Status)
}

func TestOrderService_Register_InvalidQuantity(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	order := buyOrder("")
	order.Quantity = decimal.Zero

	err := d.svc.Register(context.Background(), order)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_001", appErr.Code)
}

func TestOrderService_Register_FeeExceedsQuantity(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	order := buyOrder("")
	order.Fee = decimal.RequireFromString("101")

	err := d.svc.Register(context.Background(), order)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_001", appErr.Code)
}

func TestOrderService_Apply_UnknownOrderIgnored(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-404").Return(nil, nil)

	err := d.svc.Apply(ctx, ports.OrderSignal{ExternalID: "MKT-404", Status: domain.OrderStatusPaid})
	require.NoError(t, err)
}

func TestOrderService_Apply_SameStatusNoOp(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(buyOrder(domain.OrderStatusPaid), nil)

	err := d.svc.Apply(ctx, ports.OrderSignal{ExternalID: "MKT-1001", Status: domain.OrderStatusPaid})
	require.NoError(t, err)
}

func TestOrderService_Apply_UnreachableTransitionIgnored(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(buyOrder(domain.OrderStatusCompleted), nil)

	// COMPLETED -> PAID is not reachable; the signal must be dropped silently.
	err := d.svc.Apply(ctx, ports.OrderSignal{ExternalID: "MKT-1001", Status: domain.OrderStatusPaid})
	require.NoError(t, err)
}

func TestOrderService_Apply_PaidSignal(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusWaitingForPayment)

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil).Times(2)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, gomock.Any(), "MKT-1001", domain.OrderStatusWaitingForPayment, domain.OrderStatusPaid, int64(3)).
		Return(true, nil)
	d.orderRepo.EXPECT().SetPaymentDetails(ctx, gomock.Any(), "MKT-1001", "bank_transfer", "PAY-77").Return(nil)
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventOrderPaid, event.Type)
			assert.Equal(t, "PAY-77", event.Order.PaymentReference)
			return nil
		})

	err := d.svc.Apply(ctx, ports.OrderSignal{
		ExternalID:       "MKT-1001",
		Status:           domain.OrderStatusPaid,
		PaymentMethod:    "bank_transfer",
		PaymentReference: "PAY-77",
	})
	require.NoError(t, err)
}

func TestOrderService_Apply_SwallowsLostRace(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusWaitingForPayment)

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil).Times(2)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, gomock.Any(), "MKT-1001", domain.OrderStatusWaitingForPayment, domain.OrderStatusPaid, int64(3)).
		Return(false, nil)

	err := d.svc.Apply(ctx, ports.OrderSignal{ExternalID: "MKT-1001", Status: domain.OrderStatusPaid})
	require.NoError(t, err)
}

func TestOrderService_MarkPaid_StaleIsError(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusWaitingForPayment)

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, gomock.Any(), "MKT-1001", domain.OrderStatusWaitingForPayment, domain.OrderStatusPaid, int64(3)).
		Return(false, nil)

	err := d.svc.MarkPaid(ctx, "MKT-1001", "bank_transfer", "PAY-77")
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ORD_001", appErr.Code)
}

func TestOrderService_Complete_SettlesAtomically(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusPaid)
	tx := &mockTx{}

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, tx, "MKT-1001", domain.OrderStatusPaid, domain.OrderStatusCompleted, int64(3)).
		Return(true, nil)
	d.settlement.EXPECT().
		SettleInTx(ctx, tx, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, req ports.SettleRequest) (*domain.Transaction, error) {
			assert.Equal(t, "ORDER-MKT-1001", req.Reference)
			assert.Equal(t, order.UserID, req.UserID)
			assert.Equal(t, "USDT", req.Currency)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString("100")), "settlement receives the gross quantity")
			assert.True(t, req.Fee.Equal(decimal.RequireFromString("1")))
			assert.Equal(t, domain.DirectionCredit, req.Direction)
			assert.Equal(t, domain.TransactionTypeOrderSettlement, req.Source)
			return &domain.Transaction{ID: uuid.New()}, nil
		})
	d.orderRepo.EXPECT().MarkCompleted(ctx, tx, "MKT-1001").Return(nil)
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventOrderCompleted, event.Type)
			return nil
		})

	require.NoError(t, d.svc.Complete(ctx, "MKT-1001"))
}

func TestOrderService_Complete_SettlementFailureRollsBack(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusPaid)
	tx := &mockTx{}

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, tx, "MKT-1001", domain.OrderStatusPaid, domain.OrderStatusCompleted, int64(3)).
		Return(true, nil)
	d.settlement.EXPECT().
		SettleInTx(ctx, tx, gomock.Any()).
		Return(nil, apperror.InternalError(errors.New("write failed")))

	// No MarkCompleted, no event: the whole unit rolls back.
	err := d.svc.Complete(ctx, "MKT-1001")
	require.Error(t, err)
}

func TestOrderService_Complete_FromCreatedRejected(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(buyOrder(domain.OrderStatusCreated), nil)

	err := d.svc.Complete(ctx, "MKT-1001")
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ORD_002", appErr.Code)
}

func TestOrderService_Dispute_RequestsAttention(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusPaid)

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, gomock.Any(), "MKT-1001", domain.OrderStatusPaid, domain.OrderStatusDisputed, int64(3)).
		Return(true, nil)
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventNotificationRequested, event.Type)
			return nil
		})

	require.NoError(t, d.svc.Dispute(ctx, "MKT-1001"))
}

func TestOrderService_Cancel_FromWaiting(t *testing.T) {
	d := setupOrderService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	order := buyOrder(domain.OrderStatusWaitingForPayment)

	d.orderRepo.EXPECT().GetByExternalID(ctx, "MKT-1001").Return(order, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.orderRepo.EXPECT().
		UpdateStatusIf(ctx, gomock.Any(), "MKT-1001", domain.OrderStatusWaitingForPayment, domain.OrderStatusCancelled, int64(3)).
		Return(true, nil)

	require.NoError(t, d.svc.Cancel(ctx, "MKT-1001"))
}
