package service

import (
	"context"
	"errors"
	"testing"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type incentiveTestDeps struct {
	ctrl         *gomock.Controller
	settlement   *mocks.MockSettlementService
	currencyRepo *mocks.MockCurrencyRepository
	publisher    *mocks.MockEventPublisher
}

func setupIncentiveService(t *testing.T, rate string) (*IncentiveService, *incentiveTestDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	d := &incentiveTestDeps{
		ctrl:         ctrl,
		settlement:   mocks.NewMockSettlementService(ctrl),
		currencyRepo: mocks.NewMockCurrencyRepository(ctrl),
		publisher:    mocks.NewMockEventPublisher(ctrl),
	}
	svc := NewIncentiveService(d.settlement, d.currencyRepo, d.publisher, decimal.RequireFromString(rate), zerolog.Nop())
	return svc, d
}

func completedOrderEvent(userID uuid.UUID) domain.Event {
	return domain.Event{
		ID:   uuid.New(),
		Type: domain.EventOrderCompleted,
		Order: &domain.OrderEventPayload{
			ExternalID:    "MKT-1001",
			UserID:        userID,
			Side:          domain.OrderSideBuy,
			Status:        domain.OrderStatusCompleted,
			Quantity:      decimal.RequireFromString("100"),
			TokenCurrency: "USDT",
			FiatCurrency:  "NGN",
		},
	}
}

func TestIncentive_CreditsCashback(t *testing.T) {
	svc, d := setupIncentiveService(t, "0.001")
	defer d.ctrl.Finish()
	userID := uuid.New()

	d.currencyRepo.EXPECT().GetByCode(gomock.Any(), "USDT").
		Return(&domain.Currency{Code: "USDT", Precision: 8, Active: true}, nil)
	d.settlement.EXPECT().
		Settle(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req ports.SettleRequest) (*domain.Transaction, error) {
			assert.Equal(t, "CASHBACK-MKT-1001", req.Reference)
			assert.Equal(t, userID, req.UserID)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString("0.1")))
			assert.Equal(t, domain.DirectionCredit, req.Direction)
			assert.Equal(t, domain.TransactionTypeCashback, req.Source)
			assert.Equal(t, "incentives", req.Actor)
			return &domain.Transaction{ID: uuid.New(), UserID: userID, Amount: req.Amount, Currency: "USDT"}, nil
		})
	d.publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventCashbackEarned, event.Type)
			return nil
		})

	require.NoError(t, svc.HandleOrderCompleted(context.Background(), completedOrderEvent(userID)))
}

func TestIncentive_ZeroRateDoesNothing(t *testing.T) {
	svc, d := setupIncentiveService(t, "0")
	defer d.ctrl.Finish()

	require.NoError(t, svc.HandleOrderCompleted(context.Background(), completedOrderEvent(uuid.New())))
}

func TestIncentive_TruncatedToZeroSkipsSettlement(t *testing.T) {
	svc, d := setupIncentiveService(t, "0.001")
	defer d.ctrl.Finish()

	// NGN has two decimal places; 0.5 * 0.001 truncates to zero.
	d.currencyRepo.EXPECT().GetByCode(gomock.Any(), "USDT").
		Return(&domain.Currency{Code: "USDT", Precision: 2, Active: true}, nil)

	event := completedOrderEvent(uuid.New())
	event.Order.Quantity = decimal.RequireFromString("0.5")
	require.NoError(t, svc.HandleOrderCompleted(context.Background(), event))
}

func TestIncentive_UnregisteredCurrencyErrorsWithoutPanic(t *testing.T) {
	svc, d := setupIncentiveService(t, "0.001")
	defer d.ctrl.Finish()

	// A deactivated or deleted currency comes back as nil, nil. The handler
	// must surface an error for the dispatcher instead of dereferencing it.
	d.currencyRepo.EXPECT().GetByCode(gomock.Any(), "USDT").Return(nil, nil)

	err := svc.HandleOrderCompleted(context.Background(), completedOrderEvent(uuid.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestIncentive_SettlementFailureSurfaces(t *testing.T) {
	svc, d := setupIncentiveService(t, "0.001")
	defer d.ctrl.Finish()

	d.currencyRepo.EXPECT().GetByCode(gomock.Any(), "USDT").
		Return(&domain.Currency{Code: "USDT", Precision: 8, Active: true}, nil)
	d.settlement.EXPECT().
		Settle(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("connection reset"))

	err := svc.HandleOrderCompleted(context.Background(), completedOrderEvent(uuid.New()))
	assert.Error(t, err)
}

func TestIncentive_MissingPayloadIsError(t *testing.T) {
	svc, d := setupIncentiveService(t, "0.001")
	defer d.ctrl.Finish()

	err := svc.HandleOrderCompleted(context.Background(), domain.Event{ID: uuid.New(), Type: domain.EventOrderCompleted})
	assert.Error(t, err)
}
