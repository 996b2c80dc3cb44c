package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/internal/core/ports/mocks"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type pollerTestDeps struct {
	poller *OrderPoller
	orders *mocks.MockOrderService
	repo   *mocks.MockOrderRepository
	market *mocks.MockMarketplaceClient
	ctrl   *gomock.Controller
}

func setupPoller(t *testing.T) *pollerTestDeps {
	ctrl := gomock.NewController(t)
	d := &pollerTestDeps{
		orders: mocks.NewMockOrderService(ctrl),
		repo:   mocks.NewMockOrderRepository(ctrl),
		market: mocks.NewMockMarketplaceClient(ctrl),
		ctrl:   ctrl,
	}
	d.poller = NewOrderPoller(d.orders, d.repo, d.market, time.Minute, 30*time.Second, 30*time.Minute, 50, zerolog.Nop())
	return d
}

// expectEmptySweep satisfies the local reconciliation pass for tests that
// only exercise the pending-order listing.
func (d *pollerTestDeps) expectEmptySweep() {
	d.repo.EXPECT().
		ListByStatuses(gomock.Any(), gomock.Any(), 50, 0).
		Return(nil, nil)
}

func TestOrderPoller_RunOnce_AppliesSignals(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	buy := []ports.MarketplaceOrder{
		{ExternalID: "MKT-1", StatusCode: domain.MarketplaceStatusPaid, PaymentMethod: "bank_transfer", PaymentReference: "PAY-1"},
	}
	sell := []ports.MarketplaceOrder{
		{ExternalID: "MKT-2", StatusCode: domain.MarketplaceStatusCompleted},
	}

	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(buy, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(sell, nil)

	d.orders.EXPECT().
		Apply(gomock.Any(), ports.OrderSignal{
			ExternalID:       "MKT-1",
			Status:           domain.OrderStatusPaid,
			PaymentMethod:    "bank_transfer",
			PaymentReference: "PAY-1",
		}).
		Return(nil)
	d.orders.EXPECT().
		Apply(gomock.Any(), ports.OrderSignal{ExternalID: "MKT-2", Status: domain.OrderStatusCompleted}).
		Return(nil)
	d.expectEmptySweep()

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_PaidSellReleasesAssets(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	sell := []ports.MarketplaceOrder{
		{ExternalID: "MKT-3", StatusCode: domain.MarketplaceStatusPaid, PaymentReference: "PAY-3"},
	}

	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(nil, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(sell, nil)
	d.market.EXPECT().ReleaseAssets(gomock.Any(), "MKT-3").Return(nil)
	d.orders.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil)
	d.expectEmptySweep()

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_UnknownStatusCodeSkipped(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	buy := []ports.MarketplaceOrder{{ExternalID: "MKT-4", StatusCode: 99}}

	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(buy, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(nil, nil)

	d.expectEmptySweep()

	// No Apply expected for the unknown code.
	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_PaginationContinuesUntilShortPage(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	page1 := make([]ports.MarketplaceOrder, 50)
	for i := range page1 {
		page1[i] = ports.MarketplaceOrder{ExternalID: "MKT-P1", StatusCode: domain.MarketplaceStatusWaiting}
	}
	page2 := []ports.MarketplaceOrder{{ExternalID: "MKT-P2", StatusCode: domain.MarketplaceStatusWaiting}}

	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(page1, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 2, 50).Return(page2, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(nil, nil)
	d.orders.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil).Times(51)
	d.expectEmptySweep()

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_MarketplaceFailureSurfaces(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	d.market.EXPECT().
		ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).
		Return(nil, errors.New("connection refused"))

	err := d.poller.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestOrderPoller_RunOnce_ApplyFailureContinues(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	buy := []ports.MarketplaceOrder{
		{ExternalID: "MKT-5", StatusCode: domain.MarketplaceStatusPaid},
		{ExternalID: "MKT-6", StatusCode: domain.MarketplaceStatusPaid},
	}

	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(buy, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(nil, nil)
	d.orders.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	d.orders.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil)
	d.expectEmptySweep()

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

// expectNoPendingOrders satisfies the pending-listing pass for tests that
// only exercise the local sweep.
func (d *pollerTestDeps) expectNoPendingOrders() {
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideBuy, 1, 50).Return(nil, nil)
	d.market.EXPECT().ListPendingOrders(gomock.Any(), domain.OrderSideSell, 1, 50).Return(nil, nil)
}

func TestOrderPoller_RunOnce_SweepPicksUpUpstreamCompletion(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	d.expectNoPendingOrders()

	// A PAID order the marketplace already completed never shows up in the
	// pending listing again; only the sweep can move it forward.
	tracked := []domain.Order{{
		ExternalID: "MKT-10",
		Side:       domain.OrderSideBuy,
		Status:     domain.OrderStatusPaid,
		CreatedAt:  time.Now().Add(-5 * time.Minute),
	}}
	d.repo.EXPECT().
		ListByStatuses(gomock.Any(), gomock.Any(), 50, 0).
		Return(tracked, nil)
	d.market.EXPECT().
		GetOrder(gomock.Any(), "MKT-10").
		Return(&ports.MarketplaceOrder{ExternalID: "MKT-10", StatusCode: domain.MarketplaceStatusCompleted}, nil)
	d.orders.EXPECT().
		Apply(gomock.Any(), ports.OrderSignal{ExternalID: "MKT-10", Status: domain.OrderStatusCompleted}).
		Return(nil)

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_SweepSkipsUnchangedOrder(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	d.expectNoPendingOrders()

	tracked := []domain.Order{{
		ExternalID: "MKT-11",
		Side:       domain.OrderSideBuy,
		Status:     domain.OrderStatusPaid,
		CreatedAt:  time.Now().Add(-5 * time.Minute),
	}}
	d.repo.EXPECT().
		ListByStatuses(gomock.Any(), gomock.Any(), 50, 0).
		Return(tracked, nil)
	d.market.EXPECT().
		GetOrder(gomock.Any(), "MKT-11").
		Return(&ports.MarketplaceOrder{ExternalID: "MKT-11", StatusCode: domain.MarketplaceStatusPaid}, nil)

	// No Apply: the marketplace agrees with the local state.
	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_UnpaidOrderPastWindowCancelled(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	d.expectNoPendingOrders()

	tracked := []domain.Order{{
		ExternalID: "MKT-12",
		Side:       domain.OrderSideBuy,
		Status:     domain.OrderStatusWaitingForPayment,
		CreatedAt:  time.Now().Add(-time.Hour),
	}}
	d.repo.EXPECT().
		ListByStatuses(gomock.Any(), gomock.Any(), 50, 0).
		Return(tracked, nil)
	d.market.EXPECT().Cancel(gomock.Any(), "MKT-12").Return(nil)
	d.orders.EXPECT().
		Apply(gomock.Any(), ports.OrderSignal{ExternalID: "MKT-12", Status: domain.OrderStatusCancelled}).
		Return(nil)

	require.NoError(t, d.poller.RunOnce(context.Background()))
}

func TestOrderPoller_RunOnce_ExpiryCancelFailureLeavesOrderForNextTick(t *testing.T) {
	d := setupPoller(t)
	defer d.ctrl.Finish()

	d.expectNoPendingOrders()

	tracked := []domain.Order{{
		ExternalID: "MKT-13",
		Side:       domain.OrderSideBuy,
		Status:     domain.OrderStatusCreated,
		CreatedAt:  time.Now().Add(-time.Hour),
	}}
	d.repo.EXPECT().
		ListByStatuses(gomock.Any(), gomock.Any(), 50, 0).
		Return(tracked, nil)
	d.market.EXPECT().Cancel(gomock.Any(), "MKT-13").Return(errors.New("connection refused"))

	// The local cancel only happens after the marketplace accepted the
	// cancellation, so the two sides never diverge.
	require.NoError(t, d.poller.RunOnce(context.Background()))
}
