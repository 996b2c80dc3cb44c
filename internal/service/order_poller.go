package service

import (
	"context"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"

	"github.com/rs/zerolog"
)

// OrderPoller periodically reconciles pending marketplace orders against the
// local state machine. It is the fallback driver for orders whose provider
// does not push webhooks.
type OrderPoller struct {
	orders      ports.OrderService
	orderRepo   ports.OrderRepository
	market      ports.MarketplaceClient
	interval    time.Duration
	runBudget   time.Duration
	expireAfter time.Duration
	pageSize    int
	log         zerolog.Logger
}

// NewOrderPoller creates a new OrderPoller.
func NewOrderPoller(
	orders ports.OrderService,
	orderRepo ports.OrderRepository,
	market ports.MarketplaceClient,
	interval, runBudget, expireAfter time.Duration,
	pageSize int,
	log zerolog.Logger,
) *OrderPoller {
	return &OrderPoller{
		orders:      orders,
		orderRepo:   orderRepo,
		market:      market,
		interval:    interval,
		runBudget:   runBudget,
		expireAfter: expireAfter,
		pageSize:    pageSize,
		log:         log,
	}
}

// Run polls on a fixed interval until ctx is cancelled. A run that overruns
// its budget is abandoned; transitions are atomic, so nothing is left half
// applied and the next tick picks the remainder up.
func (p *OrderPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().
		Dur("interval", p.interval).
		Dur("budget", p.runBudget).
		Msg("order poller started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("order poller stopped")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.log.Warn().Err(err).Msg("polling run failed, retrying on next tick")
			}
		}
	}
}

// RunOnce executes a single bounded polling run. It is also the entry point
// for the manual admin trigger.
func (p *OrderPoller) RunOnce(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, p.runBudget)
	defer cancel()

	start := time.Now()
	applied := 0
	for _, side := range []domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell} {
		n, err := p.pollSide(runCtx, side)
		applied += n
		if err != nil {
			return err
		}
	}

	n, err := p.sweepLocal(runCtx)
	applied += n
	if err != nil {
		return err
	}

	p.log.Info().
		Int("signals_applied", applied).
		Dur("elapsed", time.Since(start)).
		Msg("polling run finished")
	return nil
}

func (p *OrderPoller) pollSide(ctx context.Context, side domain.OrderSide) (int, error) {
	applied := 0
	for page := 1; ; page++ {
		orders, err := p.market.ListPendingOrders(ctx, side, page, p.pageSize)
		if err != nil {
			return applied, err
		}
		for i := range orders {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if p.reconcile(ctx, side, orders[i]) {
				applied++
			}
		}
		if len(orders) < p.pageSize {
			return applied, nil
		}
	}
}

// sweepLocal walks the locally tracked non-terminal orders and reconciles
// each against the marketplace's current view. The pending listing only
// surfaces orders the marketplace still considers open, so orders it
// completed or cancelled upstream would otherwise stay stuck here.
func (p *OrderPoller) sweepLocal(ctx context.Context) (int, error) {
	statuses := []domain.OrderStatus{
		domain.OrderStatusCreated,
		domain.OrderStatusWaitingForPayment,
		domain.OrderStatusPaid,
		domain.OrderStatusDisputed,
	}

	applied := 0
	for offset := 0; ; offset += p.pageSize {
		orders, err := p.orderRepo.ListByStatuses(ctx, statuses, p.pageSize, offset)
		if err != nil {
			return applied, err
		}
		for i := range orders {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if p.reconcileLocal(ctx, &orders[i]) {
				applied++
			}
		}
		if len(orders) < p.pageSize {
			return applied, nil
		}
	}
}

// reconcileLocal brings one tracked order in line with the marketplace:
// unpaid orders past the payment window are cancelled, everything else
// follows whatever status the marketplace reports.
func (p *OrderPoller) reconcileLocal(ctx context.Context, o *domain.Order) bool {
	unpaid := o.Status == domain.OrderStatusCreated || o.Status == domain.OrderStatusWaitingForPayment
	if p.expireAfter > 0 && unpaid && time.Since(o.CreatedAt) > p.expireAfter {
		return p.expire(ctx, o)
	}

	mo, err := p.market.GetOrder(ctx, o.ExternalID)
	if err != nil {
		p.log.Warn().Err(err).Str("order_id", o.ExternalID).Msg("order lookup failed, retrying on next tick")
		return false
	}
	if mo == nil {
		return false
	}
	status, ok := domain.StatusFromMarketplaceCode(mo.StatusCode)
	if !ok || status == o.Status {
		return false
	}
	return p.reconcile(ctx, o.Side, *mo)
}

// expire cancels an order whose payment window has elapsed. The marketplace
// is told first so the counterparty's escrow is released; a failure there
// leaves the order for the next tick rather than diverging the two sides.
func (p *OrderPoller) expire(ctx context.Context, o *domain.Order) bool {
	if err := p.market.Cancel(ctx, o.ExternalID); err != nil {
		p.log.Warn().Err(err).Str("order_id", o.ExternalID).Msg("marketplace cancel failed, retrying on next tick")
		return false
	}
	signal := ports.OrderSignal{
		ExternalID: o.ExternalID,
		Status:     domain.OrderStatusCancelled,
	}
	if err := p.orders.Apply(ctx, signal); err != nil {
		p.log.Warn().Err(err).Str("order_id", o.ExternalID).Msg("expiry signal failed, retrying on next tick")
		return false
	}
	p.log.Info().
		Str("order_id", o.ExternalID).
		Time("created_at", o.CreatedAt).
		Msg("unpaid order expired")
	return true
}

// reconcile maps one marketplace order snapshot onto a local signal and
// applies it. Failures are logged and skipped, the next tick retries.
func (p *OrderPoller) reconcile(ctx context.Context, side domain.OrderSide, mo ports.MarketplaceOrder) bool {
	status, ok := domain.StatusFromMarketplaceCode(mo.StatusCode)
	if !ok {
		p.log.Warn().
			Str("order_id", mo.ExternalID).
			Int("status_code", mo.StatusCode).
			Msg("unknown marketplace status code ignored")
		return false
	}

	// The counterparty paid a SELL order: release the escrowed assets on the
	// marketplace side. Completion arrives as a later status change.
	if status == domain.OrderStatusPaid && side == domain.OrderSideSell {
		if err := p.market.ReleaseAssets(ctx, mo.ExternalID); err != nil {
			p.log.Warn().Err(err).Str("order_id", mo.ExternalID).Msg("asset release failed, retrying on next tick")
		}
	}

	signal := ports.OrderSignal{
		ExternalID:       mo.ExternalID,
		Status:           status,
		PaymentMethod:    mo.PaymentMethod,
		PaymentReference: mo.PaymentReference,
	}
	if err := p.orders.Apply(ctx, signal); err != nil {
		p.log.Warn().Err(err).Str("order_id", mo.ExternalID).Msg("signal application failed, retrying on next tick")
		return false
	}
	return true
}
