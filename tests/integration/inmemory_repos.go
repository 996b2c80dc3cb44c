package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// The in-memory adapters mirror the Postgres repositories closely enough to
// run whole-service scenarios: a single transactor mutex plays the role of
// row locks, and writes register undo closures on the active transaction so
// a rollback reverts them like an aborted database transaction would.

// --- Transactor ---

type memTx struct {
	pgx.Tx
	mu     sync.Mutex
	undos  []func()
	done   bool
	unlock func()
}

func (t *memTx) onRollback(undo func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undos = append(t.undos, undo)
}

func (t *memTx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.done = true
		t.undos = nil
		t.unlock()
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.done = true
		for i := len(t.undos) - 1; i >= 0; i-- {
			t.undos[i]()
		}
		t.undos = nil
		t.unlock()
	}
	return nil
}

func registerUndo(tx pgx.Tx, undo func()) {
	if mt, ok := tx.(*memTx); ok {
		mt.onRollback(undo)
	}
}

// inMemoryTransactor serializes units of work with one mutex, standing in
// for the locking the real pool provides via SELECT ... FOR UPDATE.
type inMemoryTransactor struct {
	mu sync.Mutex
}

func (t *inMemoryTransactor) Begin(_ context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	return &memTx{unlock: t.mu.Unlock}, nil
}

// --- Order Repo ---

type inMemoryOrderRepo struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func newInMemoryOrderRepo() *inMemoryOrderRepo {
	return &inMemoryOrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *inMemoryOrderRepo) Create(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ExternalID]; ok {
		return fmt.Errorf("order %s already exists", order.ExternalID)
	}
	cp := *order
	r.orders[order.ExternalID] = &cp
	return nil
}

func (r *inMemoryOrderRepo) GetByExternalID(_ context.Context, externalID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[externalID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (r *inMemoryOrderRepo) ListByStatuses(_ context.Context, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wanted := make(map[domain.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []domain.Order
	for _, o := range r.orders {
		if wanted[o.Status] {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *inMemoryOrderRepo) UpdateStatusIf(_ context.Context, tx pgx.Tx, externalID string, from, to domain.OrderStatus, version int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[externalID]
	if !ok || o.Status != from || o.Version != version {
		return false, nil
	}
	prevStatus, prevVersion, prevUpdated := o.Status, o.Version, o.UpdatedAt
	o.Status = to
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		o.Status, o.Version, o.UpdatedAt = prevStatus, prevVersion, prevUpdated
	})
	return true, nil
}

func (r *inMemoryOrderRepo) SetPaymentDetails(_ context.Context, tx pgx.Tx, externalID, method, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[externalID]
	if !ok {
		return fmt.Errorf("order %s not found", externalID)
	}
	prevMethod, prevRef := o.PaymentMethod, o.PaymentReference
	o.PaymentMethod = &method
	o.PaymentReference = &reference
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		o.PaymentMethod, o.PaymentReference = prevMethod, prevRef
	})
	return nil
}

func (r *inMemoryOrderRepo) MarkCompleted(_ context.Context, tx pgx.Tx, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[externalID]
	if !ok {
		return fmt.Errorf("order %s not found", externalID)
	}
	prev := o.CompletedAt
	now := time.Now().UTC()
	o.CompletedAt = &now
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		o.CompletedAt = prev
	})
	return nil
}

// --- Transaction Repo ---

type inMemoryTransactionRepo struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*domain.Transaction
	byRef map[string]uuid.UUID
}

func newInMemoryTransactionRepo() *inMemoryTransactionRepo {
	return &inMemoryTransactionRepo{
		byID:  make(map[uuid.UUID]*domain.Transaction),
		byRef: make(map[string]uuid.UUID),
	}
}

func (r *inMemoryTransactionRepo) Create(_ context.Context, tx pgx.Tx, txn *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRef[txn.ExternalReference]; ok {
		return apperror.ErrDuplicateReference(txn.ExternalReference)
	}
	cp := *txn
	r.byID[txn.ID] = &cp
	r.byRef[txn.ExternalReference] = txn.ID
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byID, cp.ID)
		delete(r.byRef, cp.ExternalReference)
	})
	return nil
}

func (r *inMemoryTransactionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *inMemoryTransactionRepo) GetByReference(_ context.Context, externalReference string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRef[externalReference]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *inMemoryTransactionRepo) AttachReceipt(_ context.Context, id uuid.UUID, receiptRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("transaction %s not found", id)
	}
	t.ReceiptRef = &receiptRef
	return nil
}

func (r *inMemoryTransactionRepo) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// --- Wallet Repo ---

type inMemoryWalletRepo struct {
	mu       sync.RWMutex
	balances map[string]*domain.WalletBalance
	byID     map[uuid.UUID]*domain.WalletBalance
	journal  []domain.WalletTransaction
	gl       []domain.GLEntry
}

func newInMemoryWalletRepo() *inMemoryWalletRepo {
	return &inMemoryWalletRepo{
		balances: make(map[string]*domain.WalletBalance),
		byID:     make(map[uuid.UUID]*domain.WalletBalance),
	}
}

func balanceKey(userID uuid.UUID, currency string) string {
	return userID.String() + ":" + currency
}

func (r *inMemoryWalletRepo) GetForUpdate(_ context.Context, _ pgx.Tx, userID uuid.UUID, currency string) (*domain.WalletBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[balanceKey(userID, currency)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *inMemoryWalletRepo) CreateInTx(_ context.Context, tx pgx.Tx, balance *domain.WalletBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := balanceKey(balance.UserID, balance.Currency)
	if _, ok := r.balances[key]; ok {
		return fmt.Errorf("wallet %s already exists", key)
	}
	cp := *balance
	r.balances[key] = &cp
	r.byID[balance.ID] = &cp
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.balances, key)
		delete(r.byID, cp.ID)
	})
	return nil
}

func (r *inMemoryWalletRepo) UpdateBalances(_ context.Context, tx pgx.Tx, id uuid.UUID, available, frozen, total decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("wallet %s not found", id)
	}
	prevAvailable, prevFrozen, prevTotal, prevUpdated := b.Available, b.Frozen, b.Total, b.UpdatedAt
	b.Available, b.Frozen, b.Total = available, frozen, total
	b.UpdatedAt = time.Now().UTC()
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		b.Available, b.Frozen, b.Total, b.UpdatedAt = prevAvailable, prevFrozen, prevTotal, prevUpdated
	})
	return nil
}

func (r *inMemoryWalletRepo) AppendWalletTransaction(_ context.Context, tx pgx.Tx, wt *domain.WalletTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = append(r.journal, *wt)
	id := wt.ID
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := len(r.journal) - 1; i >= 0; i-- {
			if r.journal[i].ID == id {
				r.journal = append(r.journal[:i], r.journal[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *inMemoryWalletRepo) AppendGLEntries(_ context.Context, tx pgx.Tx, entries []domain.GLEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.gl)
	r.gl = append(r.gl, entries...)
	count := len(entries)
	registerUndo(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.gl) >= start+count {
			r.gl = append(r.gl[:start], r.gl[start+count:]...)
		}
	})
	return nil
}

func (r *inMemoryWalletRepo) GetBalance(_ context.Context, userID uuid.UUID, currency string) (*domain.WalletBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[balanceKey(userID, currency)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *inMemoryWalletRepo) ListWalletTransactions(_ context.Context, userID uuid.UUID, currency string) ([]domain.WalletTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WalletTransaction
	for _, wt := range r.journal {
		if wt.UserID == userID && wt.Currency == currency {
			out = append(out, wt)
		}
	}
	return out, nil
}

func (r *inMemoryWalletRepo) SumGLByTransaction(_ context.Context, transactionID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	credits, debits := decimal.Zero, decimal.Zero
	for _, e := range r.gl {
		if e.TransactionID != transactionID {
			continue
		}
		if e.EntryType == domain.GLCredit {
			credits = credits.Add(e.Amount)
		} else {
			debits = debits.Add(e.Amount)
		}
	}
	return credits, debits, nil
}

func (r *inMemoryWalletRepo) glEntriesFor(transactionID uuid.UUID) []domain.GLEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.GLEntry
	for _, e := range r.gl {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out
}

func (r *inMemoryWalletRepo) journalLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.journal)
}

// --- Currency Repo ---

type inMemoryCurrencyRepo struct {
	mu         sync.RWMutex
	currencies map[string]*domain.Currency
}

func newInMemoryCurrencyRepo(currencies ...domain.Currency) *inMemoryCurrencyRepo {
	r := &inMemoryCurrencyRepo{currencies: make(map[string]*domain.Currency)}
	for i := range currencies {
		r.currencies[currencies[i].Code] = &currencies[i]
	}
	return r
}

func (r *inMemoryCurrencyRepo) GetByCode(_ context.Context, code string) (*domain.Currency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.currencies[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// --- Webhook Log Repo ---

type inMemoryWebhookLogRepo struct {
	mu         sync.RWMutex
	deliveries []domain.WebhookDelivery
}

func newInMemoryWebhookLogRepo() *inMemoryWebhookLogRepo {
	return &inMemoryWebhookLogRepo{}
}

func (r *inMemoryWebhookLogRepo) Append(_ context.Context, delivery *domain.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, *delivery)
	return nil
}

func (r *inMemoryWebhookLogRepo) ListUnresolved(_ context.Context, limit int) ([]domain.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WebhookDelivery
	for _, d := range r.deliveries {
		if d.Outcome == domain.WebhookOutcomeRejected || d.Outcome == domain.WebhookOutcomeFailed {
			out = append(out, d)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *inMemoryWebhookLogRepo) outcomes() []domain.WebhookOutcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WebhookOutcome, len(r.deliveries))
	for i, d := range r.deliveries {
		out[i] = d.Outcome
	}
	return out
}

// --- Idempotency cache ---

type inMemoryIdempotencyCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func newInMemoryIdempotencyCache() *inMemoryIdempotencyCache {
	return &inMemoryIdempotencyCache{entries: make(map[string][]byte)}
}

func (c *inMemoryIdempotencyCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key], nil
}

func (c *inMemoryIdempotencyCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

// --- Event publisher ---

type recordingPublisher struct {
	mu     sync.RWMutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) byType(t domain.EventType) []domain.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
