package ports

import (
	"context"
	"time"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// --- Settlement ---

// SettleRequest is the single operation class of the settlement engine.
// Reference is the caller-supplied idempotency key, unique per logical event.
type SettleRequest struct {
	Reference string
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Direction domain.TransactionDirection
	Source    domain.TransactionType
	OrderID   *string
	Actor     string
}

// SettlementService applies ledger mutations atomically. All methods are
// idempotent on SettleRequest.Reference.
type SettlementService interface {
	// Settle runs the full unit of work in its own database transaction.
	Settle(ctx context.Context, req SettleRequest) (*domain.Transaction, error)
	// SettleInTx joins a caller-owned transaction so order completion can
	// mutate order status and ledger as one atomic unit.
	SettleInTx(ctx context.Context, tx pgx.Tx, req SettleRequest) (*domain.Transaction, error)
	// Freeze moves amount from available to frozen without changing total.
	Freeze(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error
	// Unfreeze reverses a freeze.
	Unfreeze(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error
	// VerifyLedger replays the wallet movement journal from zero and compares
	// against the stored balance. A mismatch is an integrity violation.
	VerifyLedger(ctx context.Context, userID uuid.UUID, currency string) error
	// VerifyEntries checks the zero-sum property of the GL rows posted for
	// one transaction.
	VerifyEntries(ctx context.Context, transactionID uuid.UUID) error
}

// --- Order state machine ---

// OrderSignal is an externally observed order state, from polling or webhook.
type OrderSignal struct {
	ExternalID       string
	Status           domain.OrderStatus
	PaymentMethod    string
	PaymentReference string
}

// OrderService drives the external-order lifecycle.
type OrderService interface {
	Register(ctx context.Context, order *domain.Order) error
	// Apply reconciles one external signal with the persisted order. Stale
	// or unreachable transitions are logged and ignored, never errors.
	Apply(ctx context.Context, signal OrderSignal) error
	MarkPaid(ctx context.Context, externalID, method, reference string) error
	// Complete releases the order's assets into the ledger and marks the
	// order COMPLETED in one atomic unit.
	Complete(ctx context.Context, externalID string) error
	Cancel(ctx context.Context, externalID string) error
	Dispute(ctx context.Context, externalID string) error
}

// --- Signing ---

// SignatureScheme selects the signing algorithm for a counterparty.
type SignatureScheme string

const (
	SchemeRSA  SignatureScheme = "rsa"
	SchemeHMAC SignatureScheme = "hmac"
)

// Signer canonicalizes parameter sets and produces/verifies transport-safe
// signatures. Verify reports a mismatch as false, never as an error: callers
// treat it as "reject this message".
type Signer interface {
	Canonicalize(params map[string]string) string
	Sign(params map[string]string) (string, error)
	Verify(params map[string]string, signature string) bool
}

// IngestService processes inbound provider webhooks. The outcome classifies
// the delivery for audit; the HTTP layer acknowledges the provider either way.
type IngestService interface {
	Ingest(ctx context.Context, provider string, payload []byte) domain.WebhookOutcome
}

// ReplayGuard remembers payload hashes within a freshness window.
type ReplayGuard interface {
	// FirstSeen registers hash if unseen. Returns false when the hash was
	// already registered within the window (probable replay).
	FirstSeen(ctx context.Context, hash string) (bool, error)
}

// --- Marketplace ---

// MarketplaceOrder is the provider's view of one order.
type MarketplaceOrder struct {
	ExternalID       string
	StatusCode       int
	PaymentMethod    string
	PaymentReference string
}

// MarketplaceClient talks to the external exchange marketplace. All calls
// carry bounded timeouts; no ledger lock may be held across them.
type MarketplaceClient interface {
	ListPendingOrders(ctx context.Context, side domain.OrderSide, page, pageSize int) ([]MarketplaceOrder, error)
	GetOrder(ctx context.Context, externalID string) (*MarketplaceOrder, error)
	MarkPaid(ctx context.Context, externalID, method, reference string) error
	ReleaseAssets(ctx context.Context, externalID string) error
	Cancel(ctx context.Context, externalID string) error
}

// --- Events ---

// EventPublisher publishes domain events onto named durable queues.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventHandler processes one consumed event. Handlers must be idempotent:
// delivery is at-least-once.
type EventHandler func(ctx context.Context, event domain.Event) error

// --- Supporting services ---

// EncryptionService protects provider shared secrets at rest.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenService validates admin bearer tokens for the manual trigger surface.
type TokenService interface {
	Generate(subject string) (string, time.Time, error)
	Validate(tokenString string) (string, error)
}

// IdempotencyCache is the fast-path settlement result cache keyed by
// external reference.
type IdempotencyCache interface {
	Get(ctx context.Context, reference string) ([]byte, error)
	Set(ctx context.Context, reference string, value []byte, ttl time.Duration) error
}
