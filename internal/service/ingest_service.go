package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxWebhookBytes bounds worst-case verification cost per delivery;
// maxFieldBytes bounds any single parameter value.
const (
	maxWebhookBytes = 64 * 1024
	maxFieldBytes   = 2 * 1024
)

// ProviderProfile describes how one payment provider's webhooks are verified
// and which payload fields carry the settlement data.
type ProviderProfile struct {
	Name   string
	Signer ports.Signer

	// Field names in the provider's flat payload.
	ReferenceField string
	AmountField    string
	CurrencyField  string
	UserField      string
	StatusField    string
	TypeField      string
	// OrderStatusField marks order-status webhooks; when the payload carries
	// it, the delivery drives the order state machine instead of the ledger.
	OrderField       string
	OrderStatusField string
	MethodField      string
	// ReceiptField carries the provider's receipt identifier when present.
	ReceiptField string

	// SuccessValue gates settlement on the provider's own status flag.
	SuccessValue string
	// DebitValues lists TypeField values settled as debits. Anything else
	// is a credit.
	DebitValues []string
}

// IngestServiceImpl implements ports.IngestService: verify, deduplicate,
// dispatch, always acknowledge.
type IngestServiceImpl struct {
	providers  map[string]ProviderProfile
	replay     ports.ReplayGuard
	settlement ports.SettlementService
	orders     ports.OrderService
	market     ports.MarketplaceClient
	txRepo     ports.TransactionRepository
	webhookLog ports.WebhookLogRepository
	publisher  ports.EventPublisher
	log        zerolog.Logger
}

// NewIngestService creates a new IngestServiceImpl.
func NewIngestService(
	providers map[string]ProviderProfile,
	replay ports.ReplayGuard,
	settlement ports.SettlementService,
	orders ports.OrderService,
	market ports.MarketplaceClient,
	txRepo ports.TransactionRepository,
	webhookLog ports.WebhookLogRepository,
	publisher ports.EventPublisher,
	log zerolog.Logger,
) *IngestServiceImpl {
	return &IngestServiceImpl{
		providers:  providers,
		replay:     replay,
		settlement: settlement,
		orders:     orders,
		market:     market,
		txRepo:     txRepo,
		webhookLog: webhookLog,
		publisher:  publisher,
		log:        log,
	}
}

// Ingest processes one inbound provider delivery and classifies the outcome.
// The caller acknowledges the provider regardless: provider-side retries are
// untrusted, internal retries run through the dispatcher.
func (s *IngestServiceImpl) Ingest(ctx context.Context, provider string, payload []byte) domain.WebhookOutcome {
	hash := payloadHash(payload)

	if len(payload) > maxWebhookBytes {
		return s.record(ctx, provider, "", hash, domain.WebhookOutcomeRejected, "payload exceeds size ceiling")
	}

	profile, ok := s.providers[provider]
	if !ok {
		return s.record(ctx, provider, "", hash, domain.WebhookOutcomeUnsupported, "unknown provider")
	}

	params, err := parseFlatParams(payload)
	if err != nil {
		return s.record(ctx, provider, "", hash, domain.WebhookOutcomeRejected, fmt.Sprintf("malformed payload: %v", err))
	}

	if !profile.Signer.Verify(params, params[signatureField]) {
		return s.record(ctx, provider, params[profile.ReferenceField], hash, domain.WebhookOutcomeRejected, "invalid signature")
	}

	first, err := s.replay.FirstSeen(ctx, hash)
	if err != nil {
		s.log.Warn().Err(err).Str("provider", provider).Msg("replay guard unavailable, relying on reference idempotency")
	} else if !first {
		return s.record(ctx, provider, params[profile.ReferenceField], hash, domain.WebhookOutcomeRejected, "payload replayed within freshness window")
	}

	if profile.OrderField != "" && params[profile.OrderField] != "" {
		return s.ingestOrderSignal(ctx, profile, params, hash)
	}
	return s.ingestPayment(ctx, profile, params, hash)
}

// ingestPayment settles a deposit or withdrawal confirmation.
func (s *IngestServiceImpl) ingestPayment(ctx context.Context, profile ProviderProfile, params map[string]string, hash string) domain.WebhookOutcome {
	rawRef := params[profile.ReferenceField]
	if rawRef == "" {
		return s.record(ctx, profile.Name, "", hash, domain.WebhookOutcomeRejected, "missing reference field")
	}
	reference := profile.Name + "-" + rawRef

	if profile.SuccessValue != "" && params[profile.StatusField] != profile.SuccessValue {
		return s.record(ctx, profile.Name, reference, hash, domain.WebhookOutcomeUnsupported,
			fmt.Sprintf("non-success provider status %q", params[profile.StatusField]))
	}

	userID, err := uuid.Parse(params[profile.UserField])
	if err != nil {
		return s.record(ctx, profile.Name, reference, hash, domain.WebhookOutcomeRejected, "unparseable user id")
	}
	amount, err := parseAmount(params[profile.AmountField])
	if err != nil {
		return s.record(ctx, profile.Name, reference, hash, domain.WebhookOutcomeRejected, "unparseable amount")
	}

	existing, err := s.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return s.fail(ctx, profile.Name, reference, hash, fmt.Sprintf("reference lookup: %v", err))
	}
	if existing != nil {
		s.log.Debug().Str("reference", reference).Msg("webhook for settled reference acknowledged without reprocessing")
		return s.record(ctx, profile.Name, reference, hash, domain.WebhookOutcomeDuplicate, "")
	}

	direction := domain.DirectionCredit
	source := domain.TransactionTypeDeposit
	for _, v := range profile.DebitValues {
		if params[profile.TypeField] == v {
			direction = domain.DirectionDebit
			source = domain.TransactionTypeWithdrawal
			break
		}
	}

	txn, err := s.settlement.Settle(ctx, ports.SettleRequest{
		Reference: reference,
		UserID:    userID,
		Currency:  params[profile.CurrencyField],
		Amount:    amount,
		Direction: direction,
		Source:    source,
		Actor:     "webhook:" + profile.Name,
	})
	if err != nil {
		return s.fail(ctx, profile.Name, reference, hash, fmt.Sprintf("settlement: %v", err))
	}

	if receipt := params[profile.ReceiptField]; profile.ReceiptField != "" && receipt != "" {
		// The funds are settled either way; a lost receipt only degrades the
		// audit trail, so the delivery still counts as settled.
		if err := s.txRepo.AttachReceipt(ctx, txn.ID, receipt); err != nil {
			s.log.Warn().Err(err).Str("reference", reference).Msg("failed to attach provider receipt")
		}
	}

	return s.record(ctx, profile.Name, reference, hash, domain.WebhookOutcomeSettled, "")
}

// ingestOrderSignal drives the order state machine from a pushed order-status
// webhook. A PAID signal is also propagated to the marketplace, best-effort.
func (s *IngestServiceImpl) ingestOrderSignal(ctx context.Context, profile ProviderProfile, params map[string]string, hash string) domain.WebhookOutcome {
	orderID := params[profile.OrderField]
	code, err := strconv.Atoi(params[profile.OrderStatusField])
	if err != nil {
		return s.record(ctx, profile.Name, orderID, hash, domain.WebhookOutcomeRejected, "unparseable order status code")
	}
	status, ok := domain.StatusFromMarketplaceCode(code)
	if !ok {
		return s.record(ctx, profile.Name, orderID, hash, domain.WebhookOutcomeUnsupported,
			fmt.Sprintf("unknown order status code %d", code))
	}

	signal := ports.OrderSignal{
		ExternalID:       orderID,
		Status:           status,
		PaymentMethod:    params[profile.MethodField],
		PaymentReference: params[profile.ReferenceField],
	}
	if err := s.orders.Apply(ctx, signal); err != nil {
		return s.fail(ctx, profile.Name, orderID, hash, fmt.Sprintf("order signal: %v", err))
	}

	if status == domain.OrderStatusPaid {
		if err := s.market.MarkPaid(ctx, orderID, signal.PaymentMethod, signal.PaymentReference); err != nil {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("marketplace paid notification failed")
		}
	}

	return s.record(ctx, profile.Name, orderID, hash, domain.WebhookOutcomeSettled, "")
}

// fail records a processing failure and queues it for investigation. The
// provider is still acknowledged.
func (s *IngestServiceImpl) fail(ctx context.Context, provider, reference, hash, reason string) domain.WebhookOutcome {
	event := domain.NewNotificationEvent(
		"webhook processing failed",
		fmt.Sprintf("provider %s reference %s: %s", provider, reference, reason),
		provider, "error",
	)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error().Err(err).Str("provider", provider).Str("reference", reference).Msg("failed to queue webhook failure for investigation")
	}
	return s.record(ctx, provider, reference, hash, domain.WebhookOutcomeFailed, reason)
}

func (s *IngestServiceImpl) record(ctx context.Context, provider, reference, hash string, outcome domain.WebhookOutcome, reason string) domain.WebhookOutcome {
	delivery := &domain.WebhookDelivery{
		ID:          uuid.New(),
		Provider:    provider,
		Reference:   reference,
		PayloadHash: hash,
		Outcome:     outcome,
		ReceivedAt:  time.Now().UTC(),
	}
	if reason != "" {
		delivery.Error = &reason
	}
	if err := s.webhookLog.Append(ctx, delivery); err != nil {
		s.log.Error().Err(err).Str("provider", provider).Str("reference", reference).Msg("failed to record webhook delivery")
	}

	logEvent := s.log.Info()
	if outcome == domain.WebhookOutcomeRejected || outcome == domain.WebhookOutcomeFailed {
		logEvent = s.log.Warn()
	}
	logEvent.
		Str("provider", provider).
		Str("reference", reference).
		Str("outcome", string(outcome)).
		Str("reason", reason).
		Msg("webhook ingested")
	return outcome
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// parseFlatParams decodes a flat JSON object into the string parameter set
// the signature scheme operates on. Numbers keep their literal form.
func parseFlatParams(payload []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(raw))
	for k, v := range raw {
		if len(v) > maxFieldBytes {
			return nil, fmt.Errorf("field %q exceeds %d bytes", k, maxFieldBytes)
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			params[k] = str
			continue
		}
		params[k] = string(v)
	}
	return params, nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(value)
}
