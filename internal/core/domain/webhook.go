package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookOutcome classifies how an inbound provider delivery was handled.
type WebhookOutcome string

const (
	WebhookOutcomeSettled     WebhookOutcome = "SETTLED"
	WebhookOutcomeDuplicate   WebhookOutcome = "DUPLICATE"
	WebhookOutcomeRejected    WebhookOutcome = "REJECTED" // signature/replay/parse failure
	WebhookOutcomeFailed      WebhookOutcome = "FAILED"   // internal processing error, queued for retry
	WebhookOutcomeUnsupported WebhookOutcome = "UNSUPPORTED"
)

// WebhookDelivery records one inbound provider notification and its outcome.
// The provider is always acknowledged; rows with REJECTED or FAILED outcomes
// form the investigation backlog.
type WebhookDelivery struct {
	ID          uuid.UUID      `json:"id"`
	Provider    string         `json:"provider"`
	Reference   string         `json:"reference"`
	PayloadHash string         `json:"payload_hash"`
	Outcome     WebhookOutcome `json:"outcome"`
	Error       *string        `json:"error,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
}
