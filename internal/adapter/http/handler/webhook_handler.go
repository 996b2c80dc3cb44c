package handler

import (
	"io"
	"net/http"

	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// webhookAck is the exact body payment providers expect. Anything else is
// treated as a delivery failure and retried on their side.
const webhookAck = "success"

// WebhookHandler receives inbound provider notifications.
type WebhookHandler struct {
	ingest ports.IngestService
	log    zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(ingest ports.IngestService, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, log: log}
}

// Receive handles POST /webhooks/:provider. The provider is always
// acknowledged with the literal ack body; rejected and failed deliveries are
// recorded internally instead of bouncing back.
func (h *WebhookHandler) Receive(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warn().Err(err).Str("provider", provider).Msg("unreadable webhook body acknowledged")
		response.Literal(c, http.StatusOK, webhookAck)
		return
	}

	h.ingest.Ingest(c.Request.Context(), provider, payload)
	response.Literal(c, http.StatusOK, webhookAck)
}
