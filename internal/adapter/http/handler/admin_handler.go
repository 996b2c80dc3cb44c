package handler

import (
	"context"

	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/pkg/apperror"
	"p2p-settlement-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PollTrigger runs one bounded polling pass on demand.
type PollTrigger interface {
	RunOnce(ctx context.Context) error
}

// AdminHandler exposes the operator surface: manual poll trigger, ledger
// audits and the webhook investigation backlog.
type AdminHandler struct {
	poller     PollTrigger
	settlement ports.SettlementService
	webhookLog ports.WebhookLogRepository
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(poller PollTrigger, settlement ports.SettlementService, webhookLog ports.WebhookLogRepository) *AdminHandler {
	return &AdminHandler{poller: poller, settlement: settlement, webhookLog: webhookLog}
}

// TriggerPoll handles POST /api/v1/admin/poll.
func (h *AdminHandler) TriggerPoll(c *gin.Context) {
	if err := h.poller.RunOnce(c.Request.Context()); err != nil {
		response.Error(c, apperror.ErrMarketplaceUnavailable(err))
		return
	}
	response.OK(c, gin.H{"status": "completed"})
}

// VerifyLedger handles GET /api/v1/admin/ledger/:user/:currency/verify.
func (h *AdminHandler) VerifyLedger(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("user"))
		return
	}
	currency := c.Param("currency")

	if err := h.settlement.VerifyLedger(c.Request.Context(), userID, currency); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"status": "consistent"})
}

// VerifyEntries handles GET /api/v1/admin/transactions/:id/entries/verify.
func (h *AdminHandler) VerifyEntries(c *gin.Context) {
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound("transaction"))
		return
	}

	if err := h.settlement.VerifyEntries(c.Request.Context(), txID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"status": "balanced"})
}

// UnresolvedWebhooks handles GET /api/v1/admin/webhooks/unresolved.
func (h *AdminHandler) UnresolvedWebhooks(c *gin.Context) {
	deliveries, err := h.webhookLog.ListUnresolved(c.Request.Context(), 100)
	if err != nil {
		response.Error(c, apperror.InternalError(err))
		return
	}
	response.OK(c, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}
