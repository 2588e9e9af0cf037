package payments

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/server/respond"
)

const maxWebhookBytes = 256 << 10

// Handler wires HTTP handlers to the payments service.
type Handler struct {
	Svc *Service
	// Sandbox enables the dev settlement routes when set.
	Sandbox *SandboxProcessor
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, sandbox *SandboxProcessor) *Handler {
	return &Handler{Svc: svc, Sandbox: sandbox}
}

// RegisterRoutes attaches tier and checkout routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tiers", h.listTiers)
	rg.POST("/sessions/:id/checkout", h.initiateCheckout)
	rg.POST("/payments/verify", h.verifyPayment)
	rg.POST("/payments/webhook", h.webhook)
}

// RegisterDevRoutes attaches sandbox settlement routes.
func (h *Handler) RegisterDevRoutes(rg *gin.RouterGroup) {
	if h.Sandbox == nil {
		return
	}
	rg.POST("/dev/checkout/:txn/complete", h.settleSandbox(h.Sandbox.Complete))
	rg.POST("/dev/checkout/:txn/fail", h.settleSandbox(h.Sandbox.Fail))
}

func (h *Handler) listTiers(c *gin.Context) {
	respond.OK(c, gin.H{"tiers": h.Svc.Tiers()})
}

type checkoutRequest struct {
	TierID string `json:"tierId" binding:"required"`
}

func (h *Handler) initiateCheckout(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_payload", "tierId is required", nil)
		return
	}
	view, err := h.Svc.InitiateCheckout(c.Request.Context(), sessionID, req.TierID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("statusTransition", "payment:pending")
	respond.OK(c, view)
}

type verifyRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_payload", "transactionId is required", nil)
		return
	}
	result, err := h.Svc.VerifyPayment(c.Request.Context(), strings.TrimSpace(req.TransactionID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set("sessionId", result.SessionID)
	c.Set("reportId", result.ReportID)
	c.Set("statusTransition", "payment:paid")
	respond.OK(c, result)
}

// webhook acknowledges every event it could resolve so the processor stops
// redelivering; only upstream and storage failures ask for a retry.
func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_webhook", "unreadable body", nil)
		return
	}
	result, err := h.Svc.HandleWebhook(c.Request.Context(), body)
	switch {
	case err == nil:
		c.Set("sessionId", result.SessionID)
		c.Set("reportId", result.ReportID)
		respond.OK(c, gin.H{"received": true, "status": result.Status, "reportId": result.ReportID})
	case errors.Is(err, ErrInvalidWebhook):
		respond.Error(c, http.StatusBadRequest, "invalid_webhook", "event does not reference a transaction", nil)
	case errors.Is(err, ErrPaymentPending):
		respond.OK(c, gin.H{"received": true, "status": OutcomePending})
	case errors.Is(err, ErrPaymentFailed):
		respond.OK(c, gin.H{"received": true, "status": OutcomeFailed})
	case errors.Is(err, ErrPaymentNotFound):
		respond.OK(c, gin.H{"received": true, "status": "ignored"})
	default:
		writeError(c, err)
	}
}

func (h *Handler) settleSandbox(settle func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := settle(c.Param("txn")); err != nil {
			respond.Error(c, http.StatusNotFound, "payment_not_found", "sandbox transaction not found", nil)
			return
		}
		respond.OK(c, gin.H{"transactionId": c.Param("txn")})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTierNotFound):
		respond.Error(c, http.StatusNotFound, "tier_not_found", "tier not found", nil)
	case errors.Is(err, ErrFormIncomplete):
		respond.Error(c, http.StatusConflict, "form_incomplete", "complete the assessment before checkout", nil)
	case errors.Is(err, ErrGatewayUnavailable):
		respond.Error(c, http.StatusBadGateway, "gateway_unavailable", "payment processor unavailable, please retry", nil)
	case errors.Is(err, ErrPaymentNotFound):
		respond.Error(c, http.StatusNotFound, "payment_not_found", "payment not found", nil)
	case errors.Is(err, ErrPaymentFailed):
		respond.Error(c, http.StatusPaymentRequired, "payment_failed", "payment was not successful", nil)
	case errors.Is(err, ErrPaymentPending):
		respond.Error(c, http.StatusConflict, "payment_not_completed", "payment has not completed yet", nil)
	case errors.Is(err, ErrAmountMismatch):
		respond.Error(c, http.StatusConflict, "payment_mismatch", "payment does not match the checkout, contact support", nil)
	default:
		sessions.WriteError(c, err)
	}
}
