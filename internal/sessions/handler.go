package sessions

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"funnel-backend/internal/shared/server/respond"
	"funnel-backend/internal/steps"
)

const maxStepBodyBytes = 64 << 10

// Handler wires HTTP handlers to the sessions service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches session routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.createSession)
	rg.GET("/sessions/:id", h.getSession)
	rg.PUT("/sessions/:id/steps/:step", h.saveStep)
}

type sessionView struct {
	SessionID     string         `json:"sessionId"`
	CurrentStep   int            `json:"currentStep"`
	TotalSteps    int            `json:"totalSteps"`
	FormData      map[string]any `json:"formData"`
	PaymentStatus string         `json:"paymentStatus"`
	TierID        string         `json:"tierId,omitempty"`
	UpdatedAt     string         `json:"updatedAt"`
}

func toView(s Session) sessionView {
	return sessionView{
		SessionID:     s.ID,
		CurrentStep:   s.CurrentStep,
		TotalSteps:    steps.Count(),
		FormData:      s.FormData,
		PaymentStatus: s.PaymentStatus,
		TierID:        s.TierID,
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) createSession(c *gin.Context) {
	session, err := h.Svc.Create(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "storage_unavailable", "failed to create session", nil)
		return
	}
	c.Set("sessionId", session.ID)
	respond.Created(c, gin.H{"sessionId": session.ID})
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	session, err := h.Svc.Get(c.Request.Context(), sessionID)
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.OK(c, toView(session))
}

type saveStepRequest struct {
	Fields map[string]any `json:"fields"`
}

func (h *Handler) saveStep(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_payload", "step must be a number", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStepBodyBytes+1))
	if err != nil || len(body) > maxStepBodyBytes {
		respond.Error(c, http.StatusBadRequest, "invalid_payload", "request body too large or unreadable", nil)
		return
	}
	var req saveStepRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_payload", "body must be a JSON object with a fields object", nil)
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	session, err := h.Svc.SaveStep(c.Request.Context(), sessionID, step, req.Fields)
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.OK(c, toView(session))
}

// WriteError maps session and step errors to the JSON error envelope.
func WriteError(c *gin.Context, err error) {
	var verr *steps.ValidationError
	switch {
	case errors.As(err, &verr):
		respond.Error(c, http.StatusUnprocessableEntity, "invalid_payload", "step data is invalid", verr.Fields)
	case errors.Is(err, steps.ErrUnknownStep):
		respond.Error(c, http.StatusUnprocessableEntity, "invalid_payload", "unknown step", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "session_not_found", "session not found", nil)
	case errors.Is(err, ErrOutOfOrderStep):
		respond.Error(c, http.StatusConflict, "out_of_order_step", "complete the previous step first", nil)
	case errors.Is(err, ErrAlreadyPaid):
		respond.Error(c, http.StatusConflict, "already_paid", "session is already paid", nil)
	case errors.Is(err, ErrInvalidTransition):
		respond.Error(c, http.StatusConflict, "invalid_transition", "payment state does not allow this action", nil)
	default:
		respond.Internal(c, "session request failed")
	}
}
