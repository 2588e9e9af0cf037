package reports

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"funnel-backend/internal/shared/server/middleware"
	"funnel-backend/internal/shared/server/respond"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/tokens"
)

// Handler wires HTTP handlers to the reports service.
type Handler struct {
	Svc     *Service
	Limiter PollLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, limiter PollLimiter) *Handler {
	return &Handler{Svc: svc, Limiter: limiter}
}

// RegisterRoutes attaches report routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/report", h.getSessionReport)
	rg.GET("/reports/access/:token", h.getStatus)
	rg.GET("/reports/access/:token/content", h.getContent)
}

type statusView struct {
	ReportID    string `json:"reportId"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	ErrorCode   string `json:"errorCode,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

func toStatusView(r Report, withToken bool) statusView {
	view := statusView{
		ReportID:  r.ID,
		Status:    r.Status,
		Attempts:  r.Attempts,
		ErrorCode: r.ErrorCode,
	}
	// A retryable failure is still in progress from the client's view.
	if r.Status == StatusFailed && r.ErrorRetryable {
		view.Status = StatusQueued
		view.ErrorCode = ""
	}
	if withToken {
		view.SessionID = r.SessionID
		if r.Status == StatusComplete {
			view.AccessToken = r.AccessToken
		}
	}
	if r.ExpiresAt != nil {
		view.ExpiresAt = r.ExpiresAt.Format(time.RFC3339)
	}
	if r.CompletedAt != nil {
		view.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return view
}

func (h *Handler) allowPoll(c *gin.Context, key string) bool {
	if h.Limiter == nil {
		return true
	}
	ok, retryAfter, err := h.Limiter.Allow(c.Request.Context(), key)
	if err != nil {
		// Polling stays available when the limiter backend is down.
		telemetry.Warn("report.poll_limiter_error", map[string]any{
			"request_id": c.GetString("requestId"),
			"error":      err.Error(),
		})
		return true
	}
	if !ok {
		middleware.WriteRetryAfter(c, retryAfter)
		return false
	}
	return true
}

func (h *Handler) getSessionReport(c *gin.Context) {
	sessionID := c.Param("id")
	c.Set("sessionId", sessionID)
	if !h.allowPoll(c, "session:"+sessionID) {
		return
	}
	report, err := h.Svc.GetForSession(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, toStatusView(report, true))
}

func (h *Handler) getStatus(c *gin.Context) {
	token := c.Param("token")
	if !h.allowPoll(c, "token:"+token) {
		return
	}
	report, err := h.Svc.Access(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, toStatusView(report, false))
}

func (h *Handler) getContent(c *gin.Context) {
	report, err := h.Svc.Content(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	view := toStatusView(report, false)
	respond.OK(c, gin.H{
		"reportId":    view.ReportID,
		"status":      view.Status,
		"format":      "markdown",
		"content":     report.Content,
		"expiresAt":   view.ExpiresAt,
		"completedAt": view.CompletedAt,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "report_not_found", "report not found", nil)
	case errors.Is(err, tokens.ErrTokenNotFound):
		respond.Error(c, http.StatusNotFound, "token_not_found", "access token not found", nil)
	case errors.Is(err, tokens.ErrTokenExpired):
		respond.Error(c, http.StatusGone, "token_expired", "access token has expired", nil)
	case errors.Is(err, ErrNotComplete):
		respond.Error(c, http.StatusConflict, "not_complete", "report is not complete yet", nil)
	default:
		respond.Internal(c, "report request failed")
	}
}
