package reports

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/tokens"
)

// Service owns report creation, lookup and operator actions.
type Service struct {
	Repo        Repo
	Tokens      *tokens.Issuer
	Dispatcher  Dispatcher
	MaxAttempts int
	Now         func() time.Time
	NewID       func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// ConfirmPayment commits the paid transition and the queued report
// together, then dispatches generation for a newly created report. A failed
// dispatch is logged only; the reconciler picks the report up later.
func (s *Service) ConfirmPayment(ctx context.Context, sessionID, tierID, transactionID string) (string, bool, error) {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	report, created, err := s.Repo.ConfirmPayment(ctx, Confirmation{
		SessionID:     sessionID,
		TierID:        tierID,
		TransactionID: transactionID,
		ReportID:      s.newID(),
		MaxAttempts:   maxAttempts,
		At:            s.now(),
	})
	if err != nil {
		return "", false, err
	}
	if !created {
		return report.ID, false, nil
	}

	telemetry.Info("report.status", map[string]any{
		"report_id":         report.ID,
		"session_id":        sessionID,
		"tier_id":           report.TierID,
		"request_id":        telemetry.RequestID(ctx),
		"status":            StatusQueued,
		"status_transition": "->queued",
	})
	s.dispatch(ctx, report.ID)
	return report.ID, true, nil
}

func (s *Service) dispatch(ctx context.Context, reportID string) {
	if s.Dispatcher == nil {
		return
	}
	if err := s.Dispatcher.Dispatch(ctx, reportID); err != nil {
		telemetry.Error("report.dispatch_failed", map[string]any{
			"report_id":  reportID,
			"request_id": telemetry.RequestID(ctx),
			"error":      err.Error(),
		})
	}
}

// Get returns a report by id. Malformed ids are reported as not found.
func (s *Service) Get(ctx context.Context, reportID string) (Report, error) {
	if _, err := uuid.Parse(reportID); err != nil {
		return Report{}, ErrNotFound
	}
	return s.Repo.GetByID(ctx, reportID)
}

// GetForSession returns the report created for a paid session.
func (s *Service) GetForSession(ctx context.Context, sessionID string) (Report, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return Report{}, ErrNotFound
	}
	return s.Repo.GetBySessionID(ctx, sessionID)
}

// Access resolves a token to its report. Errors are tokens.ErrTokenNotFound
// or tokens.ErrTokenExpired.
func (s *Service) Access(ctx context.Context, token string) (Report, error) {
	grant, err := s.Tokens.Resolve(ctx, token)
	if err != nil {
		return Report{}, err
	}
	report, err := s.Repo.GetByID(ctx, grant.ReportID)
	if errors.Is(err, ErrNotFound) {
		return Report{}, tokens.ErrTokenNotFound
	}
	return report, err
}

// Content returns the report body for a valid token. Expired tokens keep
// the stored content; only access is denied.
func (s *Service) Content(ctx context.Context, token string) (Report, error) {
	report, err := s.Access(ctx, token)
	if err != nil {
		return Report{}, err
	}
	if report.Status != StatusComplete || report.Content == "" {
		return Report{}, ErrNotComplete
	}
	return report, nil
}

// Requeue moves a failed report back to the queue and dispatches it.
func (s *Service) Requeue(ctx context.Context, reportID string) (Report, error) {
	if _, err := uuid.Parse(reportID); err != nil {
		return Report{}, ErrNotFound
	}
	report, err := s.Repo.Requeue(ctx, reportID, s.now())
	if err != nil {
		return Report{}, err
	}
	metrics.AddReconcileRepairs(1)
	telemetry.Info("report.status", map[string]any{
		"report_id":         report.ID,
		"session_id":        report.SessionID,
		"request_id":        telemetry.RequestID(ctx),
		"status":            StatusQueued,
		"status_transition": "failed->queued",
	})
	s.dispatch(ctx, report.ID)
	return report, nil
}
