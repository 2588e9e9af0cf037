package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/steps"
)

// Service coordinates session persistence with step validation.
type Service struct {
	Repo  Repo
	Now   func() time.Time
	NewID func() string
}

// NewService constructs a Service with real clock and UUIDs.
func NewService(repo Repo) *Service {
	return &Service{Repo: repo}
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

// Create allocates a new unpaid session at step 0.
func (s *Service) Create(ctx context.Context) (Session, error) {
	now := s.now()
	session := Session{
		ID:            s.newID(),
		CurrentStep:   0,
		FormData:      map[string]any{},
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Repo.Create(ctx, session); err != nil {
		return Session{}, err
	}
	metrics.IncSessionsCreated()
	telemetry.Info("session.created", map[string]any{
		"session_id": session.ID,
		"request_id": telemetry.RequestID(ctx),
	})
	return session, nil
}

// Get returns a session. Malformed ids are reported as not found.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return Session{}, ErrNotFound
	}
	return s.Repo.GetByID(ctx, sessionID)
}

// SaveStep validates a step payload and merges it into the session. Ordering
// is checked before the payload so a skipped step is reported as such even
// when its data is also invalid.
func (s *Service) SaveStep(ctx context.Context, sessionID string, step int, raw map[string]any) (Session, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if _, ok := steps.SchemaFor(step); !ok {
		metrics.IncStepsRejected()
		return Session{}, steps.ErrUnknownStep
	}
	if current.PaymentStatus == PaymentPaid {
		return Session{}, ErrAlreadyPaid
	}
	if step > current.CurrentStep+1 {
		metrics.IncStepsRejected()
		return Session{}, ErrOutOfOrderStep
	}
	fields, err := steps.Validate(step, raw)
	if err != nil {
		metrics.IncStepsRejected()
		return Session{}, err
	}
	updated, err := s.Repo.SaveStep(ctx, sessionID, step, fields, s.now())
	if err != nil {
		if errors.Is(err, ErrOutOfOrderStep) {
			metrics.IncStepsRejected()
		}
		return Session{}, err
	}
	metrics.IncStepsSaved()
	telemetry.Info("session.step_saved", map[string]any{
		"session_id":   sessionID,
		"step":         step,
		"current_step": updated.CurrentStep,
		"request_id":   telemetry.RequestID(ctx),
	})
	return updated, nil
}

// MarkPaymentStatus applies a payment transition and logs it.
func (s *Service) MarkPaymentStatus(ctx context.Context, sessionID, status, tierID string) (Session, error) {
	before, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	updated, err := s.Repo.MarkPaymentStatus(ctx, sessionID, status, tierID, s.now())
	if err != nil {
		return Session{}, err
	}
	if before.PaymentStatus != updated.PaymentStatus {
		telemetry.Info("session.payment_status", map[string]any{
			"session_id": sessionID,
			"from":       before.PaymentStatus,
			"to":         updated.PaymentStatus,
			"request_id": telemetry.RequestID(ctx),
		})
	}
	return updated, nil
}

// StartCheckout records a processor transaction and moves the session to
// pending.
func (s *Service) StartCheckout(ctx context.Context, checkout Checkout) (Session, error) {
	before, err := s.Get(ctx, checkout.SessionID)
	if err != nil {
		return Session{}, err
	}
	updated, err := s.Repo.StartCheckout(ctx, checkout, s.now())
	if err != nil {
		return Session{}, err
	}
	telemetry.Info("session.payment_status", map[string]any{
		"session_id":     checkout.SessionID,
		"from":           before.PaymentStatus,
		"to":             updated.PaymentStatus,
		"transaction_id": checkout.TransactionID,
		"tier_id":        checkout.TierID,
		"request_id":     telemetry.RequestID(ctx),
	})
	return updated, nil
}

// Checkout returns the checkout started for a processor transaction.
func (s *Service) Checkout(ctx context.Context, transactionID string) (Checkout, error) {
	return s.Repo.GetCheckout(ctx, transactionID)
}
