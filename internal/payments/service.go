package payments

import (
	"context"
	"errors"
	"fmt"

	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/steps"
)

// Ledger commits a verified payment: the session becomes paid and its
// report row exists, together or not at all. Repeated calls for the same
// session return the same report id.
type Ledger interface {
	ConfirmPayment(ctx context.Context, sessionID, tierID, transactionID string) (reportID string, created bool, err error)
}

// Service coordinates checkout and payment verification.
type Service struct {
	Sessions      *sessions.Service
	Catalog       *Catalog
	Processor     Processor
	Ledger        Ledger
	PublicBaseURL string
}

// CheckoutView is returned to the client after checkout starts.
type CheckoutView struct {
	CheckoutURL   string `json:"checkoutUrl"`
	TransactionID string `json:"transactionId"`
}

// Verification is the result of a successful payment verification.
type Verification struct {
	SessionID string `json:"sessionId"`
	ReportID  string `json:"reportId"`
	Status    string `json:"status"`
}

// Tiers returns the catalog in display order.
func (s *Service) Tiers() []Tier {
	return s.Catalog.List()
}

// InitiateCheckout opens a processor checkout for a session. Processor
// failures leave the session untouched.
func (s *Service) InitiateCheckout(ctx context.Context, sessionID, tierID string) (CheckoutView, error) {
	tier, ok := s.Catalog.Get(tierID)
	if !ok {
		return CheckoutView{}, ErrTierNotFound
	}
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return CheckoutView{}, err
	}
	if session.PaymentStatus == sessions.PaymentPaid {
		return CheckoutView{}, sessions.ErrAlreadyPaid
	}
	if session.CurrentStep < steps.CheckoutStep {
		return CheckoutView{}, ErrFormIncomplete
	}

	result, err := s.Processor.CreateCheckout(ctx, CheckoutRequest{
		SessionID: session.ID,
		Tier:      tier,
		ReturnURL: s.PublicBaseURL + "/checkout/return?sessionId=" + session.ID,
		CancelURL: s.PublicBaseURL + "/checkout/cancel?sessionId=" + session.ID,
	})
	if err != nil {
		metrics.IncGatewayErrors()
		telemetry.Error("payment.checkout_failed", map[string]any{
			"session_id": session.ID,
			"tier_id":    tier.ID,
			"provider":   s.Processor.Name(),
			"error":      err.Error(),
			"request_id": telemetry.RequestID(ctx),
		})
		return CheckoutView{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if _, err := s.Sessions.StartCheckout(ctx, sessions.Checkout{
		TransactionID: result.TransactionID,
		SessionID:     session.ID,
		TierID:        tier.ID,
		AmountCents:   tier.PriceCents,
		Currency:      tier.Currency,
		Provider:      s.Processor.Name(),
	}); err != nil {
		return CheckoutView{}, err
	}
	metrics.IncCheckoutsStarted()
	return CheckoutView{CheckoutURL: result.CheckoutURL, TransactionID: result.TransactionID}, nil
}

// VerifyPayment re-derives a transaction's state from the processor and,
// when paid, commits the payment through the ledger.
func (s *Service) VerifyPayment(ctx context.Context, transactionID string) (Verification, error) {
	checkout, err := s.Sessions.Checkout(ctx, transactionID)
	if err != nil {
		if errors.Is(err, sessions.ErrCheckoutNotFound) {
			return Verification{}, ErrPaymentNotFound
		}
		return Verification{}, err
	}

	outcome, err := s.Processor.Verify(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return Verification{}, ErrPaymentNotFound
		}
		metrics.IncGatewayErrors()
		return Verification{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	fields := map[string]any{
		"session_id":     checkout.SessionID,
		"transaction_id": transactionID,
		"provider":       s.Processor.Name(),
		"outcome":        outcome.Status,
		"request_id":     telemetry.RequestID(ctx),
	}

	switch outcome.Status {
	case OutcomePaid:
		if outcome.AmountCents != checkout.AmountCents || outcome.Currency != checkout.Currency {
			fields["expected_cents"] = checkout.AmountCents
			fields["actual_cents"] = outcome.AmountCents
			fields["currency"] = outcome.Currency
			telemetry.Error("payment.amount_mismatch", fields)
			return Verification{}, ErrAmountMismatch
		}
		reportID, created, err := s.Ledger.ConfirmPayment(ctx, checkout.SessionID, checkout.TierID, transactionID)
		if err != nil {
			return Verification{}, err
		}
		if created {
			metrics.IncPaymentsConfirmed()
		}
		fields["report_id"] = reportID
		fields["report_created"] = created
		telemetry.Info("payment.verified", fields)
		return Verification{SessionID: checkout.SessionID, ReportID: reportID, Status: sessions.PaymentPaid}, nil

	case OutcomeFailed:
		metrics.IncPaymentsFailed()
		s.markFailed(ctx, checkout)
		telemetry.Warn("payment.failed", fields)
		return Verification{}, ErrPaymentFailed

	default:
		return Verification{}, ErrPaymentPending
	}
}

// markFailed moves the session to failed only when the failed transaction is
// the one the session is currently waiting on.
func (s *Service) markFailed(ctx context.Context, checkout sessions.Checkout) {
	session, err := s.Sessions.Get(ctx, checkout.SessionID)
	if err != nil {
		return
	}
	if session.PaymentStatus != sessions.PaymentPending || session.ExternalTransactionID != checkout.TransactionID {
		return
	}
	if _, err := s.Sessions.MarkPaymentStatus(ctx, checkout.SessionID, sessions.PaymentFailed, ""); err != nil && !errors.Is(err, sessions.ErrInvalidTransition) {
		telemetry.Error("payment.mark_failed_error", map[string]any{
			"session_id": checkout.SessionID,
			"error":      err.Error(),
		})
	}
}

// HandleWebhook extracts the transaction from a processor event and verifies
// it. The event's own status is never trusted.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) (Verification, error) {
	transactionID, err := s.Processor.TransactionFromWebhook(body)
	if err != nil {
		return Verification{}, ErrInvalidWebhook
	}
	return s.VerifyPayment(ctx, transactionID)
}
