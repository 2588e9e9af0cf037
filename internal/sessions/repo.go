package sessions

import (
	"context"
	"time"
)

// Repo defines persistence operations for sessions.
type Repo interface {
	Create(ctx context.Context, session Session) error
	GetByID(ctx context.Context, sessionID string) (Session, error)
	// SaveStep merges fields into form data and advances current_step in one
	// atomic write. It fails with ErrOutOfOrderStep when step > current+1.
	SaveStep(ctx context.Context, sessionID string, step int, fields map[string]any, at time.Time) (Session, error)
	// MarkPaymentStatus applies a payment transition. paid is only reachable
	// through the report ledger, so here it is accepted as an idempotent
	// re-apply of an already paid session.
	MarkPaymentStatus(ctx context.Context, sessionID, status, tierID string, at time.Time) (Session, error)
	// StartCheckout stores the checkout row and moves the session to pending.
	StartCheckout(ctx context.Context, checkout Checkout, at time.Time) (Session, error)
	GetCheckout(ctx context.Context, transactionID string) (Checkout, error)
}
