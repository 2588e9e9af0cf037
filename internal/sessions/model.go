package sessions

import "time"

const (
	PaymentUnpaid  = "unpaid"
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// Session is one visitor's assessment progress and entitlement state.
type Session struct {
	ID                    string         `json:"id"`
	CurrentStep           int            `json:"currentStep"`
	FormData              map[string]any `json:"formData"`
	PaymentStatus         string         `json:"paymentStatus"`
	TierID                string         `json:"tierId,omitempty"`
	ExternalTransactionID string         `json:"externalTransactionId,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// Checkout records one processor transaction started for a session. A session
// may accumulate several when checkout is re-initiated.
type Checkout struct {
	TransactionID string
	SessionID     string
	TierID        string
	AmountCents   int64
	Currency      string
	Provider      string
	CreatedAt     time.Time
}

// CanTransition reports whether the payment state machine allows from -> to.
// pending -> pending is a re-initiated checkout; paid -> paid is an
// idempotent re-apply.
func CanTransition(from, to string) bool {
	switch from {
	case PaymentUnpaid:
		return to == PaymentPending
	case PaymentPending:
		return to == PaymentPending || to == PaymentPaid || to == PaymentFailed
	case PaymentFailed:
		return to == PaymentPending
	case PaymentPaid:
		return to == PaymentPaid
	}
	return false
}

// allowedFrom lists the states that may move to the target state.
func allowedFrom(to string) []string {
	var out []string
	for _, from := range []string{PaymentUnpaid, PaymentPending, PaymentPaid, PaymentFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func cloneForm(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
