package payments

import "context"

const (
	OutcomePaid    = "paid"
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
)

// CheckoutRequest is what a processor needs to open a checkout.
type CheckoutRequest struct {
	SessionID string
	Tier      Tier
	ReturnURL string
	CancelURL string
}

// CheckoutResult identifies the processor transaction and where to send the buyer.
type CheckoutResult struct {
	TransactionID string
	CheckoutURL   string
}

// Outcome is the processor's own view of a transaction.
type Outcome struct {
	Status      string
	AmountCents int64
	Currency    string
}

// Processor is an external payment processor. Verify must query the
// processor itself; it is the only source of truth for payment state.
type Processor interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
	Verify(ctx context.Context, transactionID string) (Outcome, error)
	TransactionFromWebhook(body []byte) (string, error)
}
