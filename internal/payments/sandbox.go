package payments

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SandboxProcessor is an in-memory processor for local development and
// tests. Transactions stay pending until Complete or Fail is called.
type SandboxProcessor struct {
	mu      sync.Mutex
	baseURL string
	txns    map[string]Outcome
}

// NewSandboxProcessor builds a sandbox whose checkout links point at baseURL.
func NewSandboxProcessor(baseURL string) *SandboxProcessor {
	return &SandboxProcessor{
		baseURL: strings.TrimRight(baseURL, "/"),
		txns:    make(map[string]Outcome),
	}
}

func (p *SandboxProcessor) Name() string { return "sandbox" }

func (p *SandboxProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if err := ctx.Err(); err != nil {
		return CheckoutResult{}, err
	}
	txnID := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.mu.Lock()
	p.txns[txnID] = Outcome{Status: OutcomePending, AmountCents: req.Tier.PriceCents, Currency: req.Tier.Currency}
	p.mu.Unlock()
	return CheckoutResult{
		TransactionID: txnID,
		CheckoutURL:   p.baseURL + "/checkout/sandbox?transactionId=" + url.QueryEscape(txnID),
	}, nil
}

func (p *SandboxProcessor) Verify(ctx context.Context, transactionID string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	outcome, ok := p.txns[transactionID]
	if !ok {
		return Outcome{}, ErrTransactionNotFound
	}
	return outcome, nil
}

// TransactionFromWebhook accepts {"transactionId": "..."}.
func (p *SandboxProcessor) TransactionFromWebhook(body []byte) (string, error) {
	var event struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(body, &event); err != nil || strings.TrimSpace(event.TransactionID) == "" {
		return "", ErrInvalidWebhook
	}
	return strings.TrimSpace(event.TransactionID), nil
}

// Complete simulates the buyer paying.
func (p *SandboxProcessor) Complete(transactionID string) error {
	return p.settle(transactionID, OutcomePaid)
}

// Fail simulates a declined payment.
func (p *SandboxProcessor) Fail(transactionID string) error {
	return p.settle(transactionID, OutcomeFailed)
}

func (p *SandboxProcessor) settle(transactionID, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	outcome, ok := p.txns[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	outcome.Status = status
	p.txns[transactionID] = outcome
	return nil
}

var _ Processor = (*SandboxProcessor)(nil)
