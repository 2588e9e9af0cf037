package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"funnel-backend/internal/sessions"
)

type fakeLedger struct {
	mu      sync.Mutex
	repo    *sessions.MemoryRepo
	reports map[string]string
	calls   int
}

func (l *fakeLedger) ConfirmPayment(ctx context.Context, sessionID, tierID, transactionID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if id, ok := l.reports[sessionID]; ok {
		return id, false, nil
	}
	if _, err := l.repo.Update(ctx, sessionID, func(s *sessions.Session) error {
		s.PaymentStatus = sessions.PaymentPaid
		return nil
	}); err != nil {
		return "", false, err
	}
	id := "report-" + sessionID
	l.reports[sessionID] = id
	return id, true, nil
}

type failingProcessor struct{ *SandboxProcessor }

func (failingProcessor) CreateCheckout(context.Context, CheckoutRequest) (CheckoutResult, error) {
	return CheckoutResult{}, errors.New("connection refused")
}

func setupPayments(t *testing.T) (*Service, *SandboxProcessor, *sessions.Service, *fakeLedger) {
	t.Helper()
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	repo := sessions.NewMemoryRepo()
	sessSvc := sessions.NewService(repo)
	sandbox := NewSandboxProcessor("http://localhost:5173")
	ledger := &fakeLedger{repo: repo, reports: map[string]string{}}
	svc := &Service{
		Sessions:      sessSvc,
		Catalog:       catalog,
		Processor:     sandbox,
		Ledger:        ledger,
		PublicBaseURL: "http://localhost:5173",
	}
	return svc, sandbox, sessSvc, ledger
}

func readySession(t *testing.T, svc *sessions.Service) sessions.Session {
	t.Helper()
	ctx := context.Background()
	s, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.SaveStep(ctx, s.ID, 1, map[string]any{"age": 35, "weight": 180}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if _, err := svc.SaveStep(ctx, s.ID, 2, map[string]any{"goal": "lose"}); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	return s
}

func TestInitiateCheckoutValidatesInput(t *testing.T) {
	svc, _, sessSvc, _ := setupPayments(t)
	ctx := context.Background()
	s := readySession(t, sessSvc)

	if _, err := svc.InitiateCheckout(ctx, s.ID, "platinum"); !errors.Is(err, ErrTierNotFound) {
		t.Fatalf("expected ErrTierNotFound, got %v", err)
	}
	if _, err := svc.InitiateCheckout(ctx, "4f1c2c53-7f0e-4d1e-9d55-8a2f0c6b8e11", "basic"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	fresh, _ := sessSvc.Create(ctx)
	if _, err := svc.InitiateCheckout(ctx, fresh.ID, "basic"); !errors.Is(err, ErrFormIncomplete) {
		t.Fatalf("expected ErrFormIncomplete, got %v", err)
	}

	view, err := svc.InitiateCheckout(ctx, s.ID, "basic")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if view.CheckoutURL == "" || view.TransactionID == "" {
		t.Fatalf("unexpected view: %+v", view)
	}
	got, _ := sessSvc.Get(ctx, s.ID)
	if got.PaymentStatus != sessions.PaymentPending || got.TierID != "basic" || got.ExternalTransactionID != view.TransactionID {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestInitiateCheckoutGatewayErrorLeavesSessionUntouched(t *testing.T) {
	svc, sandbox, sessSvc, _ := setupPayments(t)
	svc.Processor = failingProcessor{sandbox}
	s := readySession(t, sessSvc)

	_, err := svc.InitiateCheckout(context.Background(), s.ID, "basic")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	got, _ := sessSvc.Get(context.Background(), s.ID)
	if got.PaymentStatus != sessions.PaymentUnpaid {
		t.Fatalf("expected session to stay unpaid, got %s", got.PaymentStatus)
	}
}

func TestVerifyPaymentOutcomes(t *testing.T) {
	svc, sandbox, sessSvc, ledger := setupPayments(t)
	ctx := context.Background()
	s := readySession(t, sessSvc)

	if _, err := svc.VerifyPayment(ctx, "unknown"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	view, _ := svc.InitiateCheckout(ctx, s.ID, "basic")
	if _, err := svc.VerifyPayment(ctx, view.TransactionID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("expected ErrPaymentPending, got %v", err)
	}

	_ = sandbox.Fail(view.TransactionID)
	if _, err := svc.VerifyPayment(ctx, view.TransactionID); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	got, _ := sessSvc.Get(ctx, s.ID)
	if got.PaymentStatus != sessions.PaymentFailed {
		t.Fatalf("expected failed session, got %s", got.PaymentStatus)
	}
	if ledger.calls != 0 {
		t.Fatalf("ledger must not be called for failed payments")
	}

	retry, err := svc.InitiateCheckout(ctx, s.ID, "premium")
	if err != nil {
		t.Fatalf("retry checkout after failure: %v", err)
	}
	_ = sandbox.Complete(retry.TransactionID)

	first, err := svc.VerifyPayment(ctx, retry.TransactionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := svc.VerifyPayment(ctx, retry.TransactionID)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if first.ReportID == "" || first.ReportID != second.ReportID || first.Status != sessions.PaymentPaid {
		t.Fatalf("verify not idempotent: %+v %+v", first, second)
	}

	// A late failure for the superseded transaction must not touch the paid session.
	if _, err := svc.VerifyPayment(ctx, view.TransactionID); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed for old transaction, got %v", err)
	}
	got, _ = sessSvc.Get(ctx, s.ID)
	if got.PaymentStatus != sessions.PaymentPaid {
		t.Fatalf("paid session regressed to %s", got.PaymentStatus)
	}
	if _, err := svc.InitiateCheckout(ctx, s.ID, "basic"); !errors.Is(err, sessions.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestHandleWebhookIgnoresEventStatus(t *testing.T) {
	svc, sandbox, sessSvc, _ := setupPayments(t)
	ctx := context.Background()
	s := readySession(t, sessSvc)
	view, _ := svc.InitiateCheckout(ctx, s.ID, "basic")

	// The event claims success but the processor still reports pending.
	body := []byte(`{"transactionId":"` + view.TransactionID + `","status":"paid"}`)
	if _, err := svc.HandleWebhook(ctx, body); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("expected ErrPaymentPending, got %v", err)
	}
	_ = sandbox.Complete(view.TransactionID)
	res, err := svc.HandleWebhook(ctx, body)
	if err != nil || res.Status != sessions.PaymentPaid {
		t.Fatalf("expected paid, got %+v %v", res, err)
	}
	if _, err := svc.HandleWebhook(ctx, []byte(`{}`)); !errors.Is(err, ErrInvalidWebhook) {
		t.Fatalf("expected ErrInvalidWebhook, got %v", err)
	}
}

func TestCatalogParsing(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tiers := catalog.List()
	if len(tiers) != 2 || tiers[0].ID != "basic" || tiers[1].ID != "premium" {
		t.Fatalf("unexpected tiers: %+v", tiers)
	}
	if catalog.MaxTokens("premium") <= catalog.MaxTokens("basic") {
		t.Fatalf("expected premium to have a larger token budget")
	}
	if _, err := ParseCatalog([]byte("tiers:\n  - id: x\n    price_cents: 0\n    currency: USD\n")); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := ParseCatalog([]byte("tiers:\n  - id: x\n    price_cents: 100\n    currency: USD\n  - id: x\n    price_cents: 100\n    currency: USD\n")); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
	if got := FormatAmount(1905); got != "19.05" {
		t.Fatalf("FormatAmount = %q", got)
	}
}
