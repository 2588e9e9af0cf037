package reports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"funnel-backend/internal/llm"
	"funnel-backend/internal/payments"
	"funnel-backend/internal/sessions"
	"funnel-backend/internal/tokens"
)

const testTokenTTL = 30 * 24 * time.Hour

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// scriptedLLM fails with errs in order, then succeeds.
type scriptedLLM struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	content string
	reqs    []llm.Request
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.reqs = append(s.reqs, req)
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return llm.Response{}, s.errs[s.calls-1]
	}
	return llm.Response{Content: s.content, Model: "test-model", PromptHash: "hash-1"}, nil
}

func (s *scriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, reportID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, reportID)
	return d.err
}

func (d *recordingDispatcher) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type harness struct {
	clock      *fakeClock
	sessions   *sessions.MemoryRepo
	repo       *MemoryRepo
	llm        *scriptedLLM
	issuer     *tokens.Issuer
	job        *Job
	svc        *Service
	dispatcher *recordingDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := payments.LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	clock := newFakeClock()
	sessionRepo := sessions.NewMemoryRepo()
	repo := NewMemoryRepo(sessionRepo)
	issuer := tokens.NewIssuer(testTokenTTL, GrantStore{Repo: repo})
	issuer.Now = clock.Now
	model := &scriptedLLM{content: "# Your plan\n\nEat well."}
	dispatcher := &recordingDispatcher{}

	job := &Job{
		Repo:     repo,
		Sessions: sessionRepo,
		LLM:      model,
		Tokens:   issuer,
		Tiers:    catalog,
		Now:      clock.Now,
		Sleep:    clock.Sleep,
	}
	svc := &Service{
		Repo:        repo,
		Tokens:      issuer,
		Dispatcher:  dispatcher,
		MaxAttempts: DefaultMaxAttempts,
		Now:         clock.Now,
	}
	return &harness{
		clock:      clock,
		sessions:   sessionRepo,
		repo:       repo,
		llm:        model,
		issuer:     issuer,
		job:        job,
		svc:        svc,
		dispatcher: dispatcher,
	}
}

func defaultForm() map[string]any {
	return map[string]any{"age": 35, "weight": 180, "height": 70, "sex": "female", "goal": "lose"}
}

// pendingSession stores a session that has started checkout.
func (h *harness) pendingSession(t *testing.T, form map[string]any) string {
	t.Helper()
	id := uuid.NewString()
	now := h.clock.Now()
	err := h.sessions.Create(context.Background(), sessions.Session{
		ID:                    id,
		CurrentStep:           2,
		FormData:              form,
		PaymentStatus:         sessions.PaymentPending,
		TierID:                "basic",
		ExternalTransactionID: "txn-" + id[:8],
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

// paidReport confirms payment for a fresh session and returns its report.
func (h *harness) paidReport(t *testing.T, form map[string]any) Report {
	t.Helper()
	sessionID := h.pendingSession(t, form)
	reportID, created, err := h.svc.ConfirmPayment(context.Background(), sessionID, "basic", "txn-1")
	if err != nil || !created {
		t.Fatalf("confirm payment: created=%v err=%v", created, err)
	}
	report, err := h.repo.GetByID(context.Background(), reportID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	return report
}
