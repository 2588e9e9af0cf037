package reports

import (
	"context"
	"sort"
	"sync"
	"time"

	"funnel-backend/internal/sessions"
)

// MemoryRepo stores reports in memory next to a sessions.MemoryRepo so the
// paid transition and report creation share one critical section. Lock
// order is always sessions then reports.
type MemoryRepo struct {
	Sessions *sessions.MemoryRepo

	mu        sync.RWMutex
	byID      map[string]Report
	bySession map[string]string
	byToken   map[string]string
}

// NewMemoryRepo constructs a MemoryRepo bound to the session store.
func NewMemoryRepo(sessionRepo *sessions.MemoryRepo) *MemoryRepo {
	return &MemoryRepo{
		Sessions:  sessionRepo,
		byID:      make(map[string]Report),
		bySession: make(map[string]string),
		byToken:   make(map[string]string),
	}
}

// ConfirmPayment sets the session paid and inserts its report atomically.
func (r *MemoryRepo) ConfirmPayment(ctx context.Context, c Confirmation) (Report, bool, error) {
	var report Report
	var created bool
	_, err := r.Sessions.Update(ctx, c.SessionID, func(s *sessions.Session) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		switch s.PaymentStatus {
		case sessions.PaymentPaid:
		case sessions.PaymentPending, sessions.PaymentFailed:
			s.PaymentStatus = sessions.PaymentPaid
			if c.TierID != "" {
				s.TierID = c.TierID
			}
			if c.TransactionID != "" {
				s.ExternalTransactionID = c.TransactionID
			}
			s.UpdatedAt = c.At
		default:
			return sessions.ErrInvalidTransition
		}

		if id, ok := r.bySession[s.ID]; ok {
			report = r.byID[id]
			return nil
		}
		report = newQueuedReport(c, s.TierID)
		r.byID[report.ID] = report
		r.bySession[report.SessionID] = report.ID
		created = true
		return nil
	})
	if err != nil {
		return Report{}, false, err
	}
	return report, created, nil
}

func newQueuedReport(c Confirmation, tierID string) Report {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if c.TierID != "" {
		tierID = c.TierID
	}
	return Report{
		ID:            c.ReportID,
		SessionID:     c.SessionID,
		TierID:        tierID,
		Status:        StatusQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: c.At,
		CreatedAt:     c.At,
		UpdatedAt:     c.At,
	}
}

// GetByID returns a report by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, reportID string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.byID[reportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	return report, nil
}

// GetBySessionID returns the report for a session.
func (r *MemoryRepo) GetBySessionID(ctx context.Context, sessionID string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return Report{}, ErrNotFound
	}
	return r.byID[id], nil
}

// GetByAccessToken returns the report holding token.
func (r *MemoryRepo) GetByAccessToken(ctx context.Context, token string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[token]
	if !ok {
		return Report{}, ErrNotFound
	}
	return r.byID[id], nil
}

// Claim applies the compare-and-set claim.
func (r *MemoryRepo) Claim(ctx context.Context, reportID, claimID string, now, staleBefore time.Time) (Report, error) {
	return r.update(ctx, reportID, func(rep *Report) error {
		if !claimable(*rep, now, staleBefore) {
			return ErrNotClaimable
		}
		rep.Status = StatusGenerating
		rep.Attempts++
		rep.ClaimID = claimID
		claimedAt := now
		rep.ClaimedAt = &claimedAt
		rep.UpdatedAt = now
		return nil
	})
}

// Complete stores content and grant together when the claim still holds.
func (r *MemoryRepo) Complete(ctx context.Context, c Completion) (Report, error) {
	return r.update(ctx, c.ID, func(rep *Report) error {
		if rep.Status != StatusGenerating || rep.ClaimID != c.ClaimID {
			return ErrClaimLost
		}
		rep.Status = StatusComplete
		rep.Content = c.Content
		rep.AccessToken = c.AccessToken
		expires := c.ExpiresAt
		rep.ExpiresAt = &expires
		rep.PromptHash = c.PromptHash
		rep.Model = c.Model
		rep.ClaimID = ""
		rep.ErrorCode = ""
		rep.ErrorMessage = ""
		rep.ErrorRetryable = false
		completed := c.At
		rep.CompletedAt = &completed
		rep.UpdatedAt = c.At
		r.byToken[c.AccessToken] = rep.ID
		return nil
	})
}

// RecordFailure marks the attempt failed when the claim still holds.
func (r *MemoryRepo) RecordFailure(ctx context.Context, f Failure) (Report, error) {
	return r.update(ctx, f.ID, func(rep *Report) error {
		if rep.Status != StatusGenerating || rep.ClaimID != f.ClaimID {
			return ErrClaimLost
		}
		applyFailure(rep, f)
		return nil
	})
}

func applyFailure(rep *Report, f Failure) {
	rep.Status = StatusFailed
	rep.ErrorCode = f.Code
	rep.ErrorMessage = f.Message
	rep.ErrorRetryable = f.Retryable && rep.Attempts < rep.MaxAttempts
	rep.NextAttemptAt = f.NextAttemptAt
	rep.ClaimID = ""
	rep.UpdatedAt = f.At
	if rep.ErrorRetryable {
		rep.CompletedAt = nil
	} else {
		at := f.At
		rep.CompletedAt = &at
	}
}

// Requeue returns a failed report to the queue with one more attempt
// available.
func (r *MemoryRepo) Requeue(ctx context.Context, reportID string, now time.Time) (Report, error) {
	return r.update(ctx, reportID, func(rep *Report) error {
		if rep.Status != StatusFailed {
			return ErrNotRequeueable
		}
		rep.Status = StatusQueued
		if rep.MaxAttempts < rep.Attempts+1 {
			rep.MaxAttempts = rep.Attempts + 1
		}
		rep.NextAttemptAt = now
		rep.ErrorRetryable = false
		rep.CompletedAt = nil
		rep.UpdatedAt = now
		return nil
	})
}

// ListDue returns reports a worker could claim, oldest first.
func (r *MemoryRepo) ListDue(ctx context.Context, dueBefore, staleBefore time.Time, limit int) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Report
	for _, rep := range r.byID {
		if claimable(rep, dueBefore, staleBefore) {
			out = append(out, rep)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOrphanedPaidSessions returns paid sessions without a report.
func (r *MemoryRepo) ListOrphanedPaidSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]Orphan, error) {
	paid, err := r.Sessions.ListByPaymentStatus(ctx, sessions.PaymentPaid, updatedBefore, 0)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Orphan
	for _, s := range paid {
		if _, ok := r.bySession[s.ID]; ok {
			continue
		}
		out = append(out, Orphan{SessionID: s.ID, TierID: s.TierID, TransactionID: s.ExternalTransactionID})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FailStale terminally fails stale claims with no attempts left.
func (r *MemoryRepo) FailStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rep := range r.byID {
		if rep.Status != StatusGenerating || rep.ClaimedAt == nil || !rep.ClaimedAt.Before(staleBefore) {
			continue
		}
		if rep.Attempts < rep.MaxAttempts {
			continue
		}
		applyFailure(&rep, Failure{Code: ErrorCodeStaleClaim, Message: staleClaimMessage, NextAttemptAt: rep.NextAttemptAt, At: now})
		r.byID[id] = rep
		n++
	}
	return n, nil
}

// Put stores a report as-is. Tests use it to stage states the public
// operations never produce directly.
func (r *MemoryRepo) Put(report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[report.ID] = report
	r.bySession[report.SessionID] = report.ID
	if report.AccessToken != "" {
		r.byToken[report.AccessToken] = report.ID
	}
}

func (r *MemoryRepo) update(ctx context.Context, reportID string, fn func(*Report) error) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[reportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	next := current
	if err := fn(&next); err != nil {
		return Report{}, err
	}
	r.byID[reportID] = next
	return next, nil
}

var _ Repo = (*MemoryRepo)(nil)
