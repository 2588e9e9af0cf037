package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores sessions in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu        sync.RWMutex
	byID      map[string]Session
	checkouts map[string]Checkout
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]Session),
		checkouts: make(map[string]Checkout),
	}
}

// Create stores the session.
func (r *MemoryRepo) Create(ctx context.Context, session Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session.FormData = cloneForm(session.FormData)
	r.byID[session.ID] = session
	return nil
}

// GetByID returns a session by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	session.FormData = cloneForm(session.FormData)
	return session, nil
}

// SaveStep merges fields into the session under the write lock.
func (r *MemoryRepo) SaveStep(ctx context.Context, sessionID string, step int, fields map[string]any, at time.Time) (Session, error) {
	return r.Update(ctx, sessionID, func(s *Session) error {
		if s.PaymentStatus == PaymentPaid {
			return ErrAlreadyPaid
		}
		if step > s.CurrentStep+1 {
			return ErrOutOfOrderStep
		}
		for k, v := range fields {
			s.FormData[k] = v
		}
		if step > s.CurrentStep {
			s.CurrentStep = step
		}
		s.UpdatedAt = at
		return nil
	})
}

// MarkPaymentStatus applies a payment transition.
func (r *MemoryRepo) MarkPaymentStatus(ctx context.Context, sessionID, status, tierID string, at time.Time) (Session, error) {
	return r.Update(ctx, sessionID, func(s *Session) error {
		if status == PaymentPaid {
			if s.PaymentStatus == PaymentPaid {
				return nil
			}
			return ErrInvalidTransition
		}
		if !CanTransition(s.PaymentStatus, status) {
			return ErrInvalidTransition
		}
		s.PaymentStatus = status
		if tierID != "" {
			s.TierID = tierID
		}
		s.UpdatedAt = at
		return nil
	})
}

// StartCheckout records the checkout and moves the session to pending.
func (r *MemoryRepo) StartCheckout(ctx context.Context, checkout Checkout, at time.Time) (Session, error) {
	return r.Update(ctx, checkout.SessionID, func(s *Session) error {
		if s.PaymentStatus == PaymentPaid {
			return ErrAlreadyPaid
		}
		if !CanTransition(s.PaymentStatus, PaymentPending) {
			return ErrInvalidTransition
		}
		s.PaymentStatus = PaymentPending
		s.TierID = checkout.TierID
		s.ExternalTransactionID = checkout.TransactionID
		s.UpdatedAt = at
		if checkout.CreatedAt.IsZero() {
			checkout.CreatedAt = at
		}
		r.checkouts[checkout.TransactionID] = checkout
		return nil
	})
}

// GetCheckout returns a checkout by processor transaction id.
func (r *MemoryRepo) GetCheckout(ctx context.Context, transactionID string) (Checkout, error) {
	if err := ctx.Err(); err != nil {
		return Checkout{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	checkout, ok := r.checkouts[transactionID]
	if !ok {
		return Checkout{}, ErrCheckoutNotFound
	}
	return checkout, nil
}

// Update runs fn against a copy of the session while holding the write lock
// and stores the copy only when fn succeeds. fn may take further locks, which
// must always be acquired after this one.
func (r *MemoryRepo) Update(ctx context.Context, sessionID string, fn func(*Session) error) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := current
	next.FormData = cloneForm(current.FormData)
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	r.byID[sessionID] = next
	out := next
	out.FormData = cloneForm(next.FormData)
	return out, nil
}

// ListByPaymentStatus returns sessions in a payment state last updated before
// the cutoff, oldest first.
func (r *MemoryRepo) ListByPaymentStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Session
	for _, s := range r.byID {
		if s.PaymentStatus == status && s.UpdatedAt.Before(updatedBefore) {
			s.FormData = cloneForm(s.FormData)
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
