package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"funnel-backend/internal/shared/storage/db"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const sessionColumns = `id, current_step, form_data, payment_status, tier_id, external_transaction_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var formData []byte
	var tierID sql.NullString
	var txnID sql.NullString
	err := row.Scan(&s.ID, &s.CurrentStep, &formData, &s.PaymentStatus, &tierID, &txnID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.FormData = map[string]any{}
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &s.FormData); err != nil {
			return Session{}, fmt.Errorf("decode form_data: %w", err)
		}
	}
	s.TierID = tierID.String
	s.ExternalTransactionID = txnID.String
	return s, nil
}

// Create inserts a new session.
func (r *PGRepo) Create(ctx context.Context, session Session) error {
	const query = `
INSERT INTO sessions (id, current_step, form_data, payment_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	formData, err := json.Marshal(nonNilForm(session.FormData))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		session.ID,
		session.CurrentStep,
		formData,
		session.PaymentStatus,
		session.CreatedAt,
		session.UpdatedAt,
	)
	return err
}

// GetByID returns a session by ID.
func (r *PGRepo) GetByID(ctx context.Context, sessionID string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.DB.QueryRowContext(ctx, query, sessionID))
}

// SaveStep merges fields with a single guarded UPDATE. When the guard
// rejects the write the row is re-read to report the precise reason.
func (r *PGRepo) SaveStep(ctx context.Context, sessionID string, step int, fields map[string]any, at time.Time) (Session, error) {
	query := `
UPDATE sessions
SET form_data = form_data || $2::jsonb,
    current_step = GREATEST(current_step, $3),
    updated_at = $4
WHERE id = $1 AND current_step >= $3 - 1 AND payment_status <> 'paid'
RETURNING ` + sessionColumns
	payload, err := json.Marshal(nonNilForm(fields))
	if err != nil {
		return Session{}, err
	}
	session, err := scanSession(r.DB.QueryRowContext(ctx, query, sessionID, payload, step, at))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	current, getErr := r.GetByID(ctx, sessionID)
	if getErr != nil {
		return Session{}, getErr
	}
	if current.PaymentStatus == PaymentPaid {
		return Session{}, ErrAlreadyPaid
	}
	return Session{}, ErrOutOfOrderStep
}

// MarkPaymentStatus applies a transition with the allowed source states in
// the WHERE clause, so racing writers cannot skip a state.
func (r *PGRepo) MarkPaymentStatus(ctx context.Context, sessionID, status, tierID string, at time.Time) (Session, error) {
	from := allowedFrom(status)
	if status != PaymentPaid && len(from) > 0 {
		args := []any{sessionID, status, nullString(tierID), at}
		placeholders := make([]string, 0, len(from))
		for _, f := range from {
			args = append(args, f)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query := `
UPDATE sessions
SET payment_status = $2,
    tier_id = COALESCE($3, tier_id),
    updated_at = $4
WHERE id = $1 AND payment_status IN (` + strings.Join(placeholders, ", ") + `)
RETURNING ` + sessionColumns
		session, err := scanSession(r.DB.QueryRowContext(ctx, query, args...))
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
	}
	current, err := r.GetByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if status == PaymentPaid && current.PaymentStatus == PaymentPaid {
		return current, nil
	}
	return Session{}, ErrInvalidTransition
}

// StartCheckout locks the session row, records the checkout and moves the
// session to pending in one transaction.
func (r *PGRepo) StartCheckout(ctx context.Context, checkout Checkout, at time.Time) (Session, error) {
	var out Session
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		current, err := LockForUpdate(ctx, tx, checkout.SessionID)
		if err != nil {
			return err
		}
		if current.PaymentStatus == PaymentPaid {
			return ErrAlreadyPaid
		}
		if !CanTransition(current.PaymentStatus, PaymentPending) {
			return ErrInvalidTransition
		}
		createdAt := checkout.CreatedAt
		if createdAt.IsZero() {
			createdAt = at
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO checkouts (transaction_id, session_id, tier_id, amount_cents, currency, provider, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			checkout.TransactionID,
			checkout.SessionID,
			checkout.TierID,
			checkout.AmountCents,
			checkout.Currency,
			checkout.Provider,
			createdAt,
		); err != nil {
			return fmt.Errorf("insert checkout: %w", err)
		}
		query := `
UPDATE sessions
SET payment_status = 'pending', tier_id = $2, external_transaction_id = $3, updated_at = $4
WHERE id = $1
RETURNING ` + sessionColumns
		out, err = scanSession(tx.QueryRowContext(ctx, query, checkout.SessionID, checkout.TierID, checkout.TransactionID, at))
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// GetCheckout returns a checkout by processor transaction id.
func (r *PGRepo) GetCheckout(ctx context.Context, transactionID string) (Checkout, error) {
	const query = `
SELECT transaction_id, session_id, tier_id, amount_cents, currency, provider, created_at
FROM checkouts
WHERE transaction_id = $1`
	var c Checkout
	err := r.DB.QueryRowContext(ctx, query, transactionID).Scan(
		&c.TransactionID,
		&c.SessionID,
		&c.TierID,
		&c.AmountCents,
		&c.Currency,
		&c.Provider,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkout{}, ErrCheckoutNotFound
		}
		return Checkout{}, err
	}
	return c, nil
}

// ListByPaymentStatus returns sessions in a payment state last updated
// before the cutoff, oldest first.
func (r *PGRepo) ListByPaymentStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + `
FROM sessions
WHERE payment_status = $1 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, status, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LockForUpdate reads a session inside tx and holds its row lock until the
// transaction ends.
func LockForUpdate(ctx context.Context, tx *sql.Tx, sessionID string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	return scanSession(tx.QueryRowContext(ctx, query, sessionID))
}

// SetPaidTx marks a locked session paid. Callers must hold the row lock from
// LockForUpdate and have checked the transition.
func SetPaidTx(ctx context.Context, tx *sql.Tx, sessionID, tierID, transactionID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET payment_status = 'paid',
    tier_id = COALESCE($2, tier_id),
    external_transaction_id = COALESCE($3, external_transaction_id),
    updated_at = $4
WHERE id = $1 AND payment_status IN ('pending', 'failed')`, sessionID, nullString(tierID), nullString(transactionID), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrInvalidTransition
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilForm(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
