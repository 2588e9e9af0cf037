package reports

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/storage/db"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const reportColumns = `id, session_id, tier_id, status, attempts, max_attempts, claim_id, claimed_at,
       next_attempt_at, access_token, content, expires_at, error_code, error_message, error_retryable,
       prompt_hash, model, created_at, updated_at, completed_at`

const staleClaimMessage = "generation claim expired after the final attempt"

// claimablePredicate must stay in step with claimable in model.go.
const claimablePredicate = `attempts < max_attempts AND (
       (status = 'queued' AND next_attempt_at <= $1)
    OR (status = 'failed' AND error_retryable AND next_attempt_at <= $1)
    OR (status = 'generating' AND claimed_at < $2))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var rep Report
	var claimID sql.NullString
	var claimedAt sql.NullTime
	var accessToken sql.NullString
	var content sql.NullString
	var expiresAt sql.NullTime
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var promptHash sql.NullString
	var model sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&rep.ID,
		&rep.SessionID,
		&rep.TierID,
		&rep.Status,
		&rep.Attempts,
		&rep.MaxAttempts,
		&claimID,
		&claimedAt,
		&rep.NextAttemptAt,
		&accessToken,
		&content,
		&expiresAt,
		&errorCode,
		&errorMessage,
		&rep.ErrorRetryable,
		&promptHash,
		&model,
		&rep.CreatedAt,
		&rep.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, err
	}
	rep.ClaimID = claimID.String
	rep.AccessToken = accessToken.String
	rep.Content = content.String
	rep.ErrorCode = errorCode.String
	rep.ErrorMessage = errorMessage.String
	rep.PromptHash = promptHash.String
	rep.Model = model.String
	if claimedAt.Valid {
		rep.ClaimedAt = &claimedAt.Time
	}
	if expiresAt.Valid {
		rep.ExpiresAt = &expiresAt.Time
	}
	if completedAt.Valid {
		rep.CompletedAt = &completedAt.Time
	}
	return rep, nil
}

// ConfirmPayment locks the session row, marks it paid and inserts the
// report in the same transaction. A concurrent confirmation blocks on the
// row lock and then finds the existing report.
func (r *PGRepo) ConfirmPayment(ctx context.Context, c Confirmation) (Report, bool, error) {
	var report Report
	var created bool
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		session, err := sessions.LockForUpdate(ctx, tx, c.SessionID)
		if err != nil {
			return err
		}
		switch session.PaymentStatus {
		case sessions.PaymentPaid:
		case sessions.PaymentPending, sessions.PaymentFailed:
			if err := sessions.SetPaidTx(ctx, tx, c.SessionID, c.TierID, c.TransactionID, c.At); err != nil {
				return err
			}
		default:
			return sessions.ErrInvalidTransition
		}

		pending := newQueuedReport(c, session.TierID)
		res, err := tx.ExecContext(ctx, `
INSERT INTO reports (id, session_id, tier_id, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, 'queued', 0, $4, $5, $5, $5)
ON CONFLICT (session_id) DO NOTHING`,
			pending.ID, pending.SessionID, pending.TierID, pending.MaxAttempts, c.At)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		report, err = scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE session_id = $1`, c.SessionID))
		return err
	})
	if err != nil {
		return Report{}, false, err
	}
	return report, created, nil
}

// GetByID returns a report by ID.
func (r *PGRepo) GetByID(ctx context.Context, reportID string) (Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, reportID))
}

// GetBySessionID returns the report for a session.
func (r *PGRepo) GetBySessionID(ctx context.Context, sessionID string) (Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE session_id = $1`, sessionID))
}

// GetByAccessToken returns the report holding token.
func (r *PGRepo) GetByAccessToken(ctx context.Context, token string) (Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE access_token = $1`, token))
}

// Claim is a single compare-and-set UPDATE; no lock outlives it.
func (r *PGRepo) Claim(ctx context.Context, reportID, claimID string, now, staleBefore time.Time) (Report, error) {
	query := `
UPDATE reports
SET status = 'generating',
    attempts = attempts + 1,
    claim_id = $4,
    claimed_at = $1,
    updated_at = $1
WHERE id = $3 AND ` + claimablePredicate + `
RETURNING ` + reportColumns
	rep, err := scanReport(r.DB.QueryRowContext(ctx, query, now, staleBefore, reportID, claimID))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, reportID); getErr != nil {
			return Report{}, getErr
		}
		return Report{}, ErrNotClaimable
	}
	return rep, err
}

// Complete writes content and grant in one UPDATE guarded by the claim.
func (r *PGRepo) Complete(ctx context.Context, c Completion) (Report, error) {
	query := `
UPDATE reports
SET status = 'complete',
    content = $3,
    access_token = $4,
    expires_at = $5,
    prompt_hash = NULLIF($6, ''),
    model = NULLIF($7, ''),
    claim_id = NULL,
    error_code = NULL,
    error_message = NULL,
    error_retryable = FALSE,
    completed_at = $8,
    updated_at = $8
WHERE id = $1 AND status = 'generating' AND claim_id = $2
RETURNING ` + reportColumns
	rep, err := scanReport(r.DB.QueryRowContext(ctx, query,
		c.ID, c.ClaimID, c.Content, c.AccessToken, c.ExpiresAt, c.PromptHash, c.Model, c.At))
	if errors.Is(err, ErrNotFound) {
		return Report{}, ErrClaimLost
	}
	return rep, err
}

// RecordFailure ends the attempt. The report stays claimable only when the
// failure is retryable and attempts remain.
func (r *PGRepo) RecordFailure(ctx context.Context, f Failure) (Report, error) {
	query := `
UPDATE reports
SET status = 'failed',
    error_code = $3,
    error_message = $4,
    error_retryable = ($5 AND attempts < max_attempts),
    next_attempt_at = $6,
    claim_id = NULL,
    completed_at = CASE WHEN ($5 AND attempts < max_attempts) THEN NULL ELSE $7 END,
    updated_at = $7
WHERE id = $1 AND status = 'generating' AND claim_id = $2
RETURNING ` + reportColumns
	rep, err := scanReport(r.DB.QueryRowContext(ctx, query,
		f.ID, f.ClaimID, f.Code, f.Message, f.Retryable, f.NextAttemptAt, f.At))
	if errors.Is(err, ErrNotFound) {
		return Report{}, ErrClaimLost
	}
	return rep, err
}

// Requeue moves a failed report back to queued, widening max_attempts so at
// least one more claim is possible.
func (r *PGRepo) Requeue(ctx context.Context, reportID string, now time.Time) (Report, error) {
	query := `
UPDATE reports
SET status = 'queued',
    max_attempts = GREATEST(max_attempts, attempts + 1),
    next_attempt_at = $2,
    error_retryable = FALSE,
    completed_at = NULL,
    updated_at = $2
WHERE id = $1 AND status = 'failed'
RETURNING ` + reportColumns
	rep, err := scanReport(r.DB.QueryRowContext(ctx, query, reportID, now))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, reportID); getErr != nil {
			return Report{}, getErr
		}
		return Report{}, ErrNotRequeueable
	}
	return rep, err
}

// ListDue returns reports a worker could claim, oldest first.
func (r *PGRepo) ListDue(ctx context.Context, dueBefore, staleBefore time.Time, limit int) ([]Report, error) {
	query := `SELECT ` + reportColumns + `
FROM reports
WHERE ` + claimablePredicate + `
ORDER BY next_attempt_at ASC
LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, dueBefore, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// ListOrphanedPaidSessions returns paid sessions without a report row.
func (r *PGRepo) ListOrphanedPaidSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]Orphan, error) {
	const query = `
SELECT s.id, COALESCE(s.tier_id, ''), COALESCE(s.external_transaction_id, '')
FROM sessions s
LEFT JOIN reports r ON r.session_id = s.id
WHERE s.payment_status = 'paid' AND r.id IS NULL AND s.updated_at < $1
ORDER BY s.updated_at ASC
LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Orphan
	for rows.Next() {
		var o Orphan
		if err := rows.Scan(&o.SessionID, &o.TierID, &o.TransactionID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FailStale terminally fails stale claims with no attempts left.
func (r *PGRepo) FailStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE reports
SET status = 'failed',
    error_code = $3,
    error_message = $4,
    error_retryable = FALSE,
    claim_id = NULL,
    completed_at = $2,
    updated_at = $2
WHERE status = 'generating' AND claimed_at < $1 AND attempts >= max_attempts`,
		staleBefore, now, ErrorCodeStaleClaim, staleClaimMessage)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ Repo = (*PGRepo)(nil)
