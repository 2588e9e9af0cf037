package reports

import (
	"context"
	"time"
)

// Repo defines persistence operations for reports.
type Repo interface {
	// ConfirmPayment marks the session paid and creates its queued report in
	// one atomic step. created is false when the report already existed.
	ConfirmPayment(ctx context.Context, c Confirmation) (Report, bool, error)
	GetByID(ctx context.Context, reportID string) (Report, error)
	GetBySessionID(ctx context.Context, sessionID string) (Report, error)
	GetByAccessToken(ctx context.Context, token string) (Report, error)
	// Claim moves a claimable report to generating under claimID.
	Claim(ctx context.Context, reportID, claimID string, now, staleBefore time.Time) (Report, error)
	Complete(ctx context.Context, c Completion) (Report, error)
	RecordFailure(ctx context.Context, f Failure) (Report, error)
	Requeue(ctx context.Context, reportID string, now time.Time) (Report, error)
	ListDue(ctx context.Context, dueBefore, staleBefore time.Time, limit int) ([]Report, error)
	ListOrphanedPaidSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]Orphan, error)
	FailStale(ctx context.Context, staleBefore, now time.Time) (int, error)
}
