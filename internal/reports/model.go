package reports

import "time"

const (
	StatusQueued     = "queued"
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// DefaultMaxAttempts bounds generation attempts per report.
const DefaultMaxAttempts = 3

// Report is the generated deliverable for one paid session.
type Report struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	TierID         string     `json:"tierId"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	ClaimID        string     `json:"-"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	AccessToken    string     `json:"-"`
	Content        string     `json:"-"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	ErrorRetryable bool       `json:"errorRetryable"`
	PromptHash     string     `json:"promptHash,omitempty"`
	Model          string     `json:"model,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether no further generation will happen without an
// operator requeue.
func (r Report) Terminal() bool {
	switch r.Status {
	case StatusComplete:
		return true
	case StatusFailed:
		return !r.ErrorRetryable
	}
	return false
}

// Confirmation is a verified payment to commit together with its report row.
type Confirmation struct {
	SessionID     string
	TierID        string
	TransactionID string
	ReportID      string
	MaxAttempts   int
	At            time.Time
}

// Completion is the result of a successful generation attempt.
type Completion struct {
	ID          string
	ClaimID     string
	Content     string
	AccessToken string
	ExpiresAt   time.Time
	PromptHash  string
	Model       string
	At          time.Time
}

// Failure records a failed attempt. Retryable failures stay claimable from
// NextAttemptAt while attempts remain.
type Failure struct {
	ID            string
	ClaimID       string
	Code          string
	Message       string
	Retryable     bool
	NextAttemptAt time.Time
	At            time.Time
}

// Orphan is a paid session that has no report row.
type Orphan struct {
	SessionID     string
	TierID        string
	TransactionID string
}

// claimable mirrors the SQL claim predicate.
func claimable(r Report, now, staleBefore time.Time) bool {
	if r.Attempts >= r.MaxAttempts {
		return false
	}
	switch r.Status {
	case StatusQueued:
		return !r.NextAttemptAt.After(now)
	case StatusFailed:
		return r.ErrorRetryable && !r.NextAttemptAt.After(now)
	case StatusGenerating:
		return r.ClaimedAt != nil && r.ClaimedAt.Before(staleBefore)
	}
	return false
}
