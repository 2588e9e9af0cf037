package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"funnel-backend/internal/llm"
	"funnel-backend/internal/payments"
	"funnel-backend/internal/sessions"
	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/tokens"
)

const (
	defaultGenerationTimeout = 45 * time.Second
	defaultStaleAfter        = 5 * time.Minute
	defaultMaxTokens         = 1200
)

// SessionReader loads the form data a report is generated from.
type SessionReader interface {
	GetByID(ctx context.Context, sessionID string) (sessions.Session, error)
}

// TierLookup resolves token budgets and display names.
type TierLookup interface {
	Get(id string) (payments.Tier, bool)
}

// Job claims a report and drives it to complete or terminal failure.
type Job struct {
	Repo       Repo
	Sessions   SessionReader
	LLM        llm.Client
	Tokens     *tokens.Issuer
	Tiers      TierLookup
	Timeout    time.Duration
	StaleAfter time.Duration
	Backoff    func(attempt int) time.Duration
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	NewClaimID func() string
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

func (j *Job) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return defaultGenerationTimeout
}

func (j *Job) staleAfter() time.Duration {
	if j.StaleAfter > 0 {
		return j.StaleAfter
	}
	return defaultStaleAfter
}

func (j *Job) backoff(attempt int) time.Duration {
	if j.Backoff != nil {
		return j.Backoff(attempt)
	}
	return Backoff(attempt)
}

func (j *Job) sleep(ctx context.Context, d time.Duration) error {
	if j.Sleep != nil {
		return j.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (j *Job) newClaimID() string {
	if j.NewClaimID != nil {
		return j.NewClaimID()
	}
	return uuid.NewString()
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs attempts for a report until it completes, fails terminally,
// or another worker holds the claim. A report that is not claimable right
// now is not an error; redelivered messages land here routinely.
func (j *Job) Process(ctx context.Context, reportID string) error {
	for {
		now := j.now()
		report, err := j.Repo.Claim(ctx, reportID, j.newClaimID(), now, now.Add(-j.staleAfter()))
		if errors.Is(err, ErrNotClaimable) {
			telemetry.Info("report.claim_skipped", map[string]any{
				"report_id":  reportID,
				"request_id": telemetry.RequestID(ctx),
			})
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim report %s: %w", reportID, err)
		}

		metrics.IncReportStarted()
		telemetry.Info("report.status", map[string]any{
			"report_id":         report.ID,
			"session_id":        report.SessionID,
			"request_id":        telemetry.RequestID(ctx),
			"attempt":           report.Attempts,
			"status":            StatusGenerating,
			"status_transition": "->generating",
		})

		retry, err := j.attempt(ctx, report, now)
		if err != nil || !retry {
			return err
		}
	}
}

// attempt runs one claimed generation. It reports whether the caller should
// loop for another attempt.
func (j *Job) attempt(ctx context.Context, report Report, startedAt time.Time) (bool, error) {
	resp, genErr := j.generate(ctx, report)
	if genErr == nil {
		grant, err := j.Tokens.Issue(report.ID)
		if err != nil {
			genErr = fmt.Errorf("issue access token: %w", err)
		} else {
			completedAt := j.now()
			_, err := j.Repo.Complete(telemetry.Detach(ctx), Completion{
				ID:          report.ID,
				ClaimID:     report.ClaimID,
				Content:     resp.Content,
				AccessToken: grant.Token,
				ExpiresAt:   grant.ExpiresAt,
				PromptHash:  resp.PromptHash,
				Model:       resp.Model,
				At:          completedAt,
			})
			switch {
			case errors.Is(err, ErrClaimLost):
				j.logClaimLost(ctx, report)
				return false, nil
			case err != nil:
				genErr = &storageError{op: "store report", err: err}
			default:
				metrics.IncReportCompleted()
				metrics.ObserveGenerationMs(float64(completedAt.Sub(startedAt).Microseconds()) / 1000.0)
				telemetry.Info("report.status", map[string]any{
					"report_id":         report.ID,
					"session_id":        report.SessionID,
					"request_id":        telemetry.RequestID(ctx),
					"attempt":           report.Attempts,
					"status":            StatusComplete,
					"status_transition": "generating->complete",
					"duration_ms":       completedAt.Sub(startedAt).Milliseconds(),
				})
				return false, nil
			}
		}
	}

	code, retryable := classifyFailure(genErr)
	failedAt := j.now()
	failed, err := j.Repo.RecordFailure(telemetry.Detach(ctx), Failure{
		ID:            report.ID,
		ClaimID:       report.ClaimID,
		Code:          code,
		Message:       sanitizeError(genErr),
		Retryable:     retryable,
		NextAttemptAt: failedAt.Add(j.backoff(report.Attempts)),
		At:            failedAt,
	})
	if errors.Is(err, ErrClaimLost) {
		j.logClaimLost(ctx, report)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record failure for report %s: %w", report.ID, err)
	}

	fields := map[string]any{
		"report_id":   report.ID,
		"session_id":  report.SessionID,
		"request_id":  telemetry.RequestID(ctx),
		"attempt":     failed.Attempts,
		"error_code":  code,
		"error":       sanitizeError(genErr),
		"status":      StatusFailed,
		"retryable":   failed.ErrorRetryable,
		"duration_ms": failedAt.Sub(startedAt).Milliseconds(),
	}
	if !failed.ErrorRetryable {
		metrics.IncReportFailed()
		telemetry.Error("report.status", fields)
		return false, nil
	}
	metrics.IncReportRetried()
	wait := failed.NextAttemptAt.Sub(j.now())
	fields["retry_in_ms"] = wait.Milliseconds()
	telemetry.Warn("report.status", fields)
	if err := j.sleep(ctx, wait); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Job) generate(ctx context.Context, report Report) (llm.Response, error) {
	if j.LLM == nil {
		return llm.Response{}, llm.ErrNotImplemented
	}
	session, err := j.Sessions.GetByID(ctx, report.SessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return llm.Response{}, fmt.Errorf("%w: session %s missing", ErrInvalidInput, report.SessionID)
	}
	if err != nil {
		return llm.Response{}, &storageError{op: "load session", err: err}
	}

	var tier payments.Tier
	if j.Tiers != nil {
		tier, _ = j.Tiers.Get(report.TierID)
	}
	inputs, err := DeriveInputs(session.FormData, tier.Name, tier.Detailed)
	if err != nil {
		return llm.Response{}, err
	}
	prompt, err := BuildPrompt(inputs)
	if err != nil {
		return llm.Response{}, err
	}
	maxTokens := tier.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, j.timeout())
	defer cancel()
	resp, err := j.LLM.Generate(callCtx, llm.Request{
		System:    prompt.System,
		Prompt:    prompt.User,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("llm generate: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return llm.Response{}, errEmptyContent
	}
	return resp, nil
}

func (j *Job) logClaimLost(ctx context.Context, report Report) {
	telemetry.Warn("report.claim_lost", map[string]any{
		"report_id":  report.ID,
		"session_id": report.SessionID,
		"request_id": telemetry.RequestID(ctx),
		"attempt":    report.Attempts,
	})
}

// ProcessReport lets Job serve queue workers.
func (j *Job) ProcessReport(ctx context.Context, reportID string) error {
	return j.Process(ctx, reportID)
}
