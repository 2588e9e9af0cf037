package reports

import (
	"context"
	"time"

	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
)

const (
	defaultReconcileGrace = 2 * time.Minute
	reconcileBatch        = 100
)

// Reconciler repairs work that fell between the cracks: paid sessions with
// no report, due reports nobody dispatched, and claims whose worker died.
type Reconciler struct {
	Service    *Service
	Grace      time.Duration
	StaleAfter time.Duration
	Now        func() time.Time
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	ReportsCreated    int `json:"reportsCreated"`
	ReportsDispatched int `json:"reportsDispatched"`
	StaleFailed       int `json:"staleFailed"`
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Sweep runs one reconciliation pass. Individual repair failures are logged
// and skipped so one bad row cannot stall the rest.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.now()
	grace := r.Grace
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	staleBefore := now.Add(-staleAfter)
	repo := r.Service.Repo

	failed, err := repo.FailStale(ctx, staleBefore, now)
	if err != nil {
		return result, err
	}
	result.StaleFailed = failed

	orphans, err := repo.ListOrphanedPaidSessions(ctx, now.Add(-grace), reconcileBatch)
	if err != nil {
		return result, err
	}
	for _, o := range orphans {
		reportID, created, err := r.Service.ConfirmPayment(ctx, o.SessionID, o.TierID, o.TransactionID)
		if err != nil {
			telemetry.Error("reconcile.orphan_failed", map[string]any{"session_id": o.SessionID, "error": err.Error()})
			continue
		}
		if created {
			result.ReportsCreated++
			telemetry.Warn("reconcile.report_created", map[string]any{"session_id": o.SessionID, "report_id": reportID})
		}
	}

	due, err := repo.ListDue(ctx, now.Add(-grace), staleBefore, reconcileBatch)
	if err != nil {
		return result, err
	}
	for _, rep := range due {
		if err := r.Service.Dispatcher.Dispatch(ctx, rep.ID); err != nil {
			telemetry.Error("reconcile.dispatch_failed", map[string]any{"report_id": rep.ID, "error": err.Error()})
			continue
		}
		result.ReportsDispatched++
	}

	metrics.AddReconcileRepairs(result.ReportsCreated + result.ReportsDispatched + result.StaleFailed)
	telemetry.Info("reconcile.sweep", map[string]any{
		"reports_created":    result.ReportsCreated,
		"reports_dispatched": result.ReportsDispatched,
		"stale_failed":       result.StaleFailed,
	})
	return result, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			telemetry.Error("reconcile.sweep_failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
