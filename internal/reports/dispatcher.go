package reports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funnel-backend/internal/queue"
	"funnel-backend/internal/shared/telemetry"
)

// Dispatcher hands a report to whatever runs the job.
type Dispatcher interface {
	Dispatch(ctx context.Context, reportID string) error
}

// QueueDispatcher publishes a report message to the configured queue.
type QueueDispatcher struct {
	Queue queue.Client
}

// Dispatch sends the report id with the caller's request id.
func (d QueueDispatcher) Dispatch(ctx context.Context, reportID string) error {
	msg := queue.Message{
		ReportID:   reportID,
		RequestID:  telemetry.RequestID(ctx),
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		Version:    queue.MessageVersion,
	}
	if err := d.Queue.Send(ctx, msg); err != nil {
		return fmt.Errorf("dispatch report %s: %w", reportID, err)
	}
	return nil
}

// InProcessDispatcher runs the job on a goroutine in this process. It is
// used when no queue backend is configured.
type InProcessDispatcher struct {
	Job *Job
	wg  sync.WaitGroup
}

// Dispatch starts the job detached from the request context.
func (d *InProcessDispatcher) Dispatch(ctx context.Context, reportID string) error {
	jobCtx := telemetry.Detach(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				telemetry.Error("report.job_panic", map[string]any{
					"report_id":  reportID,
					"request_id": telemetry.RequestID(jobCtx),
					"panic":      fmt.Sprint(r),
				})
			}
		}()
		if err := d.Job.Process(jobCtx, reportID); err != nil {
			telemetry.Error("report.job_failed", map[string]any{
				"report_id":  reportID,
				"request_id": telemetry.RequestID(jobCtx),
				"error":      err.Error(),
			})
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *InProcessDispatcher) Wait() {
	d.wg.Wait()
}
