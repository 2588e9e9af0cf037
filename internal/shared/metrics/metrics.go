package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type counter struct {
	name  string
	help  string
	value atomic.Uint64
}

var (
	sessionsCreated   = &counter{name: "funnel_sessions_created_total", help: "Sessions created"}
	stepsSaved        = &counter{name: "funnel_steps_saved_total", help: "Form steps saved"}
	stepsRejected     = &counter{name: "funnel_steps_rejected_total", help: "Form steps rejected by validation or ordering"}
	checkoutsStarted  = &counter{name: "funnel_checkouts_started_total", help: "Checkouts initiated"}
	paymentsConfirmed = &counter{name: "funnel_payments_confirmed_total", help: "Payments verified as paid"}
	paymentsFailed    = &counter{name: "funnel_payments_failed_total", help: "Payments verified as failed"}
	gatewayErrors     = &counter{name: "funnel_gateway_errors_total", help: "Payment processor call failures"}

	reportsStarted   = &counter{name: "report_generation_started_total", help: "Report generation attempts started"}
	reportsCompleted = &counter{name: "report_generation_completed_total", help: "Reports completed"}
	reportsRetried   = &counter{name: "report_generation_retried_total", help: "Report attempts rescheduled after transient failure"}
	reportsFailed    = &counter{name: "report_generation_failed_total", help: "Reports failed terminally"}

	jobsReceived   = &counter{name: "report_jobs_received_total", help: "Queue messages received"}
	jobsCompleted  = &counter{name: "report_jobs_completed_total", help: "Queue messages processed and deleted"}
	jobsFailed     = &counter{name: "report_jobs_failed_total", help: "Queue messages left for redelivery"}
	jobsDiscarded  = &counter{name: "report_jobs_discarded_total", help: "Unrecoverable queue messages deleted"}
	reconcileFixes = &counter{name: "report_reconcile_repairs_total", help: "Reports created or redispatched by reconciliation"}

	allCounters = []*counter{
		sessionsCreated, stepsSaved, stepsRejected, checkoutsStarted, paymentsConfirmed, paymentsFailed, gatewayErrors,
		reportsStarted, reportsCompleted, reportsRetried, reportsFailed,
		jobsReceived, jobsCompleted, jobsFailed, jobsDiscarded, reconcileFixes,
	}

	generationDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

func IncSessionsCreated()   { sessionsCreated.value.Add(1) }
func IncStepsSaved()        { stepsSaved.value.Add(1) }
func IncStepsRejected()     { stepsRejected.value.Add(1) }
func IncCheckoutsStarted()  { checkoutsStarted.value.Add(1) }
func IncPaymentsConfirmed() { paymentsConfirmed.value.Add(1) }
func IncPaymentsFailed()    { paymentsFailed.value.Add(1) }
func IncGatewayErrors()     { gatewayErrors.value.Add(1) }
func IncReportStarted()     { reportsStarted.value.Add(1) }
func IncReportCompleted()   { reportsCompleted.value.Add(1) }
func IncReportRetried()     { reportsRetried.value.Add(1) }
func IncReportFailed()      { reportsFailed.value.Add(1) }
func IncJobsReceived()      { jobsReceived.value.Add(1) }
func IncJobsCompleted()     { jobsCompleted.value.Add(1) }
func IncJobsFailed()        { jobsFailed.value.Add(1) }
func IncJobsDiscarded()     { jobsDiscarded.value.Add(1) }

// AddReconcileRepairs records reports created or redispatched by a sweep.
func AddReconcileRepairs(n int) {
	if n > 0 {
		reconcileFixes.value.Add(uint64(n))
	}
}

// ObserveGenerationMs records a report generation duration in milliseconds.
func ObserveGenerationMs(value float64) {
	if value < 0 {
		value = 0
	}
	generationDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	for _, c := range allCounters {
		writeCounter(&buf, c.name, c.help, c.value.Load())
	}
	writeHistogram(&buf, "report_generation_duration_ms", "Report generation duration in milliseconds", generationDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe places value in the first bucket whose bound covers it; Render
// accumulates buckets into the cumulative form Prometheus expects.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
