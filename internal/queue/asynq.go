package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"funnel-backend/internal/shared/telemetry"
)

// TaskTypeReportGenerate is the asynq task type for report generation.
const TaskTypeReportGenerate = "report:generate"

const asynqQueue = "reports"

// NewReportTask wraps a message in an asynq task. Retries are owned by the
// report job, so asynq itself never re-runs a task.
func NewReportTask(msg Message) (*asynq.Task, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode asynq message: %w", err)
	}
	return asynq.NewTask(TaskTypeReportGenerate, payload, asynq.MaxRetry(0), asynq.Queue(asynqQueue)), nil
}

// RedisOpt parses REDIS_URL into an asynq connection option.
func RedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the asynq queue backend")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opt, nil
}

// AsynqClient enqueues report tasks on Redis.
type AsynqClient struct {
	client *asynq.Client
}

// NewAsynqClient creates an asynq-backed queue client.
func NewAsynqClient(redisURL string) (*AsynqClient, error) {
	opt, err := RedisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	telemetry.Info("queue.asynq.client_created", map[string]any{"queue": asynqQueue})
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

// Close releases the Redis connection.
func (a *AsynqClient) Close() error {
	return a.client.Close()
}

// Send enqueues a report task.
func (a *AsynqClient) Send(ctx context.Context, msg Message) error {
	task, err := NewReportTask(msg)
	if err != nil {
		return err
	}
	info, err := a.client.EnqueueContext(ctx, task)
	if err != nil {
		telemetry.Error("queue.asynq.enqueue_failed", map[string]any{
			"task_type":  task.Type(),
			"report_id":  msg.ReportID,
			"request_id": msg.RequestID,
			"error":      err.Error(),
		})
		return fmt.Errorf("asynq enqueue: %w", err)
	}
	telemetry.Info("queue.asynq.enqueued", map[string]any{
		"task_id":    info.ID,
		"task_type":  task.Type(),
		"report_id":  msg.ReportID,
		"request_id": msg.RequestID,
	})
	return nil
}

var _ Client = (*AsynqClient)(nil)

// AsynqServer runs report tasks pulled from Redis.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewAsynqServer creates a worker server with the given concurrency.
func NewAsynqServer(redisURL string, concurrency int) (*AsynqServer, error) {
	opt, err := RedisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{asynqQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			telemetry.Error("queue.asynq.task_failed", map[string]any{
				"task_type": task.Type(),
				"payload":   string(task.Payload()),
				"error":     err.Error(),
			})
		}),
		HealthCheckFunc: func(err error) {
			if err != nil {
				telemetry.Error("queue.asynq.health_check_failed", map[string]any{"error": err.Error()})
			}
		},
		HealthCheckInterval: 20 * time.Second,
		ShutdownTimeout:     25 * time.Second,
	})
	telemetry.Info("queue.asynq.server_created", map[string]any{"concurrency": concurrency})
	return &AsynqServer{server: server, mux: asynq.NewServeMux()}, nil
}

// HandleMessages registers fn for report tasks. fn receives the raw payload.
func (a *AsynqServer) HandleMessages(fn func(ctx context.Context, body string) error) {
	a.mux.HandleFunc(TaskTypeReportGenerate, func(ctx context.Context, task *asynq.Task) error {
		return fn(ctx, string(task.Payload()))
	})
}

// Start runs the server in the background.
func (a *AsynqServer) Start() error {
	if err := a.server.Start(a.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight tasks and stops the server.
func (a *AsynqServer) Shutdown() {
	telemetry.Info("queue.asynq.shutdown", nil)
	a.server.Shutdown()
}
