package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"funnel-backend/internal/bootstrap"
	"funnel-backend/internal/queue"
	"funnel-backend/internal/shared/config"
	"funnel-backend/internal/shared/metrics"
	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/workerproc"
)

const (
	defaultVisibilityTimeout = 20 * time.Minute
	defaultWorkerConcurrency = 4
	defaultShutdownTimeout   = 30 * time.Second
)

// sqsSettings tunes the SQS poll loop.
type sqsSettings struct {
	Visibility      time.Duration
	ShutdownTimeout time.Duration
}

func sqsSettingsFrom(cfg config.Config) sqsSettings {
	s := sqsSettings{Visibility: cfg.SQSVisibilityTimeout, ShutdownTimeout: cfg.WorkerShutdownTimeout}
	if s.Visibility <= 0 {
		s.Visibility = defaultVisibilityTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
	return s
}

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	go app.Reconciler.Run(ctx, cfg.ReconcileInterval)

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}

	switch cfg.QueueBackend {
	case "sqs":
		client, ok := app.Queue.(*queue.SQSClient)
		if !ok {
			log.Fatal("sqs backend selected but no SQS client was built")
		}
		runSQS(ctx, client.Raw(), client.QueueURL(), app.Processor(), concurrency, sqsSettingsFrom(cfg))
	case "asynq":
		runAsynq(ctx, cfg.RedisURL, app.Processor(), concurrency)
	default:
		log.Printf("QUEUE_BACKEND=%q; running reconciler only", cfg.QueueBackend)
		<-ctx.Done()
	}
}

func runAsynq(ctx context.Context, redisURL string, processor workerproc.Processor, concurrency int) {
	srv, err := queue.NewAsynqServer(redisURL, concurrency)
	if err != nil {
		log.Fatalf("asynq server: %v", err)
	}
	srv.HandleMessages(func(ctx context.Context, body string) error {
		metrics.IncJobsReceived()
		if err := workerproc.HandleMessage(ctx, processor, body); err != nil {
			if workerproc.Permanent(err) {
				metrics.IncJobsDiscarded()
			} else {
				metrics.IncJobsFailed()
			}
			return err
		}
		metrics.IncJobsCompleted()
		return nil
	})
	if err := srv.Start(); err != nil {
		log.Fatalf("asynq start: %v", err)
	}
	log.Printf("worker started backend=asynq concurrency=%d", concurrency)
	<-ctx.Done()
	srv.Shutdown()
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func runSQS(ctx context.Context, client sqsAPI, queueURL string, processor workerproc.Processor, concurrency int, settings sqsSettings) {
	visibilitySeconds := int32(settings.Visibility / time.Second)
	shutdownTimeout := settings.ShutdownTimeout

	sem := make(chan struct{}, max(1, concurrency))
	var wg sync.WaitGroup

	log.Printf("worker started backend=sqs queue=%s concurrency=%d visibility=%ds", queueURL, concurrency, visibilitySeconds)

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		default:
		}

		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   visibilitySeconds,
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				break pollLoop
			}
			log.Printf("receive message: %v", err)
			continue
		}

		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				break pollLoop
			case sem <- struct{}{}:
			}
			metrics.IncJobsReceived()
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				handleMessage(telemetry.Detach(ctx), client, queueURL, processor, m)
			}(msg)
		}
	}

	log.Printf("shutdown requested, waiting up to %s for in-flight jobs", shutdownTimeout)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(shutdownTimeout):
		log.Printf("shutdown timeout reached; exiting with in-flight jobs")
	}
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, processor workerproc.Processor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := baseFields(msg, "", "")
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		var missing workerproc.ErrMissingReportID
		if errors.As(err, &missing) {
			fields = baseFields(msg, "", missing.RequestID)
			fields["body_len"] = meta.BodyLen
			fields["body_sha256"] = meta.BodySHA
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.report.unrecoverable", fields)
		if deleteMessage(ctx, client, queueURL, msg, "", "") {
			metrics.IncJobsDiscarded()
		}
		return
	}

	telemetry.Info("worker.report.received", baseFields(msg, decoded.ReportID, decoded.RequestID))

	ctxWithParsed := workerproc.WithParsedMessage(ctx, decoded)
	if err := workerproc.HandleMessage(ctxWithParsed, processor, body); err != nil {
		fields := baseFields(msg, decoded.ReportID, decoded.RequestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.report.failed", fields)
		metrics.IncJobsFailed()
		return
	}

	if deleteMessage(ctx, client, queueURL, msg, decoded.ReportID, decoded.RequestID) {
		telemetry.Info("worker.report.completed", baseFields(msg, decoded.ReportID, decoded.RequestID))
		metrics.IncJobsCompleted()
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, reportID, requestID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, reportID, requestID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.report.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, reportID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.report.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, reportID, requestID string) map[string]any {
	fields := map[string]any{
		"report_id":      reportID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	if msg.Attributes == nil {
		return 0
	}
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}
