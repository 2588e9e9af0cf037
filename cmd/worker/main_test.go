package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"funnel-backend/internal/queue"
	"funnel-backend/internal/shared/config"
)

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	_ = ctx
	_ = params
	_ = optFns
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	_ = ctx
	_ = optFns
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeProcessor struct {
	err   error
	calls *int
}

func (f fakeProcessor) ProcessReport(ctx context.Context, reportID string) error {
	_ = ctx
	_ = reportID
	if f.calls != nil {
		*f.calls++
	}
	return f.err
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	calls := 0
	svc := fakeProcessor{calls: &calls}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-1", RequestID: "req-1"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(string(msgBody)),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}

	handleMessage(context.Background(), client, "queue", svc, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if calls != 1 {
		t.Fatalf("expected one process call, got %d", calls)
	}
}

func TestWorkerDoesNotDeleteOnFailure(t *testing.T) {
	client := &fakeSQS{}
	svc := fakeProcessor{err: errors.New("boom")}
	msgBody, _ := queue.EncodeMessage(queue.Message{ReportID: "report-2", RequestID: "req-2"})
	msg := sqstypes.Message{
		MessageId:     aws.String("m2"),
		ReceiptHandle: aws.String("r2"),
		Body:          aws.String(string(msgBody)),
	}

	handleMessage(context.Background(), client, "queue", svc, msg)

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	calls := 0
	svc := fakeProcessor{calls: &calls}
	msg := sqstypes.Message{
		MessageId:     aws.String("m3"),
		ReceiptHandle: aws.String("r3"),
		Body:          aws.String("{bad-json"),
	}

	handleMessage(context.Background(), client, "queue", svc, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if calls != 0 {
		t.Fatalf("expected no process call, got %d", calls)
	}
}

func TestWorkerDeletesMessageWithoutReportID(t *testing.T) {
	client := &fakeSQS{}
	msg := sqstypes.Message{
		MessageId:     aws.String("m4"),
		ReceiptHandle: aws.String("r4"),
		Body:          aws.String(`{"requestId":"req-4"}`),
	}

	handleMessage(context.Background(), client, "queue", fakeProcessor{}, msg)

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestReceiveCountParsesAttribute(t *testing.T) {
	msg := sqstypes.Message{Attributes: map[string]string{"ApproximateReceiveCount": "3"}}
	if got := receiveCount(msg); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := receiveCount(sqstypes.Message{}); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

type cancellingSQS struct {
	fakeSQS
	cancel     context.CancelFunc
	visibility int32
}

func (f *cancellingSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.visibility = params.VisibilityTimeout
	f.cancel()
	return &sqs.ReceiveMessageOutput{}, nil
}

func TestSQSSettingsComeFromConfig(t *testing.T) {
	got := sqsSettingsFrom(config.Config{SQSVisibilityTimeout: 90 * time.Second, WorkerShutdownTimeout: 5 * time.Second})
	if got.Visibility != 90*time.Second || got.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected settings: %+v", got)
	}

	defaults := sqsSettingsFrom(config.Config{})
	if defaults.Visibility != defaultVisibilityTimeout || defaults.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("expected defaults, got %+v", defaults)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &cancellingSQS{cancel: cancel}
	runSQS(ctx, client, "queue", fakeProcessor{}, 1, got)
	if client.visibility != 90 {
		t.Fatalf("expected visibility 90s on receive, got %d", client.visibility)
	}
}
