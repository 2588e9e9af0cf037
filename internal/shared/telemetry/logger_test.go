package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestInfoWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	Info("report.status", map[string]any{"report_id": "r-1", "msg": "ignored"})

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["msg"] != "report.status" {
		t.Fatalf("expected msg to win over fields, got %v", payload["msg"])
	}
	if payload["level"] != "info" || payload["report_id"] != "r-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestDetachKeepsRequestID(t *testing.T) {
	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	cancel()

	detached := Detach(ctx)
	if detached.Err() != nil {
		t.Fatalf("detached context should not be cancelled")
	}
	if RequestID(detached) != "req-1" {
		t.Fatalf("expected request id to survive, got %q", RequestID(detached))
	}
}
