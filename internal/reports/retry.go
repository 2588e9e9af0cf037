package reports

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"funnel-backend/internal/llm"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
)

// Backoff returns the wait after the given failed attempt: 2s, 4s, 8s, ...
// capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return backoffCap
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// storageError marks failures reading or writing our own state.
type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

var errEmptyContent = errors.New("llm returned empty content")

// classifyFailure maps a generation error to an error code and whether
// another attempt could succeed.
func classifyFailure(err error) (string, bool) {
	if err == nil {
		return ErrorCodeInternal, false
	}
	switch {
	case errors.Is(err, llm.ErrContentPolicy):
		return ErrorCodeContentPolicy, false
	case errors.Is(err, llm.ErrNotImplemented):
		return ErrorCodeLLMNotConfigured, false
	case errors.Is(err, ErrInvalidInput):
		return ErrorCodeInvalidInput, false
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeLLMTimeout, true
	case errors.Is(err, context.Canceled):
		return ErrorCodeInterrupted, true
	case errors.Is(err, errEmptyContent), errors.Is(err, llm.ErrEmptyResponse):
		return ErrorCodeLLMUnavailable, true
	}

	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Retryable() {
			return ErrorCodeLLMUnavailable, true
		}
		return ErrorCodeLLMRejected, false
	}
	var storage *storageError
	if errors.As(err, &storage) {
		return ErrorCodeStorage, true
	}
	if shouldRetryLLM(err) {
		return ErrorCodeLLMUnavailable, true
	}
	return ErrorCodeInternal, false
}

// shouldRetryLLM catches transport failures that surface without a typed
// upstream error.
func shouldRetryLLM(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") && (strings.Contains(msg, "openai") || strings.Contains(msg, "llm") || strings.Contains(msg, "client.timeout")) {
		return true
	}
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "unexpected eof")
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return strings.ToValidUTF8(msg, "")
}
