package reports

import "errors"

var (
	ErrNotFound       = errors.New("report not found")
	ErrNotClaimable   = errors.New("report not claimable")
	ErrClaimLost      = errors.New("report claim lost")
	ErrNotComplete    = errors.New("report not complete")
	ErrNotRequeueable = errors.New("report not requeueable")
	ErrInvalidInput   = errors.New("invalid report input")
)

const (
	ErrorCodeLLMTimeout       = "LLM_TIMEOUT"
	ErrorCodeLLMUnavailable   = "LLM_UNAVAILABLE"
	ErrorCodeLLMRejected      = "LLM_REJECTED"
	ErrorCodeContentPolicy    = "CONTENT_POLICY"
	ErrorCodeInvalidInput     = "INVALID_INPUT"
	ErrorCodeLLMNotConfigured = "LLM_NOT_CONFIGURED"
	ErrorCodeStorage          = "STORAGE_ERROR"
	ErrorCodeInternal         = "INTERNAL_ERROR"
	ErrorCodeStaleClaim       = "STALE_CLAIM"
	ErrorCodeInterrupted      = "INTERRUPTED"
)
