package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client abstracts generative text providers used for report generation.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is one prompt sent to the provider.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response carries generated content plus provenance for auditing.
type Response struct {
	Content          string
	Model            string
	PromptHash       string
	PromptTokens     int
	CompletionTokens int
}

var (
	// ErrNotImplemented is returned by the placeholder client.
	ErrNotImplemented = errors.New("LLM not implemented")
	// ErrContentPolicy marks a provider refusal; retrying the same prompt
	// will not succeed.
	ErrContentPolicy = errors.New("LLM content policy rejection")
	// ErrEmptyResponse marks a successful call that produced no usable
	// content. It is transient.
	ErrEmptyResponse = errors.New("LLM returned no usable content")
)

// UpstreamError is a non-2xx or error-bearing provider response.
type UpstreamError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm upstream error: status=%d type=%s code=%s: %s", e.StatusCode, e.Type, e.Code, e.Message)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *UpstreamError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.Type == "server_error"
}

// PlaceholderClient is used when no provider is configured.
type PlaceholderClient struct{}

// Generate returns ErrNotImplemented.
func (PlaceholderClient) Generate(ctx context.Context, req Request) (Response, error) {
	_ = ctx
	_ = req
	return Response{}, ErrNotImplemented
}
