package openai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"funnel-backend/internal/llm"
	"funnel-backend/internal/shared/telemetry"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	apiKey     string
	model      string
	apiURL     string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client. An empty apiURL uses the public
// endpoint; timeout bounds each HTTP round trip.
func NewClient(apiKey, model, apiURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultAPIURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float32      `json:"temperature,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// Generate sends the prompt and returns the first choice. A model that
// rejects temperature 0 is retried once without it.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	promptHash := hashPromptString(promptStringFromMessages(messages))

	withTemp := !isGPT5(c.model)
	resp, err := c.generateOnce(ctx, messages, req.MaxTokens, withTemp)
	if err != nil && withTemp && isTemperatureUnsupported(err) {
		telemetry.Warn("llm.retry_without_temperature", map[string]any{"model": c.model})
		resp, err = c.generateOnce(ctx, messages, req.MaxTokens, false)
	}
	if err != nil {
		return llm.Response{}, err
	}
	resp.PromptHash = promptHash
	return resp, nil
}

func (c *Client) generateOnce(ctx context.Context, messages []chatMessage, maxTokens int, withTemp bool) (llm.Response, error) {
	body := chatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if withTemp {
		temp := float32(0.4)
		body.Temperature = &temp
	}
	if maxTokens > 0 {
		if isGPT5(c.model) {
			body.MaxCompletionTokens = maxTokens
		} else {
			body.MaxTokens = maxTokens
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return llm.Response{}, fmt.Errorf("openai request timeout: %w", err)
		}
		return llm.Response{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return llm.Response{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if httpResp.StatusCode >= 300 {
			return llm.Response{}, &llm.UpstreamError{StatusCode: httpResp.StatusCode, Message: http.StatusText(httpResp.StatusCode)}
		}
		return llm.Response{}, fmt.Errorf("%w: openai response parse: %v", llm.ErrEmptyResponse, err)
	}
	if parsed.Error != nil || httpResp.StatusCode >= 300 {
		upstream := &llm.UpstreamError{StatusCode: httpResp.StatusCode}
		if parsed.Error != nil {
			upstream.Type = parsed.Error.Type
			upstream.Code = parsed.Error.Code
			upstream.Message = parsed.Error.Message
		}
		if upstream.Code == "content_policy_violation" || upstream.Code == "content_filter" {
			return llm.Response{}, fmt.Errorf("%w: %s", llm.ErrContentPolicy, upstream.Message)
		}
		return llm.Response{}, upstream
	}
	if len(parsed.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: openai response missing choices", llm.ErrEmptyResponse)
	}
	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return llm.Response{}, fmt.Errorf("%w: finish_reason=content_filter", llm.ErrContentPolicy)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return llm.Response{}, fmt.Errorf("%w: openai response empty content", llm.ErrEmptyResponse)
	}

	out := llm.Response{Content: content, Model: parsed.Model}
	if out.Model == "" {
		out.Model = c.model
	}
	if parsed.Usage != nil {
		out.PromptTokens = parsed.Usage.PromptTokens
		out.CompletionTokens = parsed.Usage.CompletionTokens
	}
	telemetry.Info("llm.response", map[string]any{
		"model":             out.Model,
		"prompt_tokens":     out.PromptTokens,
		"completion_tokens": out.CompletionTokens,
		"finish_reason":     choice.FinishReason,
	})
	return out, nil
}

func isTemperatureUnsupported(err error) bool {
	var upstream *llm.UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	msg := strings.ToLower(upstream.Message)
	return strings.Contains(msg, "temperature") && (strings.Contains(msg, "unsupported") || strings.Contains(msg, "does not support"))
}

func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

func promptStringFromMessages(messages []chatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func hashPromptString(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

var _ llm.Client = (*Client)(nil)
