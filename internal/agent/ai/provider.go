// Package ai defines the completion provider boundary: a request/response
// interface over model APIs plus the error taxonomy the orchestration loop
// branches on.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/quillagent/quill/internal/agent/history"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind string

const (
	// ErrorRateLimit means the provider throttled the request. Retryable
	// via the rate limit guard.
	ErrorRateLimit ErrorKind = "rate_limit"
	// ErrorAuth means credentials were rejected. Never retried.
	ErrorAuth ErrorKind = "auth"
	// ErrorTransient covers network failures and 5xx responses.
	ErrorTransient ErrorKind = "transient"
	// ErrorMalformed means the provider returned a response we could not
	// interpret.
	ErrorMalformed ErrorKind = "malformed"
)

// ProviderError represents a classified error from a completion provider.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is the provider-suggested wait before retrying, zero when
	// the provider gave none. Only meaningful for rate limit errors.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// IsRateLimit checks if an error is a provider rate limit error.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrorRateLimit
}

// IsAuth checks if an error is a provider authentication error.
func IsAuth(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrorAuth
}

// RetryAfter returns the provider-suggested backoff for a rate limit error,
// zero when none was given.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// classify maps a raw transport error onto the taxonomy by message pattern.
func classify(err error) *ProviderError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"), strings.Contains(lower, "429"),
		strings.Contains(lower, "overloaded"):
		return &ProviderError{Kind: ErrorRateLimit, Message: msg}
	case strings.Contains(lower, "401"), strings.Contains(lower, "403"),
		strings.Contains(lower, "authentication"), strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"), strings.Contains(lower, "forbidden"):
		return &ProviderError{Kind: ErrorAuth, Message: msg}
	default:
		return &ProviderError{Kind: ErrorTransient, Message: msg}
	}
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is one assembled model request. Messages are the trimmed
// history the budget allocator produced; Retrieval, when non-empty, is
// injected ahead of the latest user turn.
type ChatRequest struct {
	System    string
	Retrieval string
	Tools     []ToolDefinition
	Messages  []history.Message
	MaxTokens int
	Model     string
}

// ChatResponse is the provider's reply: final text, or a tool call the loop
// must execute before asking again.
type ChatResponse struct {
	Text     string
	ToolCall *history.ToolCall
}

// Provider is the completion boundary the orchestration loop depends on.
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai").
	ID() string

	// Complete sends one request and blocks for the full response.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
