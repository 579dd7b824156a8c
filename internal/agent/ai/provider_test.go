package ai

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillagent/quill/internal/agent/history"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"rate limit phrase", errors.New("429 Too Many Requests"), ErrorRateLimit},
		{"rate limit snake", errors.New("rate_limit_exceeded"), ErrorRateLimit},
		{"overloaded", errors.New("overloaded_error: please retry"), ErrorRateLimit},
		{"auth 401", errors.New("401 Unauthorized"), ErrorAuth},
		{"auth key", errors.New("invalid api key provided"), ErrorAuth},
		{"network", errors.New("connection reset by peer"), ErrorTransient},
		{"server", errors.New("500 internal server error"), ErrorTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classify(tt.err)
			assert.Equal(t, tt.kind, pe.Kind)
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	rl := &ProviderError{Kind: ErrorRateLimit, Message: "slow down", RetryAfter: 2 * time.Second}
	wrapped := fmt.Errorf("provider call failed: %w", rl)

	assert.True(t, IsRateLimit(wrapped))
	assert.False(t, IsAuth(wrapped))
	assert.Equal(t, 2*time.Second, RetryAfter(wrapped))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("plain")))
}

func TestAnthropicBuildMessagesDropsUnpairedToolCalls(t *testing.T) {
	p := &AnthropicProvider{}
	msgs := []history.Message{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleToolCall, ToolCall: &history.ToolCall{ID: "orphan", Name: "x", Input: []byte(`{}`)}},
		{Role: history.RoleToolCall, ToolCall: &history.ToolCall{ID: "tc1", Name: "search", Input: []byte(`{"q":1}`)}},
		{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "tc1", Content: "ok"}},
		{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "ghost", Content: "x"}},
		{Role: history.RoleAssistant, Content: "done"},
	}

	built := p.buildMessages(msgs)
	// user, paired tool call, its result, assistant
	require.Equal(t, 4, len(built))
}

func TestAnthropicBuildMessagesSkipsEmptyUser(t *testing.T) {
	p := &AnthropicProvider{}
	built := p.buildMessages([]history.Message{
		{Role: history.RoleUser, Content: ""},
		{Role: history.RoleUser, Content: "real"},
	})
	require.Equal(t, 1, len(built))
}

func TestOpenAIBuildMessagesIncludesSystemAndRetrieval(t *testing.T) {
	p := &OpenAIProvider{}
	req := &ChatRequest{
		System:    "You are helpful.",
		Retrieval: "Source: doc\nContent: text",
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "question"},
		},
	}
	built := p.buildMessages(req)
	require.Equal(t, 2, len(built))
}

func TestOpenAIBuildMessagesDropsOrphanedToolResult(t *testing.T) {
	p := &OpenAIProvider{}
	// A result whose call was trimmed out of the window must not be sent:
	// a tool message with no preceding tool_calls is rejected by the API.
	req := &ChatRequest{
		Messages: []history.Message{
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "tc1", Content: "stale"}},
			{Role: history.RoleUser, Content: "next question"},
		},
	}
	built := p.buildMessages(req)
	require.Equal(t, 1, len(built))
	assert.NotNil(t, built[0].OfUser)
}

func TestOpenAIBuildMessagesKeepsPairedToolExchange(t *testing.T) {
	p := &OpenAIProvider{}
	req := &ChatRequest{
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "go"},
			{Role: history.RoleToolCall, ToolCall: &history.ToolCall{ID: "tc1", Name: "search", Input: []byte(`{"q":1}`)}},
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "tc1", Content: "found"}},
			{Role: history.RoleToolCall, ToolCall: &history.ToolCall{ID: "orphan", Name: "x", Input: []byte(`{}`)}},
		},
	}
	built := p.buildMessages(req)
	// user, assistant tool_calls, tool result; the unanswered call is dropped.
	require.Equal(t, 3, len(built))
	require.NotNil(t, built[1].OfAssistant)
	require.NotNil(t, built[2].OfTool)
}

func TestOllamaBuildMessagesPairsToolExchanges(t *testing.T) {
	p := &OllamaProvider{}
	req := &ChatRequest{
		System: "be brief",
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "go"},
			{Role: history.RoleToolCall, ToolCall: &history.ToolCall{ID: "tc1", Name: "search", Input: []byte(`{"q":"x"}`)}},
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "tc1", Content: "found"}},
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "ghost", Content: "stale"}},
		},
	}
	built := p.buildMessages(req)
	// system, user, assistant tool call, paired result; the orphan is dropped.
	require.Equal(t, 4, len(built))
	assert.Equal(t, "tool", built[3].Role)
	assert.Equal(t, "search", built[3].ToolName)
}

func TestOpenAIBuildMessagesSummaryBecomesUser(t *testing.T) {
	p := &OpenAIProvider{}
	req := &ChatRequest{
		Messages: []history.Message{
			{Role: history.RoleSummary, Content: "earlier stuff"},
			{Role: history.RoleUser, Content: "next"},
		},
	}
	built := p.buildMessages(req)
	require.Equal(t, 2, len(built))
}
