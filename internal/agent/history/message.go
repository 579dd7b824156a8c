package history

import (
	"encoding/json"
	"time"
)

// Role identifies the kind of a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSummary    Role = "summary"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one entry in a conversation. Pinned messages (the current user
// turn) are never evicted by compaction.
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	TokenCount int         `json:"token_count"`
	Pinned     bool        `json:"pinned,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Text returns the countable text of a message: its content plus any tool
// call input or tool result payload.
func (m *Message) Text() string {
	text := m.Content
	if m.ToolCall != nil {
		text += m.ToolCall.Name + string(m.ToolCall.Input)
	}
	if m.ToolResult != nil {
		text += m.ToolResult.Content
	}
	return text
}
