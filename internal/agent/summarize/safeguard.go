package summarize

import (
	"fmt"
	"strings"

	"github.com/quillagent/quill/internal/agent/history"
)

// ToolFailure represents a failed tool execution preserved in a summary.
type ToolFailure struct {
	ToolCallID string
	ToolName   string
	Summary    string
}

const (
	// MaxToolFailures caps the number of failures included in a summary.
	MaxToolFailures = 8
	// MaxToolFailureChars truncates individual failure messages.
	MaxToolFailureChars = 240
)

// CollectToolFailures extracts failed tool results from messages,
// deduplicated by tool call ID.
func CollectToolFailures(msgs []history.Message) []ToolFailure {
	var failures []ToolFailure
	seen := make(map[string]bool)

	for _, msg := range msgs {
		if msg.Role != history.RoleToolResult || msg.ToolResult == nil || !msg.ToolResult.IsError {
			continue
		}
		r := msg.ToolResult
		if r.ToolCallID == "" || seen[r.ToolCallID] {
			continue
		}
		seen[r.ToolCallID] = true

		name := toolName(msgs, r.ToolCallID)
		if name == "" {
			name = "tool"
		}

		summary := normalizeWhitespace(r.Content)
		if summary == "" {
			summary = "failed (no output)"
		}
		if len(summary) > MaxToolFailureChars {
			summary = summary[:MaxToolFailureChars] + "..."
		}

		failures = append(failures, ToolFailure{
			ToolCallID: r.ToolCallID,
			ToolName:   name,
			Summary:    summary,
		})
	}
	return failures
}

// FormatToolFailures formats failures for inclusion at the end of a summary.
// Returns empty string when there are none.
func FormatToolFailures(failures []ToolFailure) string {
	if len(failures) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nTool failures:\n")

	n := len(failures)
	if n > MaxToolFailures {
		n = MaxToolFailures
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "- %s: %s\n", failures[i].ToolName, failures[i].Summary)
	}
	if len(failures) > MaxToolFailures {
		fmt.Fprintf(&sb, "- ...and %d more\n", len(failures)-MaxToolFailures)
	}
	return sb.String()
}

func toolName(msgs []history.Message, toolCallID string) string {
	for _, msg := range msgs {
		if msg.ToolCall != nil && msg.ToolCall.ID == toolCallID {
			return msg.ToolCall.Name
		}
	}
	return ""
}

func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
