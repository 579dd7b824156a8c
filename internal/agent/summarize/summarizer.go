// Package summarize condenses runs of conversation messages into summary
// text for history compaction.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillagent/quill/internal/agent/ai"
	"github.com/quillagent/quill/internal/agent/history"
)

const summaryPrompt = `Summarize the following conversation excerpt. Preserve:
- what the user asked for and what was decided
- key facts, names, and values that later turns may depend on
- outcomes of tool invocations, especially failures

Be concise. Output only the summary.`

// summaryMaxTokens bounds the summary the model may produce.
const summaryMaxTokens = 1024

// fallbackMaxChars bounds each line of the extractive fallback summary.
const fallbackMaxChars = 200

// Summarizer produces summary text via a completion provider, falling back
// to a deterministic extractive summary when the provider call fails.
type Summarizer struct {
	provider ai.Provider
}

// New creates a provider-backed summarizer.
func New(provider ai.Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// Summarize condenses msgs into a single text block. Failed tool results
// are always preserved in a trailing section so a compacted history never
// hides that a tool already failed.
func (s *Summarizer) Summarize(ctx context.Context, msgs []history.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	transcript := renderTranscript(msgs)
	failures := FormatToolFailures(CollectToolFailures(msgs))

	resp, err := s.provider.Complete(ctx, &ai.ChatRequest{
		System: summaryPrompt,
		Messages: []history.Message{
			{Role: history.RoleUser, Content: transcript},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		fmt.Printf("[Summarize] Provider summary failed, using extractive fallback: %v\n", err)
		return extractiveSummary(msgs) + failures, nil
	}
	if resp.Text == "" {
		return extractiveSummary(msgs) + failures, nil
	}
	return resp.Text + failures, nil
}

// renderTranscript flattens messages into a plain-text transcript for the
// summary request.
func renderTranscript(msgs []history.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case history.RoleUser:
			fmt.Fprintf(&sb, "User: %s\n", msg.Content)
		case history.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n", msg.Content)
		case history.RoleSummary:
			fmt.Fprintf(&sb, "Earlier summary: %s\n", msg.Content)
		case history.RoleToolCall:
			if msg.ToolCall != nil {
				fmt.Fprintf(&sb, "Tool call %s(%s)\n", msg.ToolCall.Name, string(msg.ToolCall.Input))
			}
		case history.RoleToolResult:
			if msg.ToolResult != nil {
				status := "ok"
				if msg.ToolResult.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "Tool result (%s): %s\n", status, msg.ToolResult.Content)
			}
		}
	}
	return sb.String()
}

// extractiveSummary builds a deterministic summary without a model: first
// and last user/assistant exchanges, truncated per line.
func extractiveSummary(msgs []history.Message) string {
	var lines []string
	for _, msg := range msgs {
		if msg.Role != history.RoleUser && msg.Role != history.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		if len(text) > fallbackMaxChars {
			text = text[:fallbackMaxChars] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", msg.Role, text))
	}
	if len(lines) > 6 {
		head := lines[:3]
		tail := lines[len(lines)-3:]
		lines = append(append(head, fmt.Sprintf("- ... %d exchanges elided ...", len(lines)-6)), tail...)
	}
	return "Conversation so far:\n" + strings.Join(lines, "\n")
}
