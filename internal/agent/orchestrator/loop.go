// Package orchestrator drives the agent loop: budget the window, call the
// model, execute requested tools, and repeat until a final answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quillagent/quill/internal/agent/ai"
	"github.com/quillagent/quill/internal/agent/budget"
	"github.com/quillagent/quill/internal/agent/guard"
	"github.com/quillagent/quill/internal/agent/history"
	"github.com/quillagent/quill/internal/agent/retrieval"
	"github.com/quillagent/quill/internal/agent/toolreg"
)

// DefaultMaxTurns caps model round-trips within one user turn.
const DefaultMaxTurns = 20

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Tools is the registry boundary the loop depends on.
type Tools interface {
	Discover(ctx context.Context) error
	Tools() []toolreg.Descriptor
	SchemaTokens() int
	Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Retriever produces the retrieval block for a query under a token budget.
type Retriever interface {
	Retrieve(ctx context.Context, query string, budget int) (string, error)
}

// Config wires a Loop.
type Config struct {
	Provider     ai.Provider
	Conversation *history.Conversation
	Allocator    *budget.Allocator
	Tools        Tools
	Retriever    Retriever
	Summarizer   history.Summarizer
	Guard        *guard.Guard
	Counter      Counter

	// Preamble is the system prompt.
	Preamble string
	// WindowTokens is the context window budget per attempt.
	WindowTokens int
	// ResponseTokens bounds the model's reply.
	ResponseTokens int
	// MaxTurns caps model round-trips per user turn. Zero means default.
	MaxTurns int
}

// Loop owns one session's orchestration. Not safe for concurrent RunTurn
// calls; a session runs strictly sequentially.
type Loop struct {
	provider   ai.Provider
	conv       *history.Conversation
	alloc      *budget.Allocator
	tools      Tools
	retriever  Retriever
	summarizer history.Summarizer
	guard      *guard.Guard
	counter    Counter

	preamble       string
	windowTokens   int
	responseTokens int
	maxTurns       int

	state State
	turns int
}

// New creates a loop.
func New(cfg Config) *Loop {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Loop{
		provider:       cfg.Provider,
		conv:           cfg.Conversation,
		alloc:          cfg.Allocator,
		tools:          cfg.Tools,
		retriever:      cfg.Retriever,
		summarizer:     cfg.Summarizer,
		guard:          cfg.Guard,
		counter:        cfg.Counter,
		preamble:       cfg.Preamble,
		windowTokens:   cfg.WindowTokens,
		responseTokens: cfg.ResponseTokens,
		maxTurns:       maxTurns,
		state:          StateIdle,
	}
}

// State returns the loop's current phase.
func (l *Loop) State() State { return l.state }

// Turns returns how many model round-trips the current (or last) user turn
// has used.
func (l *Loop) Turns() int { return l.turns }

// Start prepares the session: tool discovery and history load run
// concurrently. Discovery failure is fatal (the session cannot offer
// tools); a load failure only costs persisted context.
func (l *Loop) Start(ctx context.Context) error {
	discoverErr := make(chan error, 1)
	go func() {
		discoverErr <- l.tools.Discover(ctx)
	}()

	if err := l.conv.Load(ctx); err != nil {
		fmt.Printf("[Loop] Failed to load persisted history: %v\n", err)
	}

	if err := <-discoverErr; err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	return nil
}

// RunTurn processes one user input to a final answer. On any terminal
// failure the conversation is restored to its pre-turn state.
func (l *Loop) RunTurn(ctx context.Context, userInput string) (string, error) {
	snapshot := l.conv.Snapshot()
	l.turns = 0
	l.state = StateAwaitingModel

	// The current turn is pinned: budget pressure can never evict it.
	l.conv.Append(ctx, history.Message{
		Role:    history.RoleUser,
		Content: userInput,
		Pinned:  true,
	})

	// Staged messages from the previous round-trip, committed only after
	// the next provider call succeeds.
	var pending []history.Message

	for {
		l.turns++
		if l.turns > l.maxTurns {
			l.conv.Restore(ctx, snapshot)
			l.state = StateAborted
			return "", ErrMaxTurnsExceeded
		}

		l.state = StateAwaitingModel
		var resp *ai.ChatResponse
		var staged []history.Message

		err := l.guard.Run(ctx, l.windowTokens, l.shrinkToward(userInput), func(ctx context.Context, window int) error {
			r, s, err := l.attempt(ctx, window, userInput, pending)
			if err != nil {
				return err
			}
			resp, staged = r, s
			return nil
		})
		if err != nil {
			l.conv.Restore(ctx, snapshot)
			l.state = StateFailed
			return "", err
		}

		// Round-trip succeeded: commit the staged messages (possibly
		// truncated by the allocator) exactly as the model saw them.
		if len(staged) > 0 {
			l.conv.AppendAll(ctx, staged)
			pending = nil
		}

		if resp.ToolCall == nil {
			l.conv.Append(ctx, history.Message{
				Role:    history.RoleAssistant,
				Content: resp.Text,
			})
			l.conv.ReleasePins()
			l.state = StateFinalAnswer
			return resp.Text, nil
		}

		l.state = StateToolCallRequested
		pending = l.executeTool(ctx, resp)
	}
}

// executeTool runs the requested tool and stages the call/result pair.
// Tool failures become result messages the model can react to, never
// turn failures.
func (l *Loop) executeTool(ctx context.Context, resp *ai.ChatResponse) []history.Message {
	call := resp.ToolCall
	if call.ID == "" {
		call.ID = uuid.New().String()
	}

	l.state = StateToolExecuting
	fmt.Printf("[Loop] Executing tool %s\n", call.Name)

	content, err := l.tools.Dispatch(ctx, call.Name, call.Input)
	result := history.ToolResult{ToolCallID: call.ID, Content: content}
	if err != nil {
		result.IsError = true
		if te := toolreg.AsToolError(err); te != nil {
			result.Content = fmt.Sprintf("tool %s failed (%s): %v", call.Name, te.Kind, te.Err)
		} else {
			result.Content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		}
		fmt.Printf("[Loop] Tool %s failed: %v\n", call.Name, err)
	}

	return []history.Message{
		{Role: history.RoleToolCall, Content: resp.Text, ToolCall: call},
		{Role: history.RoleToolResult, ToolResult: &result},
	}
}

// attempt performs one fully budgeted provider call. Nothing it does
// mutates the conversation except compaction, which only rewrites already
// committed history.
func (l *Loop) attempt(ctx context.Context, window int, query string, pending []history.Message) (*ai.ChatResponse, []history.Message, error) {
	res, err := l.allocate(ctx, window, pending)
	if err != nil {
		return nil, nil, err
	}

	retrievalBlock := ""
	if l.retriever != nil && res.Plan.Retrieval > 0 {
		block, err := l.retriever.Retrieve(ctx, query, res.Plan.Retrieval)
		if err != nil {
			// Degrade to no retrieval context rather than failing the turn.
			fmt.Printf("[Loop] Retrieval degraded to empty: %v\n", err)
		} else {
			retrievalBlock = block
		}
	}

	descriptors := l.tools.Tools()
	tools := make([]ai.ToolDefinition, len(descriptors))
	for i, d := range descriptors {
		tools[i] = ai.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		}
	}

	messages := append(res.Messages, res.ToolResults...)

	resp, err := l.provider.Complete(ctx, &ai.ChatRequest{
		System:    l.preamble,
		Retrieval: retrievalBlock,
		Tools:     tools,
		Messages:  messages,
		MaxTokens: l.responseTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, res.ToolResults, nil
}

// allocate plans the window, compacting history and retrying once when the
// full log does not fit.
func (l *Loop) allocate(ctx context.Context, window int, pending []history.Message) (*budget.Result, error) {
	in := budget.Input{
		MaxTokens:      window,
		PreambleTokens: l.counter.Count(l.preamble),
		ToolTokens:     l.tools.SchemaTokens(),
		Messages:       l.conv.Messages(),
		ToolResults:    pending,
	}

	res, err := l.alloc.Allocate(in)
	if err != nil {
		return nil, err
	}
	if !res.DroppedHistory {
		return res, nil
	}

	if err := l.conv.Compact(ctx, res.CompactTarget, l.summarizer); err != nil {
		return nil, fmt.Errorf("history compaction failed: %w", err)
	}
	in.Messages = l.conv.Messages()
	return l.alloc.Allocate(in)
}

// shrinkToward compacts history toward a reduced window before a rate
// limit retry.
func (l *Loop) shrinkToward(query string) guard.Shrink {
	return func(ctx context.Context, newWindow int) error {
		in := budget.Input{
			MaxTokens:      newWindow,
			PreambleTokens: l.counter.Count(l.preamble),
			ToolTokens:     l.tools.SchemaTokens(),
			Messages:       l.conv.Messages(),
		}
		res, err := l.alloc.Allocate(in)
		if err != nil {
			return err
		}
		if !res.DroppedHistory {
			return nil
		}
		return l.conv.Compact(ctx, res.CompactTarget, l.summarizer)
	}
}

var _ Retriever = (*retrieval.Middleware)(nil)
