// Package budget plans how a model request's token budget is split across
// the preamble, tool schemas, conversation history, retrieval context, and
// pending tool results.
package budget

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/quillagent/quill/internal/agent/history"
)

// ErrBudgetExceeded means the non-negotiable floor (preamble + tool schemas
// + current turn) does not fit the window by itself.
var ErrBudgetExceeded = errors.New("context budget exceeded: preamble, tool schemas, and current turn do not fit")

// TruncationMarker is appended to any tool result cut down to fit its
// allotment.
const TruncationMarker = "\n[truncated]"

const (
	// DefaultHistoryFraction of the space left after the floor goes to
	// conversation history.
	DefaultHistoryFraction = 0.6
	// DefaultRetrievalFraction of the space left after history goes to the
	// retrieval block.
	DefaultRetrievalFraction = 0.25
)

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Plan records how one request's budget was split. Segment sums never
// exceed MaxTokens.
type Plan struct {
	MaxTokens   int
	Preamble    int
	Tools       int
	History     int
	Retrieval   int
	ToolResults int
}

// Total returns the sum of all allocated segments.
func (p Plan) Total() int {
	return p.Preamble + p.Tools + p.History + p.Retrieval + p.ToolResults
}

// Input describes one allocation attempt.
type Input struct {
	MaxTokens      int
	PreambleTokens int
	ToolTokens     int
	// Messages is the full conversation log, most recent last. Pinned
	// messages form the current turn and are never dropped.
	Messages []history.Message
	// ToolResults are staged results awaiting commit, subject to
	// truncation.
	ToolResults []history.Message
}

// Result is a successful allocation: the plan plus the trimmed inputs that
// realize it.
type Result struct {
	Plan Plan
	// Messages is the history slice that fits, original order preserved.
	Messages []history.Message
	// ToolResults are the staged results, truncated where needed.
	ToolResults []history.Message
	// DroppedHistory is true when older messages did not fit. The loop
	// should compact toward CompactTarget and re-allocate rather than
	// silently send a hole in the conversation.
	DroppedHistory bool
	// CompactTarget is the non-pinned history token budget compaction
	// should aim for.
	CompactTarget int
}

// Allocator computes budget plans. Stateless; every attempt is planned from
// scratch.
type Allocator struct {
	counter           Counter
	historyFraction   float64
	retrievalFraction float64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHistoryFraction overrides the history share of the post-floor budget.
func WithHistoryFraction(f float64) Option {
	return func(a *Allocator) {
		if f > 0 && f < 1 {
			a.historyFraction = f
		}
	}
}

// WithRetrievalFraction overrides the retrieval share of the post-history
// budget.
func WithRetrievalFraction(f float64) Option {
	return func(a *Allocator) {
		if f >= 0 && f < 1 {
			a.retrievalFraction = f
		}
	}
}

// New creates an allocator.
func New(counter Counter, opts ...Option) *Allocator {
	a := &Allocator{
		counter:           counter,
		historyFraction:   DefaultHistoryFraction,
		retrievalFraction: DefaultRetrievalFraction,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate splits the window for one attempt. The floor (preamble + tool
// schemas + pinned current turn) is checked first; history is then fitted
// walking backward from the most recent message, retrieval takes its
// fraction of what remains, and pending tool results get the rest,
// truncated when oversized.
func (a *Allocator) Allocate(in Input) (*Result, error) {
	pinnedTokens := 0
	for _, msg := range in.Messages {
		if msg.Pinned {
			pinnedTokens += a.tokens(msg)
		}
	}

	floor := in.PreambleTokens + in.ToolTokens + pinnedTokens
	if floor > in.MaxTokens {
		return nil, fmt.Errorf("%w: floor %d > max %d", ErrBudgetExceeded, floor, in.MaxTokens)
	}

	remaining := in.MaxTokens - in.PreambleTokens - in.ToolTokens

	historyBudget := int(float64(remaining) * a.historyFraction)
	if historyBudget < pinnedTokens {
		historyBudget = pinnedTokens
	}

	msgs, historyUsed, dropped := a.fitHistory(in.Messages, historyBudget, pinnedTokens)

	afterHistory := remaining - historyUsed
	retrievalBudget := int(float64(afterHistory) * a.retrievalFraction)
	toolResultBudget := afterHistory - retrievalBudget

	results, resultsUsed := a.fitToolResults(in.ToolResults, toolResultBudget)

	plan := Plan{
		MaxTokens:   in.MaxTokens,
		Preamble:    in.PreambleTokens,
		Tools:       in.ToolTokens,
		History:     historyUsed,
		Retrieval:   retrievalBudget,
		ToolResults: resultsUsed,
	}
	return &Result{
		Plan:           plan,
		Messages:       msgs,
		ToolResults:    results,
		DroppedHistory: dropped,
		CompactTarget:  historyBudget - pinnedTokens,
	}, nil
}

// fitHistory walks the log backward, keeping the most recent messages that
// fit. Pinned messages are always kept; their cost is charged against the
// budget up front so older messages cannot crowd them out.
func (a *Allocator) fitHistory(msgs []history.Message, budget, pinnedTokens int) ([]history.Message, int, bool) {
	used := pinnedTokens
	keep := make([]bool, len(msgs))
	dropped := false

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Pinned {
			keep[i] = true
			continue
		}
		cost := a.tokens(msgs[i])
		if dropped || used+cost > budget {
			// Once one message is dropped, everything older goes too, so
			// the kept slice stays contiguous at the recent end.
			dropped = true
			continue
		}
		keep[i] = true
		used += cost
	}

	var out []history.Message
	for i, k := range keep {
		if k {
			out = append(out, msgs[i])
		}
	}
	return out, used, dropped
}

// fitToolResults truncates staged tool results to the budget, splitting it
// evenly across them. Truncated content carries the marker and its recorded
// token count reflects the truncated payload.
func (a *Allocator) fitToolResults(results []history.Message, budget int) ([]history.Message, int) {
	if len(results) == 0 {
		return nil, 0
	}

	share := budget / len(results)
	out := make([]history.Message, len(results))
	used := 0
	for i, msg := range results {
		cost := a.tokens(msg)
		if cost <= share {
			out[i] = msg
			out[i].TokenCount = cost
			used += cost
			continue
		}
		truncated := msg
		if truncated.ToolResult != nil {
			tr := *truncated.ToolResult
			tr.Content = a.truncateToTokens(tr.Content, share)
			truncated.ToolResult = &tr
		} else {
			truncated.Content = a.truncateToTokens(truncated.Content, share)
		}
		truncated.TokenCount = a.counter.Count(truncated.Text())
		out[i] = truncated
		used += truncated.TokenCount
	}
	return out, used
}

// truncateToTokens returns the longest prefix of text that, with the
// truncation marker appended, fits the token allotment. When not even the
// marker fits the result is wholly elided: charging the marker anyway would
// push the plan past the window.
func (a *Allocator) truncateToTokens(text string, allotment int) string {
	if a.counter.Count(TruncationMarker) > allotment {
		return ""
	}

	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.counter.Count(text[:mid]+TruncationMarker) <= allotment {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	// Back off to a rune boundary so the cut never splits a character.
	for lo > 0 && lo < len(text) && !utf8.RuneStart(text[lo]) {
		lo--
	}
	return text[:lo] + TruncationMarker
}

func (a *Allocator) tokens(msg history.Message) int {
	if msg.TokenCount > 0 {
		return msg.TokenCount
	}
	return a.counter.Count(msg.Text())
}
