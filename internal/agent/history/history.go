// Package history owns the ordered conversation log for one session.
// The conversation is mutated only through Append and Compact; the total
// token cost of non-pinned messages is recomputed after every mutation.
// A session executes strictly sequentially, so the conversation itself
// carries no locks; cross-session isolation comes from each session
// holding its own Conversation instance.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultKeepRecent is the number of most recent messages compaction never
// touches, preserving immediate context.
const DefaultKeepRecent = 2

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Summarizer condenses a run of messages into summary text. The provider-
// backed implementation lives in the summarize package.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

// Store persists conversation messages. Optional: a Conversation without a
// store is purely in-memory and vanishes at session end.
type Store interface {
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	ReplaceMessages(ctx context.Context, sessionID string, msgs []Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithStore attaches a persistence store. Appends and compactions are
// mirrored to it best-effort.
func WithStore(s Store) Option {
	return func(c *Conversation) { c.store = s }
}

// WithKeepRecent sets how many trailing messages compaction must preserve.
func WithKeepRecent(k int) Option {
	return func(c *Conversation) {
		if k > 0 {
			c.keepRecent = k
		}
	}
}

// Conversation is the exclusive owner of one session's ordered message log.
type Conversation struct {
	sessionID  string
	counter    Counter
	keepRecent int
	store      Store

	messages        []Message
	nonPinnedTokens int
	totalTokens     int
}

// New creates an empty conversation for the given session.
func New(sessionID string, counter Counter, opts ...Option) *Conversation {
	c := &Conversation{
		sessionID:  sessionID,
		counter:    counter,
		keepRecent: DefaultKeepRecent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the in-memory log with the store's contents.
func (c *Conversation) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	msgs, err := c.store.Messages(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", c.sessionID, err)
	}
	c.messages = msgs
	c.recompute()
	return nil
}

// SessionID returns the session this conversation belongs to.
func (c *Conversation) SessionID() string { return c.sessionID }

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.messages) }

// TotalTokens returns the token cost of all messages.
func (c *Conversation) TotalTokens() int { return c.totalTokens }

// NonPinnedTokens returns the token cost of messages eligible for eviction.
func (c *Conversation) NonPinnedTokens() int { return c.nonPinnedTokens }

// Messages returns a copy of the ordered message log.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Append adds a message to the log, filling in ID, timestamp, and token
// count when absent, and returns the stored message.
func (c *Conversation) Append(ctx context.Context, msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.TokenCount == 0 {
		msg.TokenCount = c.counter.Count(msg.Text())
	}

	c.messages = append(c.messages, msg)
	c.recompute()

	if c.store != nil {
		if err := c.store.AppendMessage(ctx, c.sessionID, msg); err != nil {
			fmt.Printf("[History] Failed to persist message %s: %v\n", msg.ID, err)
		}
	}
	return msg
}

// AppendAll appends a batch of messages. Used by the orchestration loop to
// commit one provider round-trip as a unit.
func (c *Conversation) AppendAll(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		c.Append(ctx, msg)
	}
}

// Snapshot returns a copy of the current log for later restore.
func (c *Conversation) Snapshot() []Message {
	return c.Messages()
}

// Restore replaces the log with a previously taken snapshot. Used to roll a
// failed turn back so the conversation is exactly as it was before the turn.
func (c *Conversation) Restore(ctx context.Context, snapshot []Message) {
	c.messages = make([]Message, len(snapshot))
	copy(c.messages, snapshot)
	c.recompute()
	c.persistAll(ctx)
}

// ReleasePins clears the pinned flag on every message. Called at the end of
// a turn so a finished turn becomes eligible for future compaction.
func (c *Conversation) ReleasePins() {
	for i := range c.messages {
		c.messages[i].Pinned = false
	}
}

// Compact repeatedly replaces the oldest contiguous run of non-pinned
// messages with a single summary message until the non-pinned token cost
// fits targetBudget or no further reduction is possible. The summary's own
// cost counts against the target; when a pass does not shrink the log the
// loop stops rather than re-summarize forever. The most recent keepRecent
// messages and all pinned messages are preserved, ordering of the remainder
// is unchanged, and compacting a history that already fits does nothing.
func (c *Conversation) Compact(ctx context.Context, targetBudget int, summarizer Summarizer) error {
	if targetBudget < 0 {
		targetBudget = 0
	}

	changed := false
	for c.nonPinnedTokens > targetBudget {
		before := c.nonPinnedTokens
		ok, err := c.compactOnce(ctx, targetBudget, summarizer)
		if err != nil {
			if changed {
				c.persistAll(ctx)
			}
			return err
		}
		if !ok {
			break
		}
		changed = true
		if c.nonPinnedTokens >= before {
			break
		}
	}
	if changed {
		c.persistAll(ctx)
	}
	return nil
}

// compactOnce summarizes one run and splices the summary in, reporting
// whether anything was replaced.
func (c *Conversation) compactOnce(ctx context.Context, targetBudget int, summarizer Summarizer) (bool, error) {
	cutoff := len(c.messages) - c.keepRecent
	if cutoff <= 0 {
		return false, nil
	}

	// Oldest contiguous run of non-pinned messages before the cutoff, grown
	// until the remainder fits the target.
	start := -1
	end := -1
	removed := 0
	for i := 0; i < cutoff; i++ {
		if c.messages[i].Pinned {
			if start >= 0 {
				break
			}
			continue
		}
		if start < 0 {
			start = i
		}
		end = i + 1
		removed += c.messages[i].TokenCount
		if c.nonPinnedTokens-removed <= targetBudget {
			break
		}
	}
	if start < 0 || end-start == 0 {
		return false, nil
	}

	run := make([]Message, end-start)
	copy(run, c.messages[start:end])

	summaryText, err := summarizer.Summarize(ctx, run)
	if err != nil {
		return false, fmt.Errorf("failed to summarize %d messages: %w", len(run), err)
	}

	summary := Message{
		ID:         uuid.New().String(),
		Role:       RoleSummary,
		Content:    summaryText,
		TokenCount: c.counter.Count(summaryText),
		CreatedAt:  time.Now(),
	}

	compacted := make([]Message, 0, len(c.messages)-len(run)+1)
	compacted = append(compacted, c.messages[:start]...)
	compacted = append(compacted, summary)
	compacted = append(compacted, c.messages[end:]...)
	c.messages = compacted
	c.recompute()

	fmt.Printf("[History] Compacted %d messages into summary (%d tokens), non-pinned now %d\n",
		len(run), summary.TokenCount, c.nonPinnedTokens)
	return true, nil
}

// recompute refreshes the token totals. Called after every mutation.
func (c *Conversation) recompute() {
	total := 0
	nonPinned := 0
	for i := range c.messages {
		if c.messages[i].TokenCount == 0 {
			c.messages[i].TokenCount = c.counter.Count(c.messages[i].Text())
		}
		total += c.messages[i].TokenCount
		if !c.messages[i].Pinned {
			nonPinned += c.messages[i].TokenCount
		}
	}
	c.totalTokens = total
	c.nonPinnedTokens = nonPinned
}

// persistAll rewrites the store's copy of the log after a bulk mutation.
func (c *Conversation) persistAll(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.ReplaceMessages(ctx, c.sessionID, c.messages); err != nil {
		fmt.Printf("[History] Failed to persist conversation %s: %v\n", c.sessionID, err)
	}
}
