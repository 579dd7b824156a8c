package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCounter struct{}

func (fixedCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(_ context.Context, msgs []Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.summary != "" {
		return s.summary, nil
	}
	return "summary", nil
}

func userMsg(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func TestAppendFillsDefaultsAndRecomputes(t *testing.T) {
	c := New("s1", fixedCounter{})

	msg := c.Append(context.Background(), userMsg("one two three"))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, 3, msg.TokenCount)
	assert.Equal(t, 3, c.TotalTokens())
	assert.Equal(t, 3, c.NonPinnedTokens())

	c.Append(context.Background(), Message{Role: RoleUser, Content: "four five", Pinned: true})
	assert.Equal(t, 5, c.TotalTokens())
	assert.Equal(t, 3, c.NonPinnedTokens())
}

func TestCompactAlreadyWithinBudgetIsNoOp(t *testing.T) {
	c := New("s1", fixedCounter{})
	c.Append(context.Background(), userMsg("a b c"))
	c.Append(context.Background(), userMsg("d e"))

	sum := &stubSummarizer{}
	require.NoError(t, c.Compact(context.Background(), 100, sum))
	assert.Equal(t, 0, sum.calls)
	assert.Equal(t, 2, c.Len())
}

func TestCompactReplacesOldestRunWithSummary(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 6; i++ {
		c.Append(context.Background(), userMsg("w w w w w")) // 5 tokens each, 30 total
	}

	sum := &stubSummarizer{summary: "s"}
	require.NoError(t, c.Compact(context.Background(), 12, sum))

	msgs := c.Messages()
	require.Equal(t, 3, len(msgs))
	assert.Equal(t, RoleSummary, msgs[0].Role)
	assert.Equal(t, "s", msgs[0].Content)
	// summary (1) + two originals (10)
	assert.Equal(t, 11, c.NonPinnedTokens())
}

func TestCompactKeepsLastKMessages(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 4; i++ {
		c.Append(context.Background(), userMsg("w w w w w"))
	}

	sum := &stubSummarizer{}
	// Target 0 forces maximal compaction, but the last 2 must survive.
	require.NoError(t, c.Compact(context.Background(), 0, sum))

	msgs := c.Messages()
	require.Equal(t, 3, len(msgs))
	assert.Equal(t, RoleSummary, msgs[0].Role)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, RoleUser, msgs[2].Role)
}

func TestCompactNeverEvictsPinned(t *testing.T) {
	c := New("s1", fixedCounter{})
	c.Append(context.Background(), Message{Role: RoleUser, Content: "keep me around", Pinned: true})
	for i := 0; i < 4; i++ {
		c.Append(context.Background(), userMsg("w w w w w"))
	}

	sum := &stubSummarizer{}
	require.NoError(t, c.Compact(context.Background(), 0, sum))

	msgs := c.Messages()
	assert.Equal(t, "keep me around", msgs[0].Content)
	assert.True(t, msgs[0].Pinned)
	for _, m := range msgs {
		if m.Role == RoleSummary {
			return
		}
	}
	t.Fatal("expected a summary message")
}

func TestCompactIdempotent(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 6; i++ {
		c.Append(context.Background(), userMsg("w w w w w"))
	}

	sum := &stubSummarizer{}
	require.NoError(t, c.Compact(context.Background(), 12, sum))
	after := c.Messages()
	firstCalls := sum.calls

	require.NoError(t, c.Compact(context.Background(), 12, sum))
	assert.Equal(t, firstCalls, sum.calls)
	assert.Equal(t, after, c.Messages())
}

// shrinkingSummarizer yields a long summary first and a shorter one on
// re-summarization, like a provider condensing its own earlier summary.
type shrinkingSummarizer struct {
	calls int
}

func (s *shrinkingSummarizer) Summarize(_ context.Context, msgs []Message) (string, error) {
	s.calls++
	if s.calls == 1 {
		return "w w w w w w", nil
	}
	return "w w", nil
}

func TestCompactIteratesWhenSummaryCostExceedsTarget(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 6; i++ {
		c.Append(context.Background(), userMsg("w w w w w")) // 30 total
	}

	// The first summary costs 6 tokens, leaving 16 > 12; a second pass
	// condenses it so the target actually holds.
	sum := &shrinkingSummarizer{}
	require.NoError(t, c.Compact(context.Background(), 12, sum))
	assert.Equal(t, 2, sum.calls)
	assert.LessOrEqual(t, c.NonPinnedTokens(), 12)
}

func TestCompactStopsWhenNoFurtherReduction(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 4; i++ {
		c.Append(context.Background(), userMsg("w w w w w")) // 20 total
	}

	// Target 0 is unreachable: the keepRecent tail survives and the fixed
	// size summary cannot shrink itself. Compact must terminate anyway.
	sum := &stubSummarizer{summary: "x x x"}
	require.NoError(t, c.Compact(context.Background(), 0, sum))
	assert.Equal(t, 2, sum.calls)
	assert.Equal(t, 13, c.NonPinnedTokens())
}

func TestCompactSummarizerFailureLeavesHistoryIntact(t *testing.T) {
	c := New("s1", fixedCounter{})
	for i := 0; i < 6; i++ {
		c.Append(context.Background(), userMsg("w w w w w"))
	}
	before := c.Messages()

	sum := &stubSummarizer{err: errors.New("provider down")}
	err := c.Compact(context.Background(), 10, sum)
	require.Error(t, err)
	assert.Equal(t, before, c.Messages())
	assert.Equal(t, 30, c.NonPinnedTokens())
}

func TestSnapshotRestore(t *testing.T) {
	c := New("s1", fixedCounter{})
	c.Append(context.Background(), userMsg("a b"))
	snap := c.Snapshot()

	c.Append(context.Background(), userMsg("c d e"))
	c.Append(context.Background(), userMsg("f"))
	assert.Equal(t, 3, c.Len())

	c.Restore(context.Background(), snap)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, c.TotalTokens())
}

func TestReleasePins(t *testing.T) {
	c := New("s1", fixedCounter{})
	c.Append(context.Background(), Message{Role: RoleUser, Content: "a b", Pinned: true})
	assert.Equal(t, 0, c.NonPinnedTokens())

	c.ReleasePins()
	assert.Equal(t, 2, c.NonPinnedTokens())
}

type ctxKey struct{}

// recordingStore notes whether store writes carried the caller's context.
type recordingStore struct {
	sawValue bool
}

func (s *recordingStore) AppendMessage(ctx context.Context, _ string, _ Message) error {
	s.sawValue = ctx.Value(ctxKey{}) != nil
	return nil
}

func (s *recordingStore) ReplaceMessages(ctx context.Context, _ string, _ []Message) error {
	s.sawValue = ctx.Value(ctxKey{}) != nil
	return nil
}

func (s *recordingStore) Messages(context.Context, string) ([]Message, error) { return nil, nil }

func TestStoreWritesCarryCallerContext(t *testing.T) {
	store := &recordingStore{}
	c := New("s1", fixedCounter{}, WithStore(store))
	ctx := context.WithValue(context.Background(), ctxKey{}, "turn")

	c.Append(ctx, userMsg("a b"))
	assert.True(t, store.sawValue)

	store.sawValue = false
	c.Restore(ctx, c.Snapshot())
	assert.True(t, store.sawValue)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	c := New("s1", fixedCounter{}, WithStore(store))
	c.Append(context.Background(), userMsg("hello there"))
	c.Append(context.Background(), Message{
		Role:     RoleToolCall,
		ToolCall: &ToolCall{ID: "tc1", Name: "search", Input: []byte(`{"q":"x"}`)},
	})
	c.Append(context.Background(), Message{
		Role:       RoleToolResult,
		ToolResult: &ToolResult{ToolCallID: "tc1", Content: "result text"},
	})

	loaded := New("s1", fixedCounter{}, WithStore(store))
	require.NoError(t, loaded.Load(ctx))
	require.Equal(t, 3, loaded.Len())

	msgs := loaded.Messages()
	assert.Equal(t, "hello there", msgs[0].Content)
	require.NotNil(t, msgs[1].ToolCall)
	assert.Equal(t, "search", msgs[1].ToolCall.Name)
	require.NotNil(t, msgs[2].ToolResult)
	assert.Equal(t, "tc1", msgs[2].ToolResult.ToolCallID)
	assert.Equal(t, c.TotalTokens(), loaded.TotalTokens())
}

func TestSQLiteStoreReplaceAfterCompaction(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	c := New("s1", fixedCounter{}, WithStore(store))
	for i := 0; i < 5; i++ {
		c.Append(context.Background(), userMsg("w w w w w"))
	}
	require.NoError(t, c.Compact(context.Background(), 10, &stubSummarizer{}))

	loaded := New("s1", fixedCounter{}, WithStore(store))
	require.NoError(t, loaded.Load(context.Background()))
	assert.Equal(t, c.Len(), loaded.Len())
	assert.Equal(t, RoleSummary, loaded.Messages()[0].Role)
}
