package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillagent/quill/internal/agent/history"
)

type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

func msg(text string, pinned bool) history.Message {
	return history.Message{Role: history.RoleUser, Content: text, TokenCount: len(text), Pinned: pinned}
}

func TestAllocateSumNeverExceedsMax(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens:      200,
		PreambleTokens: 30,
		ToolTokens:     20,
		Messages: []history.Message{
			msg(strings.Repeat("a", 40), false),
			msg(strings.Repeat("b", 40), false),
			msg(strings.Repeat("c", 20), true),
		},
		ToolResults: []history.Message{
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "t", Content: strings.Repeat("r", 100)}},
		},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Plan.Total(), res.Plan.MaxTokens)
}

func TestAllocateFloorFailure(t *testing.T) {
	a := New(charCounter{})
	_, err := a.Allocate(Input{
		MaxTokens:      50,
		PreambleTokens: 30,
		ToolTokens:     20,
		Messages:       []history.Message{msg("current turn text", true)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestAllocateFloorExactlyFits(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens:      60,
		PreambleTokens: 30,
		ToolTokens:     20,
		Messages:       []history.Message{msg(strings.Repeat("x", 10), true)},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Plan.History)
	require.Equal(t, 1, len(res.Messages))
}

func TestAllocateKeepsMostRecentHistory(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens:      100,
		PreambleTokens: 0,
		ToolTokens:     0,
		Messages: []history.Message{
			msg("oldest oldest oldest oldest oldest oldest", false), // 41
			msg("middle middle", false),                             // 13
			msg("recent", false),                                    // 6
			msg("now now now", true),                                // 11
		},
	})
	require.NoError(t, err)
	// historyBudget = 60; pinned 11 charged first, then recent(6), middle(13)
	// fit; oldest(41) does not.
	assert.True(t, res.DroppedHistory)
	require.Equal(t, 3, len(res.Messages))
	assert.Equal(t, "middle middle", res.Messages[0].Content)
	assert.Equal(t, "now now now", res.Messages[2].Content)
	assert.Equal(t, 30, res.Plan.History)
}

func TestAllocateDropIsContiguous(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens: 100,
		Messages: []history.Message{
			msg("tiny", false),
			msg(strings.Repeat("x", 55), false),
			msg("recent", false),
			msg("turn", true),
		},
	})
	require.NoError(t, err)
	// Budget 60: turn(4) + recent(6) fit, the 55-char message does not, and
	// "tiny" must go with it even though it would fit on its own.
	assert.True(t, res.DroppedHistory)
	require.Equal(t, 2, len(res.Messages))
	assert.Equal(t, "recent", res.Messages[0].Content)
}

func TestAllocateTruncatesToolResults(t *testing.T) {
	a := New(charCounter{})
	long := strings.Repeat("z", 500)
	res, err := a.Allocate(Input{
		MaxTokens: 200,
		Messages:  []history.Message{msg("q", true)},
		ToolResults: []history.Message{
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "t", Content: long}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(res.ToolResults))

	tr := res.ToolResults[0]
	require.NotNil(t, tr.ToolResult)
	assert.True(t, strings.HasSuffix(tr.ToolResult.Content, TruncationMarker))
	assert.Less(t, len(tr.ToolResult.Content), len(long))
	assert.Equal(t, len(tr.ToolResult.Content), tr.TokenCount)
	assert.LessOrEqual(t, res.Plan.Total(), res.Plan.MaxTokens)
}

func TestAllocateNearFloorToolResultElided(t *testing.T) {
	a := New(charCounter{})
	// Floor leaves 2 tokens for the result share, less than the marker
	// itself costs. The result must be elided, never charged past the window.
	res, err := a.Allocate(Input{
		MaxTokens:      100,
		PreambleTokens: 50,
		Messages:       []history.Message{msg(strings.Repeat("p", 48), true)},
		ToolResults: []history.Message{
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "t", Content: strings.Repeat("z", 400)}},
		},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Plan.Total(), res.Plan.MaxTokens)
	require.Equal(t, 1, len(res.ToolResults))
	assert.Empty(t, res.ToolResults[0].ToolResult.Content)
	assert.Equal(t, 0, res.ToolResults[0].TokenCount)
}

func TestAllocateSmallToolResultUntouched(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens: 500,
		Messages:  []history.Message{msg("q", true)},
		ToolResults: []history.Message{
			{Role: history.RoleToolResult, ToolResult: &history.ToolResult{ToolCallID: "t", Content: "short result"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "short result", res.ToolResults[0].ToolResult.Content)
	assert.NotContains(t, res.ToolResults[0].ToolResult.Content, TruncationMarker)
}

func TestAllocateCompactTarget(t *testing.T) {
	a := New(charCounter{})
	res, err := a.Allocate(Input{
		MaxTokens: 100,
		Messages: []history.Message{
			msg(strings.Repeat("h", 80), false),
			msg(strings.Repeat("p", 10), true),
		},
	})
	require.NoError(t, err)
	assert.True(t, res.DroppedHistory)
	// historyBudget 60 minus the pinned 10.
	assert.Equal(t, 50, res.CompactTarget)
}

func TestTruncateToTokensRuneSafe(t *testing.T) {
	a := New(charCounter{})
	text := strings.Repeat("é", 50)
	out := a.truncateToTokens(text, 30)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	body := strings.TrimSuffix(out, TruncationMarker)
	assert.True(t, len(body) == 0 || body[len(body)-1] != 0xc3)
	for _, r := range body {
		assert.Equal(t, 'é', r)
	}
}
