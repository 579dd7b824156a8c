// Package tokens converts text payloads into token counts for budget planning.
// Counting delegates to a tiktoken encoding when available and falls back to a
// character heuristic, so the accountant never fails a turn.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerTokenEstimate is the heuristic used when no encoding is available.
// ~4 characters per token works for most models.
const CharsPerTokenEstimate = 4

// DefaultEncoding is the tiktoken encoding used for counting.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Accountant counts tokens using a tiktoken encoding. Counts are deterministic
// for identical input within a session and the accountant has no side effects.
type Accountant struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewAccountant creates an accountant. The encoding is loaded lazily on first
// use so construction never fails.
func NewAccountant() *Accountant {
	return &Accountant{}
}

// Count returns the token count for the given text. Falls back to the
// chars-per-token heuristic if the encoding could not be loaded.
func (a *Accountant) Count(text string) int {
	if text == "" {
		return 0
	}

	a.once.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			// Offline or missing encoding data. Heuristic counting still
			// keeps budgets safe, just less precise.
			return
		}
		a.encoding = enc
	})

	if a.encoding != nil {
		return len(a.encoding.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens estimates the token count using the chars-per-token heuristic.
func estimateTokens(text string) int {
	n := len(text) / CharsPerTokenEstimate
	if n == 0 {
		return 1
	}
	return n
}

// HeuristicCounter counts tokens with the chars-per-token heuristic only.
// Used in tests and as an explicit offline fallback.
type HeuristicCounter struct{}

// Count returns len(text)/4, minimum 1 for non-empty text.
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return estimateTokens(text)
}
