// Package retrieval augments model requests with relevant documentation
// chunks pulled from a vector index, under an explicit token budget.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// Header introduces the retrieval block in the model request.
	Header = "You have access to the following relevant documentation:"
	// ChunkSeparator joins formatted chunks.
	ChunkSeparator = "\n\n---\n\n"
	// DefaultTopN is how many candidates are pulled from the store before
	// budget selection.
	DefaultTopN = 30
	// DefaultMinScore drops weak matches before selection.
	DefaultMinScore = 0.1
)

// Counter counts tokens for a text payload.
type Counter interface {
	Count(text string) int
}

// Middleware retrieves and formats documentation context for a query.
type Middleware struct {
	embedder Embedder
	store    VectorStore
	counter  Counter
	topN     int
	minScore float64
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithTopN sets how many candidates to pull from the store.
func WithTopN(n int) MiddlewareOption {
	return func(m *Middleware) {
		if n > 0 {
			m.topN = n
		}
	}
}

// WithMinScore sets the similarity floor below which matches are dropped.
func WithMinScore(s float64) MiddlewareOption {
	return func(m *Middleware) { m.minScore = s }
}

// NewMiddleware creates retrieval middleware over an embedder and store.
func NewMiddleware(embedder Embedder, store VectorStore, counter Counter, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		embedder: embedder,
		store:    store,
		counter:  counter,
		topN:     DefaultTopN,
		minScore: DefaultMinScore,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Retrieve embeds the query, searches the store, and formats the best
// chunks that fit the token budget into a single block. Identical inputs
// over an unchanged store produce identical blocks. An empty result set
// yields an empty string and nil error; infrastructure failures return a
// RetrievalError.
func (m *Middleware) Retrieve(ctx context.Context, query string, budget int) (string, error) {
	if query == "" || budget <= 0 {
		return "", nil
	}

	embeddings, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return "", &RetrievalError{Kind: ErrorEmbeddingFailed, Err: err}
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return "", &RetrievalError{Kind: ErrorEmbeddingFailed, Err: fmt.Errorf("embedder returned no vector")}
	}

	chunks, err := m.store.Search(ctx, embeddings[0], m.topN)
	if err != nil {
		return "", &RetrievalError{Kind: ErrorStoreUnavailable, Err: err}
	}
	if len(chunks) == 0 {
		return "", nil
	}

	// Descending score; the store already orders results, but re-sorting
	// keeps the contract independent of store implementation.
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})

	selected := m.selectUnderBudget(chunks, budget)
	if len(selected) == 0 {
		return "", nil
	}
	return formatBlock(selected), nil
}

// selectUnderBudget greedily takes the highest-scoring chunks whose
// formatted block still fits the budget, deduplicating by source ID.
func (m *Middleware) selectUnderBudget(chunks []Chunk, budget int) []Chunk {
	used := m.counter.Count(Header)
	seen := make(map[string]bool)
	var selected []Chunk

	for _, chunk := range chunks {
		if chunk.Score < m.minScore {
			continue
		}
		if seen[chunk.SourceID] {
			continue
		}
		cost := m.counter.Count(ChunkSeparator + formatChunk(chunk))
		if used+cost > budget {
			continue
		}
		seen[chunk.SourceID] = true
		selected = append(selected, chunk)
		used += cost
	}
	return selected
}

func formatChunk(chunk Chunk) string {
	return fmt.Sprintf("Source: %s\nContent: %s", chunk.SourceID, chunk.Text)
}

func formatBlock(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = formatChunk(chunk)
	}
	return Header + "\n" + strings.Join(parts, ChunkSeparator)
}
