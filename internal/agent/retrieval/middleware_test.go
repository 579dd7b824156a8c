package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Model() string { return "stub" }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

type failingStore struct{}

func (failingStore) Search(context.Context, []float32, int) ([]Chunk, error) {
	return nil, errors.New("store offline")
}
func (failingStore) Upsert(context.Context, []Document) error { return errors.New("store offline") }

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	err := store.Upsert(context.Background(), []Document{
		{ID: "1", SourceID: "intro.md", Text: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: "2", SourceID: "guide.md", Text: "beta", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "3", SourceID: "intro.md", Text: "alpha again", Embedding: []float32{0.95, 0, 0}},
		{ID: "4", SourceID: "far.md", Text: "unrelated", Embedding: []float32{0, 0, 1}},
	})
	require.NoError(t, err)
	return store
}

func TestRetrieveFormatsBlock(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, seededStore(t), charCounter{})

	block, err := m.Retrieve(context.Background(), "alpha?", 10000)
	require.NoError(t, err)
	assert.Contains(t, block, Header)
	assert.Contains(t, block, "Source: intro.md\nContent: alpha")
	assert.Contains(t, block, ChunkSeparator)
}

func TestRetrieveDedupesBySource(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, seededStore(t), charCounter{})

	block, err := m.Retrieve(context.Background(), "alpha?", 10000)
	require.NoError(t, err)
	// intro.md appears twice in the store but once in the block.
	assert.Equal(t, 1, countOccurrences(block, "Source: intro.md"))
	assert.Equal(t, 1, countOccurrences(block, "Source: guide.md"))
}

func TestRetrieveDeterministic(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, seededStore(t), charCounter{})

	a, err := m.Retrieve(context.Background(), "alpha?", 500)
	require.NoError(t, err)
	b, err := m.Retrieve(context.Background(), "alpha?", 500)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRetrieveRespectsBudget(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, seededStore(t), charCounter{})

	budget := len(Header) + len(ChunkSeparator) + len("Source: intro.md\nContent: alpha") + 5
	block, err := m.Retrieve(context.Background(), "alpha?", budget)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(block), budget)
	assert.Contains(t, block, "intro.md")
	assert.NotContains(t, block, "guide.md")
}

func TestRetrieveEmptyStore(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, NewMemoryStore(), charCounter{})

	block, err := m.Retrieve(context.Background(), "anything", 1000)
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{err: errors.New("api down")}, seededStore(t), charCounter{})

	_, err := m.Retrieve(context.Background(), "q", 1000)
	require.Error(t, err)
	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrorEmbeddingFailed, re.Kind)
}

func TestRetrieveStoreFailure(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, failingStore{}, charCounter{})

	_, err := m.Retrieve(context.Background(), "q", 1000)
	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrorStoreUnavailable, re.Kind)
}

func TestRetrieveZeroBudget(t *testing.T) {
	m := NewMiddleware(&stubEmbedder{vec: []float32{1, 0, 0}}, seededStore(t), charCounter{})

	block, err := m.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestMemoryStoreSearchOrdersByScore(t *testing.T) {
	store := seededStore(t)
	chunks, err := store.Search(context.Background(), []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].Score, chunks[i].Score)
	}
}

func TestMemoryStoreTopN(t *testing.T) {
	store := seededStore(t)
	chunks, err := store.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, len(chunks))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
