package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Document is one embedded chunk of source material held by a vector store.
type Document struct {
	ID        string
	SourceID  string
	Text      string
	Embedding []float32
}

// Chunk is one scored search result.
type Chunk struct {
	SourceID string
	Text     string
	Score    float64
}

// VectorStore is the similarity search boundary.
type VectorStore interface {
	// Search returns up to topN chunks scored by similarity to the query
	// embedding, best first.
	Search(ctx context.Context, embedding []float32, topN int) ([]Chunk, error)
	// Upsert inserts or replaces documents by ID.
	Upsert(ctx context.Context, docs []Document) error
}

// MemoryStore is an in-memory cosine-similarity vector store. Safe for
// concurrent reads and writes.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Upsert inserts or replaces documents by ID.
func (s *MemoryStore) Upsert(_ context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		s.docs[doc.ID] = doc
	}
	return nil
}

// Search scores every document against the query embedding and returns the
// topN best matches, ordered by descending score. Ties break on document ID
// so identical queries always return identical results.
func (s *MemoryStore) Search(_ context.Context, embedding []float32, topN int) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		id    string
		chunk Chunk
	}
	results := make([]scored, 0, len(s.docs))
	for _, doc := range s.docs {
		results = append(results, scored{
			id: doc.ID,
			chunk: Chunk{
				SourceID: doc.SourceID,
				Text:     doc.Text,
				Score:    cosineSimilarity(embedding, doc.Embedding),
			},
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].chunk.Score != results[j].chunk.Score {
			return results[i].chunk.Score > results[j].chunk.Score
		}
		return results[i].id < results[j].id
	})

	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	chunks := make([]Chunk, len(results))
	for i, r := range results {
		chunks[i] = r.chunk
	}
	return chunks, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
