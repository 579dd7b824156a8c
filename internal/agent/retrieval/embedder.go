package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder generates embeddings for texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

const (
	defaultEmbedModel = "text-embedding-3-small"
	defaultDimensions = 1536
	embedMaxAttempts  = 3
)

// OpenAIEmbedder generates embeddings via the OpenAI API.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an OpenAI embedder. Empty model defaults to
// text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = defaultEmbedModel
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		dimensions: defaultDimensions,
	}
}

// Model returns the embedding model identifier.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Embed generates embeddings for the given texts, retrying transient
// failures with exponential backoff. Auth and client errors fail fast.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	}

	var resp *openai.CreateEmbeddingResponse
	var err error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		resp, err = e.client.Embeddings.New(ctx, params)
		if err == nil {
			break
		}
		if isClientError(err) {
			break
		}
		// 500ms, 2s, 8s
		backoff := time.Duration(1<<uint(attempt*2)) * 500 * time.Millisecond
		fmt.Printf("[Embeddings] Attempt %d failed: %v - retrying in %v\n", attempt+1, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if int(item.Index) >= len(embeddings) {
			continue
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		embeddings[int(item.Index)] = vec
	}
	return embeddings, nil
}

func isClientError(err error) bool {
	msg := err.Error()
	for _, s := range []string{"401", "403", "400", "Unauthorized", "invalid_api_key", "Bad Request"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CachedEmbedder wraps an Embedder with a SQLite cache keyed by
// sha256(text) and model, so re-ingestion and repeated queries skip the API.
type CachedEmbedder struct {
	inner Embedder
	db    *sql.DB
}

// NewCachedEmbedder creates the cache around inner, ensuring the schema
// exists.
func NewCachedEmbedder(inner Embedder, db *sql.DB) (*CachedEmbedder, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			hash       TEXT NOT NULL,
			model      TEXT NOT NULL,
			embedding  TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (hash, model)
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache table: %w", err)
	}
	return &CachedEmbedder{inner: inner, db: db}, nil
}

// Model returns the inner embedder's model identifier.
func (c *CachedEmbedder) Model() string {
	return c.inner.Model()
}

// Embed returns cached embeddings where available and delegates the rest to
// the inner embedder in one batch.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := c.inner.Model()
	results := make([][]float32, len(texts))
	var missIndices []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.get(ctx, hashText(text), model); ok {
			results[i] = vec
			continue
		}
		missIndices = append(missIndices, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		embeddings, err := c.inner.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range embeddings {
			results[missIndices[j]] = vec
			c.put(ctx, hashText(missTexts[j]), model, vec)
		}
	}
	return results, nil
}

func (c *CachedEmbedder) get(ctx context.Context, hash, model string) ([]float32, bool) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE hash = ? AND model = ?`, hash, model,
	).Scan(&raw)
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) put(ctx context.Context, hash, model string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embedding_cache (hash, model, embedding, created_at) VALUES (?, ?, ?, ?)`,
		hash, model, string(raw), time.Now().Format(time.RFC3339))
	if err != nil {
		fmt.Printf("[Embeddings] Failed to cache embedding: %v\n", err)
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
