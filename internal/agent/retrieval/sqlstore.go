package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// SQLiteVectorStore persists documents and their embeddings in SQLite so an
// index built by ingestion survives across runs. Scoring happens in memory;
// the corpus sizes this serves fit comfortably.
type SQLiteVectorStore struct {
	db *sql.DB
}

// NewSQLiteVectorStore opens (or creates) the store at path.
func NewSQLiteVectorStore(path string) (*SQLiteVectorStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id        TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			text      TEXT NOT NULL,
			embedding TEXT NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return &SQLiteVectorStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteVectorStore) Close() error {
	return s.db.Close()
}

// Len returns the number of indexed documents.
func (s *SQLiteVectorStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Upsert inserts or replaces documents by ID in one transaction.
func (s *SQLiteVectorStore) Upsert(ctx context.Context, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		embedding, err := json.Marshal(doc.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for %s: %w", doc.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO documents (id, source_id, text, embedding) VALUES (?, ?, ?, ?)`,
			doc.ID, doc.SourceID, doc.Text, string(embedding))
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Search loads the corpus, scores it against the query embedding, and
// returns the topN best chunks, best first, ties broken by document ID.
func (s *SQLiteVectorStore) Search(ctx context.Context, embedding []float32, topN int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, text, embedding FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    string
		chunk Chunk
	}
	var results []scored
	for rows.Next() {
		var id, sourceID, text, raw string
		if err := rows.Scan(&id, &sourceID, &text, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		results = append(results, scored{
			id: id,
			chunk: Chunk{
				SourceID: sourceID,
				Text:     text,
				Score:    cosineSimilarity(embedding, vec),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
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
