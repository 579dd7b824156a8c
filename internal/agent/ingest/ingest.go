// Package ingest builds the retrieval index: it walks documentation
// directories, chunks the files, embeds the chunks, and loads them into a
// vector store.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillagent/quill/internal/agent/retrieval"
)

// embedBatchSize bounds how many chunks go to the embedding API per call.
const embedBatchSize = 64

// ingestible file extensions.
var extensions = map[string]bool{
	".md":  true,
	".txt": true,
	".go":  true,
}

// Pipeline ingests documentation into a vector store.
type Pipeline struct {
	embedder retrieval.Embedder
	store    retrieval.VectorStore
	chunker  Chunker
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(embedder retrieval.Embedder, store retrieval.VectorStore, chunker Chunker) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		store:    store,
		chunker:  chunker,
	}
}

// Run walks each path (file or directory), chunks and embeds every
// ingestible file, and upserts the results. Returns the number of chunks
// indexed.
func (p *Pipeline) Run(ctx context.Context, paths []string) (int, error) {
	var docs []retrieval.Document
	for _, path := range paths {
		found, err := p.collect(path)
		if err != nil {
			return 0, err
		}
		docs = append(docs, found...)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	for start := 0; start < len(docs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.Text
		}
		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed batch at %d: %w", start, err)
		}
		for i := range batch {
			batch[i].Embedding = embeddings[i]
		}
		if err := p.store.Upsert(ctx, batch); err != nil {
			return 0, fmt.Errorf("failed to index batch at %d: %w", start, err)
		}
		fmt.Printf("[Ingest] Indexed %d/%d chunks\n", end, len(docs))
	}
	return len(docs), nil
}

// collect chunks every ingestible file under path.
func (p *Pipeline) collect(path string) ([]retrieval.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return p.chunkFile(path, filepath.Base(path))
	}

	var docs []retrieval.Document
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && file != path {
				return filepath.SkipDir
			}
			return nil
		}
		if !extensions[filepath.Ext(file)] {
			return nil
		}
		rel, relErr := filepath.Rel(path, file)
		if relErr != nil {
			rel = filepath.Base(file)
		}
		chunked, chunkErr := p.chunkFile(file, rel)
		if chunkErr != nil {
			return chunkErr
		}
		docs = append(docs, chunked...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return docs, nil
}

func (p *Pipeline) chunkFile(path, sourceID string) ([]retrieval.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	chunks := p.chunker.Split(string(data))
	docs := make([]retrieval.Document, len(chunks))
	for i, text := range chunks {
		docs[i] = retrieval.Document{
			ID:       fmt.Sprintf("%s#%d", sourceID, i),
			SourceID: sourceID,
			Text:     text,
		}
	}
	return docs, nil
}
