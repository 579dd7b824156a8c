package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillagent/quill/internal/agent/retrieval"
)

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Model() string { return "counting" }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func TestChunkerShortTextSingleChunk(t *testing.T) {
	c := Chunker{MaxChars: 100, OverlapChars: 20}
	chunks := c.Split("A short document. Nothing more.")
	require.Equal(t, 1, len(chunks))
}

func TestChunkerEmptyText(t *testing.T) {
	c := DefaultChunker()
	assert.Nil(t, c.Split("   \n  "))
}

func TestChunkerSplitsWithOverlap(t *testing.T) {
	c := Chunker{MaxChars: 60, OverlapChars: 20}
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("This is sentence number something. ")
	}
	chunks := c.Split(sb.String())
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 2*c.MaxChars, "single sentences may exceed MaxChars, chunks stay bounded")
		assert.NotEmpty(t, chunk)
	}
	// Consecutive chunks share overlapping text.
	tail := chunks[0][len(chunks[0])-10:]
	assert.Contains(t, chunks[1], strings.TrimSpace(tail))
}

func TestChunkerRespectsParagraphBreaks(t *testing.T) {
	c := Chunker{MaxChars: 40, OverlapChars: 5}
	text := strings.Repeat("First paragraph here.\n\nSecond paragraph here.\n\n", 5)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
}

func TestPipelineRunIndexesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guide.md"), []byte("How to use the thing. Step one. Step two."), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("Some notes about the thing."), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("binary"), 0644))

	store := retrieval.NewMemoryStore()
	embedder := &countingEmbedder{}
	p := NewPipeline(embedder, store, DefaultChunker())

	n, err := p.Run(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "png is not ingestible")
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, embedder.calls)
}

func TestPipelineRunSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("Content of one document."), 0644))

	store := retrieval.NewMemoryStore()
	p := NewPipeline(&countingEmbedder{}, store, DefaultChunker())

	n, err := p.Run(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chunks, err := store.Search(context.Background(), []float32{24, 1}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(chunks))
	assert.Equal(t, "doc.md", chunks[0].SourceID)
}

func TestPipelineRunMissingPath(t *testing.T) {
	p := NewPipeline(&countingEmbedder{}, retrieval.NewMemoryStore(), DefaultChunker())
	_, err := p.Run(context.Background(), []string{"/does/not/exist"})
	require.Error(t, err)
}

func TestPipelineRunEmpty(t *testing.T) {
	p := NewPipeline(&countingEmbedder{}, retrieval.NewMemoryStore(), DefaultChunker())
	n, err := p.Run(context.Background(), []string{t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
