package ingest

import "strings"

// Chunker splits document text into overlapping pieces sized for embedding.
// Boundaries prefer sentence ends so a chunk rarely cuts a thought in half.
type Chunker struct {
	// MaxChars caps each chunk.
	MaxChars int
	// OverlapChars is roughly how much trailing text repeats at the start
	// of the next chunk.
	OverlapChars int
}

// DefaultChunker matches the ingestion defaults (~375 tokens per chunk).
func DefaultChunker() Chunker {
	return Chunker{MaxChars: 1500, OverlapChars: 200}
}

// Split breaks text into chunks. Text that fits one chunk (plus the overlap
// slack) is returned whole.
func (c Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) < c.MaxChars+c.OverlapChars {
		return []string{text}
	}

	pieces := splitAtBoundaries(text)
	if len(pieces) <= 1 {
		return []string{text}
	}

	var chunks []string
	i := 0
	for i < len(pieces) {
		var buf strings.Builder
		first := i
		for i < len(pieces) {
			if buf.Len() > 0 && buf.Len()+len(pieces[i]) > c.MaxChars {
				break
			}
			buf.WriteString(pieces[i])
			i++
		}
		chunks = append(chunks, strings.TrimSpace(buf.String()))
		if i >= len(pieces) {
			break
		}

		// Step back so consecutive chunks share ~OverlapChars of text.
		overlap := 0
		for j := i - 1; j > first; j-- {
			overlap += len(pieces[j])
			if overlap >= c.OverlapChars {
				i = j
				break
			}
		}
	}
	return chunks
}

// splitAtBoundaries cuts text at paragraph breaks and sentence-ending
// punctuation, keeping the delimiter with the preceding piece.
func splitAtBoundaries(text string) []string {
	var pieces []string
	start := 0

	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) && text[i+1] == '\n' {
			pieces = append(pieces, text[start:i+2])
			start = i + 2
			i++
			continue
		}
		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && i+1 < len(text) {
			switch text[i+1] {
			case ' ', '\n', '\t':
				pieces = append(pieces, text[start:i+2])
				start = i + 2
				i++
			}
		}
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}
