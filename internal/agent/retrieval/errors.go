package retrieval

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a retrieval failure.
type ErrorKind string

const (
	// ErrorEmbeddingFailed means the query could not be embedded.
	ErrorEmbeddingFailed ErrorKind = "embedding_failed"
	// ErrorStoreUnavailable means the vector store could not be queried.
	ErrorStoreUnavailable ErrorKind = "store_unavailable"
)

// RetrievalError represents a classified failure in the retrieval path.
// The orchestration loop degrades these to an empty retrieval block rather
// than failing the turn.
type RetrievalError struct {
	Kind ErrorKind
	Err  error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Kind, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// IsRetrievalError checks if an error came from the retrieval path.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}
