package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmbeddingUnavailable marks transient embedding-backend failures.
	// Retryable during ingestion, fatal for a single query.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

	// ErrDimensionMismatch is an internal invariant violation: a vector whose
	// dimension disagrees with the collection's. Indicates misconfiguration.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrSynthesisUnavailable marks a language-model call that failed after
	// retries. Surfaced to the caller, never degraded into an answer.
	ErrSynthesisUnavailable = errors.New("language model unavailable")

	// ErrTimeout marks a caller-specified deadline exceeded at any pipeline
	// stage.
	ErrTimeout = errors.New("pipeline deadline exceeded")

	ErrUnknownSourceType = errors.New("unknown source type")
)

// ParseError means the whole input could not be parsed as its declared source
// type. Nothing is committed when it is returned. Single malformed entries
// inside an otherwise valid batch are skipped with a warning instead.
type ParseError struct {
	SourceType SourceType
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse input as %s: %v", e.SourceType, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
