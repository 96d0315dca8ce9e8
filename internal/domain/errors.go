package domain

import "errors"

// Domain errors. Infrastructure failures wrap one of these so callers can
// branch with errors.Is.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable indicates no embedding model is currently usable.
	// Dense retrieval is disabled until a candidate recovers.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrLLMUnavailable indicates the completion service cannot be reached.
	ErrLLMUnavailable = errors.New("LLM service unavailable")

	// ErrValidation indicates job parameters failed schema validation.
	ErrValidation = errors.New("parameter validation failed")

	// ErrJobRejected indicates the job service refused a request.
	ErrJobRejected = errors.New("job rejected")

	// ErrStoreClosed indicates a store was used after Close.
	ErrStoreClosed = errors.New("store closed")
)
