package domain

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors. Adapters wrap them with fmt.Errorf("...: %w", ...) so callers can use errors.Is.
var (
	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmbeddingUnavailable indicates the embedding backend is unreachable or misconfigured.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrEmbeddingInput indicates the embedding backend rejected the input itself.
	ErrEmbeddingInput = errors.New("embedding input rejected")

	// ErrLLMUnavailable indicates the chat provider is unreachable or out of quota.
	ErrLLMUnavailable = errors.New("LLM service unavailable")

	// ErrProcessing indicates the model produced output that could not be interpreted.
	ErrProcessing = errors.New("processing error")

	// ErrIndexCorruption indicates the stored vectors do not match the active embedding model.
	ErrIndexCorruption = errors.New("index does not match active embedding model")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
)

// Machine-readable reasons surfaced in response envelopes.
const (
	ReasonNoContext            = "no_context"
	ReasonEmbeddingUnavailable = "embedding_unavailable"
	ReasonEmbeddingInput       = "embedding_input"
	ReasonLLMUnavailable       = "llm_unavailable"
	ReasonProcessing           = "processing_error"
	ReasonIndexCorruption      = "index_corruption"
	ReasonTimeout              = "timeout"
	ReasonInvalidInput         = "invalid_input"
	ReasonNotFound             = "not_found"
	ReasonInternal             = "internal"
)

// Reason maps an error to its machine-readable reason code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrEmbeddingUnavailable):
		return ReasonEmbeddingUnavailable
	case errors.Is(err, ErrEmbeddingInput):
		return ReasonEmbeddingInput
	case errors.Is(err, ErrLLMUnavailable):
		return ReasonLLMUnavailable
	case errors.Is(err, ErrProcessing):
		return ReasonProcessing
	case errors.Is(err, ErrIndexCorruption):
		return ReasonIndexCorruption
	case errors.Is(err, ErrInvalidInput):
		return ReasonInvalidInput
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}

// Timeout converts a context deadline into ErrTimeout for op; other errors pass through.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return err
}
