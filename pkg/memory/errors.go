package memory

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrEmbeddingUnavailable is returned when the embedder fails; nothing is written.
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable")
	// ErrStorageUnavailable is returned after the vector backend exhausted its retries.
	ErrStorageUnavailable = goerr.New("storage unavailable")
	// ErrDimensionMismatch means stored and configured vector dimensions disagree.
	ErrDimensionMismatch = goerr.New("vector dimension mismatch")
	// ErrContradictionDetection is logged, never returned to callers of Remember.
	ErrContradictionDetection = goerr.New("contradiction detection failed")
	// ErrPartialMultiBotFailure marks a single bot's failure inside a fan-out.
	ErrPartialMultiBotFailure = goerr.New("multi-bot query partially failed")
	ErrInvalidRecord          = goerr.New("invalid memory record")
	ErrScopeViolation         = goerr.New("query is not scoped to a bot and user")
	ErrNotFound               = goerr.New("memory not found")
	ErrImmutableRecord        = goerr.New("memory record is immutable")
	ErrEmptyFilter            = goerr.New("refusing to delete with an empty filter")
)
