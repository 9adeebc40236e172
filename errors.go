package recall

import (
	"context"
	"errors"
	"fmt"

	"github.com/EricMeteorite/recall/pkg/engine"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/store"
)

// Error kinds shared across the engine. Each variable aliases the sentinel
// the producing package actually returns, so errors.Is against these
// classifies anything the public API surfaces regardless of which component
// failed.
var (
	// ErrInvalidArgument is returned for caller errors: bad ids,
	// out-of-range enums, empty required fields, disabled features.
	// Never retried.
	ErrInvalidArgument = engine.ErrInvalidArgument

	// ErrNotFound is returned when a memory, entity, foreshadowing item,
	// or shard does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrConflict is returned by relation upserts when a contradiction is
	// detected and the resolution strategy is REJECT or MANUAL.
	ErrConflict = graph.ErrConflict

	// ErrStorage is returned when an archive append or shard write fails.
	// The enclosing operation is aborted atomically.
	ErrStorage = store.ErrArchiveAppend

	// ErrIndexCorrupted is returned when a WAL/snapshot pair does not
	// match. The index is rebuilt from the archive; the error is a warning
	// rather than fatal.
	ErrIndexCorrupted = index.ErrCorrupted

	// ErrBackendUnavailable is returned after embedding or LLM retries are
	// exhausted or while the circuit breaker is open.
	ErrBackendUnavailable = llm.ErrUnavailable

	// ErrBudgetExceeded is returned when the LLM budget counter denies a
	// call. Analyzers fall back to rules; retrieval skips LLM stages.
	ErrBudgetExceeded = llm.ErrBudgetExceeded

	// ErrTimeout is returned when a deadline elapses. Searches return
	// partial results; ingest aborts.
	ErrTimeout = context.DeadlineExceeded

	// ErrRateLimited is returned when backend rate limiting persists
	// through the retry schedule.
	ErrRateLimited = llm.ErrRateLimited

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = engine.ErrClosed
)

// OpError wraps an error with the name of the failing operation.
type OpError struct {
	Op  string // Operation name, e.g. "store.put"
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("recall: %v", e.Err)
	}
	return fmt.Sprintf("recall: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapOp wraps an error with operation context. Returns nil for nil errors.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
