package cluster

import (
	"errors"
	"fmt"
)

// Kind classifies a cluster error into one of the kinds named by the
// decision core's contract. Callers (internal/service/assign) use Kind to
// decide whether to retry or surface the error to the caller unchanged.
type Kind string

const (
	// KindEmbedder means the embedding provider failed or returned a
	// malformed vector.
	KindEmbedder Kind = "embedder"

	// KindRetrieval means the candidate retrieval call itself failed.
	// An empty or sparse result set is NOT this kind — absence of
	// candidates is a normal input to Decide, not an error.
	KindRetrieval Kind = "retrieval"

	// KindPersistenceConflict means an optimistic-concurrency write lost a
	// race and should be retried by the caller within its retry budget.
	KindPersistenceConflict Kind = "persistence_conflict"

	// KindDeadlineExceeded means the pipeline did not complete before its
	// context deadline.
	KindDeadlineExceeded Kind = "deadline_exceeded"

	// KindInvariantViolation means the core observed a state that should be
	// structurally impossible (e.g. mismatched embedding dimensions). It is
	// fatal and never retried. There is no dead-letter store for it: callers
	// log it and fail the request.
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is a typed cluster error. Use errors.As to recover the Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cluster: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Retriable reports whether err is a kind the caller should retry within a
// bounded budget. Persistence conflicts are retriable; invariant violations
// never are.
func Retriable(err error) bool {
	return KindOf(err) == KindPersistenceConflict
}

func newInvariantViolation(format string, args ...any) error {
	return &Error{Kind: KindInvariantViolation, Err: fmt.Errorf(format, args...)}
}

// NewEmbedderError wraps err as a KindEmbedder cluster error.
func NewEmbedderError(err error) error {
	return &Error{Kind: KindEmbedder, Err: err}
}

// NewRetrievalError wraps err as a KindRetrieval cluster error. Do not use
// this for an empty candidate set — that is a valid, non-error input.
func NewRetrievalError(err error) error {
	return &Error{Kind: KindRetrieval, Err: err}
}

// NewPersistenceConflict wraps err as a KindPersistenceConflict cluster error.
func NewPersistenceConflict(err error) error {
	return &Error{Kind: KindPersistenceConflict, Err: err}
}

// NewDeadlineExceeded wraps err as a KindDeadlineExceeded cluster error.
func NewDeadlineExceeded(err error) error {
	return &Error{Kind: KindDeadlineExceeded, Err: err}
}

// NewInvariantViolation wraps err as a KindInvariantViolation cluster error.
func NewInvariantViolation(err error) error {
	return &Error{Kind: KindInvariantViolation, Err: err}
}
