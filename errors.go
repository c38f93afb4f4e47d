package eventsourcing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConcurrentStreamWrite is matched by every *ConcurrentStreamWriteError.
	ErrConcurrentStreamWrite = errors.New("concurrent stream write")

	// ErrAggregateNotFound is returned when an operation requires an aggregate
	// with history and its stream is empty.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrUnknownEventKind is matched by every *UnknownEventKindError.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrQueryHandlerNotFound is returned when no handler is registered for a
	// query type.
	ErrQueryHandlerNotFound = errors.New("query handler not found")

	ErrInvalidEventBatch = errors.New("invalid event batch")
	ErrInvalidRevision   = errors.New("invalid revision")
	ErrInvalidStreamID   = errors.New("invalid stream id")
	ErrStoreClosed       = errors.New("event store closed")
)

// ConcurrentStreamWriteError is returned when the optimistic concurrency
// check of an append fails, or when fewer events than requested were
// committed. The caller may reload the stream and retry.
type ConcurrentStreamWriteError struct {
	Stream    uuid.UUID
	Expected  StreamState
	Requested int
	Committed int
}

func (e *ConcurrentStreamWriteError) Error() string {
	return fmt.Sprintf("concurrent write on stream %q: expected version %s, committed %d of %d events",
		e.Stream, e.Expected, e.Committed, e.Requested)
}

func (e *ConcurrentStreamWriteError) Is(target error) bool {
	return target == ErrConcurrentStreamWrite
}

// UnknownEventKindError is returned when a persisted event has a kind with no
// registered decoder. Replay must abort on it.
type UnknownEventKindError struct {
	Kind string
}

func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

func (e *UnknownEventKindError) Is(target error) bool {
	return target == ErrUnknownEventKind
}

type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps a backend failure. Errors that already belong to
// the store taxonomy are returned unchanged.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	var storeErr *EventStoreError
	if errors.As(err, &storeErr) ||
		errors.Is(err, ErrConcurrentStreamWrite) ||
		errors.Is(err, ErrUnknownEventKind) {
		return err
	}
	return &EventStoreError{Err: err}
}
