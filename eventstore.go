package eventsourcing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventStore defines the contract for an append-only event store with
// optimistic concurrency control.
//
// Implementations must guarantee:
//   - LoadStream returns events in commit order: ordered by Version, ties
//     broken by Sequence, and never a partially committed batch. OccurredAt
//     is informational and never used for ordering.
//   - AppendToStream commits a batch atomically for a single identity and
//     only if the identity's version still equals the expected state.
//   - Every event of one batch is stamped with the same version.
type EventStore interface {
	// LoadStream loads all events for the given identity.
	//
	// An identity without events yields an empty stream with version
	// NoStream; this is not an error.
	LoadStream(ctx context.Context, id uuid.UUID) (*Stream, error)

	// AppendToStream appends a batch of events to the stream of id.
	//
	// Parameters:
	//   - expected: the version the caller last observed. NoStream means the
	//     stream must not exist yet, Revision(n) means exactly n batches must
	//     have been committed.
	//   - events: the batch; must not be empty.
	//
	// Errors:
	//   - ErrConcurrentStreamWrite (as *ConcurrentStreamWriteError) if another
	//     writer advanced the version, or if fewer events than requested were
	//     committed.
	//   - ErrInvalidEventBatch for an empty batch or a nil event.
	//   - Any store specific persistence error, wrapped in *EventStoreError.
	AppendToStream(ctx context.Context, id uuid.UUID, expected StreamState, events []Event) (AppendResult, error)

	// Close releases any resources held by the EventStore. Implementations
	// should make Close idempotent.
	Close() error
}

// AppendResult describes the outcome of a successful append.
type AppendResult struct {
	StreamID uuid.UUID
	// Committed is the number of events committed.
	Committed int
	// Version is the version the batch was committed with.
	Version Revision
	// Envelopes holds the exact committed content, in commit order.
	Envelopes []Envelope
}

// ValidateBatch checks the preconditions every store applies before writing.
func ValidateBatch(id uuid.UUID, expected StreamState, events []Event) error {
	if id == uuid.Nil {
		return ErrInvalidStreamID
	}
	if expected == nil {
		return ErrInvalidRevision
	}
	if len(events) == 0 {
		return ErrInvalidEventBatch
	}
	for _, ev := range events {
		if ev == nil {
			return ErrInvalidEventBatch
		}
	}
	return nil
}

// StampBatch wraps a batch in envelopes carrying the fields the write
// protocol assigns: a fresh event id, the target identity, the shared batch
// version and the store's timestamp. Sequences are left to the store.
func StampBatch(id uuid.UUID, version Revision, occurredAt time.Time, events []Event) []Envelope {
	envelopes := make([]Envelope, len(events))
	for i, ev := range events {
		envelopes[i] = Envelope{
			EventID:    uuid.New(),
			StreamID:   id,
			Event:      ev,
			Version:    uint64(version),
			OccurredAt: occurredAt,
		}
	}
	return envelopes
}
