package eventsourcing

import (
	"github.com/google/uuid"
)

// Aggregate is the interface that all aggregates must implement.
//
// Concrete aggregates embed AggregateBase, which provides every method except
// Apply.
type Aggregate interface {

	// AggregateID returns the unique identifier of the aggregate.
	AggregateID() uuid.UUID

	// AggregateVersion returns the version of the stream the aggregate was
	// built from, NoStream if it has never been persisted.
	AggregateVersion() StreamState

	// Changes returns the events applied since construction that are not yet
	// persisted.
	Changes() []Event

	// ClearChanges clears all pending changes from the aggregate.
	ClearChanges()

	// Apply folds an event into the aggregate's state. Handled events are
	// recorded as pending changes; unknown events are ignored.
	Apply(event Event)

	base() *AggregateBase
}

// AggregateBase tracks identity, version, history and pending changes.
type AggregateBase struct {
	id      uuid.UUID
	version StreamState
	history []Envelope
	changes []Event
}

func (a *AggregateBase) base() *AggregateBase { return a }

// AggregateID implements the AggregateID method of the Aggregate interface.
func (a *AggregateBase) AggregateID() uuid.UUID {
	return a.id
}

// AggregateVersion implements the AggregateVersion method of the Aggregate interface.
func (a *AggregateBase) AggregateVersion() StreamState {
	if a.version == nil {
		return NoStream{}
	}
	return a.version
}

// IsNew reports whether the aggregate has no persisted history.
func (a *AggregateBase) IsNew() bool {
	return IsNoStream(a.version)
}

// Changes implements the Changes method of the Aggregate interface.
func (a *AggregateBase) Changes() []Event {
	return a.changes
}

// ClearChanges implements the ClearChanges method of the Aggregate interface.
func (a *AggregateBase) ClearChanges() {
	a.changes = nil
}

// History returns the committed envelopes the aggregate was built from,
// followed by the ones it committed itself.
func (a *AggregateBase) History() []Envelope {
	return a.history
}

// Record registers a handled event as a pending change. It is called by the
// concrete aggregate's Apply.
func (a *AggregateBase) Record(event Event) {
	a.changes = append(a.changes, event)
}

func (a *AggregateBase) committed(result AppendResult) {
	a.version = result.Version
	a.history = append(a.history, result.Envelopes...)
	a.changes = nil
}

// Construct rebuilds agg from stream: it takes over the stream's identity,
// version and events, folds every event through Apply in stream order and
// discards the pending changes the fold produced.
func Construct(agg Aggregate, id uuid.UUID, stream *Stream) {
	if stream == nil {
		stream = NewEmptyStream(id)
	}

	b := agg.base()
	b.id = id
	b.version = stream.Version
	if b.version == nil {
		b.version = NoStream{}
	}
	b.history = append([]Envelope(nil), stream.Events...)
	b.changes = nil

	for i := range stream.Events {
		agg.Apply(stream.Events[i].Event)
	}
	agg.ClearChanges()
}

// Create builds agg on an empty stream for id and applies the creation event,
// leaving it pending for the next save.
func Create(agg Aggregate, id uuid.UUID, initial Event) {
	Construct(agg, id, NewEmptyStream(id))
	agg.Apply(initial)
}
