package eventsourcing

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event describing a change that has happened to an aggregate.
//
// Events carry only their payload. The identity of the aggregate they belong
// to is supplied by the stream they are appended to.
type Event interface {
	// EventType returns the persisted discriminator of the event.
	EventType() string
}

// Envelope wraps a committed Event with the fields assigned by the store at
// append time.
type Envelope struct {
	EventID  uuid.UUID
	StreamID uuid.UUID
	Event    Event
	// Version is the version of the batch the event was committed in. All
	// events of one append share it.
	Version uint64
	// Sequence is a store-wide, strictly increasing insertion number. It
	// breaks ties between events with the same OccurredAt.
	Sequence   uint64
	OccurredAt time.Time
}
