package eventsourcing

import "github.com/google/uuid"

// Command is an intent addressed to the aggregate with the given identity.
type Command interface {
	AggregateID() uuid.UUID
}
