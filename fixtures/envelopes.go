package fixtures

import (
	"time"

	"github.com/google/uuid"
	es "github.com/terraskye/eventsourcing-shop"
)

// Epoch is the base timestamp of every fixture envelope.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// StreamFromEvents builds a committed stream for id in which every event was
// appended as its own batch, one second apart.
func StreamFromEvents(id uuid.UUID, events ...es.Event) *es.Stream {
	if len(events) == 0 {
		return es.NewEmptyStream(id)
	}

	envelopes := make([]es.Envelope, len(events))
	for i, ev := range events {
		envelopes[i] = es.Envelope{
			EventID:    uuid.New(),
			StreamID:   id,
			Event:      ev,
			Version:    uint64(i + 1),
			Sequence:   uint64(i + 1),
			OccurredAt: Epoch.Add(time.Duration(i) * time.Second),
		}
	}
	return &es.Stream{
		ID:      id,
		Events:  envelopes,
		Version: es.Revision(len(events)),
	}
}

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TickingClock returns a clock starting at start that advances by step on
// every call.
func TickingClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}

func timeOffset(n int) time.Duration {
	return time.Duration(n) * time.Second
}
