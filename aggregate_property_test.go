package eventsourcing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReplayDeterminism verifies that folding the same stream twice yields
// the same state. Property: Construct(s) == Construct(s) for any s.
func TestReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replay is deterministic", prop.ForAll(
		func(steps []int) bool {
			id := uuid.New()
			events := make([]Event, len(steps))
			for i, by := range steps {
				events[i] = incremented{By: by}
			}
			stream := &Stream{ID: id, Events: envelopesOf(id, events...), Version: Revision(len(events))}
			if len(events) == 0 {
				stream = NewEmptyStream(id)
			}

			a, b := &counter{}, &counter{}
			Construct(a, id, stream)
			Construct(b, id, stream)

			sum := 0
			for _, by := range steps {
				sum += by
			}
			return a.Total == b.Total &&
				a.Total == sum &&
				a.AggregateVersion().String() == b.AggregateVersion().String() &&
				len(a.Changes()) == 0
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// TestNextRevisionMonotonic verifies that every commit advances the version
// by exactly one. Property: NextRevision(Revision(n)) == n+1.
func TestNextRevisionMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("next revision is one past the current", prop.ForAll(
		func(n uint32) bool {
			return NextRevision(Revision(n)) == Revision(n)+1
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
