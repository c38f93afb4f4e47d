package eventsourcing

import (
	"sort"

	"github.com/google/uuid"
)

// Stream is the ordered history of one identity plus its version.
type Stream struct {
	ID      uuid.UUID
	Events  []Envelope
	Version StreamState
}

// NewEmptyStream returns the stream of an identity that has never been
// written to.
func NewEmptyStream(id uuid.UUID) *Stream {
	return &Stream{ID: id, Version: NoStream{}}
}

// IsEmpty reports whether the stream has no committed events.
func (s *Stream) IsEmpty() bool {
	return s == nil || len(s.Events) == 0
}

// SortEnvelopes orders envelopes by Version, breaking ties within a batch by
// Sequence. Versions are claimed in commit order, so the result is the commit
// order of the stream whatever clock stamped OccurredAt.
func SortEnvelopes(envelopes []Envelope) {
	sort.SliceStable(envelopes, func(i, j int) bool {
		a, b := envelopes[i], envelopes[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Sequence < b.Sequence
	})
}
