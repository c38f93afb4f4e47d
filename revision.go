package eventsourcing

import "fmt"

// StreamState is the version of a stream as observed by a writer. It is
// either NoStream or a concrete Revision.
type StreamState interface {
	fmt.Stringer
	streamState()
}

// NoStream means the stream has no committed events: the entity does not
// exist yet.
type NoStream struct{}

func (NoStream) streamState()   {}
func (NoStream) String() string { return "none" }

// Revision is the number of batches committed to a stream.
type Revision uint64

func (Revision) streamState()     {}
func (r Revision) String() string { return fmt.Sprintf("%d", uint64(r)) }

// NextRevision returns the version a successful append against state
// commits: 1 for NoStream, n+1 for Revision(n).
func NextRevision(state StreamState) Revision {
	if r, ok := state.(Revision); ok {
		return r + 1
	}
	return 1
}

// IsNoStream reports whether state describes a stream without events.
func IsNoStream(state StreamState) bool {
	if state == nil {
		return true
	}
	_, ok := state.(NoStream)
	return ok
}
