package fixtures

import (
	"context"
	"sync"

	"github.com/google/uuid"
	es "github.com/terraskye/eventsourcing-shop"
)

// StoreSpy is a configurable mock EventStore for testing.
// It tracks calls and allows injecting custom behavior or failures.
type StoreSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	LoadStreamFn     func(ctx context.Context, id uuid.UUID) (*es.Stream, error)
	AppendToStreamFn func(ctx context.Context, id uuid.UUID, expected es.StreamState, events []es.Event) (es.AppendResult, error)
	CloseFn          func() error

	// Call tracking
	LoadStreamCalls     int
	AppendToStreamCalls int
	CloseCalls          int

	// Captured arguments from last call
	LastAppendEvents   []es.Event
	LastAppendExpected es.StreamState
	LastLoadStreamID   uuid.UUID

	// Pre-configured data
	streams map[uuid.UUID]*es.Stream

	// Error injection
	loadErr   error
	appendErr error
}

// NewStoreSpy creates a new StoreSpy with default behavior.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{
		streams: make(map[uuid.UUID]*es.Stream),
	}
}

// WithStream pre-populates the store with a committed stream.
func (s *StoreSpy) WithStream(stream *es.Stream) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
	return s
}

// WithEvents pre-populates the stream of id with events, one batch per event.
func (s *StoreSpy) WithEvents(id uuid.UUID, events ...es.Event) *StoreSpy {
	return s.WithStream(StreamFromEvents(id, events...))
}

// FailOnLoad configures the store to return an error on load operations.
func (s *StoreSpy) FailOnLoad(err error) *StoreSpy {
	s.loadErr = err
	return s
}

// FailOnAppend configures the store to return an error on append operations.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.appendErr = err
	return s
}

// LoadStream implements EventStore.LoadStream.
func (s *StoreSpy) LoadStream(ctx context.Context, id uuid.UUID) (*es.Stream, error) {
	s.mu.Lock()
	s.LoadStreamCalls++
	s.LastLoadStreamID = id
	s.mu.Unlock()

	if s.LoadStreamFn != nil {
		return s.LoadStreamFn(ctx, id)
	}

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[id]
	if !ok {
		return es.NewEmptyStream(id), nil
	}
	return &es.Stream{
		ID:      stream.ID,
		Events:  append([]es.Envelope(nil), stream.Events...),
		Version: stream.Version,
	}, nil
}

// AppendToStream implements EventStore.AppendToStream. Without overrides it
// behaves like a simple single-writer store: the expected version is checked
// and the batch is committed with the next version.
func (s *StoreSpy) AppendToStream(ctx context.Context, id uuid.UUID, expected es.StreamState, events []es.Event) (es.AppendResult, error) {
	s.mu.Lock()
	s.AppendToStreamCalls++
	s.LastAppendEvents = events
	s.LastAppendExpected = expected
	s.mu.Unlock()

	if s.AppendToStreamFn != nil {
		return s.AppendToStreamFn(ctx, id, expected, events)
	}

	if s.appendErr != nil {
		return es.AppendResult{}, s.appendErr
	}

	if err := es.ValidateBatch(id, expected, events); err != nil {
		return es.AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		stream = es.NewEmptyStream(id)
	}
	if stream.Version.String() != expected.String() {
		return es.AppendResult{}, &es.ConcurrentStreamWriteError{
			Stream:    id,
			Expected:  expected,
			Requested: len(events),
		}
	}

	next := es.NextRevision(expected)
	at := Epoch.Add(timeOffset(len(stream.Events)))
	envelopes := es.StampBatch(id, next, at, events)
	for i := range envelopes {
		envelopes[i].Sequence = uint64(len(stream.Events) + i + 1)
	}

	s.streams[id] = &es.Stream{
		ID:      id,
		Events:  append(append([]es.Envelope(nil), stream.Events...), envelopes...),
		Version: next,
	}

	return es.AppendResult{
		StreamID:  id,
		Committed: len(envelopes),
		Version:   next,
		Envelopes: envelopes,
	}, nil
}

// Close implements EventStore.Close.
func (s *StoreSpy) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()

	if s.CloseFn != nil {
		return s.CloseFn()
	}
	return nil
}

// Reset clears all call counts and stored data.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LoadStreamCalls = 0
	s.AppendToStreamCalls = 0
	s.CloseCalls = 0
	s.LastAppendEvents = nil
	s.LastAppendExpected = nil
	s.LastLoadStreamID = uuid.Nil
	s.streams = make(map[uuid.UUID]*es.Stream)
	s.loadErr = nil
	s.appendErr = nil
}

// Pre-built store scenarios.

// EmptyStore returns a StoreSpy with no events.
func EmptyStore() *StoreSpy {
	return NewStoreSpy()
}

// StoreWithEvents returns a StoreSpy whose stream id holds n test events.
func StoreWithEvents(id uuid.UUID, n int) *StoreSpy {
	events := NewTestEvent().WithData("seed").BuildN(n)
	return NewStoreSpy().WithEvents(id, events...)
}

// FailingStore returns a StoreSpy that fails on all operations.
func FailingStore(err error) *StoreSpy {
	return NewStoreSpy().FailOnLoad(err).FailOnAppend(err)
}

// ConcurrencyConflictStore returns a StoreSpy whose appends always lose the
// version race.
func ConcurrencyConflictStore() *StoreSpy {
	store := NewStoreSpy()
	store.AppendToStreamFn = func(ctx context.Context, id uuid.UUID, expected es.StreamState, events []es.Event) (es.AppendResult, error) {
		return es.AppendResult{}, &es.ConcurrentStreamWriteError{
			Stream:    id,
			Expected:  expected,
			Requested: len(events),
		}
	}
	return store
}
