// Package memory provides an in-process EventStore.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventsourcing-shop"
)

// MemoryStore keeps streams in process memory.
//
// Appends follow the same two-step protocol as the persistent stores: the
// identity's version record is claimed with a compare-and-swap, then the
// batch is inserted. Loads derive the version from the inserted events, so a
// claimed but not yet inserted batch is never visible.
type MemoryStore struct {
	versions sync.Map // uuid.UUID -> uint64

	mu     sync.RWMutex
	events map[uuid.UUID][]eventsourcing.Envelope

	seq    atomic.Uint64
	now    func() time.Time
	closed atomic.Bool
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used to stamp OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		events: make(map[uuid.UUID][]eventsourcing.Envelope),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	if m.closed.Load() {
		return eventsourcing.AppendResult{}, eventsourcing.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return eventsourcing.AppendResult{}, err
	}
	if err := eventsourcing.ValidateBatch(id, expected, events); err != nil {
		return eventsourcing.AppendResult{}, err
	}

	conflict := &eventsourcing.ConcurrentStreamWriteError{
		Stream:    id,
		Expected:  expected,
		Requested: len(events),
	}

	next := eventsourcing.NextRevision(expected)
	switch rev := expected.(type) {
	case eventsourcing.NoStream:
		if _, loaded := m.versions.LoadOrStore(id, uint64(next)); loaded {
			return eventsourcing.AppendResult{}, conflict
		}
	case eventsourcing.Revision:
		if !m.versions.CompareAndSwap(id, uint64(rev), uint64(next)) {
			return eventsourcing.AppendResult{}, conflict
		}
	default:
		return eventsourcing.AppendResult{}, eventsourcing.ErrInvalidRevision
	}

	envelopes := eventsourcing.StampBatch(id, next, m.now().UTC(), events)

	m.mu.Lock()
	for i := range envelopes {
		envelopes[i].Sequence = m.seq.Add(1)
	}
	m.events[id] = append(m.events[id], envelopes...)
	m.mu.Unlock()

	return eventsourcing.AppendResult{
		StreamID:  id,
		Committed: len(envelopes),
		Version:   next,
		Envelopes: append([]eventsourcing.Envelope(nil), envelopes...),
	}, nil
}

func (m *MemoryStore) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	if m.closed.Load() {
		return nil, eventsourcing.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	events := append([]eventsourcing.Envelope(nil), m.events[id]...)
	m.mu.RUnlock()

	if len(events) == 0 {
		return eventsourcing.NewEmptyStream(id), nil
	}

	eventsourcing.SortEnvelopes(events)

	var version uint64
	for _, env := range events {
		if env.Version > version {
			version = env.Version
		}
	}

	return &eventsourcing.Stream{
		ID:      id,
		Events:  events,
		Version: eventsourcing.Revision(version),
	}, nil
}

func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[uuid.UUID][]eventsourcing.Envelope)
	return nil
}
