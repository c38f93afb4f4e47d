// Package storetest holds the behavioral suite every EventStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventsourcing-shop"
)

// Opened is the first event of every stream written by the suite.
type Opened struct {
	Owner string `json:"owner"`
}

func (Opened) EventType() string { return "Opened" }

// Noted is appended after Opened.
type Noted struct {
	Text string `json:"text"`
	N    int    `json:"n"`
}

func (Noted) EventType() string { return "Noted" }

// Registry returns a registry that decodes the suite's events.
func Registry() *eventsourcing.Registry {
	r := eventsourcing.NewRegistry()
	eventsourcing.MustRegister[Opened](r)
	eventsourcing.MustRegister[Noted](r)
	return r
}

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) eventsourcing.EventStore

// Run executes the suite against the stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store eventsourcing.EventStore)
	}{
		{"LoadMissingStream", testLoadMissingStream},
		{"AppendNewStream", testAppendNewStream},
		{"AppendNextBatch", testAppendNextBatch},
		{"VersionCountsBatches", testVersionCountsBatches},
		{"CreateTwiceConflicts", testCreateTwiceConflicts},
		{"StaleRevisionConflicts", testStaleRevisionConflicts},
		{"RevisionOnMissingStreamConflicts", testRevisionOnMissingStreamConflicts},
		{"InvalidBatch", testInvalidBatch},
		{"StreamsAreIsolated", testStreamsAreIsolated},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ConcurrentCreates", testConcurrentCreates},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func testLoadMissingStream(t *testing.T, store eventsourcing.EventStore) {
	id := uuid.New()

	stream, err := store.LoadStream(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, stream.ID)
	assert.Empty(t, stream.Events)
	assert.True(t, eventsourcing.IsNoStream(stream.Version), "version = %v", stream.Version)
}

func testAppendNewStream(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	result, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{
		Opened{Owner: "ada"},
		Noted{Text: "hello", N: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, id, result.StreamID)
	assert.Equal(t, 2, result.Committed)
	assert.Equal(t, eventsourcing.Revision(1), result.Version)
	require.Len(t, result.Envelopes, 2)
	for _, env := range result.Envelopes {
		assert.Equal(t, uint64(1), env.Version)
		assert.Equal(t, id, env.StreamID)
		assert.NotEqual(t, uuid.Nil, env.EventID)
	}
	assert.Less(t, result.Envelopes[0].Sequence, result.Envelopes[1].Sequence)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, eventsourcing.Revision(1), stream.Version)
	require.Len(t, stream.Events, 2)
	assert.Equal(t, Opened{Owner: "ada"}, stream.Events[0].Event)
	assert.Equal(t, Noted{Text: "hello", N: 1}, stream.Events[1].Event)
	for i, env := range stream.Events {
		assert.Equal(t, result.Envelopes[i].EventID, env.EventID)
		assert.True(t, result.Envelopes[i].OccurredAt.Equal(env.OccurredAt),
			"occurred at %v, committed %v", env.OccurredAt, result.Envelopes[i].OccurredAt)
	}
}

func testAppendNextBatch(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "ada"}})
	require.NoError(t, err)

	result, err := store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{
		Noted{Text: "a", N: 1},
		Noted{Text: "b", N: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.Revision(2), result.Version)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, eventsourcing.Revision(2), stream.Version)
	require.Len(t, stream.Events, 3)
	assert.Equal(t, Opened{Owner: "ada"}, stream.Events[0].Event)
	assert.Equal(t, Noted{Text: "a", N: 1}, stream.Events[1].Event)
	assert.Equal(t, Noted{Text: "b", N: 2}, stream.Events[2].Event)
	assert.Equal(t, uint64(2), stream.Events[1].Version)
	assert.Equal(t, uint64(2), stream.Events[2].Version)
}

func testVersionCountsBatches(t *testing.T, store eventsourcing.EventStore) {
	const batches = 5
	ctx := context.Background()
	id := uuid.New()

	var expected eventsourcing.StreamState = eventsourcing.NoStream{}
	for b := 1; b <= batches; b++ {
		events := []eventsourcing.Event{Noted{Text: "first", N: b}, Noted{Text: "second", N: b}}
		if b == 1 {
			events[0] = Opened{Owner: "ada"}
		}

		result, err := store.AppendToStream(ctx, id, expected, events)
		require.NoError(t, err, "batch %d", b)
		assert.Equal(t, eventsourcing.Revision(b), result.Version)
		require.Len(t, result.Envelopes, 2)
		for _, env := range result.Envelopes {
			assert.Equal(t, uint64(b), env.Version, "batch %d", b)
		}
		expected = result.Version
	}

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.Revision(batches), stream.Version)
	require.Len(t, stream.Events, 2*batches)
	for i, env := range stream.Events {
		assert.Equal(t, uint64(i/2+1), env.Version, "event %d", i)
	}
	assert.Equal(t, Opened{Owner: "ada"}, stream.Events[0].Event)
	assert.Equal(t, Noted{Text: "second", N: batches}, stream.Events[2*batches-1].Event)
}

func testCreateTwiceConflicts(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "ada"}})
	require.NoError(t, err)

	_, err = store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "bob"}})
	requireConflict(t, err)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	require.Len(t, stream.Events, 1)
	assert.Equal(t, Opened{Owner: "ada"}, stream.Events[0].Event)
	assert.Equal(t, eventsourcing.Revision(1), stream.Version)
}

func testStaleRevisionConflicts(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "ada"}})
	require.NoError(t, err)
	_, err = store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{Noted{Text: "first"}})
	require.NoError(t, err)

	_, err = store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{Noted{Text: "stale"}})
	requireConflict(t, err)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stream.Events, 2)
	assert.Equal(t, eventsourcing.Revision(2), stream.Version)
}

func testRevisionOnMissingStreamConflicts(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{Noted{Text: "orphan"}})
	requireConflict(t, err)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stream.Events)
}

func testInvalidBatch(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, nil)
	assert.ErrorIs(t, err, eventsourcing.ErrInvalidEventBatch)

	_, err = store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{nil})
	assert.ErrorIs(t, err, eventsourcing.ErrInvalidEventBatch)

	_, err = store.AppendToStream(ctx, uuid.Nil, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{}})
	assert.ErrorIs(t, err, eventsourcing.ErrInvalidStreamID)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.True(t, eventsourcing.IsNoStream(stream.Version))
}

func testStreamsAreIsolated(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := store.AppendToStream(ctx, a, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "a"}})
	require.NoError(t, err)
	_, err = store.AppendToStream(ctx, b, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "b"}})
	require.NoError(t, err)
	_, err = store.AppendToStream(ctx, a, eventsourcing.Revision(1), []eventsourcing.Event{Noted{Text: "a2"}})
	require.NoError(t, err)

	streamA, err := store.LoadStream(ctx, a)
	require.NoError(t, err)
	streamB, err := store.LoadStream(ctx, b)
	require.NoError(t, err)

	assert.Len(t, streamA.Events, 2)
	assert.Equal(t, eventsourcing.Revision(2), streamA.Version)
	require.Len(t, streamB.Events, 1)
	assert.Equal(t, Opened{Owner: "b"}, streamB.Events[0].Event)
	assert.Equal(t, eventsourcing.Revision(1), streamB.Version)
}

func testConcurrentAppends(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "ada"}})
	require.NoError(t, err)

	wins, conflicts := race(t, 8, func(i int) error {
		_, err := store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{
			Noted{Text: "racer", N: i},
			Noted{Text: "racer", N: i},
		})
		return err
	})
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.Revision(2), stream.Version)
	require.Len(t, stream.Events, 3)
	assert.Equal(t, stream.Events[1].Event, stream.Events[2].Event, "the winning batch is committed whole")
}

func testConcurrentCreates(t *testing.T, store eventsourcing.EventStore) {
	ctx := context.Background()
	id := uuid.New()

	wins, conflicts := race(t, 8, func(i int) error {
		_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{Opened{Owner: "racer"}})
		return err
	})
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stream.Events, 1)
	assert.Equal(t, eventsourcing.Revision(1), stream.Version)
}

func race(t *testing.T, n int, fn func(i int) error) (wins, conflicts int) {
	t.Helper()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		other []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := fn(i)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
				conflicts++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, other, "unexpected append errors")
	return wins, conflicts
}

func requireConflict(t *testing.T, err error) {
	t.Helper()
	var conflict *eventsourcing.ConcurrentStreamWriteError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, eventsourcing.ErrConcurrentStreamWrite)
}
