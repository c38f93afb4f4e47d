// Package kurrentdb implements the EventStore on KurrentDB.
//
// Every append is written as a single "Commit" record holding the whole
// batch, so a KurrentDB stream revision always equals the number of
// committed batches minus one and the database's expected revision check is
// the compare-and-swap of the append protocol.
package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/eventsourcing-shop"
)

// CommitEventType is the KurrentDB event type of a committed batch.
const CommitEventType = "Commit"

type commitEvent struct {
	EventID   uuid.UUID       `json:"event_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

type commit struct {
	Version uint64        `json:"version"`
	Events  []commitEvent `json:"events"`
}

type eventstore struct {
	client   *kurrentdb.Client
	registry *eventsourcing.Registry
	prefix   string
	now      func() time.Time
}

// Option configures the store.
type Option func(*eventstore)

// WithStreamPrefix sets the category prefix of stream names. The default is
// "shop", giving streams named "shop-<id>".
func WithStreamPrefix(prefix string) Option {
	return func(e *eventstore) {
		e.prefix = prefix
	}
}

// WithClock overrides the clock used to stamp OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(e *eventstore) {
		e.now = now
	}
}

// NewEventStore creates a KurrentDB-backed eventstore
func NewEventStore(db *kurrentdb.Client, registry *eventsourcing.Registry, opts ...Option) eventsourcing.EventStore {
	e := &eventstore{
		client:   db,
		registry: registry,
		prefix:   "shop",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dial connects to the KurrentDB behind a connection string such as
// "kurrentdb://localhost:2113?tls=false".
func Dial(connection string, registry *eventsourcing.Registry, opts ...Option) (eventsourcing.EventStore, error) {
	cfg, err := kurrentdb.ParseConnectionString(connection)
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kurrentdb client: %w", err)
	}
	return NewEventStore(client, registry, opts...), nil
}

func (e *eventstore) streamName(id uuid.UUID) string {
	return e.prefix + "-" + id.String()
}

func (e *eventstore) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	if err := eventsourcing.ValidateBatch(id, expected, events); err != nil {
		return eventsourcing.AppendResult{}, err
	}

	conflict := &eventsourcing.ConcurrentStreamWriteError{
		Stream:    id,
		Expected:  expected,
		Requested: len(events),
	}

	var state kurrentdb.StreamState
	switch rev := expected.(type) {
	case eventsourcing.NoStream:
		state = kurrentdb.NoStream{}
	case eventsourcing.Revision:
		if rev == 0 {
			return eventsourcing.AppendResult{}, conflict
		}
		state = kurrentdb.StreamRevision{Value: uint64(rev) - 1}
	default:
		return eventsourcing.AppendResult{}, eventsourcing.ErrInvalidRevision
	}

	next := eventsourcing.NextRevision(expected)
	envelopes := eventsourcing.StampBatch(id, next, e.now().UTC(), events)

	c := commit{Version: uint64(next), Events: make([]commitEvent, len(envelopes))}
	for i, env := range envelopes {
		payload, err := eventsourcing.Encode(env.Event)
		if err != nil {
			return eventsourcing.AppendResult{}, err
		}
		c.Events[i] = commitEvent{
			EventID:   env.EventID,
			Kind:      env.Event.EventType(),
			Payload:   payload,
			CreatedAt: env.OccurredAt.UnixNano(),
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return eventsourcing.AppendResult{}, fmt.Errorf("encode commit: %w", err)
	}

	result, err := e.client.AppendToStream(ctx, e.streamName(id), kurrentdb.AppendToStreamOptions{
		StreamState: state,
	}, kurrentdb.EventData{
		EventID:     uuid.New(),
		EventType:   CommitEventType,
		ContentType: kurrentdb.ContentTypeJson,
		Data:        data,
	})
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			return eventsourcing.AppendResult{}, conflict
		}
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(err)
	}

	// Log positions are byte offsets, so position+i stays unique across the
	// whole store for the events of one commit record.
	for i := range envelopes {
		envelopes[i].Sequence = result.CommitPosition + uint64(i)
	}

	return eventsourcing.AppendResult{
		StreamID:  id,
		Committed: len(envelopes),
		Version:   next,
		Envelopes: envelopes,
	}, nil
}

func (e *eventstore) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	streamer, err := e.client.ReadStream(ctx, e.streamName(id), kurrentdb.ReadStreamOptions{
		Direction:      kurrentdb.Forwards,
		From:           kurrentdb.Start{},
		ResolveLinkTos: true,
	}, ^uint64(0))
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return eventsourcing.NewEmptyStream(id), nil
		}
		return nil, eventsourcing.WrapEventStoreError(err)
	}
	defer streamer.Close()

	var (
		events  []eventsourcing.Envelope
		current uint64
	)
	for {
		resolved, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return eventsourcing.NewEmptyStream(id), nil
			}
			return nil, eventsourcing.WrapEventStoreError(err)
		}

		record := resolved.Event
		if record == nil || record.EventType != CommitEventType {
			continue
		}

		var c commit
		if err := json.Unmarshal(record.Data, &c); err != nil {
			return nil, eventsourcing.WrapEventStoreError(fmt.Errorf("cannot unmarshal commit %q: %w", record.EventID, err))
		}
		for i, ce := range c.Events {
			ev, err := e.registry.Decode(ce.Kind, ce.Payload)
			if err != nil {
				return nil, eventsourcing.WrapEventStoreError(err)
			}
			events = append(events, eventsourcing.Envelope{
				EventID:    ce.EventID,
				StreamID:   id,
				Event:      ev,
				Version:    c.Version,
				Sequence:   record.Position.Commit + uint64(i),
				OccurredAt: time.Unix(0, ce.CreatedAt).UTC(),
			})
		}
		if c.Version > current {
			current = c.Version
		}
	}

	if len(events) == 0 {
		return eventsourcing.NewEmptyStream(id), nil
	}

	eventsourcing.SortEnvelopes(events)
	return &eventsourcing.Stream{
		ID:      id,
		Events:  events,
		Version: eventsourcing.Revision(current),
	}, nil
}

func (e *eventstore) Close() error {
	return e.client.Close()
}

func hasCode(err error, code kurrentdb.ErrorCode) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}
