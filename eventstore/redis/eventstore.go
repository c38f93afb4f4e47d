// Package redis implements the EventStore on Redis.
//
// Each identity owns a version key holding its committed batch count and a
// sorted set of event documents scored by a store-wide sequence. Appends run
// as a single Lua script so the version check, the version bump and the
// batch insert are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terraskye/eventsourcing-shop"
)

// appendScript performs the optimistic append.
// KEYS[1] = version key
// KEYS[2] = events key
// KEYS[3] = sequence key
// ARGV[1] = expected version, "" when the stream must not exist
// ARGV[2] = version to commit
// ARGV[3..n] = event documents
//
// Returns {inserted, first sequence}. A lost version check returns {0, 0};
// a short insert is undone and returns {inserted, 0}.
var appendScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
    if current then
        return {0, 0}
    end
elseif current ~= ARGV[1] then
    return {0, 0}
end

redis.call("SET", KEYS[1], ARGV[2])

local requested = #ARGV - 2
local inserted = 0
local first = 0
local added = {}
for i = 3, #ARGV do
    local seq = redis.call("INCR", KEYS[3])
    if first == 0 then
        first = seq
    end
    if redis.call("ZADD", KEYS[2], "NX", seq, ARGV[i]) == 1 then
        inserted = inserted + 1
        added[#added + 1] = ARGV[i]
    end
end

if inserted ~= requested then
    for _, member in ipairs(added) do
        redis.call("ZREM", KEYS[2], member)
    end
    if current then
        redis.call("SET", KEYS[1], current)
    else
        redis.call("DEL", KEYS[1])
    end
    return {inserted, 0}
end

return {inserted, first}
`)

type document struct {
	EventID   uuid.UUID       `json:"event_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
	Version   uint64          `json:"version"`
}

// Store is a Redis backed EventStore.
type Store struct {
	client   redis.UniversalClient
	registry *eventsourcing.Registry
	prefix   string
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key the store writes. The default is "shop".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock overrides the clock used to stamp OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store on client. registry decodes persisted events on load.
func New(client redis.UniversalClient, registry *eventsourcing.Registry, opts ...Option) *Store {
	s := &Store{
		client:   client,
		registry: registry,
		prefix:   "shop",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) versionKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:aggregate:%s", s.prefix, id)
}

func (s *Store) eventsKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, id)
}

func (s *Store) seqKey() string {
	return s.prefix + ":seq"
}

func (s *Store) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	if err := eventsourcing.ValidateBatch(id, expected, events); err != nil {
		return eventsourcing.AppendResult{}, err
	}

	var expectedArg string
	switch rev := expected.(type) {
	case eventsourcing.NoStream:
	case eventsourcing.Revision:
		expectedArg = strconv.FormatUint(uint64(rev), 10)
	default:
		return eventsourcing.AppendResult{}, eventsourcing.ErrInvalidRevision
	}

	next := eventsourcing.NextRevision(expected)
	envelopes := eventsourcing.StampBatch(id, next, s.now().UTC(), events)

	args := make([]any, 0, len(envelopes)+2)
	args = append(args, expectedArg, uint64(next))
	for _, env := range envelopes {
		payload, err := eventsourcing.Encode(env.Event)
		if err != nil {
			return eventsourcing.AppendResult{}, err
		}
		doc, err := json.Marshal(document{
			EventID:   env.EventID,
			Kind:      env.Event.EventType(),
			Payload:   payload,
			CreatedAt: env.OccurredAt.UnixNano(),
			Version:   env.Version,
		})
		if err != nil {
			return eventsourcing.AppendResult{}, fmt.Errorf("encode document: %w", err)
		}
		args = append(args, string(doc))
	}

	keys := []string{s.versionKey(id), s.eventsKey(id), s.seqKey()}
	res, err := appendScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(fmt.Errorf("append script: %w", err))
	}
	if len(res) != 2 {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(fmt.Errorf("append script: unexpected reply %v", res))
	}

	inserted, first := int(res[0]), res[1]
	if inserted != len(envelopes) || first == 0 {
		return eventsourcing.AppendResult{}, &eventsourcing.ConcurrentStreamWriteError{
			Stream:    id,
			Expected:  expected,
			Requested: len(envelopes),
			Committed: inserted,
		}
	}

	for i := range envelopes {
		envelopes[i].Sequence = uint64(first) + uint64(i)
	}

	return eventsourcing.AppendResult{
		StreamID:  id,
		Committed: inserted,
		Version:   next,
		Envelopes: envelopes,
	}, nil
}

func (s *Store) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	var (
		versionCmd *redis.StringCmd
		eventsCmd  *redis.ZSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		versionCmd = pipe.Get(ctx, s.versionKey(id))
		eventsCmd = pipe.ZRangeWithScores(ctx, s.eventsKey(id), 0, -1)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, eventsourcing.WrapEventStoreError(err)
	}

	members, err := eventsCmd.Result()
	if err != nil {
		return nil, eventsourcing.WrapEventStoreError(err)
	}
	if len(members) == 0 {
		return eventsourcing.NewEmptyStream(id), nil
	}

	current, err := versionCmd.Uint64()
	if err != nil {
		return nil, eventsourcing.WrapEventStoreError(fmt.Errorf("read version: %w", err))
	}

	events := make([]eventsourcing.Envelope, 0, len(members))
	for _, z := range members {
		raw, ok := z.Member.(string)
		if !ok {
			return nil, eventsourcing.WrapEventStoreError(fmt.Errorf("unexpected member %T", z.Member))
		}
		var doc document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, eventsourcing.WrapEventStoreError(fmt.Errorf("decode document: %w", err))
		}
		ev, err := s.registry.Decode(doc.Kind, doc.Payload)
		if err != nil {
			return nil, eventsourcing.WrapEventStoreError(err)
		}
		events = append(events, eventsourcing.Envelope{
			EventID:    doc.EventID,
			StreamID:   id,
			Event:      ev,
			Version:    doc.Version,
			Sequence:   uint64(z.Score),
			OccurredAt: time.Unix(0, doc.CreatedAt).UTC(),
		})
	}

	eventsourcing.SortEnvelopes(events)
	return &eventsourcing.Stream{
		ID:      id,
		Events:  events,
		Version: eventsourcing.Revision(current),
	}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
