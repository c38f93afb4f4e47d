// Package sqlstore implements the EventStore on a relational database.
//
// One row per identity in the aggregates table holds its committed batch
// count; the events table holds one row per event. An append claims the
// aggregates row with a conditional INSERT or UPDATE and inserts the batch in
// the same transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventsourcing-shop"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	claimNewQuery  = `INSERT INTO aggregates (id, version) VALUES (?, 1) ON CONFLICT (id) DO NOTHING`
	claimNextQuery = `UPDATE aggregates SET version = ? WHERE id = ? AND version = ?`
	insertQuery    = `INSERT INTO events (event_id, aggregate_id, kind, payload, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`
	loadQuery = `SELECT e.event_id, e.kind, e.payload, e.created_at, e.version, e.seq, a.version
		FROM events e JOIN aggregates a ON a.id = e.aggregate_id
		WHERE e.aggregate_id = ?
		ORDER BY e.version, e.seq`
)

// Store is a database/sql backed EventStore.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	registry *eventsourcing.Registry
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an open database. registry decodes persisted events on load.
func New(db *sql.DB, dialect Dialect, registry *eventsourcing.Registry, opts ...Option) *Store {
	s := &Store{
		db:       db,
		dialect:  dialect,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database behind dsn with the dialect's driver and creates
// the schema if needed.
func Open(ctx context.Context, dialect Dialect, dsn string, registry *eventsourcing.Registry, opts ...Option) (*Store, error) {
	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	s := New(db, dialect, registry, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	if err := eventsourcing.ValidateBatch(id, expected, events); err != nil {
		return eventsourcing.AppendResult{}, err
	}

	next := eventsourcing.NextRevision(expected)
	envelopes := eventsourcing.StampBatch(id, next, s.now().UTC(), events)

	payloads := make([][]byte, len(envelopes))
	for i, env := range envelopes {
		payload, err := eventsourcing.Encode(env.Event)
		if err != nil {
			return eventsourcing.AppendResult{}, err
		}
		payloads[i] = payload
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(err)
	}
	defer func() { _ = tx.Rollback() }()

	conflict := &eventsourcing.ConcurrentStreamWriteError{
		Stream:    id,
		Expected:  expected,
		Requested: len(events),
	}

	var claim sql.Result
	switch rev := expected.(type) {
	case eventsourcing.NoStream:
		claim, err = tx.ExecContext(ctx, s.dialect.rebind(claimNewQuery), id.String())
	case eventsourcing.Revision:
		claim, err = tx.ExecContext(ctx, s.dialect.rebind(claimNextQuery), int64(next), id.String(), int64(rev))
	default:
		return eventsourcing.AppendResult{}, eventsourcing.ErrInvalidRevision
	}
	if err != nil {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(fmt.Errorf("claim version: %w", err))
	}
	claimed, err := claim.RowsAffected()
	if err != nil {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(err)
	}
	if claimed != 1 {
		return eventsourcing.AppendResult{}, conflict
	}

	insert := s.dialect.rebind(insertQuery)
	inserted := 0
	for i := range envelopes {
		env := &envelopes[i]
		var seq int64
		err := tx.QueryRowContext(ctx, insert,
			env.EventID.String(),
			id.String(),
			env.Event.EventType(),
			string(payloads[i]),
			env.OccurredAt.UnixNano(),
			int64(env.Version),
		).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(fmt.Errorf("insert event: %w", err))
		}
		env.Sequence = uint64(seq)
		inserted++
	}
	if inserted != len(envelopes) {
		conflict.Committed = inserted
		return eventsourcing.AppendResult{}, conflict
	}

	if err := tx.Commit(); err != nil {
		return eventsourcing.AppendResult{}, eventsourcing.WrapEventStoreError(fmt.Errorf("commit: %w", err))
	}

	return eventsourcing.AppendResult{
		StreamID:  id,
		Committed: inserted,
		Version:   next,
		Envelopes: envelopes,
	}, nil
}

func (s *Store) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(loadQuery), id.String())
	if err != nil {
		return nil, eventsourcing.WrapEventStoreError(err)
	}
	defer func() { _ = rows.Close() }()

	var (
		events  []eventsourcing.Envelope
		current int64
	)
	for rows.Next() {
		var (
			eventID   string
			kind      string
			payload   string
			createdAt int64
			version   int64
			seq       int64
		)
		if err := rows.Scan(&eventID, &kind, &payload, &createdAt, &version, &seq, &current); err != nil {
			return nil, eventsourcing.WrapEventStoreError(err)
		}

		ev, err := s.registry.Decode(kind, []byte(payload))
		if err != nil {
			return nil, eventsourcing.WrapEventStoreError(err)
		}
		evID, err := uuid.Parse(eventID)
		if err != nil {
			return nil, eventsourcing.WrapEventStoreError(fmt.Errorf("event id %q: %w", eventID, err))
		}

		events = append(events, eventsourcing.Envelope{
			EventID:    evID,
			StreamID:   id,
			Event:      ev,
			Version:    uint64(version),
			Sequence:   uint64(seq),
			OccurredAt: time.Unix(0, createdAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.WrapEventStoreError(err)
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

func (s *Store) Close() error {
	return s.db.Close()
}
