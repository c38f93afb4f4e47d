package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/eventstore/sqlstore"
	"github.com/terraskye/eventsourcing-shop/eventstore/storetest"
)

func openSQLite(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=busy_timeout(5000)"
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, dsn, storetest.Registry(), opts...)
	require.NoError(t, err)
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) eventsourcing.EventStore {
		return openSQLite(t)
	})
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	store := openSQLite(t)
	defer store.Close()

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
}

func TestSQLite_PersistsLayout(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 0, 0, 123456789, time.UTC)
	store := openSQLite(t, sqlstore.WithClock(func() time.Time { return at }))
	defer store.Close()

	ctx := context.Background()
	id := uuid.New()
	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{
		storetest.Opened{Owner: "ada"},
	})
	require.NoError(t, err)
	_, err = store.AppendToStream(ctx, id, eventsourcing.Revision(1), []eventsourcing.Event{
		storetest.Noted{Text: "hi", N: 2},
	})
	require.NoError(t, err)

	var version int64
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT version FROM aggregates WHERE id = ?`, id.String()).Scan(&version))
	assert.Equal(t, int64(2), version)

	rows, err := store.DB().QueryContext(ctx,
		`SELECT kind, payload, created_at, version FROM events WHERE aggregate_id = ? ORDER BY seq`, id.String())
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		kind, payload string
		createdAt     int64
		version       int64
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.kind, &r.payload, &r.createdAt, &r.version))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, []row{
		{"Opened", `{"owner":"ada"}`, at.UnixNano(), 1},
		{"Noted", `{"text":"hi","n":2}`, at.UnixNano(), 2},
	}, got)
}

func TestSQLite_UnknownKindAbortsLoad(t *testing.T) {
	store := openSQLite(t)
	defer store.Close()

	ctx := context.Background()
	id := uuid.New()
	_, err := store.AppendToStream(ctx, id, eventsourcing.NoStream{}, []eventsourcing.Event{storetest.Opened{Owner: "ada"}})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE events SET kind = 'Refunded' WHERE aggregate_id = ?`, id.String())
	require.NoError(t, err)

	_, err = store.LoadStream(ctx, id)
	assert.ErrorIs(t, err, eventsourcing.ErrUnknownEventKind)
}

func TestSQLite_ClosedStore(t *testing.T) {
	store := openSQLite(t)
	require.NoError(t, store.Close())

	_, err := store.LoadStream(context.Background(), uuid.New())
	var storeErr *eventsourcing.EventStoreError
	assert.ErrorAs(t, err, &storeErr)
}
