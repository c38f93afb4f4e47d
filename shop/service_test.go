package shop_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/eventstore/memory"
	"github.com/terraskye/eventsourcing-shop/fixtures"
	"github.com/terraskye/eventsourcing-shop/notify"
	notifymemory "github.com/terraskye/eventsourcing-shop/notify/memory"
	"github.com/terraskye/eventsourcing-shop/shop"
)

func quietLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return logrus.NewEntry(logger), hook
}

func newService(t *testing.T, store es.EventStore, opts ...shop.Option) (*shop.Service, notify.Notifier) {
	t.Helper()
	n := notifymemory.NewNotifier(16)
	t.Cleanup(func() { _ = n.Close() })

	log, _ := quietLogger()
	opts = append([]shop.Option{shop.WithLogger(log)}, opts...)
	return shop.NewService(store, n, opts...), n
}

func next(t *testing.T, ch <-chan notify.Message) notify.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return notify.Message{}
	}
}

func TestService_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	svc, n := newService(t, store)

	order, err := svc.CreateOrder(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, es.Revision(1), order.AggregateVersion())
	assert.Equal(t, shop.StatusNew, order.Status)

	room, err := n.Subscribe(ctx, order.AggregateID().String())
	require.NoError(t, err)

	order, err = svc.ChangeOrderStatus(ctx, order.AggregateID(), "shipped")
	require.NoError(t, err)
	assert.Equal(t, es.Revision(2), order.AggregateVersion())
	assert.Equal(t, "shipped", order.Status)

	msg := next(t, room)
	assert.Equal(t, "StatusChanged shipped", msg.Text)
	assert.Equal(t, uint64(2), msg.Version)

	view, err := svc.Order(ctx, order.AggregateID())
	require.NoError(t, err)
	assert.Equal(t, "shipped", view.Status)
	assert.Equal(t, 42, view.UserID)
	assert.Equal(t, es.Revision(2), view.Version)
	require.Len(t, view.History, 2)
	assert.True(t, strings.HasPrefix(view.History[0], "Created "), view.History[0])
	assert.True(t, strings.HasPrefix(view.History[1], "StatusChanged shipped "), view.History[1])
}

func TestService_StaleSaveConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	svc, _ := newService(t, store)
	repo := shop.NewOrderRepository(store)

	created, err := svc.CreateOrder(ctx, 42)
	require.NoError(t, err)

	stale, err := repo.Get(ctx, created.AggregateID())
	require.NoError(t, err)
	require.Equal(t, es.Revision(1), stale.AggregateVersion())

	_, err = svc.ChangeOrderStatus(ctx, created.AggregateID(), "shipped")
	require.NoError(t, err)

	stale.ChangeStatus("cancelled")
	_, err = repo.Save(ctx, stale)

	var conflict *es.ConcurrentStreamWriteError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, es.Revision(1), conflict.Expected)

	view, err := svc.Order(ctx, created.AggregateID())
	require.NoError(t, err)
	assert.Equal(t, "shipped", view.Status)
}

func TestService_CreatePublishesCreated(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStoreSpy()
	n := &recordingNotifier{}
	log, _ := quietLogger()
	svc := shop.NewService(store, n, shop.WithLogger(log))

	order, err := svc.CreateOrder(ctx, 7)
	require.NoError(t, err)

	require.Len(t, n.published, 1)
	assert.Equal(t, notify.Message{
		Channel: order.AggregateID().String(),
		Version: 1,
		Text:    "Created",
	}, n.published[0])
	assert.True(t, es.IsNoStream(store.LastAppendExpected))
}

func TestService_InvalidCommands(t *testing.T) {
	store := fixtures.NewStoreSpy()
	svc, _ := newService(t, store)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, 0)
	assert.ErrorIs(t, err, shop.ErrInvalidCommand)

	_, err = svc.ChangeOrderStatus(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, shop.ErrInvalidCommand)

	assert.Zero(t, store.AppendToStreamCalls)
	assert.Zero(t, store.LoadStreamCalls)
}

func TestService_UnknownOrder(t *testing.T) {
	store := fixtures.NewStoreSpy()
	svc, _ := newService(t, store)
	ctx := context.Background()

	_, err := svc.ChangeOrderStatus(ctx, uuid.New(), "shipped")
	assert.ErrorIs(t, err, shop.ErrOrderNotFound)
	assert.ErrorIs(t, err, es.ErrAggregateNotFound)
	assert.Zero(t, store.AppendToStreamCalls)

	_, err = svc.Order(ctx, uuid.New())
	assert.ErrorIs(t, err, shop.ErrOrderNotFound)
}

func TestService_StoreFailureIsNotRetried(t *testing.T) {
	boom := errors.New("boom")
	id := uuid.New()
	store := fixtures.NewStoreSpy().WithEvents(id, shop.OrderCreated{UserID: 1}).FailOnAppend(boom)
	svc, _ := newService(t, store, shop.WithConflictRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}))

	_, err := svc.ChangeOrderStatus(context.Background(), id, "shipped")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.AppendToStreamCalls)
}

func TestService_ConflictWithoutRetry(t *testing.T) {
	id := uuid.New()
	store := fixtures.ConcurrencyConflictStore().WithEvents(id, shop.OrderCreated{UserID: 1})
	svc, _ := newService(t, store)

	_, err := svc.ChangeOrderStatus(context.Background(), id, "shipped")
	assert.ErrorIs(t, err, es.ErrConcurrentStreamWrite)
	assert.Equal(t, 1, store.AppendToStreamCalls)
}

func TestService_ConflictRetryReloads(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	seed, _ := newService(t, store)
	created, err := seed.CreateOrder(ctx, 5)
	require.NoError(t, err)
	id := created.AggregateID()

	// The first append loses against a concurrent writer.
	spy := fixtures.NewStoreSpy()
	spy.LoadStreamFn = store.LoadStream
	var once sync.Once
	spy.AppendToStreamFn = func(ctx context.Context, id uuid.UUID, expected es.StreamState, events []es.Event) (es.AppendResult, error) {
		once.Do(func() {
			_, err := store.AppendToStream(ctx, id, expected, []es.Event{shop.OrderStatusChanged{NewStatus: "paid"}})
			require.NoError(t, err)
		})
		return store.AppendToStream(ctx, id, expected, events)
	}

	svc, _ := newService(t, spy, shop.WithConflictRetry(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))

	order, err := svc.ChangeOrderStatus(ctx, id, "shipped")
	require.NoError(t, err)
	assert.Equal(t, es.Revision(3), order.AggregateVersion())
	assert.Equal(t, 2, spy.AppendToStreamCalls)
	assert.Equal(t, 2, spy.LoadStreamCalls)

	view, err := svc.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "shipped", view.Status)
	assert.Len(t, view.History, 3)
}

func TestService_PublishFailureIsLogged(t *testing.T) {
	log, hook := quietLogger()
	n := &recordingNotifier{err: errors.New("broker down")}
	store := memory.NewMemoryStore()
	svc := shop.NewService(store, n, shop.WithLogger(log))

	order, err := svc.CreateOrder(context.Background(), 42)
	require.NoError(t, err, "a failed publication must not fail the command")

	stream, err := store.LoadStream(context.Background(), order.AggregateID())
	require.NoError(t, err)
	assert.Len(t, stream.Events, 1)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "publish notification failed" {
			logged = true
		}
	}
	assert.True(t, logged, "publication failure should be logged")
}

func TestService_SubscribeReplaysThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, _ := newService(t, memory.NewMemoryStore())
	order, err := svc.CreateOrder(ctx, 42)
	require.NoError(t, err)
	_, err = svc.ChangeOrderStatus(ctx, order.AggregateID(), "paid")
	require.NoError(t, err)

	updates, err := svc.Subscribe(ctx, order.AggregateID())
	require.NoError(t, err)

	assert.Equal(t, "Created", next(t, updates).Text)
	assert.Equal(t, "StatusChanged paid", next(t, updates).Text)

	_, err = svc.ChangeOrderStatus(ctx, order.AggregateID(), "shipped")
	require.NoError(t, err)

	live := next(t, updates)
	assert.Equal(t, "StatusChanged shipped", live.Text)
	assert.Equal(t, uint64(3), live.Version)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "subscription not closed after cancel")
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []notify.Message
	err       error
}

func (r *recordingNotifier) Publish(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, msg)
	return nil
}

func (r *recordingNotifier) Subscribe(ctx context.Context, channel string) (<-chan notify.Message, error) {
	return nil, errors.New("not supported")
}

func (r *recordingNotifier) Close() error { return nil }

func TestService_LogsCommandDispatchAndQueryFailures(t *testing.T) {
	ctx := context.Background()
	log, hook := quietLogger()
	n := notifymemory.NewNotifier(16)
	t.Cleanup(func() { _ = n.Close() })
	svc := shop.NewService(memory.NewMemoryStore(), n, shop.WithLogger(log))

	order, err := svc.CreateOrder(ctx, 42)
	require.NoError(t, err)
	_, err = svc.ChangeOrderStatus(ctx, order.AggregateID(), "shipped")
	require.NoError(t, err)
	_, err = svc.Order(ctx, uuid.New())
	require.ErrorIs(t, err, shop.ErrOrderNotFound)

	var dispatched, queryFailed bool
	for _, entry := range hook.AllEntries() {
		switch entry.Message {
		case "dispatch command":
			dispatched = entry.Data["command"] == "shop.ChangeStatusCommand" &&
				entry.Data["aggregate-id"] == order.AggregateID()
		case "query failed":
			queryFailed = entry.Level == logrus.ErrorLevel && entry.Data["query"] == "shop.OrderQuery"
		}
	}
	assert.True(t, dispatched, "status change should be logged as a command dispatch")
	assert.True(t, queryFailed, "query for a missing order should be logged")
}
