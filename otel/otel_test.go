package otel_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/fixtures"
	"github.com/terraskye/eventsourcing-shop/notify"
	notifymemory "github.com/terraskye/eventsourcing-shop/notify/memory"
	shopotel "github.com/terraskye/eventsourcing-shop/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	spans  = tracetest.NewSpanRecorder()
	reader = sdkmetric.NewManualReader()
)

func TestMain(m *testing.M) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	os.Exit(m.Run())
}

// spansFor returns the ended spans carrying the given stream id.
func spansFor(id uuid.UUID) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		for _, kv := range s.Attributes() {
			if kv.Key == shopotel.AttrStreamID && kv.Value.AsString() == id.String() {
				out = append(out, s)
			}
		}
	}
	return out
}

func attr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// counter sums every data point of the named int64 sum.
func counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTelemetryStore_Append(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	store := shopotel.WithEventStoreTelemetry(fixtures.NewStoreSpy(),
		shopotel.WithAttributes(attribute.String("service", "shop")))
	before := counter(t, "eventsourcing.events.appended")

	_, err := store.AppendToStream(ctx, id, es.NoStream{}, fixtures.NewTestEvent().BuildN(2))
	require.NoError(t, err)

	recorded := spansFor(id)
	require.Len(t, recorded, 1)
	span := recorded[0]
	assert.Equal(t, "EventStore.AppendToStream", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	expected, ok := attr(span, shopotel.AttrExpectedState)
	require.True(t, ok)
	assert.Equal(t, "none", expected.AsString())
	version, ok := attr(span, shopotel.AttrStreamVersion)
	require.True(t, ok)
	assert.Equal(t, int64(1), version.AsInt64())
	service, ok := attr(span, "service")
	require.True(t, ok)
	assert.Equal(t, "shop", service.AsString())

	assert.Equal(t, before+2, counter(t, "eventsourcing.events.appended"))
}

func TestTelemetryStore_ConflictIsNotAnError(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	store := shopotel.WithEventStoreTelemetry(fixtures.ConcurrencyConflictStore())
	conflicts := counter(t, "eventsourcing.concurrency.conflicts")
	failures := counter(t, "eventsourcing.eventstore.errors")

	_, err := store.AppendToStream(ctx, id, es.Revision(1), fixtures.NewTestEvent().BuildN(1))
	require.ErrorIs(t, err, es.ErrConcurrentStreamWrite)

	recorded := spansFor(id)
	require.Len(t, recorded, 1)
	assert.NotEqual(t, codes.Error, recorded[0].Status().Code)
	conflict, ok := attr(recorded[0], shopotel.AttrConflict)
	require.True(t, ok)
	assert.True(t, conflict.AsBool())

	assert.Equal(t, conflicts+1, counter(t, "eventsourcing.concurrency.conflicts"))
	assert.Equal(t, failures, counter(t, "eventsourcing.eventstore.errors"))
}

func TestTelemetryStore_LoadFailure(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	boom := errors.New("boom")
	store := shopotel.WithEventStoreTelemetry(fixtures.FailingStore(boom))
	failures := counter(t, "eventsourcing.eventstore.errors")

	_, err := store.LoadStream(ctx, id)
	require.ErrorIs(t, err, boom)

	recorded := spansFor(id)
	require.Len(t, recorded, 1)
	assert.Equal(t, "EventStore.LoadStream", recorded[0].Name())
	assert.Equal(t, codes.Error, recorded[0].Status().Code)
	assert.Equal(t, failures+1, counter(t, "eventsourcing.eventstore.errors"))
}

func TestTelemetryStore_Load(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	store := shopotel.WithEventStoreTelemetry(fixtures.StoreWithEvents(id, 3))
	loaded := counter(t, "eventsourcing.events.loaded")

	stream, err := store.LoadStream(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stream.Events, 3)

	recorded := spansFor(id)
	require.Len(t, recorded, 1)
	count, ok := attr(recorded[0], shopotel.AttrEventCount)
	require.True(t, ok)
	assert.Equal(t, int64(3), count.AsInt64())
	assert.Equal(t, loaded+3, counter(t, "eventsourcing.events.loaded"))
}

func TestTelemetryNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := shopotel.WithNotifierTelemetry(notifymemory.NewNotifier(4))
	defer n.Close()
	published := counter(t, "eventsourcing.notify.published")

	sub, err := n.Subscribe(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter(t, "eventsourcing.notify.subscriptions"))

	msg := notify.Message{Channel: "order-1", Version: 2, Text: "StatusChanged shipped"}
	require.NoError(t, n.Publish(ctx, msg))

	select {
	case got := <-sub:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, published+1, counter(t, "eventsourcing.notify.published"))

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-sub
		return !open
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return counter(t, "eventsourcing.notify.subscriptions") == 0
	}, time.Second, 10*time.Millisecond)
}

// metricAttributeKeys returns every attribute key found on the data points of
// the named metric.
func metricAttributeKeys(t *testing.T, name string) map[attribute.Key]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	keys := make(map[attribute.Key]bool)
	add := func(set attribute.Set) {
		for _, kv := range set.ToSlice() {
			keys[kv.Key] = true
		}
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					add(dp.Attributes)
				}
			}
		}
	}
	return keys
}

func spansNamed(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func TestTelemetryStore_MetricsCarryNoStreamID(t *testing.T) {
	ctx := context.Background()
	store := shopotel.WithEventStoreTelemetry(fixtures.ConcurrencyConflictStore())
	for i := 0; i < 3; i++ {
		_, err := store.AppendToStream(ctx, uuid.New(), es.Revision(1), fixtures.NewTestEvent().BuildN(1))
		require.ErrorIs(t, err, es.ErrConcurrentStreamWrite)
	}

	for _, name := range []string{
		"eventsourcing.concurrency.conflicts",
		"eventsourcing.eventstore.appends",
		"eventsourcing.eventstore.duration",
	} {
		assert.False(t, metricAttributeKeys(t, name)[shopotel.AttrStreamID], name)
	}
}

type deposit struct {
	es.AggregateBase
}

func (d *deposit) Apply(event es.Event) {}

type depositFunds struct {
	Account uuid.UUID
}

func (c depositFunds) AggregateID() uuid.UUID { return c.Account }

type balanceQuery struct {
	Account uuid.UUID
}

func (q balanceQuery) ID() []byte { return []byte(q.Account.String()) }

func depositHandler(err error) es.CommandHandler[*deposit, depositFunds] {
	return func(ctx context.Context, cmd depositFunds) (*deposit, es.AppendResult, error) {
		if err != nil {
			return nil, es.AppendResult{}, err
		}
		return &deposit{}, es.AppendResult{StreamID: cmd.Account, Committed: 1, Version: es.Revision(4)}, nil
	}
}

func TestCommandTelemetry_Success(t *testing.T) {
	ctx := context.Background()
	account := uuid.New()
	handled := counter(t, "eventsourcing.commands.handled")
	handler := shopotel.WithCommandTelemetry(depositHandler(nil))

	_, result, err := handler(ctx, depositFunds{Account: account})
	require.NoError(t, err)
	assert.Equal(t, es.Revision(4), result.Version)

	recorded := spansFor(account)
	require.Len(t, recorded, 1)
	span := recorded[0]
	assert.Equal(t, "command.handle otel_test.depositFunds", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)
	commandType, ok := attr(span, shopotel.AttrCommandType)
	require.True(t, ok)
	assert.Equal(t, "otel_test.depositFunds", commandType.AsString())
	version, ok := attr(span, shopotel.AttrStreamVersion)
	require.True(t, ok)
	assert.Equal(t, int64(4), version.AsInt64())

	assert.Equal(t, handled+1, counter(t, "eventsourcing.commands.handled"))
	assert.True(t, metricAttributeKeys(t, "eventsourcing.commands.handled")[shopotel.AttrCommandType])
}

func TestCommandTelemetry_ConflictKeyedByCommandType(t *testing.T) {
	ctx := context.Background()
	account := uuid.New()
	conflict := fmt.Errorf("handle command: %w", &es.ConcurrentStreamWriteError{Stream: account, Expected: es.Revision(1), Requested: 1})
	conflicts := counter(t, "eventsourcing.commands.conflicts")
	failed := counter(t, "eventsourcing.commands.failed")
	handler := shopotel.WithCommandTelemetry(depositHandler(conflict))

	_, _, err := handler(ctx, depositFunds{Account: account})
	require.ErrorIs(t, err, es.ErrConcurrentStreamWrite)

	recorded := spansNamed("command.handle otel_test.depositFunds")
	require.NotEmpty(t, recorded)
	span := recorded[len(recorded)-1]
	assert.NotEqual(t, codes.Error, span.Status().Code)
	hit, ok := attr(span, shopotel.AttrConflict)
	require.True(t, ok)
	assert.True(t, hit.AsBool())

	assert.Equal(t, conflicts+1, counter(t, "eventsourcing.commands.conflicts"))
	assert.Equal(t, failed+1, counter(t, "eventsourcing.commands.failed"))
	keys := metricAttributeKeys(t, "eventsourcing.commands.conflicts")
	assert.True(t, keys[shopotel.AttrCommandType])
	assert.False(t, keys[shopotel.AttrAggregateID])
	assert.False(t, keys[shopotel.AttrStreamID])
}

func TestCommandTelemetry_Failure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	failed := counter(t, "eventsourcing.commands.failed")
	handler := shopotel.WithCommandTelemetry(depositHandler(boom))

	_, _, err := handler(ctx, depositFunds{Account: uuid.New()})
	require.ErrorIs(t, err, boom)

	recorded := spansNamed("command.handle otel_test.depositFunds")
	require.NotEmpty(t, recorded)
	assert.Equal(t, codes.Error, recorded[len(recorded)-1].Status().Code)
	assert.Equal(t, failed+1, counter(t, "eventsourcing.commands.failed"))
}

func TestQueryTelemetry(t *testing.T) {
	ctx := context.Background()
	account := uuid.New()
	boom := errors.New("boom")
	handled := counter(t, "eventsourcing.queries.handled")
	failed := counter(t, "eventsourcing.queries.failed")
	handler := shopotel.WithQueryTelemetry(es.NewQueryHandlerFunc(func(ctx context.Context, q balanceQuery) (int, error) {
		if q.Account == account {
			return 10, nil
		}
		return 0, boom
	}))

	balance, err := handler.HandleQuery(ctx, balanceQuery{Account: account})
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	_, err = handler.HandleQuery(ctx, balanceQuery{Account: uuid.New()})
	require.ErrorIs(t, err, boom)

	recorded := spansNamed("query.handle otel_test.balanceQuery")
	require.GreaterOrEqual(t, len(recorded), 2)
	ok := recorded[len(recorded)-2]
	assert.Equal(t, codes.Ok, ok.Status().Code)
	id, found := attr(ok, shopotel.AttrQueryID)
	require.True(t, found)
	assert.Equal(t, account.String(), id.AsString())
	assert.Equal(t, codes.Error, recorded[len(recorded)-1].Status().Code)

	assert.Equal(t, handled+1, counter(t, "eventsourcing.queries.handled"))
	assert.Equal(t, failed+1, counter(t, "eventsourcing.queries.failed"))
}
