package otel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventsourcing-shop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ eventsourcing.EventStore = (*TelemetryStore)(nil)

// TelemetryStore wraps an EventStore with OpenTelemetry tracing and metrics.
//
// Every call gets a client span. A lost version race is not marked as a span
// error: it is recorded with the eventsourcing.conflict attribute and counted
// in ConcurrencyConflicts. Stream ids go on spans only, never on metrics.
type TelemetryStore struct {
	next eventsourcing.EventStore
	cfg  *config
}

// WithEventStoreTelemetry wraps next with spans and metrics.
//
// Example Usage:
//
//	store := otel.WithEventStoreTelemetry(sqlStore,
//	    otel.WithAttributes(attribute.String("service", "shop")),
//	)
func WithEventStoreTelemetry(next eventsourcing.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{
		next: next,
		cfg:  newConfig(options),
	}
}

// AppendToStream with metrics + span
func (t *TelemetryStore) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	ctx, span := tracer.Start(ctx, "EventStore.AppendToStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrStreamID.String(id.String()),
			AttrExpectedState.String(stateString(expected)),
			AttrEventCount.Int(len(events)),
		)...),
	)
	defer span.End()

	start := time.Now()
	result, err := t.next.AppendToStream(ctx, id, expected, events)
	duration := time.Since(start)

	opAttrs := metric.WithAttributes(AttrOperation.String("append"))
	EventStoreDuration.Record(ctx, float64(duration.Milliseconds()), opAttrs)
	EventStoreAppends.Add(ctx, 1)

	switch {
	case err == nil:
		EventsAppended.Add(ctx, int64(result.Committed))
		span.SetAttributes(AttrStreamVersion.Int64(int64(result.Version)))
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
		ConcurrencyConflicts.Add(ctx, 1, opAttrs)
		span.SetAttributes(AttrConflict.Bool(true))
		span.AddEvent("concurrency conflict", trace.WithAttributes(attribute.String("error", err.Error())))
	default:
		EventStoreErrors.Add(ctx, 1, opAttrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

// LoadStream with metrics + span
func (t *TelemetryStore) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	ctx, span := tracer.Start(ctx, "EventStore.LoadStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("load"),
			AttrStreamID.String(id.String()),
		)...),
	)
	defer span.End()

	start := time.Now()
	stream, err := t.next.LoadStream(ctx, id)
	duration := time.Since(start)

	opAttrs := metric.WithAttributes(AttrOperation.String("load"))
	EventStoreDuration.Record(ctx, float64(duration.Milliseconds()), opAttrs)
	EventStoreLoads.Add(ctx, 1)

	if err != nil {
		EventStoreErrors.Add(ctx, 1, opAttrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stream, err
	}

	EventsLoaded.Add(ctx, int64(len(stream.Events)))
	span.SetAttributes(
		AttrEventCount.Int(len(stream.Events)),
		AttrStreamVersion.String(stateString(stream.Version)),
	)
	span.SetStatus(codes.Ok, "")
	return stream, nil
}

// Close closes the underlying store.
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

func stateString(state eventsourcing.StreamState) string {
	if eventsourcing.IsNoStream(state) {
		return eventsourcing.NoStream{}.String()
	}
	return state.String()
}
