package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/terraskye/eventsourcing-shop"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithQueryTelemetry wraps a QueryHandler with an internal span per query and
// the Queries* metrics, keyed by query type.
//
// Example Usage:
//
//	handler := otel.WithQueryTelemetry(eventsourcing.NewQueryHandlerFunc(loadOrder))
//	view, err := handler.HandleQuery(ctx, qry)
func WithQueryTelemetry[T eventsourcing.Query, R any](next eventsourcing.QueryHandler[T, R], options ...Option) eventsourcing.QueryHandler[T, R] {
	var zero T
	queryType := fmt.Sprintf("%T", zero)

	return &telemetryQueryHandler[T, R]{
		next:      next,
		queryType: queryType,
		cfg:       newConfig(options),
	}
}

type telemetryQueryHandler[T eventsourcing.Query, R any] struct {
	next      eventsourcing.QueryHandler[T, R]
	queryType string
	cfg       *config
}

func (h *telemetryQueryHandler[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("query.handle %s", h.queryType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(h.cfg.attributes(ctx,
			AttrQueryType.String(h.queryType),
			AttrQueryID.String(string(qry.ID())),
		)...),
	)
	defer span.End()

	typeAttrs := metric.WithAttributes(AttrQueryType.String(h.queryType))
	QueriesInFlight.Add(ctx, 1, typeAttrs)
	defer QueriesInFlight.Add(ctx, -1, typeAttrs)

	start := time.Now()
	result, err := h.next.HandleQuery(ctx, qry)
	QueriesDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttrs)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		QueriesFailed.Add(ctx, 1, typeAttrs)
		return result, err
	}

	span.SetStatus(codes.Ok, "")
	QueriesHandled.Add(ctx, 1, typeAttrs)
	return result, nil
}
