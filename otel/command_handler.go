package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/eventsourcing-shop"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and
// metrics.
//
// Every command gets an internal span named after the command type. Metrics
// are keyed by command type only:
//   - CommandsInFlight while the command runs.
//   - CommandsDuration for every command.
//   - CommandsHandled or CommandsFailed by outcome.
//   - CommandConflicts when the command ends with ErrConcurrentStreamWrite.
//
// A conflict or a command for a missing aggregate is a rejection, not a
// system error: the span keeps an Ok status and carries an event instead.
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(eventsourcing.NewCommandHandler(repo, decide))
//	order, result, err := handler(ctx, cmd)
func WithCommandTelemetry[T eventsourcing.Aggregate, C eventsourcing.Command](next eventsourcing.CommandHandler[T, C], options ...Option) eventsourcing.CommandHandler[T, C] {
	var zero C
	commandType := fmt.Sprintf("%T", zero)
	cfg := newConfig(options)
	typeAttrs := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (T, eventsourcing.AppendResult, error) {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.attributes(ctx,
				AttrCommandType.String(commandType),
				AttrAggregateID.String(cmd.AggregateID().String()),
			)...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttrs)
		defer CommandsInFlight.Add(ctx, -1, typeAttrs)

		start := time.Now()
		agg, result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttrs)

		switch {
		case err == nil:
			span.SetAttributes(
				AttrStreamID.String(result.StreamID.String()),
				AttrStreamVersion.Int64(int64(result.Version)),
				AttrEventCount.Int(result.Committed),
			)
			span.SetStatus(codes.Ok, "")
			CommandsHandled.Add(ctx, 1, typeAttrs)
		case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
			CommandConflicts.Add(ctx, 1, typeAttrs)
			CommandsFailed.Add(ctx, 1, typeAttrs)
			span.SetAttributes(AttrConflict.Bool(true))
			span.AddEvent("concurrency_conflict", trace.WithAttributes(
				AttrAggregateID.String(cmd.AggregateID().String()),
			))
		case errors.Is(err, eventsourcing.ErrAggregateNotFound):
			CommandsFailed.Add(ctx, 1, typeAttrs)
			span.SetStatus(codes.Ok, fmt.Sprintf("command rejected: %v", err))
			span.AddEvent("aggregate_not_found")
		default:
			CommandsFailed.Add(ctx, 1, typeAttrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return agg, result, err
	}
}
