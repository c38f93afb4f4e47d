package otel

import (
	"context"

	"github.com/terraskye/eventsourcing-shop/notify"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ notify.Notifier = (*TelemetryNotifier)(nil)

// TelemetryNotifier wraps a notify.Notifier with OpenTelemetry tracing and
// metrics. Publish gets a producer span; Subscribe tracks the number of open
// subscriptions.
type TelemetryNotifier struct {
	next notify.Notifier
	cfg  *config
}

// WithNotifierTelemetry wraps next with spans and metrics.
func WithNotifierTelemetry(next notify.Notifier, options ...Option) *TelemetryNotifier {
	return &TelemetryNotifier{
		next: next,
		cfg:  newConfig(options),
	}
}

func (t *TelemetryNotifier) Publish(ctx context.Context, msg notify.Message) error {
	ctx, span := tracer.Start(ctx, "notify.publish "+msg.Channel,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrChannel.String(msg.Channel),
			AttrMessageVersion.Int64(int64(msg.Version)),
		)...),
	)
	defer span.End()

	if err := t.next.Publish(ctx, msg); err != nil {
		NotificationErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("publish")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	NotificationsPublished.Add(ctx, 1)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryNotifier) Subscribe(ctx context.Context, channel string) (<-chan notify.Message, error) {
	spanCtx, span := tracer.Start(ctx, "notify.subscribe "+channel,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrChannel.String(channel))...),
	)
	defer span.End()

	in, err := t.next.Subscribe(spanCtx, channel)
	if err != nil {
		NotificationErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("subscribe")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	Subscriptions.Add(ctx, 1)
	out := make(chan notify.Message, cap(in))
	go func() {
		defer close(out)
		defer Subscriptions.Add(context.Background(), -1)
		for msg := range in {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the underlying notifier.
func (t *TelemetryNotifier) Close() error {
	return t.next.Close()
}
