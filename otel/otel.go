package otel

import (
	"github.com/terraskye/eventsourcing-shop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/eventsourcing-shop"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Stream attributes
	AttrStreamID       = attribute.Key("eventsourcing.stream.id")
	AttrStreamVersion  = attribute.Key("eventsourcing.stream.version")
	AttrExpectedState  = attribute.Key("eventsourcing.stream.expected")
	AttrEventCount     = attribute.Key("eventsourcing.events.count")
	AttrEventType      = attribute.Key("eventsourcing.event.type")
	AttrChannel        = attribute.Key("eventsourcing.notify.channel")
	AttrMessageVersion = attribute.Key("eventsourcing.notify.version")

	// Command and query attributes
	AttrCommandType = attribute.Key("eventsourcing.command.type")
	AttrAggregateID = attribute.Key("eventsourcing.aggregate.id")
	AttrQueryType   = attribute.Key("eventsourcing.query.type")
	AttrQueryID     = attribute.Key("eventsourcing.query.id")

	// Operation attributes
	AttrOperation = attribute.Key("eventsourcing.operation")
	AttrConflict  = attribute.Key("eventsourcing.conflict")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventsourcing.InstrumentationVersion))

	// EventData metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventsourcing.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventsourcing.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	// EventStore metrics
	EventStoreAppends, _ = meter.Int64Counter(
		"eventsourcing.eventstore.appends",
		metric.WithDescription("Number of append operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreLoads, _ = meter.Int64Counter(
		"eventsourcing.eventstore.loads",
		metric.WithDescription("Number of load operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventsourcing.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventsourcing.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventsourcing.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventsourcing.commands.handled",
		metric.WithDescription("Number of commands handled successfully"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventsourcing.commands.failed",
		metric.WithDescription("Number of commands that failed"),
		metric.WithUnit("{command}"),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventsourcing.commands.in_flight",
		metric.WithDescription("Number of commands currently being handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventsourcing.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	CommandConflicts, _ = meter.Int64Counter(
		"eventsourcing.commands.conflicts",
		metric.WithDescription("Number of commands that ended with a concurrency conflict"),
		metric.WithUnit("{conflict}"),
	)

	// Query metrics
	QueriesHandled, _ = meter.Int64Counter(
		"eventsourcing.queries.handled",
		metric.WithDescription("Number of queries handled successfully"),
		metric.WithUnit("{query}"),
	)

	QueriesFailed, _ = meter.Int64Counter(
		"eventsourcing.queries.failed",
		metric.WithDescription("Number of queries that failed"),
		metric.WithUnit("{query}"),
	)

	QueriesInFlight, _ = meter.Int64UpDownCounter(
		"eventsourcing.queries.in_flight",
		metric.WithDescription("Number of queries currently being handled"),
		metric.WithUnit("{query}"),
	)

	QueriesDuration, _ = meter.Float64Histogram(
		"eventsourcing.queries.duration",
		metric.WithDescription("Query handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Notification metrics
	NotificationsPublished, _ = meter.Int64Counter(
		"eventsourcing.notify.published",
		metric.WithDescription("Number of notifications published"),
		metric.WithUnit("{message}"),
	)

	NotificationErrors, _ = meter.Int64Counter(
		"eventsourcing.notify.errors",
		metric.WithDescription("Number of failed notification operations"),
		metric.WithUnit("{error}"),
	)

	Subscriptions, _ = meter.Int64UpDownCounter(
		"eventsourcing.notify.subscriptions",
		metric.WithDescription("Number of active notification subscriptions"),
		metric.WithUnit("{subscription}"),
	)
)
