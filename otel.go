package eventsourcing

// InstrumentationVersion is reported by the otel decorators as the version of
// the instrumentation library.
const InstrumentationVersion = "0.3.0"
