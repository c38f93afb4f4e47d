// Package prometheus exports event store metrics to Prometheus.
package prometheus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/terraskye/eventsourcing-shop"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

const (
	outcomeOK       = "ok"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

type storeMetrics struct {
	loadDuration         *prometheus.HistogramVec
	appendDuration       *prometheus.HistogramVec
	eventsLoaded         prometheus.Counter
	eventsAppended       prometheus.Counter
	concurrencyConflicts prometheus.Counter
}

type store struct {
	next    eventsourcing.EventStore
	metrics *storeMetrics
}

// WithEventStoreMetrics wraps next and registers its metrics on reg. It
// panics if the metrics are already registered on reg.
func WithEventStoreMetrics(reg prometheus.Registerer, next eventsourcing.EventStore) eventsourcing.EventStore {
	m := &storeMetrics{
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shop_es_store_load_duration_seconds",
			Help:    "Event store load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),

		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shop_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),

		eventsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shop_es_events_loaded_total",
			Help: "Total number of events loaded",
		}),

		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shop_es_events_appended_total",
			Help: "Total number of events appended",
		}),

		concurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shop_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}),
	}

	reg.MustRegister(
		m.loadDuration,
		m.appendDuration,
		m.eventsLoaded,
		m.eventsAppended,
		m.concurrencyConflicts,
	)

	return &store{next: next, metrics: m}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
		return outcomeConflict
	default:
		return outcomeError
	}
}

func (s *store) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	start := time.Now()
	stream, err := s.next.LoadStream(ctx, id)
	s.metrics.loadDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	if err == nil {
		s.metrics.eventsLoaded.Add(float64(len(stream.Events)))
	}
	return stream, err
}

func (s *store) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	start := time.Now()
	result, err := s.next.AppendToStream(ctx, id, expected, events)
	o := outcome(err)
	s.metrics.appendDuration.WithLabelValues(o).Observe(time.Since(start).Seconds())

	switch o {
	case outcomeOK:
		s.metrics.eventsAppended.Add(float64(result.Committed))
	case outcomeConflict:
		s.metrics.concurrencyConflicts.Inc()
	}
	return result, err
}

func (s *store) Close() error {
	return s.next.Close()
}
