package logging

import (
	"context"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop"
)

type queryHandlerLogger[T eventsourcing.Query, R any] struct {
	logger *logrus.Entry
	next   eventsourcing.QueryHandler[T, R]
}

func (q *queryHandlerLogger[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	l := q.logger.WithContext(ctx).WithFields(logrus.Fields{
		"query":    reflect.TypeOf(qry).String(),
		"query-id": string(qry.ID()),
	})
	l.Debug("query")

	result, err := q.next.HandleQuery(ctx, qry)
	if err != nil {
		l.WithError(err).Error("query failed")
	}
	return result, err
}

// WithQueryLogging wraps a QueryHandler with logging. Queries are logged at
// debug level and failures at error.
func WithQueryLogging[T eventsourcing.Query, R any](logger *logrus.Entry, next eventsourcing.QueryHandler[T, R]) eventsourcing.QueryHandler[T, R] {
	return &queryHandlerLogger[T, R]{
		logger: logger,
		next:   next,
	}
}
