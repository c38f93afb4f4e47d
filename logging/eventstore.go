// Package logging decorates stores and handlers with logrus logging.
package logging

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop"
)

type store struct {
	log  *logrus.Entry
	next eventsourcing.EventStore
}

// WithEventStoreLogging wraps next with logging. Loads and appends are logged
// at debug level, lost version races at warn and every other failure at
// error.
func WithEventStoreLogging(logger *logrus.Entry, next eventsourcing.EventStore) eventsourcing.EventStore {
	return &store{log: logger, next: next}
}

func (s *store) LoadStream(ctx context.Context, id uuid.UUID) (*eventsourcing.Stream, error) {
	l := s.log.WithContext(ctx).WithField("stream-id", id)

	stream, err := s.next.LoadStream(ctx, id)
	if err != nil {
		l.WithError(err).Error("load stream failed")
		return stream, err
	}

	l.WithFields(logrus.Fields{
		"events":  len(stream.Events),
		"version": stream.Version,
	}).Debug("stream loaded")
	return stream, nil
}

func (s *store) AppendToStream(ctx context.Context, id uuid.UUID, expected eventsourcing.StreamState, events []eventsourcing.Event) (eventsourcing.AppendResult, error) {
	l := s.log.WithContext(ctx).WithFields(logrus.Fields{
		"stream-id": id,
		"expected":  expected,
		"events":    len(events),
	})

	result, err := s.next.AppendToStream(ctx, id, expected, events)
	switch {
	case err == nil:
		l.WithField("version", result.Version).Debug("events appended")
	case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
		l.WithError(err).Warn("append lost version race")
	default:
		l.WithError(err).Error("append failed")
	}
	return result, err
}

func (s *store) Close() error {
	err := s.next.Close()
	if err != nil {
		s.log.WithError(err).Error("close event store failed")
	}
	return err
}
