package logging

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop"
)

// WithCommandLogging wraps a CommandHandler with logging. The dispatch is
// logged at info level with the command type and aggregate id, a lost
// version race at warn and every other failure at error.
func WithCommandLogging[T eventsourcing.Aggregate, C eventsourcing.Command](logger *logrus.Entry, next eventsourcing.CommandHandler[T, C]) eventsourcing.CommandHandler[T, C] {
	return func(ctx context.Context, command C) (T, eventsourcing.AppendResult, error) {
		l := logger.WithContext(ctx).WithFields(logrus.Fields{
			"command":      reflect.TypeOf(command).String(),
			"aggregate-id": command.AggregateID(),
		})
		l.Info("dispatch command")

		agg, result, err := next(ctx, command)
		switch {
		case err == nil:
			l.WithField("version", result.Version).Debug("command handled")
		case errors.Is(err, eventsourcing.ErrConcurrentStreamWrite):
			l.WithError(err).Warn("command lost version race")
		default:
			l.WithError(err).Error("command failed")
		}
		return agg, result, err
	}
}
