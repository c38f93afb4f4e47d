package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler handles commands of type C against aggregates of type T and
// returns the aggregate as committed together with the append result.
type CommandHandler[T Aggregate, C Command] func(ctx context.Context, command C) (T, AppendResult, error)

// Decider checks cmd against the current state of agg and applies the
// resulting events to it. A returned error rejects the command; nothing is
// saved.
type Decider[T Aggregate, C Command] func(agg T, cmd C) error

// CommandHandlerOption customizes a handler built by NewCommandHandler.
type CommandHandlerOption func(configuration *handlerOptions)

type handlerOptions struct {
	// RetryStrategy builds the backoff used when a save loses the version
	// race. It is called once per command. Defaults to no retries.
	RetryStrategy func() backoff.BackOff

	// RetryNotify is called after every lost race that will be retried.
	RetryNotify backoff.Notify

	// RequireExisting rejects commands for aggregates without history with
	// ErrAggregateNotFound.
	RequireExisting bool
}

// WithRetryStrategy retries a command whose save failed with
// ErrConcurrentStreamWrite. Every attempt reloads the aggregate.
//
// Example:
//
//	handler := NewCommandHandler(repo, decide,
//	    WithRetryStrategy(func() backoff.BackOff {
//	        return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
//	    }),
//	)
func WithRetryStrategy(fn func() backoff.BackOff) CommandHandlerOption {
	return func(o *handlerOptions) {
		o.RetryStrategy = fn
	}
}

// WithRetryNotify sets a function called with the conflict and the wait
// before each retry.
func WithRetryNotify(fn func(err error, wait time.Duration)) CommandHandlerOption {
	return func(o *handlerOptions) {
		o.RetryNotify = fn
	}
}

// WithRequireExisting makes the handler reject commands for aggregates that
// have no history.
func WithRequireExisting() CommandHandlerOption {
	return func(o *handlerOptions) {
		o.RequireExisting = true
	}
}

// NewCommandHandler returns a handler that, for every command:
//  1. Loads the aggregate named by the command's AggregateID through repo.
//  2. Lets decide apply the command to it.
//  3. Saves the pending changes against the loaded version.
//
// Only ErrConcurrentStreamWrite is retried, and only if a retry strategy is
// configured. Load failures, rejections by decide and every other save error
// end the command immediately.
func NewCommandHandler[T Aggregate, C Command](repo *Repository[T], decide Decider[T, C], opts ...CommandHandlerOption) CommandHandler[T, C] {
	cfg := &handlerOptions{
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (T, AppendResult, error) {
		id := command.AggregateID()

		var agg T
		result, err := backoff.RetryNotifyWithData(func() (AppendResult, error) {
			var err error
			if cfg.RequireExisting {
				agg, err = repo.GetExisting(ctx, id)
			} else {
				agg, err = repo.Get(ctx, id)
			}
			if err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err))
			}

			if err := decide(agg, command); err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err))
			}

			result, err := repo.Save(ctx, agg)
			if errors.Is(err, ErrConcurrentStreamWrite) {
				return AppendResult{}, fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err)
			}
			if err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q: save failed: %w", command, id, err))
			}
			return result, nil
		}, backoff.WithContext(cfg.RetryStrategy(), ctx), cfg.RetryNotify)
		if err != nil {
			var zero T
			return zero, AppendResult{}, err
		}
		return agg, result, nil
	}
}
