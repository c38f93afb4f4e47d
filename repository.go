package eventsourcing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Repository loads aggregates of type T by replaying their streams and saves
// their pending changes with optimistic concurrency.
//
// The repository never retries: a *ConcurrentStreamWriteError from the store
// is returned to the caller unchanged.
type Repository[T Aggregate] struct {
	store   EventStore
	factory func() T
}

// NewRepository creates a Repository for the aggregate kind built by factory.
//
// Example Usage:
//
//	repo := NewRepository(store, func() *Order { return &Order{} })
//	order, err := repo.Get(ctx, id)
func NewRepository[T Aggregate](store EventStore, factory func() T) *Repository[T] {
	return &Repository[T]{
		store:   store,
		factory: factory,
	}
}

// Get loads the stream of id and folds it into a new aggregate.
//
// An empty stream yields a clean-slate aggregate with version NoStream; it is
// up to the caller to decide whether that is an error.
func (r *Repository[T]) Get(ctx context.Context, id uuid.UUID) (T, error) {
	stream, err := r.store.LoadStream(ctx, id)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load aggregate %q: %w", id, err)
	}

	agg := r.factory()
	Construct(agg, id, stream)
	return agg, nil
}

// GetExisting is like Get but returns ErrAggregateNotFound for an empty stream.
func (r *Repository[T]) GetExisting(ctx context.Context, id uuid.UUID) (T, error) {
	agg, err := r.Get(ctx, id)
	if err != nil {
		return agg, err
	}
	if IsNoStream(agg.AggregateVersion()) {
		var zero T
		return zero, fmt.Errorf("load aggregate %q: %w", id, ErrAggregateNotFound)
	}
	return agg, nil
}

// Save appends the pending changes of agg against the version it was loaded
// at. On success the aggregate's version advances to the committed version
// and its pending changes are cleared.
//
// An aggregate without pending changes is not written.
func (r *Repository[T]) Save(ctx context.Context, agg T) (AppendResult, error) {
	changes := agg.Changes()
	if len(changes) == 0 {
		return AppendResult{StreamID: agg.AggregateID()}, nil
	}

	result, err := r.store.AppendToStream(ctx, agg.AggregateID(), agg.AggregateVersion(), changes)
	if err != nil {
		return AppendResult{}, err
	}

	agg.base().committed(result)
	return result, nil
}

// Store returns the EventStore the repository reads from and writes to.
func (r *Repository[T]) Store() EventStore {
	return r.store
}
