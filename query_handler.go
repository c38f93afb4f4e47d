package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/io-da/query"
)

// Query is a request for a read model. ID identifies the query instance, for
// example on spans.
type Query = query.Query

// QueryHandler handles queries of type T and produces a result of type R.
//
// Example Usage:
//
//	handler := NewQueryHandlerFunc(func(ctx context.Context, q OrderQuery) (OrderView, error) {
//	    return load(ctx, q.OrderID)
//	})
type QueryHandler[T Query, R any] interface {
	HandleQuery(ctx context.Context, qry T) (R, error)
}

type queryHandlerFunc[T Query, R any] func(ctx context.Context, qry T) (R, error)

// HandleQuery calls the underlying function.
func (f queryHandlerFunc[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	return f(ctx, qry)
}

// NewQueryHandlerFunc creates a QueryHandler from a function.
func NewQueryHandlerFunc[T Query, R any](fn func(ctx context.Context, qry T) (R, error)) QueryHandler[T, R] {
	return queryHandlerFunc[T, R](fn)
}

// QueryProvider is a query.Handler that routes every query handed to it by a
// query.Bus to the handler registered for the query's type. Queries without a
// registered handler are left unhandled, so the bus reports them.
type QueryProvider struct {
	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, qry Query) (any, error)
}

var _ query.Handler = (*QueryProvider)(nil)

// NewQueryProvider returns a provider without handlers.
func NewQueryProvider() *QueryProvider {
	return &QueryProvider{
		handlers: make(map[string]func(ctx context.Context, qry Query) (any, error)),
	}
}

// RegisterQueryHandler registers h for queries of type T on p. It panics if T
// already has a handler.
func RegisterQueryHandler[T Query, R any](p *QueryProvider, h QueryHandler[T, R]) {
	queryType := fmt.Sprintf("%T", *new(T))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[queryType]; ok {
		panic("duplicate query handler " + queryType)
	}
	p.handlers[queryType] = func(ctx context.Context, qry Query) (any, error) {
		typed, ok := qry.(T)
		if !ok {
			return nil, fmt.Errorf("handler for %s received %T", queryType, qry)
		}
		return h.HandleQuery(ctx, typed)
	}
}

// Handle implements query.Handler.
func (p *QueryProvider) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	p.mu.RLock()
	h, ok := p.handlers[fmt.Sprintf("%T", qry)]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	result, err := h(ctx, qry)
	if err != nil {
		return err
	}

	res.Add(result)
	res.Done()
	return nil
}

// QueryGateway executes queries of type T on a query.Bus and returns their
// result as R. It implements QueryHandler[T, R].
type QueryGateway[T Query, R any] struct {
	bus *query.Bus
}

// NewQueryGateway returns a typed gateway to bus.
func NewQueryGateway[T Query, R any](bus *query.Bus) QueryGateway[T, R] {
	return QueryGateway[T, R]{bus: bus}
}

func (g QueryGateway[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	var zero R

	res, err := g.bus.Query(ctx, qry)
	var missing query.ErrorNoQueryHandlersFound
	if errors.As(err, &missing) {
		return zero, fmt.Errorf("query %T -> %T: %w", qry, zero, ErrQueryHandlerNotFound)
	}
	if err != nil {
		return zero, err
	}

	result, ok := res.First().(R)
	if !ok {
		return zero, fmt.Errorf("query %T: result %T is not %T", qry, res.First(), zero)
	}
	return result, nil
}
