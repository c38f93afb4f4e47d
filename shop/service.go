package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/io-da/query"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/logging"
	"github.com/terraskye/eventsourcing-shop/notify"
	shopotel "github.com/terraskye/eventsourcing-shop/otel"
)

var (
	// ErrOrderNotFound is returned for commands and queries on an order
	// without history.
	ErrOrderNotFound = fmt.Errorf("order not found: %w", es.ErrAggregateNotFound)

	// ErrInvalidCommand is returned for commands that fail validation before
	// reaching the store.
	ErrInvalidCommand = errors.New("invalid command")
)

// OrderView is the query-side rendering of an order.
type OrderView struct {
	ID      uuid.UUID
	Status  string
	UserID  int
	Version es.StreamState
	// History holds one rendered line per committed event, in stream order.
	History []string
}

// Service executes the order commands and queries.
type Service struct {
	orders   *es.Repository[*Order]
	notifier notify.Notifier
	retry    func() backoff.BackOff
	log      *logrus.Entry
	buffer   int

	changeStatus es.CommandHandler[*Order, ChangeStatusCommand]
	orderView    es.QueryHandler[OrderQuery, OrderView]
}

// ChangeStatusCommand moves an existing order to a new status.
type ChangeStatusCommand struct {
	OrderID uuid.UUID
	Status  string
}

func (c ChangeStatusCommand) AggregateID() uuid.UUID { return c.OrderID }

// OrderQuery asks for the view of one order.
type OrderQuery struct {
	OrderID uuid.UUID
}

func (q OrderQuery) ID() []byte { return []byte(q.OrderID.String()) }

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger of the service.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithConflictRetry retries a status change that lost the version race,
// reloading the order before every attempt. newBackOff is called once per
// command. Without it a conflict is returned to the caller.
func WithConflictRetry(newBackOff func() backoff.BackOff) Option {
	return func(s *Service) {
		s.retry = newBackOff
	}
}

// WithSubscriptionBuffer sets the buffer of channels returned by Subscribe.
func WithSubscriptionBuffer(size int) Option {
	return func(s *Service) {
		s.buffer = size
	}
}

// NewService creates a Service storing orders in store and announcing
// committed events through notifier.
func NewService(store es.EventStore, notifier notify.Notifier, opts ...Option) *Service {
	s := &Service{
		orders:   NewOrderRepository(store),
		notifier: notifier,
		retry:    func() backoff.BackOff { return &backoff.StopBackOff{} },
		log:      logrus.NewEntry(logrus.StandardLogger()),
		buffer:   64,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.changeStatus = logging.WithCommandLogging(s.log, shopotel.WithCommandTelemetry(
		es.NewCommandHandler(s.orders,
			func(order *Order, cmd ChangeStatusCommand) error {
				order.ChangeStatus(cmd.Status)
				return nil
			},
			es.WithRequireExisting(),
			es.WithRetryStrategy(s.retry),
			es.WithRetryNotify(func(err error, wait time.Duration) {
				s.log.WithError(err).WithField("retry_in", wait).Warn("order status change lost a concurrent write")
			}),
		),
	))

	// Order views are served through a query bus. Nothing is cacheable, so
	// the bus runs without cache adapters.
	provider := es.NewQueryProvider()
	es.RegisterQueryHandler(provider, logging.WithQueryLogging(s.log, shopotel.WithQueryTelemetry(
		es.NewQueryHandlerFunc(s.loadOrderView),
	)))
	bus := query.NewBus()
	bus.CacheAdapters()
	bus.Handlers(provider)
	s.orderView = es.NewQueryGateway[OrderQuery, OrderView](bus)

	return s
}

// CreateOrder opens an order for userID and returns it once committed.
func (s *Service) CreateOrder(ctx context.Context, userID int) (*Order, error) {
	if userID == 0 {
		return nil, fmt.Errorf("create order: user id is required: %w", ErrInvalidCommand)
	}

	order := NewOrder(userID)
	result, err := s.orders.Save(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order %s: %w", order.AggregateID(), err)
	}

	s.log.WithFields(logrus.Fields{
		"order_id": order.AggregateID(),
		"user_id":  userID,
		"version":  result.Version,
	}).Info("order created")

	s.publish(ctx, result)
	return order, nil
}

// ChangeOrderStatus moves the order id to status and returns it once
// committed.
func (s *Service) ChangeOrderStatus(ctx context.Context, id uuid.UUID, status string) (*Order, error) {
	if status == "" {
		return nil, fmt.Errorf("change order status: status is required: %w", ErrInvalidCommand)
	}

	order, result, err := s.changeStatus(ctx, ChangeStatusCommand{OrderID: id, Status: status})
	if errors.Is(err, es.ErrAggregateNotFound) {
		return nil, fmt.Errorf("change order status %s: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("change order status %s: %w", id, err)
	}

	s.log.WithFields(logrus.Fields{
		"order_id": id,
		"status":   status,
		"version":  result.Version,
	}).Info("order status changed")

	s.publish(ctx, result)
	return order, nil
}

// Order returns the current status and rendered history of order id.
func (s *Service) Order(ctx context.Context, id uuid.UUID) (OrderView, error) {
	return s.orderView.HandleQuery(ctx, OrderQuery{OrderID: id})
}

func (s *Service) loadOrderView(ctx context.Context, qry OrderQuery) (OrderView, error) {
	id := qry.OrderID
	order, err := s.orders.GetExisting(ctx, id)
	if errors.Is(err, es.ErrAggregateNotFound) {
		return OrderView{}, fmt.Errorf("query order %s: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return OrderView{}, fmt.Errorf("query order %s: %w", id, err)
	}

	return OrderView{
		ID:      id,
		Status:  order.Status,
		UserID:  order.UserID,
		Version: order.AggregateVersion(),
		History: renderHistory(order.History()),
	}, nil
}

// Subscribe joins the channel of order id. The returned channel first
// replays the order's history, then carries live notifications until ctx is
// done. Live notifications already covered by the replay are skipped.
func (s *Service) Subscribe(ctx context.Context, id uuid.UUID) (<-chan notify.Message, error) {
	ctx, cancel := context.WithCancel(ctx)

	live, err := s.notifier.Subscribe(ctx, id.String())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe order %s: %w", id, err)
	}

	order, err := s.orders.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe order %s: %w", id, err)
	}

	history := order.History()
	out := make(chan notify.Message, s.buffer)
	go func() {
		defer cancel()
		defer close(out)

		var replayed uint64
		for _, env := range history {
			if !send(ctx, out, RenderMessage(env)) {
				return
			}
			replayed = env.Version
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				if msg.Version <= replayed {
					continue
				}
				if !send(ctx, out, msg) {
					return
				}
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- notify.Message, msg notify.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// publish announces every committed envelope. The events are committed
// already, so a failed publication is only logged.
func (s *Service) publish(ctx context.Context, result es.AppendResult) {
	for _, env := range result.Envelopes {
		msg := RenderMessage(env)
		if err := s.notifier.Publish(ctx, msg); err != nil {
			s.log.WithFields(logrus.Fields{
				"order_id": env.StreamID,
				"event_id": env.EventID,
				"version":  env.Version,
			}).WithError(err).Error("publish notification failed")
		}
	}
}
