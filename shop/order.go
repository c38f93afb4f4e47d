package shop

import (
	"github.com/google/uuid"
	es "github.com/terraskye/eventsourcing-shop"
)

// StatusNew is the status of a freshly created order.
const StatusNew = "new"

// Order is the order aggregate.
type Order struct {
	es.AggregateBase
	UserID int
	Status string
}

// NewOrder creates an order for userID under a fresh identity. The creation
// event is pending until the order is saved.
func NewOrder(userID int) *Order {
	return NewOrderWithID(uuid.New(), userID)
}

// NewOrderWithID is like NewOrder with a caller chosen identity.
func NewOrderWithID(id uuid.UUID, userID int) *Order {
	o := &Order{}
	es.Create(o, id, OrderCreated{UserID: userID})
	return o
}

// Apply folds event into the order. Events of other aggregates are ignored.
func (o *Order) Apply(event es.Event) {
	switch e := event.(type) {
	case OrderCreated:
		o.UserID = e.UserID
		o.Status = StatusNew
	case OrderStatusChanged:
		o.Status = e.NewStatus
	default:
		return
	}
	o.Record(event)
}

// ChangeStatus records a status change.
func (o *Order) ChangeStatus(status string) {
	o.Apply(OrderStatusChanged{NewStatus: status})
}

// NewOrderRepository returns a repository of orders on store.
func NewOrderRepository(store es.EventStore) *es.Repository[*Order] {
	return es.NewRepository(store, func() *Order { return &Order{} })
}
