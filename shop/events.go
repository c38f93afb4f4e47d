package shop

import (
	es "github.com/terraskye/eventsourcing-shop"
)

// Persisted kinds of the order events.
const (
	KindCreated       = "Created"
	KindStatusChanged = "StatusChanged"
)

// OrderCreated opens an order for a user.
type OrderCreated struct {
	UserID int `json:"user_id"`
}

func (OrderCreated) EventType() string { return KindCreated }

// OrderStatusChanged moves an order to a new status.
type OrderStatusChanged struct {
	NewStatus string `json:"new_status"`
}

func (OrderStatusChanged) EventType() string { return KindStatusChanged }

// RegisterEvents registers the decoders of every order event.
func RegisterEvents(r *es.Registry) error {
	if err := es.Register[OrderCreated](r); err != nil {
		return err
	}
	return es.Register[OrderStatusChanged](r)
}

// NewRegistry returns a registry holding the order events, validated with
// Require.
func NewRegistry() (*es.Registry, error) {
	r := es.NewRegistry()
	if err := RegisterEvents(r); err != nil {
		return nil, err
	}
	if err := r.Require(KindCreated, KindStatusChanged); err != nil {
		return nil, err
	}
	return r, nil
}
