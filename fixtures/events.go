package fixtures

import (
	"fmt"

	es "github.com/terraskye/eventsourcing-shop"
)

// TestEvent is a configurable test event implementing the Event interface.
type TestEvent struct {
	Type string `json:"-"`
	Data string `json:"data"`
}

func (e TestEvent) EventType() string {
	if e.Type == "" {
		return "TestEvent"
	}
	return e.Type
}

// TestEventBuilder provides a fluent API for constructing test events.
type TestEventBuilder struct {
	typ  string
	data string
}

// NewTestEvent creates a new TestEventBuilder with sensible defaults.
func NewTestEvent() *TestEventBuilder {
	return &TestEventBuilder{
		typ:  "TestEvent",
		data: "",
	}
}

// WithType sets the event type.
func (b *TestEventBuilder) WithType(typ string) *TestEventBuilder {
	b.typ = typ
	return b
}

// WithData sets custom data on the event.
func (b *TestEventBuilder) WithData(data string) *TestEventBuilder {
	b.data = data
	return b
}

// Build constructs the TestEvent.
func (b *TestEventBuilder) Build() TestEvent {
	return TestEvent{
		Type: b.typ,
		Data: b.data,
	}
}

// BuildN creates n events with sequential data.
func (b *TestEventBuilder) BuildN(n int) []es.Event {
	events := make([]es.Event, n)
	for i := 0; i < n; i++ {
		events[i] = TestEvent{
			Type: b.typ,
			Data: fmt.Sprintf("%s-%d", b.data, i+1),
		}
	}
	return events
}

// ForeignEvent is an event no aggregate in this module handles.
type ForeignEvent struct {
	Note string `json:"note"`
}

func (ForeignEvent) EventType() string { return "Foreign" }
