package shop

import (
	"fmt"

	es "github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/notify"
)

// HistoryTimeLayout is the timestamp layout of rendered history lines.
const HistoryTimeLayout = "2006-01-02 15:04:05.000000Z07:00"

// RenderEvent renders an event as its kind followed by its relevant payload,
// e.g. "StatusChanged shipped". The creating event renders as its kind only.
func RenderEvent(event es.Event) string {
	switch e := event.(type) {
	case OrderCreated:
		return e.EventType()
	case OrderStatusChanged:
		return e.EventType() + " " + e.NewStatus
	default:
		return event.EventType()
	}
}

// RenderHistoryLine renders an envelope as its event followed by the commit
// timestamp.
func RenderHistoryLine(env es.Envelope) string {
	return fmt.Sprintf("%s %s", RenderEvent(env.Event), env.OccurredAt.UTC().Format(HistoryTimeLayout))
}

// RenderMessage builds the notification of a committed envelope.
func RenderMessage(env es.Envelope) notify.Message {
	return notify.Message{
		Channel: env.StreamID.String(),
		Version: env.Version,
		Text:    RenderEvent(env.Event),
	}
}

func renderHistory(envelopes []es.Envelope) []string {
	lines := make([]string, len(envelopes))
	for i, env := range envelopes {
		lines[i] = RenderHistoryLine(env)
	}
	return lines
}
