// Package notify delivers rendered change notifications to subscribers of an
// identity. Delivery is best effort: subscribers that fall behind lose
// messages, and nothing is persisted.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed notifier.
var ErrClosed = errors.New("notifier closed")

// Message is one notification published on a channel.
type Message struct {
	// Channel is the identity the message is about.
	Channel string `json:"channel"`
	// Version is the version of the batch the message was rendered from.
	Version uint64 `json:"version"`
	Text    string `json:"text"`
}

// Publisher publishes messages to their channel.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber joins channels. The returned channel is closed once ctx is done
// or the notifier is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// Notifier is a closable Publisher and Subscriber.
type Notifier interface {
	Publisher
	Subscriber
	Close() error
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message received from the wire.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Discard is a Publisher that drops every message.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Message) error { return nil }
