// Package memory provides an in-process notifier.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop/notify"
)

type subscriber struct {
	channel  string
	messages chan notify.Message
}

// Notifier is an in-process notifier. Subscribers are grouped in rooms by
// channel.
type Notifier struct {
	mu         sync.RWMutex
	rooms      map[string]map[*subscriber]struct{}
	closed     bool
	done       chan struct{}
	bufferSize int
	log        *logrus.Entry
	dropped    atomic.Uint64
}

var _ notify.Notifier = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger used to report messages dropped for busy
// subscribers.
func WithLogger(log *logrus.Entry) Option {
	return func(n *Notifier) {
		n.log = log
	}
}

// NewNotifier constructs a notifier with a given subscriber buffer size.
func NewNotifier(bufferSize int, opts ...Option) *Notifier {
	n := &Notifier{
		rooms:      make(map[string]map[*subscriber]struct{}),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.WithField("notifier", "memory")
	return n
}

// Dropped returns the number of messages dropped because a subscriber's
// buffer was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Subscribe joins the room of channel until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, channel string) (<-chan notify.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, notify.ErrClosed
	}

	s := &subscriber{
		channel:  channel,
		messages: make(chan notify.Message, n.bufferSize),
	}
	room, ok := n.rooms[channel]
	if !ok {
		room = make(map[*subscriber]struct{})
		n.rooms[channel] = room
	}
	room[s] = struct{}{}

	// Automatically leave when caller's ctx finishes
	go func() {
		select {
		case <-ctx.Done():
			n.removeSubscriber(s)
		case <-n.done:
		}
	}()

	return s.messages, nil
}

// Publish sends msg to every subscriber of its channel.
func (n *Notifier) Publish(ctx context.Context, msg notify.Message) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return notify.ErrClosed
	}

	for s := range n.rooms[msg.Channel] {
		select {
		case s.messages <- msg:
		default:
			n.dropped.Add(1)
			n.log.WithFields(logrus.Fields{
				"channel": msg.Channel,
				"version": msg.Version,
			}).Warn("dropping message for busy subscriber")
		}
	}
	return nil
}

// Close shuts down the notifier and closes every subscription.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	close(n.done)

	for channel, room := range n.rooms {
		for s := range room {
			close(s.messages)
		}
		delete(n.rooms, channel)
	}
	return nil
}

func (n *Notifier) removeSubscriber(s *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	room, ok := n.rooms[s.channel]
	if !ok {
		return
	}
	if _, ok := room[s]; !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(n.rooms, s.channel)
	}
	close(s.messages)
}
