// Package redis delivers notifications over Redis PUBLISH/SUBSCRIBE.
package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop/notify"
)

// Notifier publishes each message on the Redis channel "<prefix>:<channel>".
type Notifier struct {
	client     redis.UniversalClient
	prefix     string
	bufferSize int
	log        *logrus.Entry
	done       chan struct{}
	closed     atomic.Bool
	dropped    atomic.Uint64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPrefix namespaces the Redis channels. The default is "shop".
func WithPrefix(prefix string) Option {
	return func(n *Notifier) {
		n.prefix = prefix
	}
}

// WithBufferSize sets the size of each subscription's buffer.
func WithBufferSize(size int) Option {
	return func(n *Notifier) {
		n.bufferSize = size
	}
}

// WithLogger sets the logger used to report undecodable and dropped
// messages.
func WithLogger(log *logrus.Entry) Option {
	return func(n *Notifier) {
		n.log = log
	}
}

// NewNotifier creates a Notifier on client.
func NewNotifier(client redis.UniversalClient, opts ...Option) *Notifier {
	n := &Notifier{
		client:     client,
		prefix:     "shop",
		bufferSize: 64,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.WithField("notifier", "redis")
	return n
}

func (n *Notifier) topic(channel string) string {
	return n.prefix + ":" + channel
}

func (n *Notifier) Publish(ctx context.Context, msg notify.Message) error {
	if n.closed.Load() {
		return notify.ErrClosed
	}
	data, err := notify.Encode(msg)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.topic(msg.Channel), data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published afterwards are delivered.
func (n *Notifier) Subscribe(ctx context.Context, channel string) (<-chan notify.Message, error) {
	if n.closed.Load() {
		return nil, notify.ErrClosed
	}

	pubsub := n.client.Subscribe(ctx, n.topic(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	out := make(chan notify.Message, n.bufferSize)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.done:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := notify.Decode([]byte(raw.Payload))
				if err != nil {
					n.log.WithError(err).WithField("topic", raw.Channel).Warn("dropping undecodable message")
					continue
				}
				select {
				case out <- msg:
				default:
					n.dropped.Add(1)
					n.log.WithFields(logrus.Fields{
						"topic":   raw.Channel,
						"version": msg.Version,
					}).Warn("dropping message for busy subscriber")
				}
			}
		}
	}()

	return out, nil
}

// Close ends every subscription and closes the underlying client.
func (n *Notifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)
	return n.client.Close()
}

// Dropped returns the number of messages dropped because a subscriber's
// buffer was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}
