// Package nats delivers notifications over core NATS subjects.
package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop/notify"
)

// Config configures a Notifier.
type Config struct {
	URL           string        // URL of the NATS server; natsgo.DefaultURL if empty
	SubjectPrefix string        // SubjectPrefix for channel subjects, e.g. "shop" -> shop.<channel>
	BufferSize    int           // BufferSize of each subscription, 64 if zero
	Log           *logrus.Entry // Log for diagnostics (optional)
}

// Notifier publishes each message on the subject "<prefix>.<channel>".
type Notifier struct {
	nc         *natsgo.Conn
	prefix     string
	bufferSize int
	log        *logrus.Entry

	mu   sync.Mutex
	subs map[*subscription]struct{}
	done chan struct{}

	closed  atomic.Bool
	dropped atomic.Uint64
}

type subscription struct {
	sub *natsgo.Subscription

	mu     sync.Mutex
	out    chan notify.Message
	closed bool
}

// deliver reports false if msg was dropped because the buffer was full.
func (s *subscription) deliver(msg notify.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *subscription) stop() {
	_ = s.sub.Unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// NewNotifier connects to NATS.
func NewNotifier(cfg Config) (*Notifier, error) {
	url := cfg.URL
	if url == "" {
		url = natsgo.DefaultURL
	}
	nc, err := natsgo.Connect(url, natsgo.Name("shop-notify"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "shop"
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 64
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		nc:         nc,
		prefix:     prefix,
		bufferSize: size,
		log:        log.WithField("notifier", "nats"),
		subs:       make(map[*subscription]struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (n *Notifier) subject(channel string) string {
	return n.prefix + "." + channel
}

func (n *Notifier) Publish(ctx context.Context, msg notify.Message) error {
	if n.closed.Load() {
		return notify.ErrClosed
	}
	data, err := notify.Encode(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject(msg.Channel), data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Subscribe returns once the server has registered the subscription.
func (n *Notifier) Subscribe(ctx context.Context, channel string) (<-chan notify.Message, error) {
	if n.closed.Load() {
		return nil, notify.ErrClosed
	}

	s := &subscription{out: make(chan notify.Message, n.bufferSize)}
	sub, err := n.nc.Subscribe(n.subject(channel), func(raw *natsgo.Msg) {
		msg, err := notify.Decode(raw.Data)
		if err != nil {
			n.log.WithError(err).WithField("subject", raw.Subject).Warn("dropping undecodable message")
			return
		}
		if !s.deliver(msg) {
			n.dropped.Add(1)
			n.log.WithFields(logrus.Fields{
				"subject": raw.Subject,
				"version": msg.Version,
			}).Warn("dropping message for busy subscriber")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe: %w", err)
	}
	s.sub = sub

	if err := n.nc.FlushWithContext(ctx); err != nil {
		s.stop()
		return nil, fmt.Errorf("nats: flush subscription: %w", err)
	}

	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()

	// Handle context cancellation by auto-unsubscribing
	go func() {
		select {
		case <-ctx.Done():
		case <-n.done:
			return
		}
		n.mu.Lock()
		delete(n.subs, s)
		n.mu.Unlock()
		s.stop()
	}()

	return s.out, nil
}

func (n *Notifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)

	n.mu.Lock()
	subs := n.subs
	n.subs = map[*subscription]struct{}{}
	n.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

// Dropped returns the number of messages dropped because a subscriber's
// buffer was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}
