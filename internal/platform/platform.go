// Package platform opens the store and notifier backends named by the
// configuration and wraps them with the logging, metrics and tracing
// decorators.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/eventsourcing-shop"
	"github.com/terraskye/eventsourcing-shop/eventstore/kurrentdb"
	"github.com/terraskye/eventsourcing-shop/eventstore/memory"
	redisstore "github.com/terraskye/eventsourcing-shop/eventstore/redis"
	"github.com/terraskye/eventsourcing-shop/eventstore/sqlstore"
	"github.com/terraskye/eventsourcing-shop/internal/config"
	"github.com/terraskye/eventsourcing-shop/logging"
	"github.com/terraskye/eventsourcing-shop/notify"
	notifymemory "github.com/terraskye/eventsourcing-shop/notify/memory"
	notifynats "github.com/terraskye/eventsourcing-shop/notify/nats"
	notifyredis "github.com/terraskye/eventsourcing-shop/notify/redis"
	shopotel "github.com/terraskye/eventsourcing-shop/otel"
	shopprometheus "github.com/terraskye/eventsourcing-shop/prometheus"
	"github.com/terraskye/eventsourcing-shop/shop"
)

// DefaultSQLiteDSN is used by the sqlite driver when no DSN is configured.
const DefaultSQLiteDSN = "file:shop.db?_pragma=busy_timeout(5000)"

// Backend holds the decorated store and notifier of the process.
type Backend struct {
	Store    es.EventStore
	Notifier notify.Notifier
	Registry *es.Registry
	// Metrics gathers the store metrics; serve it with promhttp.
	Metrics *prometheus.Registry
}

// Close releases the notifier and the store.
func (b *Backend) Close() error {
	return errors.Join(b.Notifier.Close(), b.Store.Close())
}

// Open connects the backends named by cfg.
func Open(ctx context.Context, cfg config.Config, log *logrus.Entry) (*Backend, error) {
	registry, err := shop.NewRegistry()
	if err != nil {
		return nil, err
	}

	raw, err := openStore(ctx, cfg, registry)
	if err != nil {
		return nil, err
	}

	notifier, err := openNotifier(ctx, cfg, log)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	store := logging.WithEventStoreLogging(
		log.WithField("store", cfg.StoreDriver),
		shopprometheus.WithEventStoreMetrics(metrics, shopotel.WithEventStoreTelemetry(raw)),
	)

	log.WithFields(logrus.Fields{
		"store":  cfg.StoreDriver,
		"notify": cfg.NotifyDriver,
	}).Debug("backends opened")

	return &Backend{
		Store:    store,
		Notifier: shopotel.WithNotifierTelemetry(notifier),
		Registry: registry,
		Metrics:  metrics,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, registry *es.Registry) (es.EventStore, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.NewMemoryStore(), nil
	case "sqlite", "postgres":
		dialect, _ := sqlstore.DialectFor(cfg.StoreDriver)
		dsn := cfg.StoreDSN
		if dsn == "" {
			dsn = DefaultSQLiteDSN
		}
		store, err := sqlstore.Open(ctx, dialect, dsn, registry)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.StoreRedisAddr,
			Password: cfg.StoreRedisPassword,
			DB:       cfg.StoreRedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return redisstore.New(client, registry), nil
	case "kurrentdb":
		return kurrentdb.Dial(cfg.StoreKurrentDBURL, registry)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openNotifier(ctx context.Context, cfg config.Config, log *logrus.Entry) (notify.Notifier, error) {
	switch cfg.NotifyDriver {
	case "memory":
		return notifymemory.NewNotifier(cfg.NotifyBuffer, notifymemory.WithLogger(log)), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.NotifyRedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		return notifyredis.NewNotifier(client,
			notifyredis.WithBufferSize(cfg.NotifyBuffer),
			notifyredis.WithLogger(log),
		), nil
	case "nats":
		n, err := notifynats.NewNotifier(notifynats.Config{
			URL:        cfg.NotifyNATSURL,
			BufferSize: cfg.NotifyBuffer,
			Log:        log,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
}
