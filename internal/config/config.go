// Package config loads the shop configuration from the environment.
package config

import (
	"fmt"
	"io"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

var (
	storeDrivers  = []string{"memory", "sqlite", "postgres", "redis", "kurrentdb"}
	notifyDrivers = []string{"memory", "redis", "nats"}
	logFormats    = []string{"text", "json"}
)

// Config is the process configuration.
type Config struct {
	LogLevel  string `env:"SHOP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SHOP_LOG_FORMAT" envDefault:"text"`

	StoreDriver        string `env:"SHOP_STORE_DRIVER" envDefault:"memory"`
	StoreDSN           string `env:"SHOP_STORE_DSN"`
	StoreRedisAddr     string `env:"SHOP_STORE_REDIS_ADDR" envDefault:"localhost:6379"`
	StoreRedisPassword string `env:"SHOP_STORE_REDIS_PASSWORD"`
	StoreRedisDB       int    `env:"SHOP_STORE_REDIS_DB" envDefault:"0"`
	StoreKurrentDBURL  string `env:"SHOP_STORE_KURRENTDB_URL" envDefault:"kurrentdb://localhost:2113?tls=false"`

	NotifyDriver    string `env:"SHOP_NOTIFY_DRIVER" envDefault:"memory"`
	NotifyRedisAddr string `env:"SHOP_NOTIFY_REDIS_ADDR" envDefault:"localhost:6379"`
	NotifyNATSURL   string `env:"SHOP_NOTIFY_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NotifyBuffer    int    `env:"SHOP_NOTIFY_BUFFER" envDefault:"64"`

	// ConflictRetries is the number of times a status change that lost the
	// version race is retried. Zero disables retrying.
	ConflictRetries int `env:"SHOP_CONFLICT_RETRIES" envDefault:"0"`

	MetricsAddr  string `env:"SHOP_METRICS_ADDR"`
	OTelEndpoint string `env:"SHOP_OTEL_ENDPOINT"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if !slices.Contains(storeDrivers, c.StoreDriver) {
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if !slices.Contains(notifyDrivers, c.NotifyDriver) {
		return fmt.Errorf("unknown notify driver %q", c.NotifyDriver)
	}
	if !slices.Contains(logFormats, c.LogFormat) {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.StoreDriver == "postgres" && c.StoreDSN == "" {
		return fmt.Errorf("store driver %q requires SHOP_STORE_DSN", c.StoreDriver)
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("negative conflict retries %d", c.ConflictRetries)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to out.
func (c Config) Logger(out io.Writer) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(logger).WithField("service", "shop"), nil
}
