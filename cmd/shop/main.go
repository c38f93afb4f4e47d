// Package main provides the shop command line: create orders, change their
// status, show their history and follow their notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventsourcing-shop/internal/config"
	"github.com/terraskye/eventsourcing-shop/internal/platform"
	shopotel "github.com/terraskye/eventsourcing-shop/otel"
	"github.com/terraskye/eventsourcing-shop/shop"
)

const usage = `usage: shop <command> [flags]

commands:
  create    -user N                  open an order for user N
  status    -id UUID -status S       change the status of an order
  show      -id UUID                 print the status and history of an order
  subscribe -id UUID                 follow the notifications of an order
`

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}

	shutdownTracing, err := shopotel.Setup(ctx, "shop", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	backend, err := platform.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.WithError(err).Warn("closing backends failed")
		}
	}()

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, backend, log)
		defer stop()
	}

	opts := []shop.Option{shop.WithLogger(log), shop.WithSubscriptionBuffer(cfg.NotifyBuffer)}
	if cfg.ConflictRetries > 0 {
		retries := uint64(cfg.ConflictRetries)
		opts = append(opts, shop.WithConflictRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
		}))
	}
	svc := shop.NewService(backend.Store, backend.Notifier, opts...)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return create(ctx, svc, rest, stdout, stderr)
	case "status":
		return changeStatus(ctx, svc, rest, stdout, stderr)
	case "show":
		return show(ctx, svc, rest, stdout, stderr)
	case "subscribe":
		return subscribe(ctx, svc, rest, stdout, stderr)
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
	return errUsage
}

func serveMetrics(addr string, backend *platform.Backend, log *logrus.Entry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(backend.Metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errors.New("-id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid -id %q: %w", raw, err)
	}
	return id, nil
}

func create(ctx context.Context, svc *shop.Service, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("create", stderr)
	user := fs.Int("user", 0, "id of the user placing the order")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	order, err := svc.CreateOrder(ctx, *user)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s %s\n", order.AggregateID(), order.Status, order.AggregateVersion())
	return nil
}

func changeStatus(ctx context.Context, svc *shop.Service, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("status", stderr)
	rawID := fs.String("id", "", "order id")
	status := fs.String("status", "", "new status")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseID(*rawID)
	if err != nil {
		return err
	}

	order, err := svc.ChangeOrderStatus(ctx, id, *status)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s %s\n", order.AggregateID(), order.Status, order.AggregateVersion())
	return nil
}

func show(ctx context.Context, svc *shop.Service, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("show", stderr)
	rawID := fs.String("id", "", "order id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseID(*rawID)
	if err != nil {
		return err
	}

	view, err := svc.Order(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "order %s\nuser %d\nstatus %s\nversion %s\n", view.ID, view.UserID, view.Status, view.Version)
	for _, line := range view.History {
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func subscribe(ctx context.Context, svc *shop.Service, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("subscribe", stderr)
	rawID := fs.String("id", "", "order id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseID(*rawID)
	if err != nil {
		return err
	}

	messages, err := svc.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	for msg := range messages {
		fmt.Fprintln(stdout, msg.Text)
	}
	return nil
}
