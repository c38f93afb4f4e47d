// Package testenv starts throwaway backing services for integration tests.
//
// Every helper skips the calling test when no container provider is
// available, and terminates the container when the test ends.
package testenv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func start(t *testing.T, image string, port string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	opts = append(opts, testcontainers.WithExposedPorts(port))
	ctr, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start %s: %v", image, err)
	}

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint of %s: %v", image, err)
	}
	return endpoint
}

// Postgres starts PostgreSQL and returns a lib/pq DSN.
func Postgres(t *testing.T) string {
	endpoint := start(t, "postgres:16-alpine", "5432/tcp",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "shop",
			"POSTGRES_PASSWORD": "shop",
			"POSTGRES_DB":       "shop",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	return fmt.Sprintf("postgres://shop:shop@%s/shop?sslmode=disable", endpoint)
}

// Redis starts Redis and returns its host:port address.
func Redis(t *testing.T) string {
	return start(t, "redis:7-alpine", "6379/tcp",
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
}

// NATS starts a NATS server and returns its client URL.
func NATS(t *testing.T) string {
	endpoint := start(t, "nats:latest", "4222/tcp",
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	return "nats://" + endpoint
}

// KurrentDB starts an insecure single-node KurrentDB and returns a client
// connection string.
func KurrentDB(t *testing.T) string {
	endpoint := start(t, "docker.kurrent.io/kurrent-latest/kurrentdb:latest", "2113/tcp",
		testcontainers.WithEnv(map[string]string{
			"KURRENTDB_INSECURE":                 "true",
			"KURRENTDB_RUN_PROJECTIONS":          "None",
			"KURRENTDB_MEM_DB":                   "true",
			"KURRENTDB_ENABLE_ATOM_PUB_OVER_HTTP": "true",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("2113/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	return fmt.Sprintf("kurrentdb://%s?tls=false", endpoint)
}
