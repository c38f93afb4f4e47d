package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventsourcing-shop/shop"
)

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("SHOP_STORE_DRIVER", "sqlite")
	t.Setenv("SHOP_STORE_DSN", "file:"+filepath.Join(t.TempDir(), "shop.db"))
	t.Setenv("SHOP_LOG_LEVEL", "error")
}

func runCLI(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(ctx, args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_OrderLifecycle(t *testing.T) {
	useSQLite(t)
	ctx := context.Background()

	out, err := runCLI(ctx, t, "create", "-user", "42")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 3)
	id := fields[0]
	assert.Equal(t, []string{"new", "1"}, fields[1:])

	out, err = runCLI(ctx, t, "status", "-id", id, "-status", "shipped")
	require.NoError(t, err)
	assert.Equal(t, id+" shipped 2\n", out)

	out, err = runCLI(ctx, t, "show", "-id", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "status shipped", lines[2])
	assert.Equal(t, "version 2", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "Created "))
	assert.True(t, strings.HasPrefix(lines[5], "StatusChanged shipped "))
}

func TestRun_SubscribeReplaysHistory(t *testing.T) {
	useSQLite(t)

	out, err := runCLI(context.Background(), t, "create", "-user", "7")
	require.NoError(t, err)
	id := strings.Fields(out)[0]

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err = runCLI(ctx, t, "subscribe", "-id", id)
	require.NoError(t, err)
	assert.Equal(t, "Created\n", out)
}

func TestRun_Errors(t *testing.T) {
	useSQLite(t)
	ctx := context.Background()

	_, err := runCLI(ctx, t)
	assert.True(t, errors.Is(err, errUsage))

	_, err = runCLI(ctx, t, "refund")
	assert.True(t, errors.Is(err, errUsage))

	_, err = runCLI(ctx, t, "create", "-user", "0")
	assert.ErrorIs(t, err, shop.ErrInvalidCommand)

	_, err = runCLI(ctx, t, "show", "-id", "6f1c2a8e-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, shop.ErrOrderNotFound)

	_, err = runCLI(ctx, t, "status", "-status", "shipped")
	assert.ErrorContains(t, err, "-id is required")

	_, err = runCLI(ctx, t, "show", "-id", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid -id")
}
