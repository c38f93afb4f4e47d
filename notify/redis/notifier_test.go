//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/eventsourcing-shop/internal/testenv"
	"github.com/terraskye/eventsourcing-shop/notify"
	"github.com/terraskye/eventsourcing-shop/notify/redis"
)

func TestRedisNotifier_PublishSubscribe(t *testing.T) {
	addr := testenv.Redis(t)
	n := redis.NewNotifier(goredis.NewClient(&goredis.Options{Addr: addr}), redis.WithPrefix("test"))
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.Subscribe(ctx, "order-1")
	require.NoError(t, err)

	want := notify.Message{Channel: "order-1", Version: 2, Text: "StatusChanged shipped"}
	require.NoError(t, n.Publish(ctx, want))
	require.NoError(t, n.Publish(ctx, notify.Message{Channel: "order-2", Version: 1, Text: "Created"}))

	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}
