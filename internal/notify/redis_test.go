package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/pkg/schema"
)

func newRedisDispatcher(t *testing.T) (*RedisDispatcher, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisDispatcher(client, "", logging.Discard()), server
}

func TestRedisDispatcher_Channels(t *testing.T) {
	d, _ := newRedisDispatcher(t)
	assert.Equal(t, "procflow:executions:x-1", d.ExecutionChannel("x-1"))
	assert.Equal(t, "procflow:events", d.EventsChannel())
}

func TestRedisDispatcher_ExecutionSubscription(t *testing.T) {
	d, _ := newRedisDispatcher(t)
	ctx := context.Background()

	ch, cancel, err := d.Subscribe(ctx, Filter{ExecutionID: "x-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, d.Publish(ctx, Notification{ExecutionID: "x-2", Type: schema.TransitionStepStarted}))
	require.NoError(t, d.Publish(ctx, Notification{
		ExecutionID: "x-1", WorkflowID: "wf-1", NodeID: "charge",
		Type: schema.TransitionStepCompleted, Data: map[string]any{"output": "ok"},
	}))

	got := receive(t, ch)
	assert.Equal(t, "x-1", got.ExecutionID)
	assert.Equal(t, "charge", got.NodeID)
	assert.Equal(t, "ok", got.Data["output"])
}

func TestRedisDispatcher_EventsSubscriptionFiltersTypes(t *testing.T) {
	d, _ := newRedisDispatcher(t)
	ctx := context.Background()

	ch, cancel, err := d.Subscribe(ctx, Filter{Types: []string{schema.TransitionExecutionFailed}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, d.Publish(ctx, Notification{ExecutionID: "x-1", Type: schema.TransitionStepStarted}))
	require.NoError(t, d.Publish(ctx, Notification{ExecutionID: "x-2", Type: schema.TransitionExecutionFailed}))

	got := receive(t, ch)
	assert.Equal(t, "x-2", got.ExecutionID)

	cancel()
	for range ch {
	}
}

func TestRedisDispatcher_ServerDown(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), Protocol: 2, DisableIdentity: true, MaxRetries: -1})
	defer func() { _ = client.Close() }()
	d := NewRedisDispatcher(client, "test", logging.Discard())
	server.Close()

	err = d.Publish(context.Background(), Notification{ExecutionID: "x-1"})
	assert.Error(t, err)
}
