package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the Redis channels notifications go to.
const DefaultChannelPrefix = "procflow"

// RedisDispatcher publishes notifications as JSON on Redis pub/sub so that
// processes outside the engine can follow executions. Every notification goes
// to "<prefix>:executions:<executionID>" and to "<prefix>:events".
type RedisDispatcher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisDispatcher wraps a connected client.
func NewRedisDispatcher(client *redis.Client, prefix string, logger *slog.Logger) *RedisDispatcher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDispatcher{client: client, prefix: prefix, logger: logger}
}

// ExecutionChannel is the channel carrying one execution's notifications.
func (d *RedisDispatcher) ExecutionChannel(executionID string) string {
	return fmt.Sprintf("%s:executions:%s", d.prefix, executionID)
}

// EventsChannel is the channel carrying every notification.
func (d *RedisDispatcher) EventsChannel() string {
	return d.prefix + ":events"
}

// Publish sends n to its execution channel and the global channel in one
// pipeline round trip.
func (d *RedisDispatcher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := d.client.Pipeline()
	pipe.Publish(ctx, d.ExecutionChannel(n.ExecutionID), payload)
	pipe.Publish(ctx, d.EventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe follows one execution (filter.ExecutionID) or every execution.
// The subscription is established before Subscribe returns.
func (d *RedisDispatcher) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	channel := d.EventsChannel()
	if filter.ExecutionID != "" {
		channel = d.ExecutionChannel(filter.ExecutionID)
	}

	sub := d.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Notification, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					d.logger.Warn("drop malformed notification",
						slog.String("channel", msg.Channel), slog.String("error", err.Error()))
					continue
				}
				if !filter.Match(n) {
					continue
				}
				select {
				case out <- n:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
