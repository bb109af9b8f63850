package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "kontomat:events"

// RedisBus mirrors events onto a Redis channel so a second process (the UI
// bridge, a reporting job) can follow the pipeline live. It wraps the
// in-process bus; local subscribers keep working when Redis is down.
type RedisBus struct {
	*Bus
	client *redis.Client
	log    *slog.Logger
}

func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{Bus: NewBus(), client: client, log: log}
}

// Emit publishes locally and mirrors to Redis best-effort.
func (rb *RedisBus) Emit(eventType, subject string, data map[string]any) {
	event := NewCloudEvent(eventType, subject, data)
	rb.Publish(event)

	if rb.client == nil {
		return
	}
	raw, err := event.JSON()
	if err != nil {
		return
	}
	if err := rb.client.Publish(context.Background(), redisChannel, raw).Err(); err != nil {
		rb.log.Warn("redis event publish failed", "type", eventType, "err", err)
	}
}

// Relay pumps events published by other processes into the local bus until
// ctx ends.
func (rb *RedisBus) Relay(ctx context.Context) error {
	if rb.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := rb.client.Subscribe(ctx, redisChannel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.log.Warn("redis event relay error", "err", err)
			continue
		}
		var event CloudEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		rb.Publish(&event)
	}
}
