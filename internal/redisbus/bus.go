package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Handler processes an incoming event.
type Handler func(ctx context.Context, event *Event) error

// Options configures the Redis connection and channel namespace.
type Options struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// Bus wraps a Redis client for pub/sub communication. The same client backs
// the Redis alert store.
type Bus struct {
	client        *redis.Client
	channelPrefix string
	logger        *slog.Logger
}

// NewBus creates a new Redis pub/sub bus.
func NewBus(opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = "strat"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &Bus{
		client:        client,
		channelPrefix: prefix,
		logger:        logger,
	}
}

// Redis returns the underlying client.
func (b *Bus) Redis() *redis.Client {
	return b.client
}

// Prefix returns the namespace used for channels and keys.
func (b *Bus) Prefix() string {
	return b.channelPrefix
}

// HealthCheck verifies Redis connectivity.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish sends an event to the channel of its type.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	channel := b.channelFor(event.EventType)
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	b.logger.Debug("Published event",
		"event_type", event.EventType,
		"channel", channel,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

// Subscribe listens on the channels of eventTypes and calls handler for each
// event. Blocks until ctx is cancelled. Returns nil on clean shutdown.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, eventTypes ...string) error {
	if len(eventTypes) == 0 {
		return fmt.Errorf("no event types to subscribe to")
	}
	channels := make([]string, len(eventTypes))
	for i, et := range eventTypes {
		channels[i] = b.channelFor(et)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Wait for confirmation so events published after Subscribe starts are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribing to %s: %w", strings.Join(channels, ","), err)
	}
	b.logger.Info("Subscribed to Redis channels", "channels", channels)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Unsubscribed from Redis channels", "channels", channels)
			return nil

		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("Redis subscription channel closed", "channels", channels)
				return nil
			}
			b.dispatch(ctx, msg, handler)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg *redis.Message, handler Handler) {
	event, err := UnmarshalEvent([]byte(msg.Payload))
	if err != nil {
		b.logger.Error("Failed to unmarshal event",
			"channel", msg.Channel,
			"error", err,
			"payload_preview", truncate(msg.Payload, 200),
		)
		return
	}

	b.logger.Debug("Received event",
		"event_type", event.EventType,
		"correlation_id", event.CorrelationID,
		"source", event.Source,
	)

	if err := handler(ctx, event); err != nil {
		b.logger.Error("Handler failed",
			"event_type", event.EventType,
			"correlation_id", event.CorrelationID,
			"error", err,
		)
	}
}

// channelFor maps an event type to a Redis channel name.
func (b *Bus) channelFor(eventType string) string {
	return b.channelPrefix + ":" + eventType
}

// keyFor namespaces a Redis key.
func (b *Bus) keyFor(parts ...string) string {
	return b.channelPrefix + ":" + strings.Join(parts, ":")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
