package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis channel events travel on when none is configured.
const DefaultChannel = "capacity.events"

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisBus fans events out to every instance through one Redis pub/sub
// channel. Each instance publishes to Redis and relays what it receives,
// its own events included, into its local sink.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

var _ Publisher = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis-bus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run relays received events into sink until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context, sink Publisher) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info().Msg("relaying events from redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decode(msg.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if err := sink.Publish(ctx, event); err != nil {
				b.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to relay event")
			}
		}
	}
}

func decode(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if e.Type == "" || e.Topic == "" {
		return Event{}, fmt.Errorf("event without type or topic")
	}
	return e, nil
}
