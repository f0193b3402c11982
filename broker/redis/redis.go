// Package redis provides a Redis Streams implementation of the
// broker.Broker interface, so results published by one server instance
// reach the event stream attached on another.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/gqlsse/graphql-sse-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker implements broker.Broker on Redis Streams: one stream key per
// stream token, XADD-generated event ids for ordering, XREAD for delivery.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "gqlsse:broker:" if empty.
	KeyPrefix string
}

// New creates a Redis-based broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gqlsse:broker:"
	}
	return &Broker{client: cfg.Client, keyPrefix: keyPrefix}, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker. Redis assigns the event id.
func (b *Broker) Publish(ctx context.Context, stream string, message broker.Message) (string, error) {
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(stream),
		Values: map[string]any{"data": []byte(message)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", stream, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker. An empty lastEventID replays the
// stream from its beginning. Delivery runs until ctx is canceled or handler
// fails; stream cleanup does not end an in-flight subscription, so callers
// bind ctx to the consumer's lifetime.
func (b *Broker) Subscribe(ctx context.Context, stream string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(stream)

	startID := "0"
	if lastEventID != "" {
		startID = lastEventID
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Read without a consumer group so every subscriber sees every
		// message. Block briefly, then re-check the context.
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read from stream %s: %w", stream, err)
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					// Skip malformed entries.
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, stream string) error {
	if err := b.client.Del(ctx, b.streamKey(stream)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cleanup stream %s: %w", stream, err)
	}
	return nil
}

func (b *Broker) streamKey(stream string) string {
	return b.keyPrefix + "stream:" + stream
}

var _ broker.Broker = (*Broker)(nil)
