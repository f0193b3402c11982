// Package redis provides a Redis-backed persisted-query store so a fleet of
// servers can share one document catalog.
package redis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gqlsse/graphql-sse-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "gqlsse:pq:"
	KeyPrefix string

	// TTL bounds the lifetime of stored documents. Zero means no expiry.
	TTL time.Duration
}

// Store implements storage.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gqlsse:pq:"
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

// NewFromEnv creates a store from the REDIS_URL environment variable and
// verifies connectivity with a ping.
func NewFromEnv(ctx context.Context) (*Store, error) {
	u := os.Getenv("REDIS_URL")
	if u == "" {
		u = "redis://127.0.0.1:6379/0"
	}
	opts, err := redis.ParseURL(u)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: client})
}

func (s *Store) Get(ctx context.Context, id string) (string, error) {
	doc, err := s.client.Get(ctx, s.keyPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("redis get %q: %w", id, err)
	}
	return doc, nil
}

func (s *Store) Set(ctx context.Context, id, document string) error {
	if err := s.client.Set(ctx, s.keyPrefix+id, document, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
