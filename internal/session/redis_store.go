// Package session keeps track of tokens whose authors have logged out.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notebook/api/internal/auth"
)

// RedisStore implements signed-out markers using Redis. Markers have no TTL:
// an author stays signed out until the next login clears the marker.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "signedout:",
	}
}

// key never embeds the raw token.
func (s *RedisStore) key(token string) string {
	return s.prefix + auth.HashToken(token)
}

func (s *RedisStore) MarkSignedOut(ctx context.Context, token string) error {
	if err := s.client.Set(ctx, s.key(token), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("mark signed out: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearSignedOut(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("clear signed out: %w", err)
	}
	return nil
}

func (s *RedisStore) IsSignedOut(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("check signed out: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
