package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the mapping in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix namespaces the hash key, e.g. "nexus:" + StorageKey.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.key = prefix + ":" + StorageKey
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, key: StorageKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the hash key in use.
func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) GetAll(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: hgetall: %w", err)
	}
	return m, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	v, err := s.client.HGet(ctx, s.key, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("memory: hget: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, k, value).Err(); err != nil {
		return fmt.Errorf("memory: hset: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	n, err := s.client.HDel(ctx, s.key, k).Result()
	if err != nil {
		return false, fmt.Errorf("memory: hdel: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("memory: del: %w", err)
	}
	return nil
}
