package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisResponseStore.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// Expiration bounds how long Redis keeps an entry. Zero keeps it until evicted.
	Expiration time.Duration
}

// RedisResponseStore keeps cached responses in Redis so several edge
// instances share one cache. Each entry is written with a single SET.
type RedisResponseStore struct {
	client     redis.UniversalClient
	prefix     string
	expiration time.Duration
}

// NewRedisResponseStore dials Redis and verifies the connection.
func NewRedisResponseStore(ctx context.Context, opts RedisOptions) (*RedisResponseStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Address, err)
	}
	return NewRedisResponseStoreWithClient(client, opts), nil
}

// NewRedisResponseStoreWithClient wraps an existing client.
func NewRedisResponseStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisResponseStore {
	return &RedisResponseStore{
		client:     client,
		prefix:     opts.KeyPrefix,
		expiration: opts.Expiration,
	}
}

func (s *RedisResponseStore) key(key string) string {
	return s.prefix + key
}

// Get loads the response stored under key.
func (s *RedisResponseStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return unmarshalResponse(data)
}

// Put stores resp under key, replacing any previous entry.
func (s *RedisResponseStore) Put(ctx context.Context, key string, resp *CachedResponse) error {
	data, err := marshalResponse(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, s.expiration).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisResponseStore) Close() error {
	return s.client.Close()
}

// Ping checks that Redis answers.
func (s *RedisResponseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
