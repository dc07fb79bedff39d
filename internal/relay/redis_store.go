package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a ResultStore backed by Redis string keys with TTLs
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed result store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, id string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding relay entry: %w", err)
	}
	return s.client.Set(ctx, entryKey(id), data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.client.Get(ctx, entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding relay entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) PutMarker(ctx context.Context, id, owner string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, markerKey(id), owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrIDInUse
	}
	return nil
}

func (s *RedisStore) GetMarker(ctx context.Context, id string) (string, error) {
	owner, err := s.client.Get(ctx, markerKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEntryNotFound
		}
		return "", err
	}
	return owner, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
