package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playlistgate/playlistgate/internal/redis"
)

// KeyPrefix namespaces share records in Redis.
const KeyPrefix = "share:"

// ErrNotFound is returned for unknown or expired share ids.
var ErrNotFound = errors.New("share not found or expired")

// Store persists encoded snapshots with an expiry.
type Store interface {
	Put(ctx context.Context, id string, snapshot []byte, ttl time.Duration) error
	// Get returns the stored bytes and the remaining lifetime.
	Get(ctx context.Context, id string) ([]byte, time.Duration, error)
}

// RedisStore keeps snapshots as plain string values under share:<id>.
type RedisStore struct {
	client redis.Client
}

func NewRedisStore(client redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, id string, snapshot []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, KeyPrefix+id, snapshot, ttl).Err(); err != nil {
		return fmt.Errorf("share: store %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, time.Duration, error) {
	key := KeyPrefix + id
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("share: load %s: %w", id, err)
	}
	// A failed PTTL only disables local caching for this read.
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = 0
	}
	return data, ttl, nil
}
