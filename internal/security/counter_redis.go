package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCounterUnavailable indicates the counter backend is unreachable.
var ErrCounterUnavailable = errors.New("counter store unavailable")

// RedisCounterStore implements CounterStore on a shared Redis instance so
// limits survive restarts and can be shared by multiple server processes.
// Interchangeable with MemoryCounterStore without touching caller logic.
type RedisCounterStore struct {
	client redis.UniversalClient
}

func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}

	// First hit in the window carries the TTL; later hits inherit it.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
		}
	}

	return count, nil
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, bool, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}

	return count, true, nil
}

func (s *RedisCounterStore) SetWithTTL(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}
	return nil
}
