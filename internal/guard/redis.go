package guard

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters implements CounterStore on top of Redis TTL'd counters.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing Redis client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

// Count returns the current value of a window counter. A missing key is a
// zero count, not an error.
func (s *RedisCounters) Count(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// Increment bumps a window counter and refreshes its TTL in one round trip.
func (s *RedisCounters) Increment(ctx context.Context, key string, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
