package guardrail

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// RedisStore shares usage counters across instances. INCRBY is atomic, so
// concurrent reservations are serialized by Redis.
type RedisStore struct {
	client *redisv9.Client
	prefix string
}

func NewRedisStore(client *redisv9.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docdelta:guardrail"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Add(ctx context.Context, ownerID uint, window string, units int64, ttl time.Duration) (int64, error) {
	key := s.key(ownerID, window)
	var incr *redisv9.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, units)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr usage failed: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, ownerID uint, window string) (int64, error) {
	value, err := s.client.Get(ctx, s.key(ownerID, window)).Int64()
	if err == redisv9.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get usage failed: %w", err)
	}
	return value, nil
}

func (s *RedisStore) key(ownerID uint, window string) string {
	return fmt.Sprintf("%s:usage:%d:%s", s.prefix, ownerID, window)
}
