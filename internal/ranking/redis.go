package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from a redis:// URL or a host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("ranking: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps boards in Redis sorted sets.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Upsert(ctx context.Context, b Board, userID int, value float64) error {
	err := r.client.ZAdd(ctx, b.Key(), redis.Z{Score: value, Member: member(userID)}).Err()
	if err != nil {
		return fmt.Errorf("ranking: zadd %s: %w", b.Key(), err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, b Board, userID int) error {
	if err := r.client.ZRem(ctx, b.Key(), member(userID)).Err(); err != nil {
		return fmt.Errorf("ranking: zrem %s: %w", b.Key(), err)
	}
	return nil
}

func (r *RedisStore) RankOf(ctx context.Context, b Board, userID int) (int, error) {
	idx, err := r.client.ZRevRank(ctx, b.Key(), member(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ranking: zrevrank %s: %w", b.Key(), err)
	}
	return int(idx) + 1, nil
}
