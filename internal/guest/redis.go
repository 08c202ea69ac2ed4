package guest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMedium stores values in Redis under a per-client namespace. A zero
// ttl keeps values until they are deleted.
type RedisMedium struct {
	client   *redis.Client
	clientID string
	ttl      time.Duration
}

func NewRedisMedium(client *redis.Client, clientID string, ttl time.Duration) *RedisMedium {
	return &RedisMedium{client: client, clientID: clientID, ttl: ttl}
}

func (r *RedisMedium) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (r *RedisMedium) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.redisKey(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisMedium) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *RedisMedium) redisKey(key string) string {
	return fmt.Sprintf("guest:%s:%s", r.clientID, key)
}
