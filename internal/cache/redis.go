package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, accountID string) (*domain.Cart, error) {
	data, err := r.client.Get(ctx, cacheKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart cartapi.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return cart.ToDomain(), nil
}

// Set stores cart with the base TTL plus up to five minutes of jitter so that
// entries written together do not expire together.
func (r *RedisCache) Set(ctx context.Context, accountID string, cart *domain.Cart) error {
	data, err := json.Marshal(cartapi.FromDomain(cart))
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	jitter := time.Duration(rand.Intn(5)) * time.Minute
	if err := r.client.Set(ctx, cacheKey(accountID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, accountID string) error {
	if err := r.client.Del(ctx, cacheKey(accountID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(accountID string) string {
	return fmt.Sprintf("cart:active:%s", accountID)
}
