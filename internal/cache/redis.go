package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vetstore/backend/internal/domain"
)

type RedisAvailabilityCache struct {
	client *redis.Client
}

func NewRedisAvailabilityCache(addr string, password string, db int) *RedisAvailabilityCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAvailabilityCache{client: client}
}

func (c *RedisAvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAvailabilityCache) Close() error {
	return c.client.Close()
}

func availabilityKey(tenantID string, productID string) string {
	return "avail:" + tenantID + ":" + productID
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, tenantID string, productID string) (*domain.AvailabilityResult, bool, error) {
	val, err := c.client.Get(ctx, availabilityKey(tenantID, productID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var result domain.AvailabilityResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, tenantID string, productID string, value *domain.AvailabilityResult, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(tenantID, productID), payload, ttl).Err()
}

func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, tenantID string, productID string) error {
	return c.client.Del(ctx, availabilityKey(tenantID, productID)).Err()
}
