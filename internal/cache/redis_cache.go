package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"optiledger/backend/internal/domain"
)

const (
	loyaltyKey = "settings:loyalty"
	feesKey    = "settings:terminal-fees"
)

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(addr string, password string, db int) *RedisSettingsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSettingsCache{client: client}
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettingsCache) GetLoyalty(ctx context.Context) (*domain.LoyaltySettings, bool, error) {
	val, err := c.client.Get(ctx, loyaltyKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var settings domain.LoyaltySettings
	if err := json.Unmarshal([]byte(val), &settings); err != nil {
		return nil, false, err
	}
	return &settings, true, nil
}

func (c *RedisSettingsCache) SetLoyalty(ctx context.Context, value *domain.LoyaltySettings, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, loyaltyKey, payload, ttl).Err()
}

func (c *RedisSettingsCache) GetFees(ctx context.Context) (map[string]domain.TerminalFeeSchedule, bool, error) {
	val, err := c.client.Get(ctx, feesKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var fees map[string]domain.TerminalFeeSchedule
	if err := json.Unmarshal([]byte(val), &fees); err != nil {
		return nil, false, err
	}
	return fees, true, nil
}

func (c *RedisSettingsCache) SetFees(ctx context.Context, value map[string]domain.TerminalFeeSchedule, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, feesKey, payload, ttl).Err()
}
