package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

// RedisChargeCache remembers the last unpaid charge per user and product.
type RedisChargeCache struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisChargeCache(redisClient *RedisClient, ttl time.Duration) *RedisChargeCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &RedisChargeCache{
		client: redisClient,
		ttl:    ttl,
	}
}

func (c *RedisChargeCache) key(telegramUserID, productID int64) string {
	return c.client.generateKey("pending_charge", strconv.FormatInt(telegramUserID, 10), strconv.FormatInt(productID, 10))
}

func (c *RedisChargeCache) GetPendingCharge(ctx context.Context, telegramUserID, productID int64) (*types.PendingCharge, error) {
	var charge types.PendingCharge
	if err := c.client.Get(ctx, c.key(telegramUserID, productID), &charge); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charge, nil
}

func (c *RedisChargeCache) SetPendingCharge(ctx context.Context, charge types.PendingCharge) error {
	return c.client.Set(ctx, c.key(charge.TelegramUserID, charge.ProductID), charge, c.ttl)
}

func (c *RedisChargeCache) DeletePendingCharge(ctx context.Context, telegramUserID, productID int64) error {
	return c.client.Del(ctx, c.key(telegramUserID, productID))
}
