package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache holds display balances. Entries may be stale; the engine never
// reads it on the write path.
type BalanceCache interface {
	Get(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, bool, error)
	Set(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal) error
}

type RedisBalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisBalanceCache(client redis.UniversalClient, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBalanceCache{client: client, ttl: ttl}
}

var _ BalanceCache = (*RedisBalanceCache)(nil)

func balanceKey(walletID uuid.UUID) string {
	return "balance:" + walletID.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(walletID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, err
	}
	return bal, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal) error {
	return c.client.Set(ctx, balanceKey(walletID), balance.StringFixed(2), c.ttl).Err()
}
