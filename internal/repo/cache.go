package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const balanceTTL = time.Minute

// ErrCacheDisabled is returned by reads when no Redis client is configured.
var ErrCacheDisabled = errors.New("balance cache disabled")

func balanceKey(username string) string {
	return fmt.Sprintf("ledger:balance:%s", username)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, username string, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(username), bal.String(), balanceTTL).Err()
}

// GetCachedBalance reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, ErrCacheDisabled
	}
	str, err := r.rdb.Get(ctx, balanceKey(username)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// InvalidateBalance drops the cached balance after a write.
func (r *Repository) InvalidateBalance(ctx context.Context, username string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(username)).Err()
}
