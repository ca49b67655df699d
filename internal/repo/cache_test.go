package repo

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
)

func TestBalanceCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(nil, rdb, nil, must(logger.NewLogger(config.LogConfig{Level: "error"})))
	ctx := context.Background()

	mock.ExpectSet("ledger:balance:alice", "12.5", time.Minute).SetVal("OK")
	mock.ExpectGet("ledger:balance:alice").SetVal("12.5")
	mock.ExpectDel("ledger:balance:alice").SetVal(1)
	mock.ExpectGet("ledger:balance:alice").RedisNil()

	require.NoError(t, r.CacheBalance(ctx, "alice", decimal.RequireFromString("12.5")))
	bal, err := r.GetCachedBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(bal))
	require.NoError(t, r.InvalidateBalance(ctx, "alice"))
	_, err = r.GetCachedBalance(ctx, "alice")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache_Disabled(t *testing.T) {
	r := NewRepository(nil, nil, nil, must(logger.NewLogger(config.LogConfig{Level: "error"})))
	ctx := context.Background()

	assert.NoError(t, r.CacheBalance(ctx, "alice", decimal.NewFromInt(1)))
	assert.NoError(t, r.InvalidateBalance(ctx, "alice"))
	_, err := r.GetCachedBalance(ctx, "alice")
	assert.ErrorIs(t, err, ErrCacheDisabled)
}

func TestRedisLocker(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := NewRedisLocker(rdb, "ledger:idem:")
	l.newToken = func() string { return "tok" }
	ctx := context.Background()

	mock.ExpectSetNX("ledger:idem:k1", "tok", 20*time.Second).SetVal(true)
	mock.ExpectSetNX("ledger:idem:k1", "tok", 20*time.Second).SetVal(false)
	mock.ExpectEvalSha(unlockScript.Hash(), []string{"ledger:idem:k1"}, "tok").SetVal(int64(1))

	unlock, err := l.Acquire(ctx, "k1", 20*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k1", 20*time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
