package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tiply/ledger-service/internal/chain"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/model"
	"github.com/tiply/ledger-service/internal/rail"
	"github.com/tiply/ledger-service/internal/repo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeRail struct {
	mu          sync.Mutex
	result      *rail.TransferResult
	transferErr error
	statuses    map[string]rail.Status
	statusErr   error
	transfers   []rail.TransferRequest
	statusCalls int
	gate        chan struct{} // holds Status until closed
}

func newFakeRail(id string, st rail.Status) *fakeRail {
	return &fakeRail{result: &rail.TransferResult{TransferID: id, Status: st}, statuses: map[string]rail.Status{}}
}

func (f *fakeRail) Transfer(_ context.Context, req rail.TransferRequest) (*rail.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	res := *f.result
	return &res, nil
}

func (f *fakeRail) Status(ctx context.Context, id string) (rail.Status, error) {
	f.mu.Lock()
	f.statusCalls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	st, ok := f.statuses[id]
	if !ok {
		return "", rail.ErrTransferNotFound
	}
	return st, nil
}

func (f *fakeRail) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeRail) setStatus(id string, st rail.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
}

type fakeVerifier struct {
	txs map[string]*chain.Transaction
	err error
}

func (f *fakeVerifier) GetTransaction(_ context.Context, sig string) (*chain.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.txs[sig], nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (repo.Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, repo.ErrLocked
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

type fixture struct {
	svc      *LedgerService
	repo     *repo.Repository
	rail     *fakeRail
	verifier *fakeVerifier
	locker   *memLocker
	ctx      context.Context
}

type fixtureOption func(*Options)

func withFee(bps int64, flat string) fixtureOption {
	return func(o *Options) {
		o.Fee = FeePolicy{PercentBps: bps, Flat: decimal.RequireFromString(flat), Decimals: 6}
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	return newFixtureWithRedis(t, nil, opts...)
}

func newFixtureWithRedis(t *testing.T, rdb *redis.Client, opts ...fixtureOption) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps sqlite from reporting table locks under concurrency
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log, err := logger.NewLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	r := repo.NewRepository(db, rdb, nil, log)
	require.NoError(t, r.AutoMigrate())

	o := Options{
		Limits: Limits{
			MinTip:        decimal.RequireFromString("0.01"),
			MinWithdrawal: decimal.RequireFromString("1"),
		},
		RailTimeout: time.Second,
		Token:       usdcMint,
		Now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	f := &fixture{
		repo:     r,
		rail:     newFakeRail("t1", rail.StatusComplete),
		verifier: &fakeVerifier{txs: map[string]*chain.Transaction{}},
		locker:   newMemLocker(),
		ctx:      context.Background(),
	}
	f.svc = NewLedgerService(r, f.rail, f.verifier, f.locker, o, log)
	return f
}

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func newAddress() string { return solana.NewWallet().PublicKey().String() }

func newSignature() string {
	var sig solana.Signature
	copy(sig[:], solana.NewWallet().PrivateKey[:])
	return sig.String()
}

func (f *fixture) addUser(t *testing.T, username string, deposit, withdrawal string) *model.User {
	t.Helper()
	u := &model.User{Username: username}
	if deposit != "" {
		u.DepositWalletAddress = &deposit
	}
	if withdrawal != "" {
		u.WithdrawalWalletAddress = &withdrawal
	}
	require.NoError(t, f.repo.UpsertUser(f.ctx, f.repo.DB(f.ctx), u))
	return u
}

func (f *fixture) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.repo.DB(f.ctx).Model(m).Count(&n).Error)
	return n
}

func (f *fixture) events(t *testing.T, aggregateID string) []string {
	t.Helper()
	var evts []model.OutboxEvent
	require.NoError(t, f.repo.DB(f.ctx).Where("aggregate_id = ?", aggregateID).Order("id").Find(&evts).Error)
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.EventType)
	}
	return types
}

var errRailDown = errors.New("connection refused")
