package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repository {
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

	r := NewRepository(db, nil, nil, must(logger.NewLogger(config.LogConfig{Level: "error"})))
	require.NoError(t, r.AutoMigrate())
	return r
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func strPtr(s string) *string { return &s }

func seedTx(t *testing.T, r *Repository, id string, kind model.Kind, status model.Status, payee string, amount string) *model.Transaction {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	tr := &model.Transaction{
		ID:                 id,
		Kind:               kind,
		PayeeReference:     payee,
		DestinationAddress: "dest",
		Amount:             amt,
		NetAmount:          amt,
		Currency:           model.CurrencyUSDC,
		Status:             status,
		IdempotencyKey:     strPtr("key-" + id),
		Metadata:           datatypes.NewJSONType(model.Metadata{}),
	}
	require.NoError(t, r.CreateTransaction(context.Background(), r.DB(context.Background()), tr))
	return tr
}

func TestTransitionStatus_OnlyFirstWriterWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTx(t, r, "t1", model.KindTip, model.StatusPending, "alice", "10")

	now := time.Now().UTC()
	completed := &model.Transaction{ID: "t1", Status: model.StatusCompleted, CompletedAt: &now,
		Metadata: datatypes.NewJSONType(model.Metadata{RailStatus: "complete"})}
	ok, err := r.TransitionStatus(ctx, r.DB(ctx), completed, model.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	failed := &model.Transaction{ID: "t1", Status: model.StatusFailed,
		Metadata: datatypes.NewJSONType(model.Metadata{RailStatus: "failed"})}
	ok, err = r.TransitionStatus(ctx, r.DB(ctx), failed, model.StatusPending)
	require.NoError(t, err)
	assert.False(t, ok, "second transition must not apply")

	got, err := r.FindByID(ctx, r.DB(ctx), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "complete", got.Metadata.Data().RailStatus)
}

func TestFind_MissingReturnsNil(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	got, err := r.FindByID(ctx, r.DB(ctx), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.FindByIdempotencyKey(ctx, r.DB(ctx), model.KindTip, "alice", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.FindBySignature(ctx, r.DB(ctx), "sig")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateTransaction_DuplicateIdempotencyKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTx(t, r, "t1", model.KindTip, model.StatusPending, "alice", "1")

	dup := &model.Transaction{ID: "t2", Kind: model.KindTip, PayeeReference: "alice", DestinationAddress: "d",
		Currency: model.CurrencyUSDC, Status: model.StatusPending, IdempotencyKey: strPtr("key-t1")}
	err := r.CreateTransaction(ctx, r.DB(ctx), dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	got, err := r.FindByIdempotencyKey(ctx, r.DB(ctx), model.KindTip, "alice", "key-t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestIdempotencyKey_ScopedToKindAndPayee(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTx(t, r, "t1", model.KindTip, model.StatusPending, "alice", "1")

	other := &model.Transaction{ID: "t2", Kind: model.KindTip, PayeeReference: "bob", DestinationAddress: "d",
		Currency: model.CurrencyUSDC, Status: model.StatusPending, IdempotencyKey: strPtr("key-t1")}
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), other))

	withdrawal := &model.Transaction{ID: "t3", Kind: model.KindWithdrawal, PayeeReference: "alice", DestinationAddress: "d",
		Currency: model.CurrencyUSDC, Status: model.StatusPending, IdempotencyKey: strPtr("key-t1")}
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), withdrawal))

	got, err := r.FindByIdempotencyKey(ctx, r.DB(ctx), model.KindTip, "bob", "key-t1")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.ID)

	got, err = r.FindByIdempotencyKey(ctx, r.DB(ctx), model.KindWithdrawal, "alice", "key-t1")
	require.NoError(t, err)
	assert.Equal(t, "t3", got.ID)

	got, err = r.FindByIdempotencyKey(ctx, r.DB(ctx), model.KindWithdrawal, "bob", "key-t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindByTransferID(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	tr := seedTx(t, r, "t1", model.KindTip, model.StatusPending, "alice", "1")
	tr.ExternalTransferID = strPtr("circle-1")
	require.NoError(t, r.UpdateTransaction(ctx, r.DB(ctx), tr))

	got, err := r.FindByTransferID(ctx, r.DB(ctx), "circle-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}

func TestSumBalance(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTx(t, r, "a", model.KindTip, model.StatusCompleted, "alice", "10")
	seedTx(t, r, "b", model.KindTip, model.StatusCompleted, "alice", "2.5")
	seedTx(t, r, "c", model.KindTip, model.StatusPending, "alice", "100")
	seedTx(t, r, "d", model.KindTip, model.StatusCompleted, "bob", "7")
	seedTx(t, r, "e", model.KindWithdrawal, model.StatusPending, "alice", "3")
	seedTx(t, r, "f", model.KindWithdrawal, model.StatusCompleted, "alice", "1")
	seedTx(t, r, "g", model.KindWithdrawal, model.StatusFailed, "alice", "50")

	bal, err := r.SumBalance(ctx, r.DB(ctx), "alice")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("8.5").Equal(bal), bal.String())

	bal, err = r.SumBalance(ctx, r.DB(ctx), "nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestListStale(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	withTransfer := seedTx(t, r, "old", model.KindTip, model.StatusPending, "alice", "1")
	withTransfer.ExternalTransferID = strPtr("x-old")
	withTransfer.CreatedAt = old
	require.NoError(t, r.UpdateTransaction(ctx, r.DB(ctx), withTransfer))

	noTransfer := seedTx(t, r, "orphan", model.KindTip, model.StatusPending, "alice", "1")
	noTransfer.CreatedAt = old
	require.NoError(t, r.UpdateTransaction(ctx, r.DB(ctx), noTransfer))

	fresh := seedTx(t, r, "fresh", model.KindTip, model.StatusPending, "alice", "1")
	fresh.ExternalTransferID = strPtr("x-fresh")
	require.NoError(t, r.UpdateTransaction(ctx, r.DB(ctx), fresh))

	stale, err := r.ListStale(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestUpsertUser(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.UpsertUser(ctx, r.DB(ctx), &model.User{Username: "alice", DepositWalletAddress: strPtr("dep1")}))
	require.NoError(t, r.UpsertUser(ctx, r.DB(ctx), &model.User{Username: "alice", DepositWalletAddress: strPtr("dep2"),
		WithdrawalWalletAddress: strPtr("wd")}))

	u, err := r.FindUserByUsername(ctx, r.DB(ctx), "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "dep2", *u.DepositWalletAddress)
	assert.Equal(t, "wd", *u.WithdrawalWalletAddress)

	var count int64
	r.DB(ctx).Model(&model.User{}).Count(&count)
	assert.EqualValues(t, 1, count)

	require.NoError(t, r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return r.LockUser(ctx, tx, u.ID)
	}))

	missing, err := r.FindUserByUsername(ctx, r.DB(ctx), "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOutbox_PollAndMark(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.CreateOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: fmt.Sprintf("t%d", i),
			EventType: model.EventTransactionCreated, Payload: `{}`,
		}))
	}

	evts, err := r.PollOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "t0", evts[0].AggregateID)

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))
	evts, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
	assert.Equal(t, "t1", evts[0].AggregateID)
}
