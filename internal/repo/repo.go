package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepositoryInterface restricts Repo methods so the service can be tested
// against sqlite and redismock.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	FindUserByUsername(ctx context.Context, tx *gorm.DB, username string) (*model.User, error)
	LockUser(ctx context.Context, tx *gorm.DB, userID string) error
	UpsertUser(ctx context.Context, tx *gorm.DB, u *model.User) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TransitionStatus(ctx context.Context, tx *gorm.DB, t *model.Transaction, from model.Status) (bool, error)
	FindByID(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, kind model.Kind, payee, key string) (*model.Transaction, error)
	FindByTransferID(ctx context.Context, tx *gorm.DB, transferID string) (*model.Transaction, error)
	FindBySignature(ctx context.Context, tx *gorm.DB, signature string) (*model.Transaction, error)
	SumBalance(ctx context.Context, tx *gorm.DB, username string) (decimal.Decimal, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, username string, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, username string) (decimal.Decimal, error)
	InvalidateBalance(ctx context.Context, username string) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil for processes that
// neither cache nor publish.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// AutoMigrate creates or updates the ledger tables.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&model.User{}, &model.Transaction{}, &model.OutboxEvent{})
}

// CreateTransaction inserts record. A unique index violation surfaces as
// gorm.ErrDuplicatedKey when the DB was opened with TranslateError.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// UpdateTransaction saves every column of t.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Save(t).Error
}

// TransitionStatus moves t out of status from. It reports false when another
// writer already moved the row, in which case nothing is written.
func (r *Repository) TransitionStatus(ctx context.Context, tx *gorm.DB, t *model.Transaction, from model.Status) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", t.ID, from).
		Updates(map[string]interface{}{
			"status":       t.Status,
			"metadata":     t.Metadata,
			"completed_at": t.CompletedAt,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) FindByID(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	return findTransaction(ctx, tx, "id = ?", id)
}

// FindByIdempotencyKey is the duplicate check run before every insert. A key
// only identifies a request together with its kind and payee.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, kind model.Kind, payee, key string) (*model.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	return findTransaction(ctx, tx, "kind = ? AND payee_reference = ? AND idempotency_key = ?", kind, payee, key)
}

func (r *Repository) FindByTransferID(ctx context.Context, tx *gorm.DB, transferID string) (*model.Transaction, error) {
	return findTransaction(ctx, tx, "external_transfer_id = ?", transferID)
}

func (r *Repository) FindBySignature(ctx context.Context, tx *gorm.DB, signature string) (*model.Transaction, error) {
	return findTransaction(ctx, tx, "chain_signature = ?", signature)
}

// findTransaction returns nil, nil when no row matches.
func findTransaction(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).Where(query, args...).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SumBalance is what username may still withdraw: completed tips net of
// fees minus every withdrawal that has not failed.
func (r *Repository) SumBalance(ctx context.Context, tx *gorm.DB, username string) (decimal.Decimal, error) {
	var credits, debits []decimal.Decimal
	err := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("payee_reference = ? AND kind = ? AND status = ?", username, model.KindTip, model.StatusCompleted).
		Pluck("net_amount", &credits).Error
	if err != nil {
		return decimal.Zero, err
	}
	err = tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("payee_reference = ? AND kind = ? AND status IN ?", username, model.KindWithdrawal,
			[]model.Status{model.StatusPending, model.StatusCompleted}).
		Pluck("amount", &debits).Error
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, credits...).Sub(decimal.Sum(decimal.Zero, debits...)), nil
}

// ListStale returns pending records the rail has accepted but not settled,
// oldest first.
func (r *Repository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var ts []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND external_transfer_id IS NOT NULL AND created_at < ?", model.StatusPending, olderThan).
		Order("created_at").Limit(limit).Find(&ts).Error
	return ts, err
}

// LockUser takes a row lock on the user for the rest of tx.
func (r *Repository) LockUser(ctx context.Context, tx *gorm.DB, userID string) error {
	var u model.User
	return tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).First(&u).Error
}
