package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/tiply/ledger-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindUserByUsername returns nil, nil for an unknown username.
func (r *Repository) FindUserByUsername(ctx context.Context, tx *gorm.DB, username string) (*model.User, error) {
	var u model.User
	err := tx.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates u or replaces the wallet addresses of the existing user
// with the same username.
func (r *Repository) UpsertUser(ctx context.Context, tx *gorm.DB, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"deposit_wallet_address", "withdrawal_wallet_address", "updated_at"}),
	}).Create(u).Error
}
