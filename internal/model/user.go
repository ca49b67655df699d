package model

import "time"

// User is the directory entry the ledger reads recipients from.
type User struct {
	ID                      string    `gorm:"primaryKey;size:36"`
	Username                string    `gorm:"size:64;not null;uniqueIndex"`
	DepositWalletAddress    *string   `gorm:"size:44"`
	WithdrawalWalletAddress *string   `gorm:"size:44"`
	CreatedAt               time.Time `gorm:"autoCreateTime"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "users" }
