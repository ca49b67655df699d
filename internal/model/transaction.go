package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindTip        Kind = "TIP"
	KindWithdrawal Kind = "WITHDRAWAL"
	// KindDeposit is reserved; nothing creates deposits yet.
	KindDeposit    Kind = "DEPOSIT"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const CurrencyUSDC = "USDC"

type Transaction struct {
	ID                 string                       `gorm:"primaryKey;size:36" json:"id"`
	Kind               Kind                         `gorm:"size:16;not null;uniqueIndex:idx_ledger_idem_scope,priority:1" json:"kind"`
	PayerReference     *string                      `gorm:"size:64" json:"payer_reference,omitempty"`
	PayeeReference     string                       `gorm:"size:64;not null;index;uniqueIndex:idx_ledger_idem_scope,priority:2" json:"payee_reference"`
	SourceAddress      string                       `gorm:"size:44" json:"source_address"`
	DestinationAddress string                       `gorm:"size:44;not null" json:"destination_address"`
	Amount             decimal.Decimal              `gorm:"type:numeric(20,6);not null" json:"amount"`
	Fee                decimal.Decimal              `gorm:"type:numeric(20,6);not null" json:"fee"`
	NetAmount          decimal.Decimal              `gorm:"type:numeric(20,6);not null" json:"net_amount"`
	Currency           string                       `gorm:"size:8;not null" json:"currency"`
	Status             Status                       `gorm:"size:16;not null;index" json:"status"`
	IdempotencyKey     *string                      `gorm:"size:64;uniqueIndex:idx_ledger_idem_scope,priority:3" json:"-"`
	ExternalTransferID *string                      `gorm:"size:64;uniqueIndex" json:"external_transfer_id,omitempty"`
	ChainSignature     *string                      `gorm:"size:88;uniqueIndex" json:"chain_signature,omitempty"`
	Message            *string                      `gorm:"size:1024" json:"message,omitempty"`
	Metadata           datatypes.JSONType[Metadata] `json:"metadata"`
	CreatedAt          time.Time                    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time                    `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt        *time.Time                   `json:"completed_at,omitempty"`
}

func (Transaction) TableName() string { return "ledger_transactions" }

// Metadata is the open bag stored next to a transaction.
type Metadata struct {
	ClientIP      string         `json:"client_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Attribution   string         `json:"attribution,omitempty"`
	RailStatus    string         `json:"rail_status,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	LastUpdatedBy string         `json:"last_updated_by,omitempty"`
	History       []StatusChange `json:"history,omitempty"`
}

type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	By     string    `json:"by"`
	Reason string    `json:"reason,omitempty"`
}

const (
	AttributionAnonymous     = "anonymous"
	AttributionAuthenticated = "authenticated"
)
