// Package rail talks to the custodial wallet provider that actually moves
// USDC between addresses.
package rail

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Status is the coarse transfer state reported by a rail.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// ErrTransferNotFound is returned by Status for an unknown transfer id.
var ErrTransferNotFound = errors.New("transfer not found")

type TransferRequest struct {
	SourceAddress      string
	DestinationAddress string
	Amount             decimal.Decimal
	// IdempotencyKey identifies one logical transfer; resubmitting the same
	// key must not move funds twice.
	IdempotencyKey     string
}

type TransferResult struct {
	TransferID string
	Status     Status
}

// Client is the contract the ledger needs from a payment rail.
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Status(ctx context.Context, transferID string) (Status, error)
}
