package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestNewLedgerEvent(t *testing.T) {
	payer := "bob"
	tx := &Transaction{
		ID:             "t1",
		Kind:           KindTip,
		Status:         StatusCompleted,
		PayerReference: &payer,
		PayeeReference: "alice",
		SourceAddress:  "src",
		Amount:         decimal.RequireFromString("10"),
		NetAmount:      decimal.RequireFromString("9.5"),
		Currency:       CurrencyUSDC,
		Metadata:       datatypes.NewJSONType(Metadata{Attribution: AttributionAuthenticated}),
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	evt := NewLedgerEvent(EventTransactionCompleted, tx, at)
	assert.Equal(t, EventTransactionCompleted, evt.Type)
	assert.Equal(t, "bob", evt.PayerReference)
	assert.Equal(t, "alice", evt.PayeeReference)
	assert.Equal(t, AttributionAuthenticated, evt.Attribution)
	assert.Equal(t, "10", evt.Amount)
	assert.Equal(t, "9.5", evt.NetAmount)
	assert.Equal(t, time.UTC, evt.OccurredAt.Location())

	tx.PayerReference = nil
	assert.Empty(t, NewLedgerEvent(EventTransactionCreated, tx, at).PayerReference)
}
