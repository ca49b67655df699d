package model

import "time"

const (
	EventTransactionCreated          = "TransactionCreated"
	EventTransactionCompleted        = "TransactionCompleted"
	EventTransactionFailed           = "TransactionFailed"
	EventTransactionStatusOverridden = "TransactionStatusOverridden"
)

type OutboxEvent struct {
	ID          uint64     `gorm:"primaryKey"`
	Aggregate   string     `gorm:"size:64;not null"`
	AggregateID string     `gorm:"size:36;not null;index"`
	EventType   string     `gorm:"size:64;not null"`
	Payload     string     `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	Processed   bool       `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// LedgerEvent is the JSON payload written to the outbox and published to Kafka.
type LedgerEvent struct {
	Type           string    `json:"type"`
	TransactionID  string    `json:"transaction_id"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	PayerReference string    `json:"payer_reference,omitempty"`
	PayeeReference string    `json:"payee_reference"`
	SourceAddress  string    `json:"source_address,omitempty"`
	Attribution    string    `json:"attribution,omitempty"`
	Amount         string    `json:"amount"`
	NetAmount      string    `json:"net_amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewLedgerEvent snapshots a transaction into an event payload.
func NewLedgerEvent(eventType string, t *Transaction, at time.Time) LedgerEvent {
	evt := LedgerEvent{
		Type:           eventType,
		TransactionID:  t.ID,
		Kind:           t.Kind,
		Status:         t.Status,
		PayeeReference: t.PayeeReference,
		SourceAddress:  t.SourceAddress,
		Attribution:    t.Metadata.Data().Attribution,
		Amount:         t.Amount.String(),
		NetAmount:      t.NetAmount.String(),
		Currency:       t.Currency,
		OccurredAt:     at.UTC(),
	}
	if t.PayerReference != nil {
		evt.PayerReference = *t.PayerReference
	}
	return evt
}
