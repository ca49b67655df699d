// Package worker holds the background loops run by cmd/poller: the outbox
// relay and the reconciliation sweep.
package worker

import (
	"context"
	"time"

	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the slice of the repository the relay needs.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Relay publishes committed outbox rows in id order. A row is marked only
// after the broker accepted it, so delivery is at least once.
type Relay struct {
	store OutboxStore
	batch int
	log   *zap.SugaredLogger
}

func NewRelay(store OutboxStore, batch int, log *zap.SugaredLogger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: store, batch: batch, log: log}
}

// RunOnce drains one batch and returns how many events were published. It
// stops at the first publish failure to keep per-transaction ordering.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			r.log.Errorw("publish outbox event", "id", evt.ID, "transaction_id", evt.AggregateID, "error", err)
			return sent, err
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorw("mark outbox processed", "id", evt.ID, "error", err)
			return sent, err
		}
		sent++
		r.log.Debugw("event sent", "id", evt.ID, "type", evt.EventType, "transaction_id", evt.AggregateID)
	}
	return sent, nil
}

// Run polls every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warnw("outbox relay pass failed", "error", err)
			}
		}
	}
}
