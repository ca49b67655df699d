package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tiply/ledger-service/internal/model"
)

// OverrideStatus is the privileged manual transition of a PENDING record.
// A terminal record is returned unchanged together with ErrConflict.
func (s *LedgerService) OverrideStatus(ctx context.Context, id string, to model.Status, actor, reason string) (*model.Transaction, error) {
	if to != model.StatusCompleted && to != model.StatusFailed {
		return nil, validationf("status must be %s or %s", model.StatusCompleted, model.StatusFailed)
	}
	if actor == "" {
		return nil, validationf("actor is required")
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("%w: transaction %s is already %s", ErrConflict, id, t.Status)
	}

	out, applied, err := s.transition(ctx, t, to, model.EventTransactionStatusOverridden, func(md *model.Metadata, at time.Time) {
		md.LastUpdatedBy = actor
		if to == model.StatusFailed && reason != "" {
			md.FailureReason = reason
		}
		md.History = append(md.History, model.StatusChange{Status: to, At: at, By: actor, Reason: reason})
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return out, fmt.Errorf("%w: transaction %s is already %s", ErrConflict, id, out.Status)
	}
	s.log.Infow("transaction status overridden", "transaction_id", id, "status", to, "actor", actor, "reason", reason)
	return out, nil
}
