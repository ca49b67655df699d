package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tiply/ledger-service/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reconcile asks the rail for the current state of a PENDING record and
// applies the terminal transition at most once. Terminal records come back
// unchanged. A rail that cannot be reached leaves the record PENDING and is
// not an error; the next call or the sweep retries.
//
// Concurrent calls for one id share a single reconciliation. The shared call
// is detached from each caller's cancellation and bounded by the rail
// timeout; a caller whose ctx ends stops waiting without aborting it.
func (s *LedgerService) Reconcile(ctx context.Context, id string) (*model.Transaction, error) {
	ch := s.group.DoChan(id, func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.opts.RailTimeout)
		defer cancel()
		return s.reconcile(dctx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Transaction), nil
	}
}

// ReconcileTransfer reconciles the record the rail knows as transferID.
func (s *LedgerService) ReconcileTransfer(ctx context.Context, transferID string) (*model.Transaction, error) {
	t, err := s.repo.FindByTransferID(ctx, s.repo.DB(ctx), transferID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
	}
	return s.Reconcile(ctx, t.ID)
}

// ListStale returns PENDING records submitted to the rail more than
// olderThan ago, oldest first.
func (s *LedgerService) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error) {
	return s.repo.ListStale(ctx, s.opts.Now().Add(-olderThan), limit)
}

func (s *LedgerService) reconcile(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() || t.ExternalTransferID == nil {
		return t, nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.RailTimeout)
	defer cancel()
	st, err := s.rail.Status(rctx, *t.ExternalTransferID)
	if err != nil {
		s.log.Warnw("rail status unavailable", "transaction_id", t.ID, "transfer_id", *t.ExternalTransferID, "error", err)
		return t, nil
	}
	to, ok := statusFromRail(st)
	if !ok {
		return t, nil
	}

	out, applied, err := s.transition(ctx, t, to, eventFor(to), func(md *model.Metadata, at time.Time) {
		md.RailStatus = string(st)
		md.History = append(md.History, model.StatusChange{Status: to, At: at, By: systemActor})
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.log.Infow("transaction reconciled", "transaction_id", t.ID, "status", to)
	}
	return out, nil
}

// transition moves a PENDING record to a terminal status with a conditional
// update and writes its outbox row in the same unit of work. When another
// writer got there first, applied is false and the current row is returned.
func (s *LedgerService) transition(ctx context.Context, t *model.Transaction, to model.Status, eventType string,
	mutate func(md *model.Metadata, at time.Time)) (out *model.Transaction, applied bool, err error) {
	now := s.opts.Now()
	next := *t
	next.Status = to
	if to == model.StatusCompleted && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	md := t.Metadata.Data()
	md.History = append([]model.StatusChange(nil), md.History...)
	mutate(&md, now.UTC())
	next.Metadata = datatypes.NewJSONType(md)

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.TransitionStatus(ctx, tx, &next, model.StatusPending)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := s.repo.FindByID(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			out = cur
			return nil
		}
		applied = true
		out = &next
		return s.writeEvent(ctx, tx, eventType, &next)
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, fmt.Errorf("%w: transaction %s", ErrNotFound, t.ID)
	}
	if applied {
		s.invalidateBalance(ctx, t.PayeeReference)
	}
	return out, applied, nil
}
