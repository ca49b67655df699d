package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler is implemented by service.LedgerService.
type Reconciler interface {
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.Transaction, error)
	Reconcile(ctx context.Context, id string) (*model.Transaction, error)
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Checked int
	Settled int
	Errors  int
}

// Sweeper reconciles PENDING records the rail never called back about.
type Sweeper struct {
	svc        Reconciler
	staleAfter time.Duration
	batch      int
	workers    int
	log        *zap.SugaredLogger
}

func NewSweeper(svc Reconciler, staleAfter time.Duration, batch, workers int, log *zap.SugaredLogger) *Sweeper {
	if batch <= 0 {
		batch = 50
	}
	if workers <= 0 {
		workers = 1
	}
	return &Sweeper{svc: svc, staleAfter: staleAfter, batch: batch, workers: workers, log: log}
}

// RunOnce reconciles one batch of stale records with at most s.workers in
// flight. Individual failures are counted, not returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	stale, err := s.svc.ListStale(ctx, s.staleAfter, s.batch)
	if err != nil {
		return SweepResult{}, err
	}
	var settled, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range stale {
		id := stale[i].ID
		g.Go(func() error {
			t, err := s.svc.Reconcile(gctx, id)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				s.log.Warnw("sweep reconcile", "transaction_id", id, "error", err)
				return nil
			}
			if t.Status.Terminal() {
				atomic.AddInt64(&settled, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	res := SweepResult{Checked: len(stale), Settled: int(settled), Errors: int(failed)}
	if res.Checked > 0 {
		s.log.Infow("sweep pass", "checked", res.Checked, "settled", res.Settled, "errors", res.Errors)
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warnw("sweep pass failed", "error", err)
			}
		}
	}
}
