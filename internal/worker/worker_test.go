package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/model"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := logger.NewLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

type fakeOutbox struct {
	events    []model.OutboxEvent
	failOn    uint64
	published []uint64
	marked    []uint64
}

func (f *fakeOutbox) PollOutbox(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	for _, e := range f.events {
		if !e.Processed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeOutbox) PublishEvent(_ context.Context, evt model.OutboxEvent) error {
	if evt.ID == f.failOn {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, evt.ID)
	return nil
}

func (f *fakeOutbox) MarkOutboxProcessed(_ context.Context, id uint64) error {
	for i := range f.events {
		if f.events[i].ID == id {
			f.events[i].Processed = true
		}
	}
	f.marked = append(f.marked, id)
	return nil
}

func TestRelay_PublishesThenMarks(t *testing.T) {
	store := &fakeOutbox{events: []model.OutboxEvent{{ID: 1}, {ID: 2}, {ID: 3}}}
	r := NewRelay(store, 2, testLogger(t))

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, store.marked)

	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1, 2, 3}, store.published)
}

func TestRelay_StopsAtFirstFailure(t *testing.T) {
	store := &fakeOutbox{events: []model.OutboxEvent{{ID: 1}, {ID: 2}, {ID: 3}}, failOn: 2}
	r := NewRelay(store, 10, testLogger(t))

	n, err := r.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, store.marked, "unpublished rows stay pending")
}

type fakeReconciler struct {
	mu       sync.Mutex
	stale    []model.Transaction
	results  map[string]model.Status
	inFlight int
	maxSeen  int
}

func (f *fakeReconciler) ListStale(_ context.Context, _ time.Duration, limit int) ([]model.Transaction, error) {
	if len(f.stale) > limit {
		return f.stale[:limit], nil
	}
	return f.stale, nil
}

func (f *fakeReconciler) Reconcile(_ context.Context, id string) (*model.Transaction, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	st, ok := f.results[id]
	if !ok {
		return nil, errors.New("boom")
	}
	return &model.Transaction{ID: id, Status: st}, nil
}

func TestSweeper_RunOnce(t *testing.T) {
	rec := &fakeReconciler{
		stale: []model.Transaction{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}},
		results: map[string]model.Status{
			"a": model.StatusCompleted,
			"b": model.StatusFailed,
			"c": model.StatusPending,
			"d": model.StatusCompleted,
		},
	}
	s := NewSweeper(rec, time.Minute, 10, 2, testLogger(t))

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 5, Settled: 3, Errors: 1}, res)
	assert.LessOrEqual(t, rec.maxSeen, 2)
}
