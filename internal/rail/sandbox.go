package rail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sandboxTransfer struct {
	id       string
	req      TransferRequest
	settleAt time.Time
	fail     bool
}

// Sandbox is an in-process rail for local development. Transfers settle after
// a fixed delay; destinations registered with FailDestination settle as failed.
// Not for production use.
type Sandbox struct {
	mu        sync.Mutex
	delay     time.Duration
	now       func() time.Time
	byID      map[string]*sandboxTransfer
	byKey     map[string]*sandboxTransfer
	failDests map[string]bool
}

func NewSandbox(delay time.Duration) *Sandbox {
	return &Sandbox{
		delay:     delay,
		now:       time.Now,
		byID:      make(map[string]*sandboxTransfer),
		byKey:     make(map[string]*sandboxTransfer),
		failDests: make(map[string]bool),
	}
}

// FailDestination makes every transfer to addr end up failed.
func (s *Sandbox) FailDestination(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDests[addr] = true
}

func (s *Sandbox) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byKey[req.IdempotencyKey]; ok {
		return &TransferResult{TransferID: t.id, Status: s.statusLocked(t)}, nil
	}
	t := &sandboxTransfer{
		id:       uuid.NewString(),
		req:      req,
		settleAt: s.now().Add(s.delay),
		fail:     s.failDests[req.DestinationAddress],
	}
	s.byID[t.id] = t
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = t
	}
	return &TransferResult{TransferID: t.id, Status: s.statusLocked(t)}, nil
}

func (s *Sandbox) Status(ctx context.Context, transferID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[transferID]
	if !ok {
		return "", ErrTransferNotFound
	}
	return s.statusLocked(t), nil
}

func (s *Sandbox) statusLocked(t *sandboxTransfer) Status {
	if s.now().Before(t.settleAt) {
		return StatusPending
	}
	if t.fail {
		return StatusFailed
	}
	return StatusComplete
}
