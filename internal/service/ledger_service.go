package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tiply/ledger-service/internal/chain"
	"github.com/tiply/ledger-service/internal/config"
	"github.com/tiply/ledger-service/internal/model"
	"github.com/tiply/ledger-service/internal/rail"
	"github.com/tiply/ledger-service/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRailTimeout = 15 * time.Second
	defaultMaxMessage  = 280
	idemLockPrefix     = "ledger:idem:"
	maxIdempotencyKey  = 64
	systemActor        = "system"
)

// errDuplicateKey aborts a unit of work whose insert lost a unique index race.
var errDuplicateKey = errors.New("duplicate key")

// Limits bound what a single request may move.
type Limits struct {
	MinTip          decimal.Decimal
	MinWithdrawal   decimal.Decimal
	MaxMessageRunes int
}

// Options configure a LedgerService. Zero values fall back to defaults.
type Options struct {
	Fee         FeePolicy
	Limits      Limits
	RailTimeout time.Duration
	// Token is the mint on-chain submissions must move.
	Token       string
	Now         func() time.Time
}

// OptionsFromConfig builds Options from the fee, limits, rail and chain
// sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	fee, err := NewFeePolicy(cfg.Fee.PercentBps, cfg.Fee.Flat)
	if err != nil {
		return Options{}, err
	}
	minTip, err := decimal.NewFromString(cfg.Limits.MinTipAmount)
	if err != nil {
		return Options{}, fmt.Errorf("limits.min_tip_amount: %w", err)
	}
	minWithdrawal, err := decimal.NewFromString(cfg.Limits.MinWithdrawalAmount)
	if err != nil {
		return Options{}, fmt.Errorf("limits.min_withdrawal_amount: %w", err)
	}
	return Options{
		Fee: fee,
		Limits: Limits{
			MinTip:          minTip,
			MinWithdrawal:   minWithdrawal,
			MaxMessageRunes: cfg.Limits.MaxMessageLength,
		},
		RailTimeout: cfg.Rail.Timeout,
		Token:       cfg.Chain.USDCMint,
	}, nil
}

// LedgerService records tips and withdrawals exactly once and keeps their
// status in line with the payment rail.
type LedgerService struct {
	repo     repo.RepositoryInterface
	rail     rail.Client
	verifier chain.Verifier
	locker   repo.Locker
	opts     Options
	log      *zap.SugaredLogger
	group    singleflight.Group
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, rl rail.Client, v chain.Verifier, l repo.Locker, opts Options, logger *zap.SugaredLogger) *LedgerService {
	if opts.RailTimeout <= 0 {
		opts.RailTimeout = defaultRailTimeout
	}
	if opts.Limits.MaxMessageRunes <= 0 {
		opts.Limits.MaxMessageRunes = defaultMaxMessage
	}
	if opts.Fee.Decimals <= 0 {
		opts.Fee.Decimals = usdcDecimals
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LedgerService{repo: r, rail: rl, verifier: v, locker: l, opts: opts, log: logger}
}

// ClientInfo is request context kept in metadata.
type ClientInfo struct {
	IP            string
	UserAgent     string
	Authenticated bool
}

// CreateRequest is an already shape-checked tip or withdrawal. There is no
// fee or net amount field; both are always computed here.
type CreateRequest struct {
	Kind               model.Kind
	Amount             decimal.Decimal
	PayeeReference     string
	SourceAddress      string
	DestinationAddress string
	PayerReference     string
	Message            string
	IdempotencyKey     string
	Client             ClientInfo
}

// Create persists a tip or withdrawal and submits it to the rail in one unit
// of work. A rail error rolls everything back and returns ErrExternalService.
func (s *LedgerService) Create(ctx context.Context, req CreateRequest) (*model.Transaction, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	scope := idemScope(req.Kind, req.PayeeReference, key)

	unlock, err := s.locker.Acquire(ctx, idemLockPrefix+scope, s.opts.RailTimeout+5*time.Second)
	if errors.Is(err, repo.ErrLocked) {
		return nil, fmt.Errorf("%w: request already in progress", ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			s.log.Warnw("release idempotency lock", "key", scope, "error", err)
		}
	}()

	var out *model.Transaction
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByIdempotencyKey(ctx, tx, req.Kind, req.PayeeReference, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		t, err := s.prepare(ctx, tx, req, key)
		if err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateKey
			}
			return err
		}

		res, err := s.submit(ctx, t)
		if err != nil {
			s.log.Warnw("rail transfer failed", "transaction_id", t.ID, "kind", t.Kind, "error", err)
			return fmt.Errorf("%w: %v", ErrExternalService, err)
		}
		s.applyTransfer(t, res)
		if err := s.repo.UpdateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.writeEvent(ctx, tx, eventFor(t.Status), t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		return s.findByKey(ctx, req.Kind, req.PayeeReference, key)
	}
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, out.PayeeReference)
	s.log.Infow("transaction recorded", "transaction_id", out.ID, "kind", out.Kind, "status", out.Status)
	return out, nil
}

func (s *LedgerService) validateCreate(req CreateRequest) error {
	var minimum decimal.Decimal
	switch req.Kind {
	case model.KindTip:
		minimum = s.opts.Limits.MinTip
		if !chain.ValidAddress(req.SourceAddress) {
			return validationf("invalid source address")
		}
	case model.KindWithdrawal:
		minimum = s.opts.Limits.MinWithdrawal
		if req.DestinationAddress != "" && !chain.ValidAddress(req.DestinationAddress) {
			return validationf("invalid destination address")
		}
	default:
		return validationf("unsupported kind %q", req.Kind)
	}
	if err := validateAmount(req.Amount, minimum); err != nil {
		return err
	}
	if req.PayeeReference == "" {
		return validationf("recipient is required")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKey {
		return validationf("idempotency key exceeds %d characters", maxIdempotencyKey)
	}
	if utf8.RuneCountInString(req.Message) > s.opts.Limits.MaxMessageRunes {
		return validationf("message exceeds %d characters", s.opts.Limits.MaxMessageRunes)
	}
	return nil
}

func validateAmount(amount, minimum decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationf("amount must be positive")
	}
	if amount.LessThan(minimum) {
		return validationf("amount must be at least %s", minimum)
	}
	if !amount.Equal(amount.Truncate(usdcDecimals)) {
		return validationf("amount supports at most %d decimals", usdcDecimals)
	}
	return nil
}

// prepare resolves addresses through the directory and builds the PENDING
// row. For withdrawals it also checks the available balance under a lock on
// the user row.
func (s *LedgerService) prepare(ctx context.Context, tx *gorm.DB, req CreateRequest, key string) (*model.Transaction, error) {
	user, err := s.repo.FindUserByUsername(ctx, tx, req.PayeeReference)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: recipient %q", ErrNotFound, req.PayeeReference)
	}
	if user.DepositWalletAddress == nil || *user.DepositWalletAddress == "" {
		return nil, fmt.Errorf("%w: %s has no deposit wallet", ErrPreconditionFailed, user.Username)
	}

	fee, net := s.opts.Fee.Apply(req.Amount)
	now := s.opts.Now()
	t := &model.Transaction{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		PayeeReference: user.Username,
		Amount:         req.Amount,
		Fee:            fee,
		NetAmount:      net,
		Currency:       model.CurrencyUSDC,
		Status:         model.StatusPending,
		IdempotencyKey: &key,
		CreatedAt:      now,
	}
	if req.Message != "" {
		msg := req.Message
		t.Message = &msg
	}

	switch req.Kind {
	case model.KindTip:
		t.SourceAddress = req.SourceAddress
		t.DestinationAddress = *user.DepositWalletAddress
		payer := req.PayerReference
		if payer == "" {
			payer = req.SourceAddress
		}
		t.PayerReference = &payer
	case model.KindWithdrawal:
		dest, err := withdrawalDestination(user, req.DestinationAddress)
		if err != nil {
			return nil, err
		}
		t.SourceAddress = *user.DepositWalletAddress
		t.DestinationAddress = dest
		t.PayerReference = &user.Username

		if err := s.repo.LockUser(ctx, tx, user.ID); err != nil {
			return nil, err
		}
		available, err := s.repo.SumBalance(ctx, tx, user.Username)
		if err != nil {
			return nil, err
		}
		if req.Amount.GreaterThan(available) {
			return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, available, req.Amount)
		}
	}

	attribution := model.AttributionAnonymous
	if req.Client.Authenticated {
		attribution = model.AttributionAuthenticated
	}
	t.Metadata = datatypes.NewJSONType(model.Metadata{
		ClientIP:    req.Client.IP,
		UserAgent:   req.Client.UserAgent,
		Attribution: attribution,
		History:     []model.StatusChange{{Status: model.StatusPending, At: now.UTC(), By: systemActor}},
	})
	return t, nil
}

// withdrawalDestination never writes the directory: a stored address wins
// and a different supplied one is rejected.
func withdrawalDestination(user *model.User, supplied string) (string, error) {
	stored := ""
	if user.WithdrawalWalletAddress != nil {
		stored = *user.WithdrawalWalletAddress
	}
	switch {
	case stored != "" && supplied != "" && supplied != stored:
		return "", fmt.Errorf("%w: destination does not match the withdrawal address on file", ErrForbidden)
	case stored != "":
		return stored, nil
	case supplied != "":
		return supplied, nil
	default:
		return "", fmt.Errorf("%w: no withdrawal address configured", ErrPreconditionFailed)
	}
}

func (s *LedgerService) submit(ctx context.Context, t *model.Transaction) (*rail.TransferResult, error) {
	amount := t.Amount
	if t.Kind == model.KindWithdrawal {
		amount = t.NetAmount
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.RailTimeout)
	defer cancel()
	res, err := s.rail.Transfer(rctx, rail.TransferRequest{
		SourceAddress:      t.SourceAddress,
		DestinationAddress: t.DestinationAddress,
		Amount:             amount,
		IdempotencyKey:     idemScope(t.Kind, t.PayeeReference, *t.IdempotencyKey),
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.TransferID == "" {
		return nil, errors.New("rail returned no transfer id")
	}
	return res, nil
}

func (s *LedgerService) applyTransfer(t *model.Transaction, res *rail.TransferResult) {
	id := res.TransferID
	t.ExternalTransferID = &id
	md := t.Metadata.Data()
	md.RailStatus = string(res.Status)
	if to, ok := statusFromRail(res.Status); ok {
		now := s.opts.Now()
		t.Status = to
		if to == model.StatusCompleted {
			t.CompletedAt = &now
		}
		md.History = append(md.History, model.StatusChange{Status: to, At: now.UTC(), By: systemActor})
	}
	t.Metadata = datatypes.NewJSONType(md)
}

// statusFromRail reports the terminal status a rail status maps to.
func statusFromRail(st rail.Status) (model.Status, bool) {
	switch st {
	case rail.StatusComplete:
		return model.StatusCompleted, true
	case rail.StatusFailed:
		return model.StatusFailed, true
	default:
		return model.StatusPending, false
	}
}

func eventFor(st model.Status) string {
	switch st {
	case model.StatusCompleted:
		return model.EventTransactionCompleted
	case model.StatusFailed:
		return model.EventTransactionFailed
	default:
		return model.EventTransactionCreated
	}
}

// writeEvent appends the outbox row for t inside tx.
func (s *LedgerService) writeEvent(ctx context.Context, tx *gorm.DB, eventType string, t *model.Transaction) error {
	payload, err := json.Marshal(model.NewLedgerEvent(eventType, t, s.opts.Now()))
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Transaction",
		AggregateID: t.ID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}

func (s *LedgerService) findByKey(ctx context.Context, kind model.Kind, payee, key string) (*model.Transaction, error) {
	t, err := s.repo.FindByIdempotencyKey(ctx, s.repo.DB(ctx), kind, payee, key)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	return t, nil
}

// idemScope names one logical request across the lock, the rail and the
// unique index: the same caller key under another kind or payee is a
// different request.
func idemScope(kind model.Kind, payee, key string) string {
	return string(kind) + ":" + payee + ":" + key
}

func (s *LedgerService) invalidateBalance(ctx context.Context, username string) {
	if err := s.repo.InvalidateBalance(ctx, username); err != nil {
		s.log.Warnw("invalidate cached balance", "username", username, "error", err)
	}
}

// Get returns one record.
func (s *LedgerService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := s.repo.FindByID(ctx, s.repo.DB(ctx), id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return t, nil
}

// Balance returns what username can still withdraw, cached for a minute.
func (s *LedgerService) Balance(ctx context.Context, username string) (decimal.Decimal, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, username); err == nil {
		return bal, nil
	}
	db := s.repo.DB(ctx)
	user, err := s.repo.FindUserByUsername(ctx, db, username)
	if err != nil {
		return decimal.Zero, err
	}
	if user == nil {
		return decimal.Zero, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	bal, err := s.repo.SumBalance(ctx, db, username)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, username, bal); err != nil {
		s.log.Warnw("cache balance", "username", username, "error", err)
	}
	return bal, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
