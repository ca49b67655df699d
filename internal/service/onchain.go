package service

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tiply/ledger-service/internal/chain"
	"github.com/tiply/ledger-service/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OnChainSubmission is a tip the payer already broadcast themselves.
type OnChainSubmission struct {
	Signature      string
	Recipient      string
	// ExpectedToken defaults to the configured USDC mint.
	ExpectedToken  string
	PayerReference string
	Message        string
	Client         ClientInfo
}

// VerifyOnChainSubmission checks a finalized token transfer against the
// recipient's deposit wallet and records it as a COMPLETED tip. Submitting
// the same signature again returns the existing record.
func (s *LedgerService) VerifyOnChainSubmission(ctx context.Context, sub OnChainSubmission) (*model.Transaction, error) {
	if !chain.ValidSignature(sub.Signature) {
		return nil, validationf("Invalid signature")
	}
	if utf8.RuneCountInString(sub.Message) > s.opts.Limits.MaxMessageRunes {
		return nil, validationf("message exceeds %d characters", s.opts.Limits.MaxMessageRunes)
	}
	token := sub.ExpectedToken
	if token == "" {
		token = s.opts.Token
	}

	db := s.repo.DB(ctx)
	if existing, err := s.repo.FindBySignature(ctx, db, sub.Signature); err != nil || existing != nil {
		return existing, err
	}
	user, err := s.repo.FindUserByUsername(ctx, db, sub.Recipient)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: recipient %q", ErrNotFound, sub.Recipient)
	}
	if user.DepositWalletAddress == nil || *user.DepositWalletAddress == "" {
		return nil, fmt.Errorf("%w: %s has no deposit wallet", ErrPreconditionFailed, user.Username)
	}
	deposit := *user.DepositWalletAddress

	vctx, cancel := context.WithTimeout(ctx, s.opts.RailTimeout)
	defer cancel()
	ct, err := s.verifier.GetTransaction(vctx, sub.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if ct == nil {
		return nil, validationf("Transaction not found")
	}
	if ct.Failed {
		return nil, validationf("Transaction failed on chain")
	}
	ix := ct.Instruction
	if ct.ProgramID != chain.TokenProgramID || ix == nil {
		return nil, validationf("Invalid transaction type")
	}
	if ix.Mint != token {
		return nil, validationf("Invalid token")
	}
	if !creditsOwner(ct.PostBalances, ix.Destination, deposit, token) {
		return nil, validationf("Invalid recipient")
	}
	if err := validateAmount(ix.Amount, s.opts.Limits.MinTip); err != nil {
		return nil, validationf("Invalid amount")
	}

	fee, net := s.opts.Fee.Apply(ix.Amount)
	now := s.opts.Now()
	payer := sub.PayerReference
	if payer == "" {
		payer = ix.Authority
	}
	attribution := model.AttributionAnonymous
	if sub.Client.Authenticated {
		attribution = model.AttributionAuthenticated
	}
	sig := sub.Signature
	t := &model.Transaction{
		ID:                 uuid.NewString(),
		Kind:               model.KindTip,
		PayerReference:     &payer,
		PayeeReference:     user.Username,
		SourceAddress:      ix.Authority,
		DestinationAddress: deposit,
		Amount:             ix.Amount,
		Fee:                fee,
		NetAmount:          net,
		Currency:           model.CurrencyUSDC,
		Status:             model.StatusCompleted,
		ChainSignature:     &sig,
		CreatedAt:          now,
		CompletedAt:        &now,
		Metadata: datatypes.NewJSONType(model.Metadata{
			ClientIP:    sub.Client.IP,
			UserAgent:   sub.Client.UserAgent,
			Attribution: attribution,
			History:     []model.StatusChange{{Status: model.StatusCompleted, At: now.UTC(), By: systemActor, Reason: "verified on chain"}},
		}),
	}
	if sub.Message != "" {
		msg := sub.Message
		t.Message = &msg
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateKey
			}
			return err
		}
		return s.writeEvent(ctx, tx, model.EventTransactionCompleted, t)
	})
	if errors.Is(err, errDuplicateKey) {
		return s.repo.FindBySignature(ctx, s.repo.DB(ctx), sub.Signature)
	}
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, t.PayeeReference)
	s.log.Infow("on-chain tip recorded", "transaction_id", t.ID, "signature", sig, "recipient", t.PayeeReference)
	return t, nil
}

// creditsOwner reports whether a post balance of mint held by owner belongs
// to the transfer's destination account.
func creditsOwner(balances []chain.TokenBalance, destination, owner, mint string) bool {
	for _, b := range balances {
		if b.Owner != owner || b.Mint != mint {
			continue
		}
		if b.Account == "" || b.Account == destination {
			return true
		}
	}
	return false
}
