package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// programs that wrap a transfer without being the transfer itself
var auxiliaryPrograms = map[string]bool{
	"ComputeBudget111111111111111111111111111111":  true,
	"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr":  true,
	"Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo":  true,
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": true,
}

const (
	tokenIxTransfer        = 3
	tokenIxTransferChecked = 12
)

// SolanaVerifier implements Verifier over Solana JSON-RPC.
type SolanaVerifier struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewSolanaVerifier(endpoint, commitment string) *SolanaVerifier {
	c := rpc.CommitmentType(commitment)
	if commitment == "" {
		c = rpc.CommitmentConfirmed
	}
	return &SolanaVerifier{client: rpc.New(endpoint), commitment: c}
}

func (v *SolanaVerifier) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	maxVersion := uint64(0)
	out, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     v.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if out == nil || out.Transaction == nil {
		return nil, nil
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", signature, err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	var balances []TokenBalance
	failed := false
	if out.Meta != nil {
		keys = append(keys, out.Meta.LoadedAddresses.Writable...)
		keys = append(keys, out.Meta.LoadedAddresses.ReadOnly...)
		failed = out.Meta.Err != nil
		for _, b := range out.Meta.PostTokenBalances {
			tb := TokenBalance{AccountIndex: int(b.AccountIndex), Mint: b.Mint.String()}
			if int(b.AccountIndex) < len(keys) {
				tb.Account = keys[b.AccountIndex].String()
			}
			if b.Owner != nil {
				tb.Owner = b.Owner.String()
			}
			if b.UiTokenAmount != nil {
				tb.Decimals = b.UiTokenAmount.Decimals
				tb.Amount = rawToUI(b.UiTokenAmount.Amount, b.UiTokenAmount.Decimals)
			}
			balances = append(balances, tb)
		}
	}

	instrs := make([]rawInstruction, 0, len(tx.Message.Instructions))
	for _, ci := range tx.Message.Instructions {
		ri := rawInstruction{Data: ci.Data}
		if int(ci.ProgramIDIndex) < len(keys) {
			ri.Program = keys[ci.ProgramIDIndex].String()
		}
		for _, idx := range ci.Accounts {
			if int(idx) < len(keys) {
				ri.Accounts = append(ri.Accounts, keys[idx].String())
			}
		}
		instrs = append(instrs, ri)
	}

	res, err := summarize(signature, instrs, balances)
	if err != nil {
		return nil, err
	}
	res.Failed = failed
	if out.BlockTime != nil {
		bt := out.BlockTime.Time()
		res.BlockTime = &bt
	}
	return res, nil
}

type rawInstruction struct {
	Program  string
	Accounts []string
	Data     []byte
}

// summarize picks the transfer instruction out of a transaction: the first
// instruction that is not compute budget, memo or token-account setup.
func summarize(signature string, instrs []rawInstruction, balances []TokenBalance) (*Transaction, error) {
	res := &Transaction{Signature: signature, PostBalances: balances}
	for _, ri := range instrs {
		if auxiliaryPrograms[ri.Program] {
			continue
		}
		res.ProgramID = ri.Program
		if ri.Program != TokenProgramID {
			return res, nil
		}
		ix, err := decodeTokenInstruction(ri.Data, ri.Accounts, balances)
		if err != nil {
			return nil, err
		}
		res.Instruction = ix
		return res, nil
	}
	return res, nil
}

func decodeTokenInstruction(data []byte, accounts []string, balances []TokenBalance) (*TokenInstruction, error) {
	if len(data) < 9 {
		return nil, nil
	}
	raw := binary.LittleEndian.Uint64(data[1:9])
	switch data[0] {
	case tokenIxTransferChecked:
		if len(data) < 10 || len(accounts) < 4 {
			return nil, errors.New("malformed transferChecked instruction")
		}
		return &TokenInstruction{
			Type:        InstructionTransferChecked,
			Source:      accounts[0],
			Mint:        accounts[1],
			Destination: accounts[2],
			Authority:   accounts[3],
			Amount:      uintToUI(raw, data[9]),
		}, nil
	case tokenIxTransfer:
		if len(accounts) < 3 {
			return nil, errors.New("malformed transfer instruction")
		}
		ix := &TokenInstruction{
			Type:        InstructionTransfer,
			Source:      accounts[0],
			Destination: accounts[1],
			Authority:   accounts[2],
		}
		// plain transfers carry no mint; take it from the destination account
		for _, b := range balances {
			if b.Account == ix.Destination {
				ix.Mint = b.Mint
				ix.Amount = uintToUI(raw, b.Decimals)
				break
			}
		}
		if ix.Mint == "" {
			ix.Amount = decimal.NewFromBigInt(new(big.Int).SetUint64(raw), 0)
		}
		return ix, nil
	default:
		return nil, nil
	}
}

func uintToUI(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

func rawToUI(amount string, decimals uint8) decimal.Decimal {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -int32(decimals))
}
