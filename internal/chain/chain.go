// Package chain reads finalized Solana transactions and checks addresses
// against the network's grammar.
package chain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TokenProgramID is the SPL token program every USDC transfer goes through.
var TokenProgramID = solana.TokenProgramID.String()

// Instruction kinds of the SPL token program we understand.
const (
	InstructionTransfer        = "transfer"
	InstructionTransferChecked = "transferChecked"
)

// TokenInstruction is the decoded payload of a token-program instruction.
type TokenInstruction struct {
	Type        string
	Mint        string
	Source      string
	Destination string
	Authority   string
	Amount      decimal.Decimal
}

// TokenBalance is one post-transaction token account balance.
type TokenBalance struct {
	AccountIndex int
	Account      string
	Owner        string
	Mint         string
	Decimals     uint8
	Amount       decimal.Decimal
}

// Transaction is the subset of an on-chain transaction the ledger inspects.
type Transaction struct {
	Signature    string
	ProgramID    string
	Instruction  *TokenInstruction
	PostBalances []TokenBalance
	Failed       bool
	BlockTime    *time.Time
}

// Verifier fetches a transaction by signature. A nil transaction with a nil
// error means the chain does not know the signature.
type Verifier interface {
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// ValidAddress reports whether s is a base58 encoded 32 byte Solana address.
func ValidAddress(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// ValidSignature reports whether s is a base58 encoded 64 byte signature.
func ValidSignature(s string) bool {
	if len(s) < 64 || len(s) > 88 {
		return false
	}
	_, err := solana.SignatureFromBase58(s)
	return err == nil
}
