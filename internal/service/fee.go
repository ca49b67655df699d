package service

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const usdcDecimals = 6

var tenThousand = decimal.NewFromInt(10000)

// FeePolicy is the only place platform fees are computed.
type FeePolicy struct {
	PercentBps int64
	Flat       decimal.Decimal
	Decimals   int32
}

// NewFeePolicy parses the configured flat part.
func NewFeePolicy(percentBps int64, flat string) (FeePolicy, error) {
	p := FeePolicy{PercentBps: percentBps, Flat: decimal.Zero, Decimals: usdcDecimals}
	if percentBps < 0 || percentBps > 10000 {
		return p, fmt.Errorf("fee percent_bps %d out of range", percentBps)
	}
	if flat != "" {
		f, err := decimal.NewFromString(flat)
		if err != nil {
			return p, fmt.Errorf("fee flat %q: %w", flat, err)
		}
		if f.IsNegative() {
			return p, fmt.Errorf("fee flat %q is negative", flat)
		}
		p.Flat = f
	}
	return p, nil
}

// Fee returns min(amount, truncate(amount*bps/10000 + flat)).
func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	fee := amount.Mul(decimal.NewFromInt(p.PercentBps)).Div(tenThousand).Add(p.Flat).Truncate(p.decimals())
	if fee.IsNegative() {
		return decimal.Zero
	}
	if fee.GreaterThan(amount) {
		return amount
	}
	return fee
}

// Apply returns the fee and the net amount the recipient keeps.
func (p FeePolicy) Apply(amount decimal.Decimal) (fee, net decimal.Decimal) {
	fee = p.Fee(amount)
	return fee, amount.Sub(fee)
}

func (p FeePolicy) decimals() int32 {
	if p.Decimals <= 0 {
		return usdcDecimals
	}
	return p.Decimals
}
