package assets

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Amount is a fixed-point decimal value tied to one asset's precision.
// All arithmetic stays in exact decimal form; nothing here touches floats,
// so multi-step plans cannot accumulate rounding drift.
type Amount struct {
	Asset *Asset
	Value decimal.Decimal
}

// NewAmount builds an amount of the given asset.
func NewAmount(a *Asset, v decimal.Decimal) Amount {
	return Amount{Asset: a, Value: v}
}

// ParseAmount parses a human-readable decimal string into an amount.
func ParseAmount(a *Asset, s string) (Amount, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("failed to parse amount %q for %s: %w", s, a, err)
	}
	return Amount{Asset: a, Value: v}, nil
}

// AmountFromBaseUnits converts on-chain integer units into a decimal amount.
func AmountFromBaseUnits(a *Asset, units *big.Int) Amount {
	v := decimal.NewFromBigInt(units, -a.Decimals)
	return Amount{Asset: a, Value: v}
}

// BaseUnits returns the amount in on-chain integer units, truncated toward
// zero at the asset's precision.
func (a Amount) BaseUnits() *big.Int {
	return a.Value.Truncate(a.Asset.Decimals).Shift(a.Asset.Decimals).BigInt()
}

// Add returns a + b. Both amounts must be of the same asset.
func (a Amount) Add(b Amount) Amount {
	return Amount{Asset: a.Asset, Value: a.Value.Add(b.Value)}
}

// Sub returns a - b. Both amounts must be of the same asset.
func (a Amount) Sub(b Amount) Amount {
	return Amount{Asset: a.Asset, Value: a.Value.Sub(b.Value)}
}

// MulDec scales the amount by an exact decimal factor.
func (a Amount) MulDec(f decimal.Decimal) Amount {
	return Amount{Asset: a.Asset, Value: a.Value.Mul(f)}
}

// Min returns the smaller of the two amounts.
func (a Amount) Min(b Amount) Amount {
	if a.Value.LessThanOrEqual(b.Value) {
		return a
	}
	return b
}

// WithSlippage reduces the amount by slippagePct percent, truncating toward
// zero at the asset's precision. The result is never rounded up: for any
// slippage in [0,100] the returned value satisfies out <= a.
//
// Multiplication and the shift by -2 are exact in decimal form, so the only
// rounding is the final truncation.
func (a Amount) WithSlippage(slippagePct decimal.Decimal) Amount {
	v := a.Value.Mul(hundred.Sub(slippagePct)).Shift(-2).Truncate(a.Asset.Decimals)
	return Amount{Asset: a.Asset, Value: v}
}

// Rebase re-expresses the same numeric value against another asset. Used for
// the 1:1 wrap/unwrap conversion where precision is shared.
func (a Amount) Rebase(to *Asset) Amount {
	return Amount{Asset: to, Value: a.Value}
}

// USD values the amount at the given per-unit USD price.
func (a Amount) USD(price decimal.Decimal) decimal.Decimal {
	return a.Value.Mul(price)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Value.IsZero() }

// Cmp compares two amounts of the same asset: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int { return a.Value.Cmp(b.Value) }

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.String(), a.Asset)
}
