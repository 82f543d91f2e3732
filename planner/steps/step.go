// Package steps defines the atomic legs a trade route is made of. Each Step
// is one exchange operation (pool swap, aggregator swap, single-sided
// add/remove, wrap, unwrap) quoted against live state. Steps are immutable
// once quoted; when inputs change they are re-quoted as new values, never
// mutated in place.
package steps

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
)

// Kind is the closed enumeration of step variants. Adding a variant means
// extending every switch in the router and builder; there is no open
// dispatch.
type Kind int

const (
	KindPoolSwap Kind = iota
	KindAggregatorSwap
	KindPoolJoinSingle
	KindPoolExitSingle
	KindWrapNative
	KindUnwrapNative
)

func (k Kind) String() string {
	switch k {
	case KindPoolSwap:
		return "pool_swap"
	case KindAggregatorSwap:
		return "aggregator_swap"
	case KindPoolJoinSingle:
		return "pool_join_single"
	case KindPoolExitSingle:
		return "pool_exit_single"
	case KindWrapNative:
		return "wrap_native"
	case KindUnwrapNative:
		return "unwrap_native"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Validation rules, named so that a rejected step identifies exactly what it
// violated.
var (
	ErrSameAsset         = errors.New("sell and buy assets must differ")
	ErrNonPositiveAmount = errors.New("sell amount must be positive")
	ErrSlippageRange     = errors.New("slippage must be within [0,100]")
	ErrMinExceedsBuy     = errors.New("minimum buy amount exceeds quoted buy amount")
	ErrAssetClass        = errors.New("asset class not allowed for this step kind")
	ErrPoolMembership    = errors.New("asset is not a reserve of the pool")
	ErrAggregatorHub     = errors.New("aggregator swaps may not touch the hub asset")
	ErrAggregatorNative  = errors.New("aggregator swaps may not touch the native asset")
	ErrWrapPair          = errors.New("wrap and unwrap require the native asset and its wrapped form")
)

// stepError scopes a violated rule to the step kind that raised it.
func stepError(kind Kind, rule error, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if detail == "" {
		return fmt.Errorf("%s step: %w", kind, rule)
	}
	return fmt.Errorf("%s step: %w: %s", kind, rule, detail)
}

// Pool describes one two-asset constant-function liquidity venue.
type Pool struct {
	Address common.Address
	AssetA  *assets.Asset
	AssetB  *assets.Asset
	// Share is the LP token the pool mints for deposits.
	Share *assets.Asset
}

// Has reports whether a is one of the pool's reserve assets.
func (p Pool) Has(a *assets.Asset) bool {
	return assets.Same(p.AssetA, a) || assets.Same(p.AssetB, a)
}

// Other returns the reserve asset paired against a.
func (p Pool) Other(a *assets.Asset) (*assets.Asset, bool) {
	switch {
	case assets.Same(p.AssetA, a):
		return p.AssetB, true
	case assets.Same(p.AssetB, a):
		return p.AssetA, true
	default:
		return nil, false
	}
}

func (p Pool) String() string {
	return fmt.Sprintf("pool(%s/%s)", p.AssetA, p.AssetB)
}

// AggregatorCall is the opaque call returned by the external quote service,
// replayed verbatim by the builder.
type AggregatorCall struct {
	To              common.Address
	Data            []byte
	Value           *big.Int
	AllowanceTarget common.Address
}

// Step is one quoted exchange leg. The zero value is not a valid step; use
// the Quote* constructors, which return only already-validated values.
type Step struct {
	Kind Kind

	Sell *assets.Asset
	Buy  *assets.Asset

	SellAmount   assets.Amount
	BuyAmount    assets.Amount
	MinBuyAmount assets.Amount

	// Slippage is the tolerated shortfall in percent, already applied to
	// MinBuyAmount.
	Slippage decimal.Decimal

	// AllowanceTarget is the contract that must be approved to pull
	// SellAmount. Zero for wrap/unwrap.
	AllowanceTarget common.Address

	// Pool is set for pool-backed kinds.
	Pool *Pool
	// AggCall is set for aggregator swaps.
	AggCall *AggregatorCall
}

// validateCommon enforces the rules shared by every kind, eagerly and before
// any network call is made on behalf of the step.
func validateCommon(kind Kind, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal) error {
	if assets.Same(sell, buy) {
		return stepError(kind, ErrSameAsset, "%s", sell)
	}
	if !amount.IsPositive() {
		return stepError(kind, ErrNonPositiveAmount, "got %s", amount.Value)
	}
	if slippagePct.IsNegative() || slippagePct.GreaterThan(decimal.NewFromInt(100)) {
		return stepError(kind, ErrSlippageRange, "got %s", slippagePct)
	}
	return nil
}

// finish assembles a validated step from a quoted output.
func finish(s Step) (Step, error) {
	if s.MinBuyAmount.Cmp(s.BuyAmount) > 0 {
		return Step{}, stepError(s.Kind, ErrMinExceedsBuy, "min %s > buy %s", s.MinBuyAmount.Value, s.BuyAmount.Value)
	}
	if s.MinBuyAmount.Value.IsNegative() {
		return Step{}, stepError(s.Kind, ErrMinExceedsBuy, "min %s is negative", s.MinBuyAmount.Value)
	}
	return s, nil
}
