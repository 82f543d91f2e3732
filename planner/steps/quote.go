package steps

import (
	"context"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
)

var stepLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	stepLog = zerolog.New(out).With().Timestamp().Str("component", "steps").Logger()
}

// ChainReader is the on-chain read boundary the quote constructors depend on:
// exact-input quote functions per pool operation. Implemented by the
// chainquery client; faked with fixed rate tables in tests.
type ChainReader interface {
	// SwapOut quotes the output of an exact-in swap of amountIn through pool.
	SwapOut(ctx context.Context, pool Pool, sell *assets.Asset, amountIn assets.Amount) (assets.Amount, error)
	// JoinPoolOut quotes the LP shares minted for a single-sided deposit.
	JoinPoolOut(ctx context.Context, pool Pool, tokenIn *assets.Asset, amountIn assets.Amount) (assets.Amount, error)
	// ExitPoolOut quotes the single-asset output of burning LP shares.
	ExitPoolOut(ctx context.Context, pool Pool, tokenOut *assets.Asset, shares assets.Amount) (assets.Amount, error)
}

// AggregatorRequest is a quote request against the external aggregator.
type AggregatorRequest struct {
	Sell            *assets.Asset
	Buy             *assets.Asset
	SellAmount      assets.Amount
	Taker           common.Address
	SlippagePct     decimal.Decimal
	ExcludedSources []string
}

// AggregatorQuote is the aggregator's answer: an opaque call plus the quoted
// output and fee.
type AggregatorQuote struct {
	BuyAmount assets.Amount
	FeePct    decimal.Decimal
	Call      AggregatorCall
}

// AggregatorQuoter is the external quote service boundary.
type AggregatorQuoter interface {
	Quote(ctx context.Context, req AggregatorRequest) (*AggregatorQuote, error)
}

// QuotePoolSwap quotes an exact-in swap of amountIn through pool and returns
// the validated step. The pool itself is the allowance target.
func QuotePoolSwap(ctx context.Context, chain ChainReader, pool Pool, sell, buy *assets.Asset, amountIn assets.Amount, slippagePct decimal.Decimal) (Step, error) {
	if err := validateCommon(KindPoolSwap, sell, buy, amountIn, slippagePct); err != nil {
		return Step{}, err
	}
	if !pool.Has(sell) {
		return Step{}, stepError(KindPoolSwap, ErrPoolMembership, "sell %s not in %s", sell, pool)
	}
	if !pool.Has(buy) {
		return Step{}, stepError(KindPoolSwap, ErrPoolMembership, "buy %s not in %s", buy, pool)
	}

	out, err := chain.SwapOut(ctx, pool, sell, amountIn)
	if err != nil {
		return Step{}, err
	}
	stepLog.Debug().
		Stringer("pool", pool).
		Str("sell", amountIn.String()).
		Str("buy", out.String()).
		Msg("Pool swap quoted")

	p := pool
	return finish(Step{
		Kind:            KindPoolSwap,
		Sell:            sell,
		Buy:             buy,
		SellAmount:      amountIn,
		BuyAmount:       out,
		MinBuyAmount:    out.WithSlippage(slippagePct),
		Slippage:        slippagePct,
		AllowanceTarget: pool.Address,
		Pool:            &p,
	})
}

// QuoteAggregatorSwap delegates pricing to the external aggregator. Native
// assets and the hub asset are rejected up front: the aggregator cannot be
// assumed to carry liquidity for the hub pairings, and native coins must be
// wrapped before leaving the protocol.
func QuoteAggregatorSwap(ctx context.Context, agg AggregatorQuoter, req AggregatorRequest) (Step, error) {
	if err := validateCommon(KindAggregatorSwap, req.Sell, req.Buy, req.SellAmount, req.SlippagePct); err != nil {
		return Step{}, err
	}
	if req.Sell.Native || req.Buy.Native {
		return Step{}, stepError(KindAggregatorSwap, ErrAggregatorNative, "%s -> %s", req.Sell, req.Buy)
	}
	if req.Sell.Hub || req.Buy.Hub {
		return Step{}, stepError(KindAggregatorSwap, ErrAggregatorHub, "%s -> %s", req.Sell, req.Buy)
	}
	if req.Sell.PoolShare || req.Buy.PoolShare {
		return Step{}, stepError(KindAggregatorSwap, ErrAssetClass, "pool shares cannot be routed through the aggregator")
	}

	quote, err := agg.Quote(ctx, req)
	if err != nil {
		return Step{}, err
	}
	stepLog.Debug().
		Str("sell", req.SellAmount.String()).
		Str("buy", quote.BuyAmount.String()).
		Str("fee", quote.FeePct.String()).
		Msg("Aggregator swap quoted")

	call := quote.Call
	return finish(Step{
		Kind:            KindAggregatorSwap,
		Sell:            req.Sell,
		Buy:             req.Buy,
		SellAmount:      req.SellAmount,
		BuyAmount:       quote.BuyAmount,
		MinBuyAmount:    quote.BuyAmount.WithSlippage(req.SlippagePct),
		Slippage:        req.SlippagePct,
		AllowanceTarget: call.AllowanceTarget,
		AggCall:         &call,
	})
}

// QuotePoolJoin quotes a single-sided liquidity add: depositing only tokenIn
// and receiving the pool's share token.
func QuotePoolJoin(ctx context.Context, chain ChainReader, pool Pool, tokenIn *assets.Asset, amountIn assets.Amount, slippagePct decimal.Decimal) (Step, error) {
	if pool.Share == nil || !pool.Share.PoolShare {
		return Step{}, stepError(KindPoolJoinSingle, ErrAssetClass, "%s has no pool-share token", pool)
	}
	if err := validateCommon(KindPoolJoinSingle, tokenIn, pool.Share, amountIn, slippagePct); err != nil {
		return Step{}, err
	}
	if !pool.Has(tokenIn) {
		return Step{}, stepError(KindPoolJoinSingle, ErrPoolMembership, "%s not in %s", tokenIn, pool)
	}

	shares, err := chain.JoinPoolOut(ctx, pool, tokenIn, amountIn)
	if err != nil {
		return Step{}, err
	}
	stepLog.Debug().
		Stringer("pool", pool).
		Str("deposit", amountIn.String()).
		Str("shares", shares.String()).
		Msg("Single-sided join quoted")

	p := pool
	return finish(Step{
		Kind:            KindPoolJoinSingle,
		Sell:            tokenIn,
		Buy:             pool.Share,
		SellAmount:      amountIn,
		BuyAmount:       shares,
		MinBuyAmount:    shares.WithSlippage(slippagePct),
		Slippage:        slippagePct,
		AllowanceTarget: pool.Address,
		Pool:            &p,
	})
}

// QuotePoolExit quotes a single-sided liquidity remove: burning LP shares and
// withdrawing only tokenOut.
func QuotePoolExit(ctx context.Context, chain ChainReader, pool Pool, tokenOut *assets.Asset, shares assets.Amount, slippagePct decimal.Decimal) (Step, error) {
	if pool.Share == nil || !pool.Share.PoolShare {
		return Step{}, stepError(KindPoolExitSingle, ErrAssetClass, "%s has no pool-share token", pool)
	}
	if err := validateCommon(KindPoolExitSingle, pool.Share, tokenOut, shares, slippagePct); err != nil {
		return Step{}, err
	}
	if !pool.Has(tokenOut) {
		return Step{}, stepError(KindPoolExitSingle, ErrPoolMembership, "%s not in %s", tokenOut, pool)
	}

	out, err := chain.ExitPoolOut(ctx, pool, tokenOut, shares)
	if err != nil {
		return Step{}, err
	}
	stepLog.Debug().
		Stringer("pool", pool).
		Str("shares", shares.String()).
		Str("out", out.String()).
		Msg("Single-sided exit quoted")

	p := pool
	return finish(Step{
		Kind:            KindPoolExitSingle,
		Sell:            pool.Share,
		Buy:             tokenOut,
		SellAmount:      shares,
		BuyAmount:       out,
		MinBuyAmount:    out.WithSlippage(slippagePct),
		Slippage:        slippagePct,
		AllowanceTarget: pool.Address,
		Pool:            &p,
	})
}

// NewWrapStep builds the 1:1 native-to-wrapped conversion. Sell, buy and
// minimum are all the same amount; there is no slippage on a wrap.
func NewWrapStep(native, wrapped *assets.Asset, amount assets.Amount) (Step, error) {
	if !native.Native || !wrapped.WrappedNative {
		return Step{}, stepError(KindWrapNative, ErrWrapPair, "%s -> %s", native, wrapped)
	}
	if err := validateCommon(KindWrapNative, native, wrapped, amount, decimal.Zero); err != nil {
		return Step{}, err
	}
	out := amount.Rebase(wrapped)
	return finish(Step{
		Kind:         KindWrapNative,
		Sell:         native,
		Buy:          wrapped,
		SellAmount:   amount,
		BuyAmount:    out,
		MinBuyAmount: out,
		Slippage:     decimal.Zero,
	})
}

// NewUnwrapStep builds the 1:1 wrapped-to-native conversion.
func NewUnwrapStep(wrapped, native *assets.Asset, amount assets.Amount) (Step, error) {
	if !wrapped.WrappedNative || !native.Native {
		return Step{}, stepError(KindUnwrapNative, ErrWrapPair, "%s -> %s", wrapped, native)
	}
	if err := validateCommon(KindUnwrapNative, wrapped, native, amount, decimal.Zero); err != nil {
		return Step{}, err
	}
	out := amount.Rebase(native)
	return finish(Step{
		Kind:         KindUnwrapNative,
		Sell:         wrapped,
		Buy:          native,
		SellAmount:   amount,
		BuyAmount:    out,
		MinBuyAmount: out,
		Slippage:     decimal.Zero,
	})
}
