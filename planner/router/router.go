// Package router performs the path search of the trade planner: given a
// source asset, a destination asset, an amount and a slippage tolerance it
// picks the best realizable step sequence out of a deliberately small
// candidate set (direct pool, one hub-routed path, one aggregator path, one
// pool-to-pool path) and returns it as a RouteQuote for the builder to lower.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/models"
	"github.com/driftline-labs/trade-engine/planner/pricecache"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

var routerLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	routerLog = zerolog.New(out).With().Timestamp().Str("component", "router").Logger()
}

var (
	// ErrNoRoute means no candidate produced a viable quote for a required
	// leg. Fatal for the whole request; no partial route is ever returned.
	ErrNoRoute = errors.New("no route found")
	// ErrNativeIdentity rejects swapping the native coin for itself.
	ErrNativeIdentity = errors.New("swapping the native asset for itself is undefined")
)

// Options tune a single route search.
type Options struct {
	// LPRouteOverrides forces the add-liquidity leg for a pool-share buy to
	// go through the named reserve asset instead of the default, keyed by the
	// share asset. Used when the default pair token is disallowed for the
	// aggregator.
	LPRouteOverrides map[*assets.Asset]*assets.Asset
	// ExcludedSources are aggregator liquidity sources to skip.
	ExcludedSources []string
	// Taker is the identity forwarded to the aggregator quote service.
	Taker common.Address
}

// Router searches routes over the configured pool set, the aggregator and
// the price cache. It holds no per-request state; every Route call builds a
// fresh quote object tree.
type Router struct {
	registry *assets.Registry
	pools    []steps.Pool
	chain    steps.ChainReader
	agg      steps.AggregatorQuoter
	prices   *pricecache.Cache
}

// New creates a router. The price cache handle is injected rather than
// reached through package state so tests can pin fixed price fixtures.
func New(registry *assets.Registry, pools []steps.Pool, chain steps.ChainReader, agg steps.AggregatorQuoter, prices *pricecache.Cache) *Router {
	return &Router{
		registry: registry,
		pools:    pools,
		chain:    chain,
		agg:      agg,
		prices:   prices,
	}
}

// Route finds the best step sequence from sell to buy for the given exact
// input amount.
func (r *Router) Route(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) (*models.RouteQuote, error) {
	routerLog.Info().
		Stringer("sell", sell).
		Stringer("buy", buy).
		Str("amount", amount.Value.String()).
		Str("slippage", slippagePct.String()).
		Msg("Routing trade")

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", steps.ErrNonPositiveAmount)
	}
	if slippagePct.IsNegative() || slippagePct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: got %s", steps.ErrSlippageRange, slippagePct)
	}

	// Lazy refresh. Prices only rank candidates and feed the USD display
	// totals, so a failed refresh degrades ranking instead of failing the
	// request.
	if err := r.prices.EnsureFresh(ctx); err != nil {
		routerLog.Warn().Err(err).Msg("Price refresh failed, ranking by raw output")
	}

	// Identity request.
	if assets.Same(sell, buy) {
		if sell.Native {
			return nil, ErrNativeIdentity
		}
		return r.assemble(sell, buy, amount, nil)
	}

	stepList, err := r.routeWithNativeEdges(ctx, sell, buy, amount, slippagePct, opts)
	if err != nil {
		return nil, err
	}
	return r.assemble(sell, buy, amount, stepList)
}

// routeWithNativeEdges peels the wrap/unwrap boundary off the request and
// delegates the interior to routeCore. Wrap can only be the first step and
// unwrap only the last, so both are handled here, never inside a fragment.
func (r *Router) routeWithNativeEdges(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) ([]steps.Step, error) {
	wrapped := r.registry.WrappedNative()
	native := r.registry.Native()

	switch {
	case sell.Native && buy.WrappedNative:
		wrap, err := steps.NewWrapStep(sell, buy, amount)
		if err != nil {
			return nil, err
		}
		return []steps.Step{wrap}, nil

	case sell.WrappedNative && buy.Native:
		unwrap, err := steps.NewUnwrapStep(sell, buy, amount)
		if err != nil {
			return nil, err
		}
		return []steps.Step{unwrap}, nil

	case sell.Native:
		if wrapped == nil {
			return nil, fmt.Errorf("%w: no wrapped form of %s registered", ErrNoRoute, sell)
		}
		wrap, err := steps.NewWrapStep(sell, wrapped, amount)
		if err != nil {
			return nil, err
		}
		rest, err := r.routeYieldingERC20(ctx, wrapped, buy, wrap.BuyAmount, slippagePct, opts)
		if err != nil {
			return nil, err
		}
		return append([]steps.Step{wrap}, rest...), nil

	case buy.Native:
		if wrapped == nil {
			return nil, fmt.Errorf("%w: no wrapped form of %s registered", ErrNoRoute, buy)
		}
		inner, err := r.routeYieldingERC20(ctx, sell, wrapped, amount, slippagePct, opts)
		if err != nil {
			return nil, err
		}
		acquired := inner[len(inner)-1].BuyAmount
		unwrap, err := steps.NewUnwrapStep(wrapped, native, acquired)
		if err != nil {
			return nil, err
		}
		return append(inner, unwrap), nil

	default:
		return r.routeYieldingERC20(ctx, sell, buy, amount, slippagePct, opts)
	}
}

// routeYieldingERC20 routes between two non-native assets. Selling an LP
// share can exit through either reserve, and which one realizes more of the
// buy asset depends on the downstream fragments, so both full routes are
// quoted and compared by realized output like any other candidate pair.
func (r *Router) routeYieldingERC20(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) ([]steps.Step, error) {
	if !sell.PoolShare {
		return r.routeToTarget(ctx, sell, buy, amount, slippagePct, opts)
	}

	pool, ok := r.poolByShare(sell)
	if !ok {
		return nil, fmt.Errorf("%w: no pool for share asset %s", ErrNoRoute, sell)
	}

	var cands []candidate
	var lastErr error
	for _, exitAsset := range exitReserves(pool) {
		exit, err := steps.QuotePoolExit(ctx, r.chain, pool, exitAsset, amount, slippagePct)
		if err != nil {
			lastErr = err
			continue
		}
		if assets.Same(exitAsset, buy) {
			cands = append(cands, candidate{steps: []steps.Step{exit}})
			continue
		}
		rest, err := r.routeToTarget(ctx, exitAsset, buy, exit.BuyAmount, slippagePct, opts)
		if err != nil {
			lastErr = err
			continue
		}
		cands = append(cands, candidate{steps: append([]steps.Step{exit}, rest...)})
	}

	best, ok := pickBest(cands)
	if !ok {
		return nil, noRoute(sell, buy, lastErr)
	}
	return best.steps, nil
}

// routeToTarget routes a fungible holding into buy: the swap fragment plus
// the add-liquidity fragment when buy is a pool share. Each fragment's quote
// feeds the next fragment's input amount.
func (r *Router) routeToTarget(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) ([]steps.Step, error) {
	var out []steps.Step
	cur := sell
	curAmount := amount

	// Work out what the swap fragment must deliver: the buy asset itself, or
	// the deposit asset of the add-liquidity fragment.
	swapTarget := buy
	var joinPool steps.Pool
	if buy.PoolShare {
		pool, ok := r.poolByShare(buy)
		if !ok {
			return nil, fmt.Errorf("%w: no pool for share asset %s", ErrNoRoute, buy)
		}
		joinPool = pool
		swapTarget = r.joinReserve(pool, opts)
	}

	// Swap fragment.
	if !assets.Same(cur, swapTarget) {
		swapSteps, err := r.swapFragment(ctx, cur, swapTarget, curAmount, slippagePct, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, swapSteps...)
		curAmount = swapSteps[len(swapSteps)-1].BuyAmount
		cur = swapTarget
	}

	// Add-liquidity fragment when buying into a pool.
	if buy.PoolShare {
		join, err := steps.QuotePoolJoin(ctx, r.chain, joinPool, cur, curAmount, slippagePct)
		if err != nil {
			return nil, err
		}
		out = append(out, join)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s resolved to an empty step list", ErrNoRoute, sell, buy)
	}
	return out, nil
}

// exitReserves orders a pool's reserves as single-sided exit candidates, hub
// reserve first so ties keep the cheaper onward leg.
func exitReserves(pool steps.Pool) []*assets.Asset {
	if pool.AssetB.Hub {
		return []*assets.Asset{pool.AssetB, pool.AssetA}
	}
	return []*assets.Asset{pool.AssetA, pool.AssetB}
}

// joinReserve picks the deposit asset of an add-liquidity leg: the override
// when the caller forced one, otherwise the hub reserve, otherwise the first
// reserve.
func (r *Router) joinReserve(pool steps.Pool, opts Options) *assets.Asset {
	if forced, ok := opts.LPRouteOverrides[pool.Share]; ok && pool.Has(forced) {
		return forced
	}
	if pool.AssetA.Hub {
		return pool.AssetA
	}
	if pool.AssetB.Hub {
		return pool.AssetB
	}
	return pool.AssetA
}

// assemble finalizes the RouteQuote from a chosen step list. Totals come from
// the first and last steps; the USD values are display-only.
func (r *Router) assemble(sell, buy *assets.Asset, amount assets.Amount, stepList []steps.Step) (*models.RouteQuote, error) {
	quote := &models.RouteQuote{
		SellAsset:  sell,
		BuyAsset:   buy,
		SellAmount: amount,
		Steps:      stepList,
	}
	if len(stepList) == 0 {
		// Identity: nothing to do, output equals input.
		quote.BuyAmount = amount
		quote.MinBuyAmount = amount
	} else {
		last := stepList[len(stepList)-1]
		quote.BuyAmount = last.BuyAmount
		quote.MinBuyAmount = last.MinBuyAmount
	}

	if price, err := r.prices.PriceUSD(sell); err == nil {
		quote.USDIn = amount.USD(price)
	}
	if price, err := r.prices.PriceUSD(buy); err == nil {
		quote.USDOut = quote.BuyAmount.USD(price)
	}

	routerLog.Info().
		Int("steps", len(stepList)).
		Str("buyAmount", quote.BuyAmount.Value.String()).
		Str("minBuyAmount", quote.MinBuyAmount.Value.String()).
		Msg("Route selected")
	return quote, nil
}

// poolFor returns the pool holding exactly the two given reserves.
func (r *Router) poolFor(a, b *assets.Asset) (steps.Pool, bool) {
	for _, p := range r.pools {
		if p.Has(a) && p.Has(b) {
			return p, true
		}
	}
	return steps.Pool{}, false
}

// poolsWith returns every pool holding the given reserve.
func (r *Router) poolsWith(a *assets.Asset) []steps.Pool {
	var out []steps.Pool
	for _, p := range r.pools {
		if p.Has(a) {
			out = append(out, p)
		}
	}
	return out
}

// poolByShare returns the pool minting the given share asset.
func (r *Router) poolByShare(share *assets.Asset) (steps.Pool, bool) {
	for _, p := range r.pools {
		if assets.Same(p.Share, share) {
			return p, true
		}
	}
	return steps.Pool{}, false
}
