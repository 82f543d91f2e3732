package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// swapFragment quotes the middle fragment of a route: sell one fungible
// token for another, neither of them native. Dispatch is exhaustive over the
// hub-asset cases; the tie-break everywhere is higher realized output, never
// fewer hops.
func (r *Router) swapFragment(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) ([]steps.Step, error) {
	switch {
	case sell.Hub:
		return r.hubSellLeg(ctx, sell, buy, amount, slippagePct)
	case buy.Hub:
		return r.hubBuyLeg(ctx, sell, buy, amount, slippagePct)
	default:
		return r.nonHubLeg(ctx, sell, buy, amount, slippagePct, opts)
	}
}

// candidate is one fully quoted alternative for a fragment.
type candidate struct {
	steps []steps.Step
}

func (c candidate) out() assets.Amount {
	return c.steps[len(c.steps)-1].BuyAmount
}

// pickBest returns the candidate with the larger realized output.
func pickBest(cands []candidate) (candidate, bool) {
	best := -1
	for i, c := range cands {
		if best < 0 || c.out().Cmp(cands[best].out()) > 0 {
			best = i
		}
	}
	if best < 0 {
		return candidate{}, false
	}
	return cands[best], true
}

// hubSellLeg routes hub -> target. Candidates: the direct pool, and the best
// intermediary pool ranked by realized USD output of its first hop. Whichever
// yields more target tokens wins.
func (r *Router) hubSellLeg(ctx context.Context, hub, target *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal) ([]steps.Step, error) {
	var cands []candidate
	var lastErr error

	if pool, ok := r.poolFor(hub, target); ok {
		direct, err := steps.QuotePoolSwap(ctx, r.chain, pool, hub, target, amount, slippagePct)
		if err != nil {
			lastErr = err
		} else {
			cands = append(cands, candidate{steps: []steps.Step{direct}})
		}
	}

	// First hops out of the hub, ranked by USD value of the received
	// intermediary, descending. The first one that also reaches the target
	// through a second pool is the hub-routed candidate.
	type firstHop struct {
		step  steps.Step
		value decimal.Decimal
	}
	var hops []firstHop
	for _, pool := range r.poolsWith(hub) {
		mid, ok := pool.Other(hub)
		if !ok || assets.Same(mid, target) || mid.PoolShare {
			continue
		}
		if _, ok := r.poolFor(mid, target); !ok {
			continue
		}
		hop, err := steps.QuotePoolSwap(ctx, r.chain, pool, hub, mid, amount, slippagePct)
		if err != nil {
			lastErr = err
			continue
		}
		hops = append(hops, firstHop{step: hop, value: r.rankValue(hop.BuyAmount)})
	}
	sort.Slice(hops, func(i, j int) bool { return hops[i].value.GreaterThan(hops[j].value) })

	for _, hop := range hops {
		secondPool, _ := r.poolFor(hop.step.Buy, target)
		second, err := steps.QuotePoolSwap(ctx, r.chain, secondPool, hop.step.Buy, target, hop.step.BuyAmount, slippagePct)
		if err != nil {
			lastErr = err
			continue
		}
		cands = append(cands, candidate{steps: []steps.Step{hop.step, second}})
		break
	}

	best, ok := pickBest(cands)
	if !ok {
		return nil, noRoute(hub, target, lastErr)
	}
	return best.steps, nil
}

// hubBuyLeg routes source -> hub. Candidates: the direct pool, and the best
// two-hop path ranked by realized hub output.
func (r *Router) hubBuyLeg(ctx context.Context, source, hub *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal) ([]steps.Step, error) {
	var cands []candidate
	var lastErr error

	if pool, ok := r.poolFor(source, hub); ok {
		direct, err := steps.QuotePoolSwap(ctx, r.chain, pool, source, hub, amount, slippagePct)
		if err != nil {
			lastErr = err
		} else {
			cands = append(cands, candidate{steps: []steps.Step{direct}})
		}
	}

	var twoHop []candidate
	for _, pool := range r.poolsWith(source) {
		mid, ok := pool.Other(source)
		if !ok || mid.Hub || mid.PoolShare {
			continue
		}
		midPool, ok := r.poolFor(mid, hub)
		if !ok {
			continue
		}
		first, err := steps.QuotePoolSwap(ctx, r.chain, pool, source, mid, amount, slippagePct)
		if err != nil {
			lastErr = err
			continue
		}
		second, err := steps.QuotePoolSwap(ctx, r.chain, midPool, mid, hub, first.BuyAmount, slippagePct)
		if err != nil {
			lastErr = err
			continue
		}
		twoHop = append(twoHop, candidate{steps: []steps.Step{first, second}})
	}
	if best, ok := pickBest(twoHop); ok {
		cands = append(cands, best)
	}

	best, ok := pickBest(cands)
	if !ok {
		return nil, noRoute(source, hub, lastErr)
	}
	return best.steps, nil
}

// nonHubLeg routes between two non-hub tokens: the better of an aggregator
// quote and a pool-to-pool quote, issued concurrently and compared only after
// both resolve. A single failed sibling is tolerated; both failing is fatal.
func (r *Router) nonHubLeg(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal, opts Options) ([]steps.Step, error) {
	var (
		aggSteps  []steps.Step
		aggErr    error
		poolSteps []steps.Step
		poolErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		step, err := steps.QuoteAggregatorSwap(gctx, r.agg, steps.AggregatorRequest{
			Sell:            sell,
			Buy:             buy,
			SellAmount:      amount,
			Taker:           opts.Taker,
			SlippagePct:     slippagePct,
			ExcludedSources: opts.ExcludedSources,
		})
		if err != nil {
			aggErr = err
			return nil
		}
		aggSteps = []steps.Step{step}
		return nil
	})
	g.Go(func() error {
		stepsOut, err := r.poolToPool(gctx, sell, buy, amount, slippagePct)
		if err != nil {
			poolErr = err
			return nil
		}
		poolSteps = stepsOut
		return nil
	})
	_ = g.Wait()

	var cands []candidate
	if aggSteps != nil {
		cands = append(cands, candidate{steps: aggSteps})
	}
	if poolSteps != nil {
		cands = append(cands, candidate{steps: poolSteps})
	}
	if aggErr != nil {
		routerLog.Debug().Err(aggErr).Msg("Aggregator candidate unavailable")
	}
	if poolErr != nil {
		routerLog.Debug().Err(poolErr).Msg("Pool-to-pool candidate unavailable")
	}

	best, ok := pickBest(cands)
	if !ok {
		if aggErr != nil {
			return nil, noRoute(sell, buy, aggErr)
		}
		return nil, noRoute(sell, buy, poolErr)
	}
	return best.steps, nil
}

// poolToPool quotes sell -> buy entirely through protocol pools: directly
// when a shared pool exists, otherwise through the hub asset.
func (r *Router) poolToPool(ctx context.Context, sell, buy *assets.Asset, amount assets.Amount, slippagePct decimal.Decimal) ([]steps.Step, error) {
	if pool, ok := r.poolFor(sell, buy); ok {
		step, err := steps.QuotePoolSwap(ctx, r.chain, pool, sell, buy, amount, slippagePct)
		if err != nil {
			return nil, err
		}
		return []steps.Step{step}, nil
	}

	hub := r.registry.Hub()
	if hub == nil {
		return nil, fmt.Errorf("%w: no hub asset registered", ErrNoRoute)
	}
	inPool, ok := r.poolFor(sell, hub)
	if !ok {
		return nil, fmt.Errorf("%w: no pool for %s/%s", ErrNoRoute, sell, hub)
	}
	outPool, ok := r.poolFor(hub, buy)
	if !ok {
		return nil, fmt.Errorf("%w: no pool for %s/%s", ErrNoRoute, hub, buy)
	}

	first, err := steps.QuotePoolSwap(ctx, r.chain, inPool, sell, hub, amount, slippagePct)
	if err != nil {
		return nil, err
	}
	second, err := steps.QuotePoolSwap(ctx, r.chain, outPool, hub, buy, first.BuyAmount, slippagePct)
	if err != nil {
		return nil, err
	}
	return []steps.Step{first, second}, nil
}

// rankValue turns an amount into its USD value for candidate ordering,
// falling back to the raw amount when no price is cached.
func (r *Router) rankValue(a assets.Amount) decimal.Decimal {
	price, err := r.prices.PriceUSD(a.Asset)
	if err != nil {
		return a.Value
	}
	return a.USD(price)
}

func noRoute(sell, buy *assets.Asset, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrNoRoute, sell, buy, cause)
	}
	return fmt.Errorf("%w: %s -> %s", ErrNoRoute, sell, buy)
}
