package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/models"
	"github.com/driftline-labs/trade-engine/planner/pricecache"
	"github.com/driftline-labs/trade-engine/planner/router"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// fixture wires a small but complete market: a hub, a wrapped native, two
// plain tokens, one LP share, and pools connecting them through the hub.
type fixture struct {
	reg  *assets.Registry
	nat  *assets.Asset
	wnat *assets.Asset
	hub  *assets.Asset
	usdc *assets.Asset
	tkn  *assets.Asset
	lp   *assets.Asset
	lp2  *assets.Asset
	orph *assets.Asset

	poolHubUsdc steps.Pool
	poolHubWnat steps.Pool
	poolHubTkn  steps.Pool

	chain *rateChain
	agg   *fakeAgg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := assets.NewRegistry()
	mustRegister := func(a assets.Asset) *assets.Asset {
		out, err := reg.Register(a)
		assert.NoError(t, err)
		return out
	}

	f := &fixture{reg: reg}
	f.nat = mustRegister(assets.Asset{Symbol: "NAT", Decimals: 18, Native: true})
	f.wnat = mustRegister(assets.Asset{
		Symbol:        "WNAT",
		Address:       common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Decimals:      18,
		WrappedNative: true,
	})
	f.hub = mustRegister(assets.Asset{
		Symbol:   "HUB",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Decimals: 18,
		Hub:      true,
	})
	f.usdc = mustRegister(assets.Asset{
		Symbol:   "USDC",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000003"),
		Decimals: 6,
	})
	f.tkn = mustRegister(assets.Asset{
		Symbol:   "TKN",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000005"),
		Decimals: 18,
	})
	f.lp = mustRegister(assets.Asset{
		Symbol:    "HUB-USDC-LP",
		Address:   common.HexToAddress("0x0000000000000000000000000000000000000004"),
		Decimals:  18,
		PoolShare: true,
		ReserveA:  f.hub,
		ReserveB:  f.usdc,
	})
	f.lp2 = mustRegister(assets.Asset{
		Symbol:    "HUB-TKN-LP",
		Address:   common.HexToAddress("0x0000000000000000000000000000000000000007"),
		Decimals:  18,
		PoolShare: true,
		ReserveA:  f.hub,
		ReserveB:  f.tkn,
	})
	f.orph = mustRegister(assets.Asset{
		Symbol:   "ORPH",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000006"),
		Decimals: 18,
	})

	f.poolHubUsdc = steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000010"),
		AssetA:  f.hub,
		AssetB:  f.usdc,
		Share:   f.lp,
	}
	f.poolHubWnat = steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000011"),
		AssetA:  f.hub,
		AssetB:  f.wnat,
	}
	f.poolHubTkn = steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000012"),
		AssetA:  f.hub,
		AssetB:  f.tkn,
		Share:   f.lp2,
	}

	f.chain = &rateChain{
		swap: map[common.Address]decimal.Decimal{
			f.poolHubUsdc.Address: dec("1"),
			f.poolHubWnat.Address: dec("1"),
			f.poolHubTkn.Address:  dec("1"),
		},
		join: dec("1"),
		exit: dec("1"),
	}
	f.agg = &fakeAgg{rate: dec("1")}
	return f
}

func (f *fixture) pools() []steps.Pool {
	return []steps.Pool{f.poolHubUsdc, f.poolHubWnat, f.poolHubTkn}
}

func (f *fixture) router(t *testing.T) *router.Router {
	t.Helper()
	prices := pricecache.New(staticPrices{f: f}, time.Minute)
	return router.New(f.reg, f.pools(), f.chain, f.agg, prices)
}

// rateChain quotes every pool at a per-pool constant multiplier.
type rateChain struct {
	swap map[common.Address]decimal.Decimal
	join decimal.Decimal
	exit decimal.Decimal
}

func (c *rateChain) SwapOut(_ context.Context, pool steps.Pool, sell *assets.Asset, in assets.Amount) (assets.Amount, error) {
	rate, ok := c.swap[pool.Address]
	if !ok {
		return assets.Amount{}, errors.New("no rate for pool")
	}
	out, _ := pool.Other(sell)
	return assets.NewAmount(out, in.Value.Mul(rate)), nil
}

func (c *rateChain) JoinPoolOut(_ context.Context, pool steps.Pool, _ *assets.Asset, in assets.Amount) (assets.Amount, error) {
	return assets.NewAmount(pool.Share, in.Value.Mul(c.join)), nil
}

func (c *rateChain) ExitPoolOut(_ context.Context, pool steps.Pool, tokenOut *assets.Asset, shares assets.Amount) (assets.Amount, error) {
	return assets.NewAmount(tokenOut, shares.Value.Mul(c.exit)), nil
}

type fakeAgg struct {
	rate decimal.Decimal
	err  error
}

func (a *fakeAgg) Quote(_ context.Context, req steps.AggregatorRequest) (*steps.AggregatorQuote, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &steps.AggregatorQuote{
		BuyAmount: assets.NewAmount(req.Buy, req.SellAmount.Value.Mul(a.rate)),
		Call: steps.AggregatorCall{
			To:              common.HexToAddress("0x0000000000000000000000000000000000000098"),
			Data:            []byte{0x01},
			AllowanceTarget: common.HexToAddress("0x0000000000000000000000000000000000000099"),
		},
	}, nil
}

type staticPrices struct{ f *fixture }

func (s staticPrices) FetchSnapshot(context.Context) (*pricecache.Snapshot, error) {
	return &pricecache.Snapshot{
		AssetPricesUSD: map[common.Address]decimal.Decimal{
			s.f.nat.Address:  dec("2"),
			s.f.wnat.Address: dec("2"),
			s.f.hub.Address:  dec("4"),
			s.f.usdc.Address: dec("1"),
			s.f.tkn.Address:  dec("3"),
			s.f.lp.Address:   dec("5"),
		},
		FetchedAt: time.Now(),
	}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func amt(t *testing.T, a *assets.Asset, s string) assets.Amount {
	t.Helper()
	out, err := assets.ParseAmount(a, s)
	assert.NoError(t, err)
	return out
}

// checkQuote asserts the structural invariants that hold for every returned
// route: the first step sells exactly the requested amount, each step's
// minimum never exceeds its quoted output, and adjacent steps chain assets.
func checkQuote(t *testing.T, q *models.RouteQuote, want assets.Amount) {
	t.Helper()
	if len(q.Steps) == 0 {
		return
	}
	assert.True(t, q.Steps[0].SellAmount.Value.Equal(want.Value))
	for i, s := range q.Steps {
		assert.True(t, s.MinBuyAmount.Cmp(s.BuyAmount) <= 0)
		if i > 0 {
			assert.True(t, assets.Same(q.Steps[i-1].Buy, s.Sell))
		}
	}
	last := q.Steps[len(q.Steps)-1]
	assert.True(t, q.BuyAmount.Value.Equal(last.BuyAmount.Value))
	assert.True(t, q.MinBuyAmount.Value.Equal(last.MinBuyAmount.Value))
}

func TestRouteIdentity(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)

	in := amt(t, f.usdc, "25")
	q, err := r.Route(context.Background(), f.usdc, f.usdc, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(q.Steps))
	assert.True(t, q.BuyAmount.Value.Equal(in.Value))
	assert.True(t, q.MinBuyAmount.Value.Equal(in.Value))

	_, err = r.Route(context.Background(), f.nat, f.nat, amt(t, f.nat, "1"), dec("1"), router.Options{})
	assert.True(t, errors.Is(err, router.ErrNativeIdentity))
}

func TestRouteValidation(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	ctx := context.Background()

	_, err := r.Route(ctx, f.hub, f.usdc, amt(t, f.hub, "0"), dec("1"), router.Options{})
	assert.True(t, errors.Is(err, steps.ErrNonPositiveAmount))

	_, err = r.Route(ctx, f.hub, f.usdc, amt(t, f.hub, "1"), dec("101"), router.Options{})
	assert.True(t, errors.Is(err, steps.ErrSlippageRange))
}

func TestDirectHubRoutes(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	ctx := context.Background()

	in := amt(t, f.hub, "10")
	q, err := r.Route(ctx, f.hub, f.usdc, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindPoolSwap, q.Steps[0].Kind)
	checkQuote(t, q, in)

	in = amt(t, f.usdc, "10")
	q, err = r.Route(ctx, f.usdc, f.hub, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	checkQuote(t, q, in)
}

func TestHigherOutputBeatsFewerHops(t *testing.T) {
	f := newFixture(t)
	// Add a direct HUB/ORPH pool with a poor rate; the two-hop path through
	// TKN pays out more and must win despite the extra hop.
	direct := steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000013"),
		AssetA:  f.hub,
		AssetB:  f.orph,
	}
	bridge := steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000014"),
		AssetA:  f.tkn,
		AssetB:  f.orph,
	}
	f.chain.swap[direct.Address] = dec("0.5")
	f.chain.swap[bridge.Address] = dec("1")

	prices := pricecache.New(staticPrices{f: f}, time.Minute)
	r := router.New(f.reg, append(f.pools(), direct, bridge), f.chain, f.agg, prices)

	in := amt(t, f.hub, "10")
	q, err := r.Route(context.Background(), f.hub, f.orph, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.True(t, assets.Same(f.tkn, q.Steps[0].Buy))
	assert.True(t, q.BuyAmount.Value.Equal(dec("10")))
	checkQuote(t, q, in)

	// Flip the rates and the direct pool wins.
	f.chain.swap[direct.Address] = dec("2")
	q, err = r.Route(context.Background(), f.hub, f.orph, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.True(t, q.BuyAmount.Value.Equal(dec("20")))
}

func TestNonHubLegPrefersBetterCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := amt(t, f.usdc, "100")

	// Aggregator pays 1.5x, the pool path through the hub pays 1x.
	f.agg.rate = dec("1.5")
	q, err := f.router(t).Route(ctx, f.usdc, f.tkn, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindAggregatorSwap, q.Steps[0].Kind)
	assert.NotNil(t, q.Steps[0].AggCall)
	checkQuote(t, q, in)

	// Pool path pays more: two hops through the hub win.
	f.agg.rate = dec("0.5")
	q, err = f.router(t).Route(ctx, f.usdc, f.tkn, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.True(t, assets.Same(f.hub, q.Steps[0].Buy))
	checkQuote(t, q, in)
}

func TestNonHubLegToleratesOneFailedSibling(t *testing.T) {
	f := newFixture(t)
	f.agg.err = errors.New("aggregator offline")

	in := amt(t, f.usdc, "100")
	q, err := f.router(t).Route(context.Background(), f.usdc, f.tkn, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	checkQuote(t, q, in)
}

func TestNativeEdges(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	ctx := context.Background()

	// Wrap only.
	in := amt(t, f.nat, "3")
	q, err := r.Route(ctx, f.nat, f.wnat, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindWrapNative, q.Steps[0].Kind)

	// Unwrap only.
	in = amt(t, f.wnat, "3")
	q, err = r.Route(ctx, f.wnat, f.nat, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindUnwrapNative, q.Steps[0].Kind)

	// Wrap, then route the wrapped form onward.
	in = amt(t, f.nat, "3")
	q, err = r.Route(ctx, f.nat, f.hub, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.Equal(t, steps.KindWrapNative, q.Steps[0].Kind)
	assert.Equal(t, steps.KindPoolSwap, q.Steps[1].Kind)
	checkQuote(t, q, in)

	// Route to the wrapped form, then unwrap last.
	in = amt(t, f.hub, "3")
	q, err = r.Route(ctx, f.hub, f.nat, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.Equal(t, steps.KindPoolSwap, q.Steps[0].Kind)
	assert.Equal(t, steps.KindUnwrapNative, q.Steps[1].Kind)
	checkQuote(t, q, in)
}

func TestRouteIntoPoolShare(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	ctx := context.Background()

	// Default join reserve is the hub: swap USDC -> HUB, then join.
	in := amt(t, f.usdc, "100")
	q, err := r.Route(ctx, f.usdc, f.lp, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.Equal(t, steps.KindPoolSwap, q.Steps[0].Kind)
	assert.Equal(t, steps.KindPoolJoinSingle, q.Steps[1].Kind)
	assert.True(t, assets.Same(f.hub, q.Steps[1].Sell))
	checkQuote(t, q, in)

	// Forcing the USDC reserve skips the swap fragment entirely.
	opts := router.Options{LPRouteOverrides: map[*assets.Asset]*assets.Asset{f.lp: f.usdc}}
	q, err = r.Route(ctx, f.usdc, f.lp, in, dec("1"), opts)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindPoolJoinSingle, q.Steps[0].Kind)
	assert.True(t, assets.Same(f.usdc, q.Steps[0].Sell))
}

func TestRouteOutOfPoolShare(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)

	// Exit pays out in the hub reserve, then swaps onward to USDC.
	in := amt(t, f.lp, "10")
	q, err := r.Route(context.Background(), f.lp, f.usdc, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.Equal(t, steps.KindPoolExitSingle, q.Steps[0].Kind)
	assert.True(t, assets.Same(f.hub, q.Steps[0].Buy))
	assert.Equal(t, steps.KindPoolSwap, q.Steps[1].Kind)
	checkQuote(t, q, in)

	// Exiting straight to the hub needs no swap fragment.
	q, err = r.Route(context.Background(), f.lp, f.hub, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(q.Steps))
	assert.Equal(t, steps.KindPoolExitSingle, q.Steps[0].Kind)
}

func TestRouteBetweenPoolShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := amt(t, f.lp, "10")

	// Equal rates everywhere: exiting to the hub reserve and joining directly
	// wins the tie.
	q, err := f.router(t).Route(ctx, f.lp, f.lp2, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(q.Steps))
	assert.Equal(t, steps.KindPoolExitSingle, q.Steps[0].Kind)
	assert.Equal(t, steps.KindPoolJoinSingle, q.Steps[1].Kind)
	assert.True(t, assets.Same(f.hub, q.Steps[0].Buy))
	checkQuote(t, q, in)

	// A favorable USDC -> HUB rate makes the non-hub exit worth the extra
	// pool swap in the middle.
	f.chain.swap[f.poolHubUsdc.Address] = dec("2")
	q, err = f.router(t).Route(ctx, f.lp, f.lp2, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(q.Steps))
	assert.Equal(t, steps.KindPoolExitSingle, q.Steps[0].Kind)
	assert.Equal(t, steps.KindPoolSwap, q.Steps[1].Kind)
	assert.Equal(t, steps.KindPoolJoinSingle, q.Steps[2].Kind)
	assert.True(t, assets.Same(f.usdc, q.Steps[0].Buy))
	checkQuote(t, q, in)

	// Forcing the join through TKN with a dominant aggregator quote yields
	// exit -> aggregator swap -> join.
	f.chain.swap[f.poolHubUsdc.Address] = dec("1")
	f.agg.rate = dec("3")
	opts := router.Options{LPRouteOverrides: map[*assets.Asset]*assets.Asset{f.lp2: f.tkn}}
	q, err = f.router(t).Route(ctx, f.lp, f.lp2, in, dec("1"), opts)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(q.Steps))
	assert.Equal(t, steps.KindPoolExitSingle, q.Steps[0].Kind)
	assert.Equal(t, steps.KindAggregatorSwap, q.Steps[1].Kind)
	assert.Equal(t, steps.KindPoolJoinSingle, q.Steps[2].Kind)
	assert.True(t, assets.Same(f.tkn, q.Steps[2].Sell))
	checkQuote(t, q, in)
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t)
	f.agg.err = errors.New("aggregator offline")
	r := f.router(t)

	// ORPH has no pool at all and the aggregator is down.
	_, err := r.Route(context.Background(), f.usdc, f.orph, amt(t, f.usdc, "1"), dec("1"), router.Options{})
	assert.True(t, errors.Is(err, router.ErrNoRoute))
}

func TestRouteReportsUSDTotals(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)

	in := amt(t, f.hub, "10")
	q, err := r.Route(context.Background(), f.hub, f.usdc, in, dec("1"), router.Options{})
	assert.NoError(t, err)
	assert.True(t, q.USDIn.Equal(dec("40")))
	assert.True(t, q.USDOut.Equal(dec("10")))
}
