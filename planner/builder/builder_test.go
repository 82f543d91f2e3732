package builder_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/builder"
	"github.com/driftline-labs/trade-engine/planner/evmabi"
	"github.com/driftline-labs/trade-engine/planner/models"
	"github.com/driftline-labs/trade-engine/planner/steps"
	"github.com/driftline-labs/trade-engine/planner/txplan"
)

var (
	pipeline  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	executor  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	caller    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type market struct {
	nat  *assets.Asset
	wnat *assets.Asset
	hub  *assets.Asset
	usdc *assets.Asset
	lp   *assets.Asset

	poolHubUsdc  steps.Pool
	poolUsdcWnat steps.Pool
}

func newMarket(t *testing.T) *market {
	t.Helper()
	reg := assets.NewRegistry()
	mustRegister := func(a assets.Asset) *assets.Asset {
		out, err := reg.Register(a)
		assert.NoError(t, err)
		return out
	}

	m := &market{}
	m.nat = mustRegister(assets.Asset{Symbol: "NAT", Decimals: 18, Native: true})
	m.wnat = mustRegister(assets.Asset{
		Symbol:        "WNAT",
		Address:       common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Decimals:      18,
		WrappedNative: true,
	})
	m.hub = mustRegister(assets.Asset{
		Symbol:   "HUB",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Decimals: 18,
		Hub:      true,
	})
	m.usdc = mustRegister(assets.Asset{
		Symbol:   "USDC",
		Address:  common.HexToAddress("0x0000000000000000000000000000000000000003"),
		Decimals: 6,
	})
	m.lp = mustRegister(assets.Asset{
		Symbol:    "HUB-USDC-LP",
		Address:   common.HexToAddress("0x0000000000000000000000000000000000000004"),
		Decimals:  18,
		PoolShare: true,
		ReserveA:  m.hub,
		ReserveB:  m.usdc,
	})
	m.poolHubUsdc = steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000010"),
		AssetA:  m.hub,
		AssetB:  m.usdc,
		Share:   m.lp,
	}
	m.poolUsdcWnat = steps.Pool{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000011"),
		AssetA:  m.usdc,
		AssetB:  m.wnat,
	}
	return m
}

func amt(t *testing.T, a *assets.Asset, s string) assets.Amount {
	t.Helper()
	out, err := assets.ParseAmount(a, s)
	assert.NoError(t, err)
	return out
}

func poolSwap(t *testing.T, pool steps.Pool, sell, buy *assets.Asset, in, out string) steps.Step {
	t.Helper()
	p := pool
	return steps.Step{
		Kind:            steps.KindPoolSwap,
		Sell:            sell,
		Buy:             buy,
		SellAmount:      amt(t, sell, in),
		BuyAmount:       amt(t, buy, out),
		MinBuyAmount:    amt(t, buy, out),
		Slippage:        decimal.Zero,
		AllowanceTarget: pool.Address,
		Pool:            &p,
	}
}

func wrapStep(t *testing.T, m *market, in string) steps.Step {
	t.Helper()
	s, err := steps.NewWrapStep(m.nat, m.wnat, amt(t, m.nat, in))
	assert.NoError(t, err)
	return s
}

func unwrapStep(t *testing.T, m *market, in string) steps.Step {
	t.Helper()
	s, err := steps.NewUnwrapStep(m.wnat, m.nat, amt(t, m.wnat, in))
	assert.NoError(t, err)
	return s
}

func quoteOf(list ...steps.Step) *models.RouteQuote {
	return &models.RouteQuote{Steps: list}
}

func build(t *testing.T, m *market, q *models.RouteQuote) *txplan.Plan {
	t.Helper()
	b := builder.New(pipeline, executor)
	plan, err := b.Build(q, builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.NoError(t, err)
	assert.NoError(t, plan.Validate())
	return plan
}

func TestBuildEmptyRoute(t *testing.T) {
	b := builder.New(pipeline, executor)
	_, err := b.Build(quoteOf(), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrEmptyRoute))
}

func TestOrderingRules(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)
	swap := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "20")
	exit := steps.Step{
		Kind:            steps.KindPoolExitSingle,
		Sell:            m.lp,
		Buy:             m.hub,
		SellAmount:      amt(t, m.lp, "1"),
		BuyAmount:       amt(t, m.hub, "2"),
		MinBuyAmount:    amt(t, m.hub, "2"),
		AllowanceTarget: m.poolHubUsdc.Address,
		Pool:            &m.poolHubUsdc,
	}

	_, err := b.Build(quoteOf(swap, wrapStep(t, m, "1")), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrWrapNotFirst))

	_, err = b.Build(quoteOf(unwrapStep(t, m, "1"), swap), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrUnwrapNotLast))

	_, err = b.Build(quoteOf(swap, exit), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrExitNotFirst))

	_, err = b.Build(quoteOf(exit, swap), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrExitChained))
}

func TestSingleSwapLowering(t *testing.T) {
	m := newMarket(t)
	swap := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "19.5")
	plan := build(t, m, quoteOf(swap))

	calls := plan.Calls()
	assert.Equal(t, 4, len(calls))

	// Load pulls the input from the caller.
	assert.Equal(t, pipeline, calls[0].Target)
	wantLoad := evmabi.Pack("load(address,address,uint256,uint8)",
		evmabi.AddressWord(m.hub.Address),
		evmabi.AddressWord(caller),
		evmabi.UintWord(swap.SellAmount.BaseUnits()),
		evmabi.Uint64Word(0),
	)
	assert.True(t, bytes.Equal(wantLoad, calls[0].Payload))

	// Approve on the sold token for the pool.
	assert.Equal(t, m.hub.Address, calls[1].Target)
	wantApprove := evmabi.Pack("approve(address,uint256)",
		evmabi.AddressWord(m.poolHubUsdc.Address),
		evmabi.UintWord(swap.SellAmount.BaseUnits()),
	)
	assert.True(t, bytes.Equal(wantApprove, calls[1].Payload))

	// The exchange itself, tagged with the acquired asset.
	assert.Equal(t, m.poolHubUsdc.Address, calls[2].Target)
	wantSwap := evmabi.Pack("swapExactIn(address,address,uint256,uint256,address)",
		evmabi.AddressWord(m.hub.Address),
		evmabi.AddressWord(m.usdc.Address),
		evmabi.UintWord(swap.SellAmount.BaseUnits()),
		evmabi.UintWord(swap.MinBuyAmount.BaseUnits()),
		evmabi.AddressWord(pipeline),
	)
	assert.True(t, bytes.Equal(wantSwap, calls[2].Payload))
	pos, ok := plan.Slot(txplan.TagFor(m.usdc))
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	// First leg works from the loaded literal amount, no runtime patches.
	assert.Equal(t, 0, len(calls[1].Refs))
	assert.Equal(t, 0, len(calls[2].Refs))

	// Sweep pays the acquired token out.
	assert.Equal(t, pipeline, calls[3].Target)
	wantSweep := evmabi.Pack("sweep(address,address,uint8)",
		evmabi.AddressWord(m.usdc.Address),
		evmabi.AddressWord(recipient),
		evmabi.Uint64Word(0),
	)
	assert.True(t, bytes.Equal(wantSweep, calls[3].Payload))

	_, err := plan.Encode(executor)
	assert.NoError(t, err)
}

func TestCustodyModesOnLoadAndSweep(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)
	swap := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "20")

	plan, err := b.Build(quoteOf(swap), builder.SourceInternalTolerant, builder.DestInternal, caller, recipient)
	assert.NoError(t, err)
	calls := plan.Calls()

	// Source mode rides in the last word of the load call.
	last := calls[0].Payload[len(calls[0].Payload)-1]
	assert.Equal(t, byte(3), last)

	last = calls[len(calls)-1].Payload[len(calls[len(calls)-1].Payload)-1]
	assert.Equal(t, byte(1), last)
}

func TestLoadSkippedWhenCallerIsPipeline(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)
	swap := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "20")

	plan, err := b.Build(quoteOf(swap), builder.SourceExternal, builder.DestExternal, pipeline, recipient)
	assert.NoError(t, err)
	calls := plan.Calls()
	assert.Equal(t, 3, len(calls))
	assert.Equal(t, m.hub.Address, calls[0].Target)
}

func TestSweepSkippedWhenRecipientIsPipeline(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)
	swap := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "20")

	plan, err := b.Build(quoteOf(swap), builder.SourceExternal, builder.DestExternal, caller, pipeline)
	assert.NoError(t, err)
	calls := plan.Calls()
	assert.Equal(t, 3, len(calls))
	assert.Equal(t, m.poolHubUsdc.Address, calls[2].Target)
}

func TestWrapCarriesValueAndSkipsLoad(t *testing.T) {
	m := newMarket(t)
	wrap := wrapStep(t, m, "2.5")
	swap := poolSwap(t, m.poolUsdcWnat, m.wnat, m.usdc, "2.5", "5")
	plan := build(t, m, quoteOf(wrap, swap))

	calls := plan.Calls()
	// deposit, approve, swap, sweep. No load: the input is the call value.
	assert.Equal(t, 4, len(calls))

	assert.Equal(t, m.wnat.Address, calls[0].Target)
	assert.True(t, bytes.Equal(evmabi.Pack("deposit()"), calls[0].Payload))
	assert.Equal(t, "2500000000000000000", calls[0].Value.String())

	// Wrapping is exact 1:1 and deposit() returns nothing, so the swap leg
	// spends its literal quoted amount instead of a runtime patch.
	assert.Equal(t, 0, len(calls[1].Refs))
	assert.Equal(t, 0, len(calls[2].Refs))
	wantSwap := evmabi.Pack("swapExactIn(address,address,uint256,uint256,address)",
		evmabi.AddressWord(m.wnat.Address),
		evmabi.AddressWord(m.usdc.Address),
		evmabi.UintWord(swap.SellAmount.BaseUnits()),
		evmabi.UintWord(swap.MinBuyAmount.BaseUnits()),
		evmabi.AddressWord(pipeline),
	)
	assert.True(t, bytes.Equal(wantSwap, calls[2].Payload))
}

func TestTwoHopSlotThreading(t *testing.T) {
	m := newMarket(t)
	first := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "40")
	second := poolSwap(t, m.poolUsdcWnat, m.usdc, m.wnat, "40", "20")
	plan := build(t, m, quoteOf(first, second))

	calls := plan.Calls()
	// load, approve, swap, approve, swap, sweep.
	assert.Equal(t, 6, len(calls))

	firstSwapPos, ok := plan.Slot(txplan.TagFor(m.usdc))
	assert.True(t, ok)
	assert.Equal(t, 2, firstSwapPos)

	assert.Equal(t, 1, len(calls[3].Refs))
	assert.DeepEqual(t,
		txplan.SlotReference{Position: 2, ReturnOffset: 0, PasteOffset: evmabi.ArgOffset(1)},
		calls[3].Refs[0])
	assert.Equal(t, 1, len(calls[4].Refs))
	assert.DeepEqual(t,
		txplan.SlotReference{Position: 2, ReturnOffset: 0, PasteOffset: evmabi.ArgOffset(2)},
		calls[4].Refs[0])

	// Final sweep pays out the second leg's buy asset.
	wantSweep := evmabi.Pack("sweep(address,address,uint8)",
		evmabi.AddressWord(m.wnat.Address),
		evmabi.AddressWord(recipient),
		evmabi.Uint64Word(0),
	)
	assert.True(t, bytes.Equal(wantSweep, calls[5].Payload))
}

func TestPoolLegRequiresUpstreamSlot(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)

	// The second leg sells WNAT but nothing upstream acquired it.
	first := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "40")
	broken := poolSwap(t, m.poolUsdcWnat, m.wnat, m.usdc, "1", "2")

	_, err := b.Build(quoteOf(first, broken), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.True(t, errors.Is(err, builder.ErrMissingSlot))
}

func TestJoinAndExitOffsets(t *testing.T) {
	m := newMarket(t)
	first := poolSwap(t, m.poolHubUsdc, m.usdc, m.hub, "100", "25")
	join := steps.Step{
		Kind:            steps.KindPoolJoinSingle,
		Sell:            m.hub,
		Buy:             m.lp,
		SellAmount:      amt(t, m.hub, "25"),
		BuyAmount:       amt(t, m.lp, "12"),
		MinBuyAmount:    amt(t, m.lp, "11"),
		AllowanceTarget: m.poolHubUsdc.Address,
		Pool:            &m.poolHubUsdc,
	}
	plan := build(t, m, quoteOf(first, join))

	calls := plan.Calls()
	assert.Equal(t, 6, len(calls))
	wantJoin := evmabi.Pack("joinPoolSingle(address,uint256,uint256,address)",
		evmabi.AddressWord(m.hub.Address),
		evmabi.UintWord(join.SellAmount.BaseUnits()),
		evmabi.UintWord(join.MinBuyAmount.BaseUnits()),
		evmabi.AddressWord(pipeline),
	)
	assert.True(t, bytes.Equal(wantJoin, calls[4].Payload))
	// Join amount sits one word in, unlike a swap's third word.
	assert.DeepEqual(t,
		txplan.SlotReference{Position: 2, ReturnOffset: 0, PasteOffset: evmabi.ArgOffset(1)},
		calls[4].Refs[0])

	exit := steps.Step{
		Kind:            steps.KindPoolExitSingle,
		Sell:            m.lp,
		Buy:             m.usdc,
		SellAmount:      amt(t, m.lp, "12"),
		BuyAmount:       amt(t, m.usdc, "90"),
		MinBuyAmount:    amt(t, m.usdc, "89"),
		AllowanceTarget: m.poolHubUsdc.Address,
		Pool:            &m.poolHubUsdc,
	}
	plan = build(t, m, quoteOf(exit))
	calls = plan.Calls()
	assert.Equal(t, 4, len(calls))
	wantExit := evmabi.Pack("exitPoolSingle(address,uint256,uint256,address)",
		evmabi.AddressWord(m.usdc.Address),
		evmabi.UintWord(exit.SellAmount.BaseUnits()),
		evmabi.UintWord(exit.MinBuyAmount.BaseUnits()),
		evmabi.AddressWord(pipeline),
	)
	assert.True(t, bytes.Equal(wantExit, calls[2].Payload))
	assert.Equal(t, 0, len(calls[2].Refs))
}

func TestUnwrapPayout(t *testing.T) {
	m := newMarket(t)
	swap := poolSwap(t, m.poolUsdcWnat, m.usdc, m.wnat, "100", "50")
	unwrap := unwrapStep(t, m, "50")
	plan := build(t, m, quoteOf(swap, unwrap))

	calls := plan.Calls()
	// load, approve, swap, withdraw, sweepNative.
	assert.Equal(t, 5, len(calls))

	assert.Equal(t, m.wnat.Address, calls[3].Target)
	assert.Equal(t, 1, len(calls[3].Refs))
	assert.DeepEqual(t,
		txplan.SlotReference{Position: 2, ReturnOffset: 0, PasteOffset: evmabi.ArgOffset(0)},
		calls[3].Refs[0])

	wantSweep := evmabi.Pack("sweepNative(address,uint8)",
		evmabi.AddressWord(recipient),
		evmabi.Uint64Word(0),
	)
	assert.True(t, bytes.Equal(wantSweep, calls[4].Payload))
}

func TestAggregatorReplay(t *testing.T) {
	m := newMarket(t)
	allowance := common.HexToAddress("0x0000000000000000000000000000000000000099")
	aggTo := common.HexToAddress("0x0000000000000000000000000000000000000098")
	agg := steps.Step{
		Kind:            steps.KindAggregatorSwap,
		Sell:            m.usdc,
		Buy:             m.wnat,
		SellAmount:      amt(t, m.usdc, "100"),
		BuyAmount:       amt(t, m.wnat, "50"),
		MinBuyAmount:    amt(t, m.wnat, "49"),
		AllowanceTarget: allowance,
		AggCall: &steps.AggregatorCall{
			To:              aggTo,
			Data:            []byte{0xca, 0xfe, 0xba, 0xbe, 1, 2, 3},
			AllowanceTarget: allowance,
		},
	}
	plan := build(t, m, quoteOf(agg))

	calls := plan.Calls()
	// load, approve, aggregator call, sweep.
	assert.Equal(t, 4, len(calls))

	wantApprove := evmabi.Pack("approve(address,uint256)",
		evmabi.AddressWord(allowance),
		evmabi.UintWord(agg.SellAmount.BaseUnits()),
	)
	assert.True(t, bytes.Equal(wantApprove, calls[1].Payload))

	// The quoted calldata is replayed byte for byte, never patched.
	assert.Equal(t, aggTo, calls[2].Target)
	assert.True(t, bytes.Equal(agg.AggCall.Data, calls[2].Payload))
	assert.Equal(t, 0, len(calls[2].Refs))

	pos, ok := plan.Slot(txplan.TagFor(m.wnat))
	assert.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestAggregatorStepWithoutCall(t *testing.T) {
	m := newMarket(t)
	b := builder.New(pipeline, executor)
	agg := steps.Step{
		Kind:         steps.KindAggregatorSwap,
		Sell:         m.usdc,
		Buy:          m.wnat,
		SellAmount:   amt(t, m.usdc, "100"),
		BuyAmount:    amt(t, m.wnat, "50"),
		MinBuyAmount: amt(t, m.wnat, "49"),
	}
	_, err := b.Build(quoteOf(agg), builder.SourceExternal, builder.DestExternal, caller, recipient)
	assert.Error(t, err)
}

func TestBuildIsDeterministic(t *testing.T) {
	m := newMarket(t)
	first := poolSwap(t, m.poolHubUsdc, m.hub, m.usdc, "10", "40")
	second := poolSwap(t, m.poolUsdcWnat, m.usdc, m.wnat, "40", "20")
	q := quoteOf(first, second)

	a := build(t, m, q)
	b := build(t, m, q)

	encA, err := a.Encode(executor)
	assert.NoError(t, err)
	encB, err := b.Encode(executor)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(encA.Payload, encB.Payload))
}

func TestCustodyParsing(t *testing.T) {
	for _, spelling := range []string{"external", "internal", "internal_external", "internal_tolerant"} {
		mode, err := builder.ParseSourceCustody(spelling)
		assert.NoError(t, err)
		assert.Equal(t, spelling, mode.String())
	}
	_, err := builder.ParseSourceCustody("bogus")
	assert.Error(t, err)

	for _, spelling := range []string{"external", "internal"} {
		mode, err := builder.ParseDestCustody(spelling)
		assert.NoError(t, err)
		assert.Equal(t, spelling, mode.String())
	}
	_, err = builder.ParseDestCustody("sideways")
	assert.Error(t, err)
}
