// Package builder lowers a quoted route into one atomically-executable plan.
// It walks the step list and emits, per leg, the custody and approve calls
// plus the exchange call, threading each leg's runtime output into the next
// leg's input through slot references instead of literal amounts wherever the
// leg is not the first. Absolute amounts cannot be baked in everywhere: pool
// reserves move between the moment a quote is taken and the moment the batch
// executes.
package builder

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/driftline-labs/trade-engine/planner/evmabi"
	"github.com/driftline-labs/trade-engine/planner/models"
	"github.com/driftline-labs/trade-engine/planner/steps"
	"github.com/driftline-labs/trade-engine/planner/txplan"
)

var buildLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	buildLog = zerolog.New(out).With().Timestamp().Str("component", "builder").Logger()
}

// Ordering and lowering rules, named so a rejected build identifies exactly
// what was violated. None of these are enforced by the steps themselves; the
// builder owns position semantics.
var (
	ErrEmptyRoute    = errors.New("route has no steps to build")
	ErrWrapNotFirst  = errors.New("wrap step must be at position 0")
	ErrUnwrapNotLast = errors.New("unwrap step must be the last step")
	ErrExitNotFirst  = errors.New("single-sided exit must be the first step")
	ErrExitChained   = errors.New("single-sided exit cannot feed downstream steps")
	ErrMissingSlot   = errors.New("required upstream slot is missing")
)

// Builder lowers routes for one deployment: the pipeline is the shared
// execution context that holds funds between legs, the executor is the batch
// contract a finished plan is encoded against.
type Builder struct {
	pipeline common.Address
	executor common.Address
}

// New creates a builder for the given pipeline and executor contracts.
func New(pipeline, executor common.Address) *Builder {
	return &Builder{pipeline: pipeline, executor: executor}
}

// Pipeline returns the shared execution context address.
func (b *Builder) Pipeline() common.Address { return b.pipeline }

// Executor returns the batch executor address.
func (b *Builder) Executor() common.Address { return b.executor }

// sourceModeByte is the wire encoding of the load call's mode argument.
func sourceModeByte(c SourceCustody) uint64 {
	switch c {
	case SourceExternal:
		return 0
	case SourceInternal:
		return 1
	case SourceInternalExternal:
		return 2
	case SourceInternalTolerant:
		return 3
	default:
		return 0
	}
}

func destModeByte(c DestCustody) uint64 {
	if c == DestInternal {
		return 1
	}
	return 0
}

// checkOrdering enforces the position invariants before anything is emitted.
func checkOrdering(list []steps.Step) error {
	last := len(list) - 1
	for i, s := range list {
		switch s.Kind {
		case steps.KindWrapNative:
			if i != 0 {
				return fmt.Errorf("%w: found at position %d", ErrWrapNotFirst, i)
			}
		case steps.KindUnwrapNative:
			if i != last {
				return fmt.Errorf("%w: found at position %d of %d", ErrUnwrapNotLast, i, len(list))
			}
		case steps.KindPoolExitSingle:
			if i != 0 {
				return fmt.Errorf("%w: found at position %d", ErrExitNotFirst, i)
			}
			if last != 0 {
				return fmt.Errorf("%w: %d further steps", ErrExitChained, last)
			}
		case steps.KindPoolSwap, steps.KindAggregatorSwap, steps.KindPoolJoinSingle:
			// Position-free kinds.
		}
	}
	return nil
}

// Build lowers the quote into a finished plan. Building is a pure function
// of its inputs: identical arguments produce identical call payloads and
// slot maps.
func (b *Builder) Build(quote *models.RouteQuote, src SourceCustody, dst DestCustody, caller, recipient common.Address) (*txplan.Plan, error) {
	list := quote.Steps
	if len(list) == 0 {
		return nil, ErrEmptyRoute
	}
	if err := checkOrdering(list); err != nil {
		return nil, err
	}

	buildLog.Debug().
		Int("steps", len(list)).
		Stringer("sourceCustody", src).
		Stringer("destCustody", dst).
		Msg("Lowering route")

	plan := txplan.New()

	// Load the input into the execution context. A leading wrap step carries
	// the input as native value on the deposit call itself, so no token load
	// exists in that case; wrap forces the tolerant posture at the boundary.
	first := list[0]
	if first.Kind != steps.KindWrapNative && caller != b.pipeline {
		plan.Add(txplan.Call{
			Target: b.pipeline,
			Payload: evmabi.Pack("load(address,address,uint256,uint8)",
				evmabi.AddressWord(first.Sell.Address),
				evmabi.AddressWord(caller),
				evmabi.UintWord(first.SellAmount.BaseUnits()),
				evmabi.Uint64Word(sourceModeByte(src)),
			),
		})
	}

	for i, s := range list {
		// A leg after a wrap also works from its literal quoted amount: the
		// conversion is exact 1:1 and deposit() returns no data to reference.
		literal := i == 0 || list[i-1].Kind == steps.KindWrapNative
		if err := b.emitStep(plan, s, literal); err != nil {
			return nil, err
		}
	}

	// Pay out, unless the recipient is the execution context itself.
	if recipient != b.pipeline {
		final := list[len(list)-1]
		if final.Kind == steps.KindUnwrapNative {
			plan.Add(txplan.Call{
				Target: b.pipeline,
				Payload: evmabi.Pack("sweepNative(address,uint8)",
					evmabi.AddressWord(recipient),
					evmabi.Uint64Word(destModeByte(dst)),
				),
			})
		} else {
			plan.Add(txplan.Call{
				Target: b.pipeline,
				Payload: evmabi.Pack("sweep(address,address,uint8)",
					evmabi.AddressWord(final.Buy.Address),
					evmabi.AddressWord(recipient),
					evmabi.Uint64Word(destModeByte(dst)),
				),
			})
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// upstreamRef resolves the slot feeding this step's input: the tagged call
// that acquired the sell asset. The returned position references the first
// return word of that call.
func upstreamRef(plan *txplan.Plan, s steps.Step, pasteOffset int) (txplan.SlotReference, bool) {
	pos, ok := plan.Slot(txplan.TagFor(s.Sell))
	if !ok {
		return txplan.SlotReference{}, false
	}
	return txplan.EncodeReference(pos, 0, pasteOffset), true
}

// emitStep appends the calls for one leg. Exhaustive over every step kind.
// literal means the leg spends its quoted amount as-is instead of patching it
// from an upstream slot.
func (b *Builder) emitStep(plan *txplan.Plan, s steps.Step, literal bool) error {
	switch s.Kind {
	case steps.KindWrapNative:
		// deposit() on the wrapped token, input carried as call value. The
		// call returns no data, so it is not tagged.
		plan.Add(txplan.Call{
			Target:  s.Buy.Address,
			Payload: evmabi.Pack("deposit()"),
			Value:   s.SellAmount.BaseUnits(),
		})
		return nil

	case steps.KindUnwrapNative:
		call := txplan.Call{
			Target: s.Sell.Address,
			Payload: evmabi.Pack("withdraw(uint256)",
				evmabi.UintWord(s.SellAmount.BaseUnits()),
			),
		}
		if !literal {
			ref, ok := upstreamRef(plan, s, evmabi.ArgOffset(0))
			if !ok {
				return fmt.Errorf("%w: %s step needs the acquired %s amount", ErrMissingSlot, s.Kind, s.Sell.Symbol)
			}
			call.Refs = append(call.Refs, ref)
		}
		plan.AddTagged(call, txplan.TagFor(s.Buy))
		return nil

	case steps.KindPoolSwap:
		return b.emitPoolCall(plan, s, literal,
			"swapExactIn(address,address,uint256,uint256,address)",
			[][evmabi.WordSize]byte{
				evmabi.AddressWord(s.Sell.Address),
				evmabi.AddressWord(s.Buy.Address),
				evmabi.UintWord(s.SellAmount.BaseUnits()),
				evmabi.UintWord(s.MinBuyAmount.BaseUnits()),
				evmabi.AddressWord(b.pipeline),
			},
			evmabi.ArgOffset(2),
			true,
		)

	case steps.KindPoolJoinSingle:
		return b.emitPoolCall(plan, s, literal,
			"joinPoolSingle(address,uint256,uint256,address)",
			[][evmabi.WordSize]byte{
				evmabi.AddressWord(s.Sell.Address),
				evmabi.UintWord(s.SellAmount.BaseUnits()),
				evmabi.UintWord(s.MinBuyAmount.BaseUnits()),
				evmabi.AddressWord(b.pipeline),
			},
			evmabi.ArgOffset(1),
			true,
		)

	case steps.KindPoolExitSingle:
		// Always first by the ordering rules, so no upstream ref exists.
		return b.emitPoolCall(plan, s, true,
			"exitPoolSingle(address,uint256,uint256,address)",
			[][evmabi.WordSize]byte{
				evmabi.AddressWord(s.Buy.Address),
				evmabi.UintWord(s.SellAmount.BaseUnits()),
				evmabi.UintWord(s.MinBuyAmount.BaseUnits()),
				evmabi.AddressWord(b.pipeline),
			},
			evmabi.ArgOffset(1),
			true,
		)

	case steps.KindAggregatorSwap:
		if s.AggCall == nil {
			return fmt.Errorf("aggregator step without a quoted call")
		}
		// The aggregator payload is opaque: it is replayed verbatim with the
		// quoted amount, tolerating a missing upstream slot by design.
		plan.Add(txplan.Call{
			Target: s.Sell.Address,
			Payload: evmabi.Pack("approve(address,uint256)",
				evmabi.AddressWord(s.AggCall.AllowanceTarget),
				evmabi.UintWord(s.SellAmount.BaseUnits()),
			),
		})
		plan.AddTagged(txplan.Call{
			Target:  s.AggCall.To,
			Payload: append([]byte(nil), s.AggCall.Data...),
			Value:   s.AggCall.Value,
		}, txplan.TagFor(s.Buy))
		return nil

	default:
		return fmt.Errorf("unhandled step kind %s", s.Kind)
	}
}

// emitPoolCall appends the approve-then-exchange pair for a pool-backed leg.
// When the leg does not spend a literal amount, both the approval and the
// exchange amount are patched at run time from the upstream slot; pool-backed
// legs require that slot.
func (b *Builder) emitPoolCall(plan *txplan.Plan, s steps.Step, literal bool, signature string, words [][evmabi.WordSize]byte, amountOffset int, requireSlot bool) error {
	var ref txplan.SlotReference
	haveRef := false
	if !literal {
		var ok bool
		ref, ok = upstreamRef(plan, s, 0)
		if !ok {
			if requireSlot {
				return fmt.Errorf("%w: %s step needs the acquired %s amount", ErrMissingSlot, s.Kind, s.Sell.Symbol)
			}
		} else {
			haveRef = true
		}
	}

	approve := txplan.Call{
		Target: s.Sell.Address,
		Payload: evmabi.Pack("approve(address,uint256)",
			evmabi.AddressWord(s.AllowanceTarget),
			evmabi.UintWord(s.SellAmount.BaseUnits()),
		),
	}
	if haveRef {
		approve.Refs = append(approve.Refs,
			txplan.EncodeReference(ref.Position, ref.ReturnOffset, evmabi.ArgOffset(1)))
	}
	plan.Add(approve)

	exchange := txplan.Call{
		Target:  s.Pool.Address,
		Payload: evmabi.Pack(signature, words...),
	}
	if haveRef {
		exchange.Refs = append(exchange.Refs,
			txplan.EncodeReference(ref.Position, ref.ReturnOffset, amountOffset))
	}
	plan.AddTagged(exchange, txplan.TagFor(s.Buy))
	return nil
}
