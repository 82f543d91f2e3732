// Package txplan is the call-sequencing primitive underneath the route
// builder: an ordered, append-only list of low-level calls with a symbolic
// slot map, plus references that thread one call's runtime return data into a
// later call's payload. Pool reserves move between quoting and execution, so
// absolute amounts cannot be baked into every step; a SlotReference tells the
// batch executor to copy bytes from an earlier call's output at run time.
package txplan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/evmabi"
)

// Tag names a position in a plan's slot map. Tags are derived from asset
// identity rather than free-form strings so a mistyped tag cannot silently
// miss its slot.
type Tag string

// TagFor returns the canonical tag for "the call whose return data carries
// the acquired amount of this asset".
func TagFor(a *assets.Asset) Tag {
	return Tag("get-" + strings.ToLower(a.Address.Hex()))
}

// SlotReference addresses "copy bytes from call Position's return data into
// the consuming call's payload at execution time". It is a pure value; the
// caller is responsible for knowing the return-data layout of the referenced
// call.
type SlotReference struct {
	// Position is the index of the producing call within the plan.
	Position int
	// ReturnOffset is the byte offset within that call's return data.
	ReturnOffset int
	// PasteOffset is the byte offset within the consuming call's payload
	// that gets overwritten.
	PasteOffset int
}

// EncodeReference combines a call position, a return-data byte offset and a
// payload paste offset into a SlotReference. Pure sequencing glue: it does
// not inspect either call.
func EncodeReference(position, returnOffset, pasteOffset int) SlotReference {
	return SlotReference{Position: position, ReturnOffset: returnOffset, PasteOffset: pasteOffset}
}

// Call is one low-level call in a plan.
type Call struct {
	Target  common.Address
	Payload []byte
	// Value is the native-coin value sent with the call. Nil means zero.
	Value *big.Int
	// Refs are the runtime patches the executor applies to Payload before
	// performing the call.
	Refs []SlotReference
}

// Plan is an ordered, mutable sequence of calls owned by exactly one builder
// invocation. Appending is total and never fails; validation happens when the
// plan is encoded.
type Plan struct {
	calls []Call
	slots map[Tag]int
}

// New creates an empty plan.
func New() *Plan {
	return &Plan{slots: make(map[Tag]int)}
}

// Len returns the number of calls appended so far.
func (p *Plan) Len() int { return len(p.calls) }

// Add appends one call and returns its position.
func (p *Plan) Add(c Call) int {
	p.calls = append(p.calls, c)
	return len(p.calls) - 1
}

// AddTagged appends one call and records its position under tag.
func (p *Plan) AddTagged(c Call, tag Tag) int {
	pos := p.Add(c)
	p.slots[tag] = pos
	return pos
}

// Embed collapses a sub-plan into a single call of this plan, targeting the
// given batch executor. The sub-plan's own slot map does not leak into the
// outer plan; if tag is non-empty the embedded call's position is recorded
// under it.
func (p *Plan) Embed(sub *Plan, executor common.Address, tag Tag) (int, error) {
	c, err := sub.Encode(executor)
	if err != nil {
		return 0, fmt.Errorf("failed to embed sub-plan: %w", err)
	}
	if tag != "" {
		return p.AddTagged(c, tag), nil
	}
	return p.Add(c), nil
}

// Slot looks up the position recorded under tag. A missing tag is not an
// error: some steps fall back to a pre-computed amount when no upstream slot
// exists.
func (p *Plan) Slot(tag Tag) (int, bool) {
	pos, ok := p.slots[tag]
	return pos, ok
}

// Calls returns a copy of the call list.
func (p *Plan) Calls() []Call {
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Copy returns a deep copy with an independent slot map, so a returned plan
// can be reused without sharing payload buffers with the original.
func (p *Plan) Copy() *Plan {
	cp := &Plan{
		calls: make([]Call, len(p.calls)),
		slots: make(map[Tag]int, len(p.slots)),
	}
	for i, c := range p.calls {
		nc := Call{Target: c.Target}
		nc.Payload = append([]byte(nil), c.Payload...)
		if c.Value != nil {
			nc.Value = new(big.Int).Set(c.Value)
		}
		nc.Refs = append([]SlotReference(nil), c.Refs...)
		cp.calls[i] = nc
	}
	for t, pos := range p.slots {
		cp.slots[t] = pos
	}
	return cp
}

// ErrForwardReference is returned when a call references the return data of a
// call at the same or a later position.
var ErrForwardReference = errors.New("slot reference points at the same or a later call")

// Validate checks structural invariants: every reference points strictly
// backwards and every paste offset fits inside its payload.
func (p *Plan) Validate() error {
	for i, c := range p.calls {
		for _, ref := range c.Refs {
			if ref.Position >= i {
				return fmt.Errorf("call %d: %w (references %d)", i, ErrForwardReference, ref.Position)
			}
			if ref.Position < 0 || ref.ReturnOffset < 0 || ref.PasteOffset < 0 {
				return fmt.Errorf("call %d: negative slot reference", i)
			}
			if ref.PasteOffset+refWidth > len(c.Payload) {
				return fmt.Errorf("call %d: paste offset %d outside payload of %d bytes", i, ref.PasteOffset, len(c.Payload))
			}
		}
	}
	for tag, pos := range p.slots {
		if pos >= len(p.calls) {
			return fmt.Errorf("slot %q points past the call list (%d >= %d)", tag, pos, len(p.calls))
		}
	}
	return nil
}

// refWidth is the number of bytes an executor copies per reference: one ABI
// word, matching the fixed-width arguments this engine emits.
const refWidth = 32

// batchSignature is the outer entry point of the batch executor. The payload
// after the selector is the packed call list, not standard ABI encoding; the
// executor and DecodeCalls share the layout.
const batchSignature = "runBatch(bytes)"

var batchSelector = evmabi.Selector(batchSignature)

// Encode serializes the whole call list into exactly one outer call suitable
// for atomic submission to the batch executor. The plan itself is not
// mutated. Layout per call: 20-byte target, 32-byte value, uint16 ref count,
// refs as (uint16 position, uint32 returnOffset, uint32 pasteOffset), uint32
// payload length, payload.
func (p *Plan) Encode(executor common.Address) (Call, error) {
	if err := p.Validate(); err != nil {
		return Call{}, err
	}
	if len(p.calls) > 0xffff {
		return Call{}, fmt.Errorf("plan has %d calls, limit is %d", len(p.calls), 0xffff)
	}

	buf := make([]byte, 0, 64*len(p.calls))
	buf = append(buf, batchSelector[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.calls)))
	for _, c := range p.calls {
		buf = append(buf, c.Target.Bytes()...)
		var val [32]byte
		if c.Value != nil {
			c.Value.FillBytes(val[:])
		}
		buf = append(buf, val[:]...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Refs)))
		for _, ref := range c.Refs {
			buf = binary.BigEndian.AppendUint16(buf, uint16(ref.Position))
			buf = binary.BigEndian.AppendUint32(buf, uint32(ref.ReturnOffset))
			buf = binary.BigEndian.AppendUint32(buf, uint32(ref.PasteOffset))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Payload)))
		buf = append(buf, c.Payload...)
	}
	return Call{Target: executor, Payload: buf}, nil
}

// DecodeCalls recovers the ordered call list from a payload produced by
// Encode. Together with Encode it round-trips exactly.
func DecodeCalls(payload []byte) ([]Call, error) {
	if len(payload) < len(batchSelector)+2 {
		return nil, errors.New("payload too short for a batch")
	}
	if [4]byte(payload[:4]) != batchSelector {
		return nil, errors.New("payload does not start with the batch selector")
	}
	r := payload[4:]
	count := int(binary.BigEndian.Uint16(r))
	r = r[2:]

	calls := make([]Call, 0, count)
	for i := 0; i < count; i++ {
		if len(r) < 20+32+2 {
			return nil, fmt.Errorf("truncated call %d", i)
		}
		var c Call
		c.Target = common.BytesToAddress(r[:20])
		r = r[20:]
		value := new(big.Int).SetBytes(r[:32])
		if value.Sign() != 0 {
			c.Value = value
		}
		r = r[32:]
		refCount := int(binary.BigEndian.Uint16(r))
		r = r[2:]
		for j := 0; j < refCount; j++ {
			if len(r) < 10 {
				return nil, fmt.Errorf("truncated reference %d of call %d", j, i)
			}
			c.Refs = append(c.Refs, SlotReference{
				Position:     int(binary.BigEndian.Uint16(r)),
				ReturnOffset: int(binary.BigEndian.Uint32(r[2:])),
				PasteOffset:  int(binary.BigEndian.Uint32(r[6:])),
			})
			r = r[10:]
		}
		if len(r) < 4 {
			return nil, fmt.Errorf("truncated payload length of call %d", i)
		}
		plen := int(binary.BigEndian.Uint32(r))
		r = r[4:]
		if len(r) < plen {
			return nil, fmt.Errorf("truncated payload of call %d", i)
		}
		c.Payload = append([]byte(nil), r[:plen]...)
		r = r[plen:]
		calls = append(calls, c)
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after call list", len(r))
	}
	return calls, nil
}
