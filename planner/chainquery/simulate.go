package chainquery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/driftline-labs/trade-engine/planner/txplan"
)

// Simulate dry-runs a call list as one atomic batch through the executor's
// eth_call path. The executor returns per-call results in its own packed
// layout: uint16 count, then per call a uint64 gasUsed, uint32 length and the
// raw return data.
func (c *Client) Simulate(ctx context.Context, opts txplan.SimulateOptions, calls []txplan.Call) ([]txplan.CallResult, error) {
	p := txplan.New()
	for _, call := range calls {
		p.Add(call)
	}
	outer, err := p.Encode(c.contracts.Executor)
	if err != nil {
		return nil, fmt.Errorf("batch encoding failed: %w", err)
	}

	params := map[string]string{
		"to":   outer.Target.Hex(),
		"data": hexutil.Encode(outer.Payload),
	}
	if opts.From != (common.Address{}) {
		params["from"] = opts.From.Hex()
	}
	if opts.Value != nil && opts.Value.Sign() != 0 {
		params["value"] = hexutil.EncodeBig(opts.Value)
	}
	block := opts.Block
	if block == "" {
		block = "latest"
	}

	result, err := c.call(ctx, "eth_call", params, block)
	if err != nil {
		return nil, fmt.Errorf("batch simulation reverted: %w", err)
	}
	var hexResult string
	if err := json.Unmarshal(result, &hexResult); err != nil {
		return nil, fmt.Errorf("failed to parse simulation result: %w", err)
	}
	raw, err := hexutil.Decode(hexResult)
	if err != nil {
		return nil, err
	}
	return decodeBatchResults(raw, len(calls))
}

// ReadOnly performs each call individually as a state-free read.
func (c *Client) ReadOnly(ctx context.Context, calls []txplan.Call) ([][]byte, error) {
	out := make([][]byte, len(calls))
	for i, call := range calls {
		ret, err := c.ethCall(ctx, call.Target, call.Payload, "")
		if err != nil {
			return nil, fmt.Errorf("read %d of %d failed: %w", i+1, len(calls), err)
		}
		out[i] = ret
	}
	return out, nil
}

func decodeBatchResults(raw []byte, want int) ([]txplan.CallResult, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("simulation result too short: %d bytes", len(raw))
	}
	count := int(binary.BigEndian.Uint16(raw))
	if count != want {
		return nil, fmt.Errorf("simulation returned %d results for %d calls", count, want)
	}
	r := raw[2:]

	results := make([]txplan.CallResult, 0, count)
	for i := 0; i < count; i++ {
		if len(r) < 12 {
			return nil, fmt.Errorf("truncated result %d", i)
		}
		gasUsed := binary.BigEndian.Uint64(r)
		dataLen := int(binary.BigEndian.Uint32(r[8:]))
		r = r[12:]
		if len(r) < dataLen {
			return nil, fmt.Errorf("truncated return data of result %d", i)
		}
		results = append(results, txplan.CallResult{
			ReturnData: append([]byte(nil), r[:dataLen]...),
			GasUsed:    gasUsed,
		})
		r = r[dataLen:]
	}
	return results, nil
}

var _ txplan.Simulator = (*Client)(nil)
