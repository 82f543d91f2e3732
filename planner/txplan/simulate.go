package txplan

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SimulateOptions configures a dry run of a plan.
type SimulateOptions struct {
	// From is the account the simulation executes as.
	From common.Address
	// Value is the native-coin value attached to the outer call. Nil means zero.
	Value *big.Int
	// Block pins the state the simulation runs against. Empty means latest.
	Block string
}

// CallResult is the decoded outcome of one call within a simulated batch.
type CallResult struct {
	ReturnData []byte
	GasUsed    uint64
}

// Simulator executes a call list against live or forked chain state without
// submitting anything. Implemented by the chainquery client; faked in tests.
type Simulator interface {
	// Simulate runs the calls as one atomic batch and returns per-call
	// results, or the revert reason as an error.
	Simulate(ctx context.Context, opts SimulateOptions, calls []Call) ([]CallResult, error)
	// ReadOnly performs the calls individually as state-free reads and
	// returns the raw return data of each.
	ReadOnly(ctx context.Context, calls []Call) ([][]byte, error)
}

// Simulate dry-runs the plan through sim. The plan is never mutated; a failed
// simulation leaves it reusable.
func (p *Plan) Simulate(ctx context.Context, sim Simulator, opts SimulateOptions) ([]CallResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return sim.Simulate(ctx, opts, p.Calls())
}

// ReadOnly executes the plan's calls as individual reads and returns the raw
// results.
func (p *Plan) ReadOnly(ctx context.Context, sim Simulator) ([][]byte, error) {
	return sim.ReadOnly(ctx, p.Calls())
}
