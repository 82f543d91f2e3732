package chainquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/evmabi"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// ethCall performs a read against the given contract. An empty block pins
// nothing and reads latest state.
func (c *Client) ethCall(ctx context.Context, to common.Address, data []byte, block string) ([]byte, error) {
	if block == "" {
		block = "latest"
	}
	result, err := c.call(ctx, "eth_call", map[string]string{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}, block)
	if err != nil {
		return nil, err
	}

	var hexResult string
	if err := json.Unmarshal(result, &hexResult); err != nil {
		return nil, fmt.Errorf("failed to parse eth_call result: %w", err)
	}
	return hexutil.Decode(hexResult)
}

// View function signatures on the quoter contract.
const (
	sigSwapOut = "getSwapOut(address,address,address,uint256)"
	sigJoinOut = "getAddLiquidityOut(address,address,uint256)"
	sigExitOut = "getRemoveLiquidityOneTokenOut(address,address,uint256)"
)

// SwapOut quotes the output of an exact-in swap through pool.
func (c *Client) SwapOut(ctx context.Context, pool steps.Pool, sell *assets.Asset, amountIn assets.Amount) (assets.Amount, error) {
	buy, ok := pool.Other(sell)
	if !ok {
		return assets.Amount{}, fmt.Errorf("%s is not in %s", sell.Symbol, pool)
	}
	data := evmabi.Pack(sigSwapOut,
		evmabi.AddressWord(pool.Address),
		evmabi.AddressWord(sell.Address),
		evmabi.AddressWord(buy.Address),
		evmabi.UintWord(amountIn.BaseUnits()),
	)
	ret, err := c.ethCall(ctx, c.contracts.Quoter, data, "")
	if err != nil {
		return assets.Amount{}, fmt.Errorf("swap quote failed for %s: %w", pool, err)
	}
	out, err := evmabi.UintFromReturn(ret, 0)
	if err != nil {
		return assets.Amount{}, err
	}
	return assets.AmountFromBaseUnits(buy, out), nil
}

// JoinPoolOut quotes the LP shares minted for depositing only tokenIn.
func (c *Client) JoinPoolOut(ctx context.Context, pool steps.Pool, tokenIn *assets.Asset, amountIn assets.Amount) (assets.Amount, error) {
	if pool.Share == nil {
		return assets.Amount{}, fmt.Errorf("%s has no share token", pool)
	}
	data := evmabi.Pack(sigJoinOut,
		evmabi.AddressWord(pool.Address),
		evmabi.AddressWord(tokenIn.Address),
		evmabi.UintWord(amountIn.BaseUnits()),
	)
	ret, err := c.ethCall(ctx, c.contracts.Quoter, data, "")
	if err != nil {
		return assets.Amount{}, fmt.Errorf("join quote failed for %s: %w", pool, err)
	}
	shares, err := evmabi.UintFromReturn(ret, 0)
	if err != nil {
		return assets.Amount{}, err
	}
	return assets.AmountFromBaseUnits(pool.Share, shares), nil
}

// ExitPoolOut quotes the single-asset output of burning shares for tokenOut.
func (c *Client) ExitPoolOut(ctx context.Context, pool steps.Pool, tokenOut *assets.Asset, shares assets.Amount) (assets.Amount, error) {
	data := evmabi.Pack(sigExitOut,
		evmabi.AddressWord(pool.Address),
		evmabi.AddressWord(tokenOut.Address),
		evmabi.UintWord(shares.BaseUnits()),
	)
	ret, err := c.ethCall(ctx, c.contracts.Quoter, data, "")
	if err != nil {
		return assets.Amount{}, fmt.Errorf("exit quote failed for %s: %w", pool, err)
	}
	out, err := evmabi.UintFromReturn(ret, 0)
	if err != nil {
		return assets.Amount{}, err
	}
	return assets.AmountFromBaseUnits(tokenOut, out), nil
}

var _ steps.ChainReader = (*Client)(nil)
