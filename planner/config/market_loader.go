package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// marketFile is the TOML shape of the market definition: the asset universe,
// the protocol pools and the deployed contract addresses.
type marketFile struct {
	Contracts contractsSection `toml:"contracts"`
	Assets    []assetEntry     `toml:"assets"`
	Pools     []poolEntry      `toml:"pools"`
}

type contractsSection struct {
	Pipeline string `toml:"pipeline"`
	Executor string `toml:"executor"`
	Quoter   string `toml:"quoter"`
	Oracle   string `toml:"oracle"`
}

type assetEntry struct {
	Symbol        string `toml:"symbol"`
	Address       string `toml:"address"`
	Decimals      int32  `toml:"decimals"`
	Native        bool   `toml:"native"`
	WrappedNative bool   `toml:"wrapped_native"`
	Hub           bool   `toml:"hub"`
}

type poolEntry struct {
	Address string `toml:"address"`
	AssetA  string `toml:"asset_a"`
	AssetB  string `toml:"asset_b"`
	// Share describes the pool's LP token. Pools without one cannot be
	// joined or exited single-sided.
	ShareSymbol   string `toml:"share_symbol"`
	ShareAddress  string `toml:"share_address"`
	ShareDecimals int32  `toml:"share_decimals"`
}

// ContractAddresses are the parsed deployment addresses.
type ContractAddresses struct {
	Pipeline common.Address
	Executor common.Address
	Quoter   common.Address
	Oracle   common.Address
}

// Market is the loaded trading universe.
type Market struct {
	Registry  *assets.Registry
	Pools     []steps.Pool
	Contracts ContractAddresses
}

// MarketLoader loads market definitions and converts them to the interned
// types used by the router.
type MarketLoader struct{}

// NewMarketLoader creates a new market loader.
func NewMarketLoader() *MarketLoader {
	return &MarketLoader{}
}

// LoadFromFile loads a market definition from a TOML file.
func (l *MarketLoader) LoadFromFile(filePath string) (*Market, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read market file: %w", err)
	}

	var file marketFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse TOML market file: %w", err)
	}

	return l.Convert(&file)
}

// Convert builds the interned registry and pool list from the raw file shape.
// Plain assets are registered first so pool-share tokens can resolve their
// reserve assets.
func (l *MarketLoader) Convert(file *marketFile) (*Market, error) {
	if len(file.Assets) == 0 {
		return nil, fmt.Errorf("no assets in market file")
	}

	contracts, err := parseContracts(file.Contracts)
	if err != nil {
		return nil, err
	}

	registry := assets.NewRegistry()
	for _, entry := range file.Assets {
		addr, err := parseAddress(entry.Address, entry.Native)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", entry.Symbol, err)
		}
		if _, err := registry.Register(assets.Asset{
			Symbol:        entry.Symbol,
			Address:       addr,
			Decimals:      entry.Decimals,
			Native:        entry.Native,
			WrappedNative: entry.WrappedNative,
			Hub:           entry.Hub,
		}); err != nil {
			return nil, fmt.Errorf("asset %s: %w", entry.Symbol, err)
		}
	}

	pools := make([]steps.Pool, 0, len(file.Pools))
	for _, entry := range file.Pools {
		pool, err := convertPool(registry, entry)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}

	return &Market{Registry: registry, Pools: pools, Contracts: contracts}, nil
}

func convertPool(registry *assets.Registry, entry poolEntry) (steps.Pool, error) {
	addr, err := parseAddress(entry.Address, false)
	if err != nil {
		return steps.Pool{}, fmt.Errorf("pool %s: %w", entry.Address, err)
	}
	assetA, ok := registry.BySymbol(entry.AssetA)
	if !ok {
		return steps.Pool{}, fmt.Errorf("pool %s: unknown asset %s", entry.Address, entry.AssetA)
	}
	assetB, ok := registry.BySymbol(entry.AssetB)
	if !ok {
		return steps.Pool{}, fmt.Errorf("pool %s: unknown asset %s", entry.Address, entry.AssetB)
	}

	pool := steps.Pool{Address: addr, AssetA: assetA, AssetB: assetB}

	if entry.ShareSymbol != "" {
		shareAddr, err := parseAddress(entry.ShareAddress, false)
		if err != nil {
			return steps.Pool{}, fmt.Errorf("pool %s share token: %w", entry.Address, err)
		}
		share, err := registry.Register(assets.Asset{
			Symbol:    entry.ShareSymbol,
			Address:   shareAddr,
			Decimals:  entry.ShareDecimals,
			PoolShare: true,
			ReserveA:  assetA,
			ReserveB:  assetB,
		})
		if err != nil {
			return steps.Pool{}, fmt.Errorf("pool %s share token: %w", entry.Address, err)
		}
		pool.Share = share
	}

	return pool, nil
}

func parseContracts(section contractsSection) (ContractAddresses, error) {
	var out ContractAddresses
	for _, c := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"pipeline", section.Pipeline, &out.Pipeline},
		{"executor", section.Executor, &out.Executor},
		{"quoter", section.Quoter, &out.Quoter},
		{"oracle", section.Oracle, &out.Oracle},
	} {
		addr, err := parseAddress(c.raw, false)
		if err != nil {
			return ContractAddresses{}, fmt.Errorf("contracts.%s: %w", c.name, err)
		}
		*c.dst = addr
	}
	return out, nil
}

// parseAddress validates a hex address. The native coin is the only holder of
// an empty or zero address.
func parseAddress(raw string, allowEmpty bool) (common.Address, error) {
	if raw == "" {
		if allowEmpty {
			return common.Address{}, nil
		}
		return common.Address{}, fmt.Errorf("address is required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
