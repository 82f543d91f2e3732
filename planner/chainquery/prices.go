package chainquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/evmabi"
	"github.com/driftline-labs/trade-engine/planner/pricecache"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// Oracle fixed-point scales. Prices come back as integers with 8 decimals,
// imbalance ratios with 18.
const (
	priceScale     = 8
	imbalanceScale = 18
)

const (
	sigPriceUSD  = "getPriceUSD(address)"
	sigImbalance = "getImbalanceRatio(address)"
)

// maxConcurrentReads caps parallel oracle calls per snapshot fetch.
const maxConcurrentReads = 4

// PriceSource fetches full pricing snapshots from the on-chain oracle. It
// implements the price cache's source boundary over the failover client.
type PriceSource struct {
	client   *Client
	registry *assets.Registry
	pools    []steps.Pool
}

// NewPriceSource creates a snapshot source reading prices for every
// registered asset and imbalance for every known pool.
func NewPriceSource(client *Client, registry *assets.Registry, pools []steps.Pool) *PriceSource {
	return &PriceSource{client: client, registry: registry, pools: pools}
}

// FetchSnapshot reads all asset prices and pool imbalances in one pass.
// Reads run concurrently; any single failed read fails the snapshot, the
// cache keeps serving the previous one.
func (s *PriceSource) FetchSnapshot(ctx context.Context) (*pricecache.Snapshot, error) {
	snap := &pricecache.Snapshot{
		AssetPricesUSD: make(map[common.Address]decimal.Decimal),
		PoolImbalance:  make(map[common.Address]decimal.Decimal),
		FetchedAt:      time.Now(),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)

	for _, a := range s.registry.All() {
		g.Go(func() error {
			// The oracle prices the native coin through its wrapped form.
			addr := a.Address
			if a.Native {
				wrapped := s.registry.WrappedNative()
				if wrapped == nil {
					return nil
				}
				addr = wrapped.Address
			}
			price, err := s.priceUSD(ctx, addr)
			if err != nil {
				return fmt.Errorf("price read for %s: %w", a.Symbol, err)
			}
			mu.Lock()
			snap.AssetPricesUSD[a.Address] = price
			mu.Unlock()
			return nil
		})
	}

	for _, p := range s.pools {
		g.Go(func() error {
			ratio, err := s.imbalance(ctx, p.Address)
			if err != nil {
				return fmt.Errorf("imbalance read for %s: %w", p, err)
			}
			mu.Lock()
			snap.PoolImbalance[p.Address] = ratio
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Debug().
		Int("assets", len(snap.AssetPricesUSD)).
		Int("pools", len(snap.PoolImbalance)).
		Msg("Oracle snapshot fetched")
	return snap, nil
}

func (s *PriceSource) priceUSD(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	ret, err := s.client.ethCall(ctx, s.client.contracts.Oracle,
		evmabi.Pack(sigPriceUSD, evmabi.AddressWord(asset)), "")
	if err != nil {
		return decimal.Decimal{}, err
	}
	raw, err := evmabi.UintFromReturn(ret, 0)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(raw, -priceScale), nil
}

func (s *PriceSource) imbalance(ctx context.Context, pool common.Address) (decimal.Decimal, error) {
	ret, err := s.client.ethCall(ctx, s.client.contracts.Oracle,
		evmabi.Pack(sigImbalance, evmabi.AddressWord(pool)), "")
	if err != nil {
		return decimal.Decimal{}, err
	}
	raw, err := evmabi.UintFromReturn(ret, 0)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(raw, -imbalanceScale), nil
}

var _ pricecache.Source = (*PriceSource)(nil)
