// Package pricecache keeps a periodically refreshed snapshot of per-asset
// USD prices and per-pool imbalance. The snapshot is only ever used to rank
// route candidates and to report USD totals; correctness-critical amounts
// always come from live quotes.
package pricecache

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/driftline-labs/trade-engine/planner/assets"
)

var cacheLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	cacheLog = zerolog.New(out).With().Timestamp().Str("component", "pricecache").Logger()
}

// Snapshot is one consistent read of the pricing state.
type Snapshot struct {
	// AssetPricesUSD maps asset address to its USD price. The native coin is
	// keyed by the zero address.
	AssetPricesUSD map[common.Address]decimal.Decimal
	// PoolImbalance maps pool address to its current imbalance ratio.
	PoolImbalance map[common.Address]decimal.Decimal
	FetchedAt     time.Time
}

// Source fetches a fresh snapshot, typically from the on-chain price oracle.
type Source interface {
	FetchSnapshot(ctx context.Context) (*Snapshot, error)
}

// ErrNoSnapshot is returned when a price is read before any refresh succeeded.
var ErrNoSnapshot = errors.New("price cache has no snapshot yet")

// Cache is the single long-lived shared object in the engine. Reads take a
// shared lock; the write path is serialized through singleflight so a forced
// refresh while another refresh is in flight joins it instead of racing a
// half-written snapshot.
type Cache struct {
	source Source
	ttl    time.Duration

	mu    sync.RWMutex
	snap  *Snapshot
	group singleflight.Group
}

// New creates a cache over source with the given staleness budget.
func New(source Source, ttl time.Duration) *Cache {
	return &Cache{source: source, ttl: ttl}
}

// EnsureFresh refreshes the snapshot if it is missing or older than the TTL.
// Callers quoting routes invoke this lazily before ranking candidates.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && time.Since(snap.FetchedAt) < c.ttl {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches a new snapshot. Concurrent callers share one in-flight
// fetch.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		snap, err := c.source.FetchSnapshot(ctx)
		if err != nil {
			cacheLog.Warn().Err(err).Msg("Price refresh failed")
			return nil, err
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = time.Now()
		}
		c.mu.Lock()
		c.snap = snap
		c.mu.Unlock()
		cacheLog.Debug().
			Int("assets", len(snap.AssetPricesUSD)).
			Int("pools", len(snap.PoolImbalance)).
			Msg("Price snapshot refreshed")
		return nil, nil
	})
	return err
}

// PriceUSD returns the cached USD price of an asset.
func (c *Cache) PriceUSD(a *assets.Asset) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return decimal.Decimal{}, ErrNoSnapshot
	}
	price, ok := c.snap.AssetPricesUSD[a.Address]
	if !ok {
		return decimal.Decimal{}, errors.New("no cached price for " + a.Symbol)
	}
	return price, nil
}

// PoolImbalance returns the cached imbalance ratio of a pool, or zero when
// unknown. Imbalance only influences candidate ordering, never amounts.
func (c *Cache) PoolImbalance(pool common.Address) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return decimal.Decimal{}
	}
	return c.snap.PoolImbalance[pool]
}

// Age returns how old the current snapshot is, or a negative duration when
// there is none.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return -1
	}
	return time.Since(c.snap.FetchedAt)
}
