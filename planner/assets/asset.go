// Package assets holds the process-wide asset universe and the exact-decimal
// Amount type the rest of the planner computes with. Assets are interned
// singletons: every component that mentions a token holds the same pointer,
// and equality is identity plus symbol, never structural comparison.
package assets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is an immutable descriptor for one token the planner can route.
type Asset struct {
	// Symbol is the human-readable ticker (e.g. "USDC", "WNAT").
	Symbol  string
	Address common.Address
	// Decimals is the on-chain precision of the token.
	Decimals int32

	// Capability flags. A token carries at most one of Native/WrappedNative;
	// Hub marks the protocol's primary pairing asset; PoolShare marks LP tokens.
	Native        bool
	WrappedNative bool
	Hub           bool
	PoolShare     bool

	// ReserveA and ReserveB are the two underlying reserve assets of a
	// pool-share token. Nil for everything else.
	ReserveA *Asset
	ReserveB *Asset
}

// Same reports whether two assets are the same interned token.
// Identity comparison is authoritative; the address+symbol fallback covers
// assets loaded by independent registries in tests.
func Same(a, b *Asset) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	return a.Address == b.Address && a.Symbol == b.Symbol
}

// IsZeroAddress reports whether the asset uses the zero address, the
// convention for the chain's native coin.
func (a *Asset) IsZeroAddress() bool {
	return a.Address == (common.Address{})
}

func (a *Asset) String() string {
	if a == nil {
		return "<nil asset>"
	}
	return a.Symbol
}

// Registry interns assets so that every lookup for the same token returns the
// same pointer. It is built once at startup from configuration and is
// read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	byAddress map[common.Address]*Asset
	bySymbol  map[string]*Asset
	native    *Asset
	wrapped   *Asset
	hub       *Asset
}

// NewRegistry creates an empty asset registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddress: make(map[common.Address]*Asset),
		bySymbol:  make(map[string]*Asset),
	}
}

// Register interns the given asset. Registering the same address twice with
// an identical descriptor returns the already-interned pointer, so config
// reloads cannot split identity; a descriptor that disagrees with the
// interned one is an error rather than a silent merge.
func (r *Registry) Register(a Asset) (*Asset, error) {
	if a.Symbol == "" {
		return nil, fmt.Errorf("asset %s has no symbol", a.Address.Hex())
	}
	flags := 0
	for _, set := range []bool{a.Native, a.WrappedNative, a.Hub, a.PoolShare} {
		if set {
			flags++
		}
	}
	if flags > 1 {
		return nil, fmt.Errorf("asset %s carries more than one role flag", a.Symbol)
	}
	if a.PoolShare && (a.ReserveA == nil || a.ReserveB == nil) {
		return nil, fmt.Errorf("pool-share asset %s is missing its reserve assets", a.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAddress[a.Address]; ok && !a.Native {
		if !sameDescriptor(existing, a) {
			return nil, fmt.Errorf("asset %s at %s conflicts with registered %s", a.Symbol, a.Address.Hex(), existing.Symbol)
		}
		return existing, nil
	}

	interned := new(Asset)
	*interned = a
	if !a.Native {
		// Native shares the zero address with nothing else worth indexing.
		r.byAddress[a.Address] = interned
	}
	r.bySymbol[strings.ToUpper(a.Symbol)] = interned

	switch {
	case a.Native:
		r.native = interned
	case a.WrappedNative:
		r.wrapped = interned
	case a.Hub:
		r.hub = interned
	}
	return interned, nil
}

// sameDescriptor reports whether a new registration repeats the interned
// asset exactly, reserve identity included.
func sameDescriptor(existing *Asset, a Asset) bool {
	return existing.Symbol == a.Symbol &&
		existing.Decimals == a.Decimals &&
		existing.Native == a.Native &&
		existing.WrappedNative == a.WrappedNative &&
		existing.Hub == a.Hub &&
		existing.PoolShare == a.PoolShare &&
		Same(existing.ReserveA, a.ReserveA) &&
		Same(existing.ReserveB, a.ReserveB)
}

// ByAddress looks an asset up by its on-chain address.
func (r *Registry) ByAddress(addr common.Address) (*Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAddress[addr]
	return a, ok
}

// BySymbol looks an asset up by ticker, case-insensitively.
func (r *Registry) BySymbol(symbol string) (*Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySymbol[strings.ToUpper(symbol)]
	return a, ok
}

// Native returns the chain's native coin, or nil if none was registered.
func (r *Registry) Native() *Asset { r.mu.RLock(); defer r.mu.RUnlock(); return r.native }

// WrappedNative returns the wrapped form of the native coin.
func (r *Registry) WrappedNative() *Asset { r.mu.RLock(); defer r.mu.RUnlock(); return r.wrapped }

// Hub returns the protocol's primary pairing asset.
func (r *Registry) Hub() *Asset { r.mu.RLock(); defer r.mu.RUnlock(); return r.hub }

// All returns every registered asset. Order is unspecified.
func (r *Registry) All() []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Asset, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		out = append(out, a)
	}
	return out
}
