package assets

import (
	"fmt"
	"sync"

	"github.com/otcmesh/broker-node/types"
)

var (
	// ErrUnknownAsset is returned when a canonical asset code is not registered.
	ErrUnknownAsset = fmt.Errorf("unknown asset")
	// ErrUnknownChain is returned when a chain id is not registered.
	ErrUnknownChain = fmt.Errorf("unknown chain")
)

// DefaultDust is the residual-balance threshold used when an asset does not
// configure its own: balances at or below it are treated as zero.
var DefaultDust = types.MustDecimal("0.000001")

// Canonical builds the canonical asset code, which is always suffixed by the
// chain id so the same ticker on two chains never collides.
func Canonical(code, chain string) string {
	return code + ":" + chain
}

// Asset describes one transferable asset on one chain.
type Asset struct {
	Code      string        `json:"code"`
	Chain     string        `json:"chain"`
	Canonical string        `json:"canonical"`
	Decimals  int32         `json:"decimals"`
	Native    bool          `json:"native"`
	Contract  string        `json:"contract,omitempty"` // token contract for non-native assets
	Dust      types.Decimal `json:"dust"`
}

// ChainParams carries the engine-relevant parameters of one chain.
type ChainParams struct {
	ChainID               string          `json:"chainId"`
	Kind                  types.ChainKind `json:"kind"`
	CollectConfirmations  int64           `json:"collectConfirmations"`  // deposit eligibility threshold
	RequiredConfirmations int64           `json:"requiredConfirmations"` // outgoing payout completion threshold
}

// Registry resolves canonical asset codes and chain parameters. It is safe
// for concurrent use; registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	chains map[string]*ChainParams
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[string]*Asset),
		chains: make(map[string]*ChainParams),
	}
}

// RegisterChain adds or replaces the parameters of a chain.
func (r *Registry) RegisterChain(p ChainParams) error {
	if p.ChainID == "" {
		return fmt.Errorf("chain id is empty")
	}
	if p.CollectConfirmations <= 0 || p.RequiredConfirmations <= 0 {
		return fmt.Errorf("chain %s: confirmation thresholds must be positive", p.ChainID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.chains[p.ChainID] = &cp
	return nil
}

// RegisterAsset adds or replaces an asset. The chain must be registered
// first. The canonical code is derived, and a default dust threshold is
// applied when none is set.
func (r *Registry) RegisterAsset(a Asset) error {
	if a.Code == "" || a.Chain == "" {
		return fmt.Errorf("asset code and chain are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[a.Chain]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, a.Chain)
	}
	if !a.Native && a.Contract == "" && r.chains[a.Chain].Kind == types.ChainAccount {
		return fmt.Errorf("asset %s: non-native account-chain assets need a contract", a.Code)
	}
	aa := a
	aa.Canonical = Canonical(a.Code, a.Chain)
	if aa.Dust.IsZero() {
		aa.Dust = DefaultDust
	}
	r.assets[aa.Canonical] = &aa
	return nil
}

// Asset resolves a canonical asset code.
func (r *Registry) Asset(canonical string) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[canonical]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, canonical)
	}
	return a, nil
}

// Chain resolves chain parameters by id.
func (r *Registry) Chain(id string) (*ChainParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return p, nil
}

// NativeOf returns the native asset of a chain.
func (r *Registry) NativeOf(chain string) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.assets {
		if a.Chain == chain && a.Native {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no native asset for chain %s", ErrUnknownAsset, chain)
}

// Assets returns all registered assets of a chain.
func (r *Registry) Assets(chain string) []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Asset
	for _, a := range r.assets {
		if a.Chain == chain {
			out = append(out, a)
		}
	}
	return out
}

// DefaultRegistry returns a registry preloaded with the chains and assets the
// engine ships support for. Deployments extend or override it from config.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []ChainParams{
		{ChainID: "ETH", Kind: types.ChainAccount, CollectConfirmations: 3, RequiredConfirmations: 12},
		{ChainID: "POL", Kind: types.ChainAccount, CollectConfirmations: 30, RequiredConfirmations: 64},
		{ChainID: "UNICITY", Kind: types.ChainUTXO, CollectConfirmations: 6, RequiredConfirmations: 6},
		{ChainID: "BTC", Kind: types.ChainUTXO, CollectConfirmations: 3, RequiredConfirmations: 6},
	} {
		if err := r.RegisterChain(p); err != nil {
			panic(err)
		}
	}
	for _, a := range []Asset{
		{Code: "ETH", Chain: "ETH", Decimals: 18, Native: true},
		{Code: "USDC", Chain: "ETH", Decimals: 6, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{Code: "POL", Chain: "POL", Decimals: 18, Native: true},
		{Code: "USDC", Chain: "POL", Decimals: 6, Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},
		{Code: "ALPHA", Chain: "UNICITY", Decimals: 8, Native: true},
		{Code: "BTC", Chain: "BTC", Decimals: 8, Native: true},
	} {
		if err := r.RegisterAsset(a); err != nil {
			panic(err)
		}
	}
	return r
}
