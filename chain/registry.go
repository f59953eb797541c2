package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/otcmesh/broker-node/log"
)

// Builder constructs one adapter, typically dialing its RPC endpoints.
type Builder func(ctx context.Context) (Adapter, error)

// Registry maps engine chain ids to their adapters. It is immutable after
// construction.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from ready adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ChainID()] = a
	}
	return r
}

// Build dials every configured chain concurrently and returns the registry
// once all adapters are up. One failing chain fails the whole startup; a
// broker node with a dead chain would strand deals half-settled.
func Build(ctx context.Context, builders map[string]Builder) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(builders))}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for id, build := range builders {
		g.Go(func() error {
			adapter, err := build(ctx)
			if err != nil {
				return fmt.Errorf("chain %s: %w", id, err)
			}
			if adapter.ChainID() != id {
				return fmt.Errorf("chain %s: adapter reports id %s", id, adapter.ChainID())
			}
			mu.Lock()
			r.adapters[id] = adapter
			mu.Unlock()
			log.Infow("chain adapter ready", "chainID", id, "kind", adapter.Kind().String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close shuts down every adapter that holds network connections.
func (r *Registry) Close() {
	for _, a := range r.adapters {
		if c, ok := a.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// Adapter resolves a chain id.
func (r *Registry) Adapter(chainID string) (Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("no adapter for chain %s", chainID)
	}
	return a, nil
}

// Chains returns the registered chain ids, sorted.
func (r *Registry) Chains() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
