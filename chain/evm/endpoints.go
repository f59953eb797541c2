package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// endpointCooldown is how long a failed endpoint stays out of rotation.
const endpointCooldown = 5 * time.Minute

// endpoint is one dialed RPC provider.
type endpoint struct {
	uri        string
	client     *ethclient.Client
	disabledAt time.Time
}

// endpointPool rotates over the dialed endpoints of one chain in round-robin
// fashion, parking failed ones in a cooldown list. Safe for concurrent use.
type endpointPool struct {
	mu        sync.Mutex
	nextIndex int
	available []*endpoint
	disabled  []*endpoint
}

// dialEndpoints dials every URI and verifies each endpoint serves the
// expected numeric chain id. All endpoints must come up; a half-configured
// pool would silently degrade retry behaviour.
func dialEndpoints(ctx context.Context, uris []string, wantChainID *big.Int) (*endpointPool, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	pool := &endpointPool{}
	for _, uri := range uris {
		client, err := ethclient.DialContext(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", uri, err)
		}
		gotChainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id probe %s: %w", uri, err)
		}
		if wantChainID != nil && gotChainID.Cmp(wantChainID) != 0 {
			return nil, fmt.Errorf("endpoint %s serves chain %s, expected %s", uri, gotChainID, wantChainID)
		}
		pool.add(&endpoint{uri: uri, client: client})
	}
	return pool, nil
}

func (p *endpointPool) add(eps ...*endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = append(p.available, eps...)
}

// size returns the number of endpoints, including disabled ones.
func (p *endpointPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available) + len(p.disabled)
}

// next returns the next endpoint in rotation, re-enabling any whose cooldown
// has passed.
func (p *endpointPool) next() (*endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reviveCooledLocked()

	l := len(p.available)
	if l == 0 {
		return nil, fmt.Errorf("no available endpoints")
	}
	ep := p.available[p.nextIndex]
	if p.nextIndex++; p.nextIndex >= l {
		p.nextIndex = 0
	}
	return ep, nil
}

func (p *endpointPool) reviveCooledLocked() {
	if len(p.disabled) == 0 {
		return
	}
	now := time.Now()
	var stillDisabled []*endpoint
	for _, ep := range p.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldown {
			ep.disabledAt = time.Time{}
			p.available = append(p.available, ep)
		} else {
			stillDisabled = append(stillDisabled, ep)
		}
	}
	p.disabled = stillDisabled
}

// disable parks an endpoint. When the last endpoint goes down everything is
// put back in rotation; a pool with nothing to try is worse than retrying a
// flaky provider.
func (p *endpointPool) disable(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := -1
	for i, ep := range p.available {
		if ep.uri == uri {
			index = i
			break
		}
	}
	if index == -1 {
		return
	}

	ep := p.available[index]
	ep.disabledAt = time.Now()
	p.available = append(p.available[:index], p.available[index+1:]...)
	p.disabled = append(p.disabled, ep)

	if p.nextIndex == index {
		p.nextIndex++
	} else if p.nextIndex > index {
		p.nextIndex--
	}

	if len(p.available) == 0 {
		p.nextIndex = 0
		p.available = append(p.available, p.disabled...)
		p.disabled = nil
		for _, ep := range p.available {
			ep.disabledAt = time.Time{}
		}
	} else if p.nextIndex >= len(p.available) {
		p.nextIndex = 0
	}
}

// close closes every dialed client.
func (p *endpointPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range append(p.available, p.disabled...) {
		if ep.client != nil {
			ep.client.Close()
		}
	}
}
