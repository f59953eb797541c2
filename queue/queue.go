// Package queue broadcasts the transfers the engine plans. A processor pass
// first fee-bumps stuck submissions, then drains every PENDING item grouped
// by sender: same-sender items go out strictly in Seq order behind nonce
// reservations, phase gates and the refund policy gate, so one escrow never
// races itself on chain. The processor runs on its own schedule, independent
// of the engine tick, and every pass is recoverable: all of its state lives
// in storage, none in memory.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

// Default driver timings. Deployments override them through Config.
const (
	DefaultDrainInterval  = 5 * time.Second
	DefaultSendPause      = 100 * time.Millisecond
	DefaultStuckThreshold = 5 * time.Minute
	DefaultMaxGasBumps    = 5
)

// Config tunes the queue processor.
type Config struct {
	// DrainInterval is the period of the submission pass.
	DrainInterval time.Duration
	// SendPause separates consecutive submissions of one sender, giving the
	// RPC layer time to observe the previous transaction before the next one
	// arrives.
	SendPause time.Duration
	// StuckThreshold is how long a zero-confirmation submission may sit in
	// the mempool before fee bumps start.
	StuckThreshold time.Duration
	// MaxGasBumps caps the fee bumps of one item; past it the item is
	// abandoned to the operator.
	MaxGasBumps int
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.SendPause <= 0 {
		c.SendPause = DefaultSendPause
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	if c.MaxGasBumps <= 0 {
		c.MaxGasBumps = DefaultMaxGasBumps
	}
	return c
}

// GasFunder tops up escrows that lack native coin for a token transfer. The
// engine's tank service implements it; a nil funder disables top-ups.
type GasFunder interface {
	// TankAddress is the tank wallet on a chain, empty when none is set up.
	TankAddress(chainID string) string
	// FundEscrowForGas sends the configured native top-up to an escrow.
	FundEscrowForGas(ctx context.Context, chainID, escrowAddress string) (*chain.SendResult, types.Decimal, error)
}

// Processor is the submission driver over the transfer queue.
type Processor struct {
	store  *storage.Storage
	chains *chain.Registry
	assets *assets.Registry
	tank   GasFunder
	cfg    Config

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool
}

// New builds a processor over the given storage and chain registry. The tank
// is optional: without it escrows are never topped up for token transfers.
func New(store *storage.Storage, chains *chain.Registry, registry *assets.Registry,
	tank GasFunder, cfg Config,
) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if chains == nil {
		return nil, fmt.Errorf("chain registry cannot be nil")
	}
	if registry == nil {
		registry = assets.DefaultRegistry()
	}
	return &Processor{
		store:  store,
		chains: chains,
		assets: registry,
		tank:   tank,
		cfg:    cfg.withDefaults(),
	}, nil
}

// Start launches the drain driver. The first pass runs immediately; further
// passes follow the configured interval until the context is cancelled or
// Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pass(p.ctx)
		ticker := time.NewTicker(p.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.pass(p.ctx)
			}
		}
	}()
	log.Infow("queue processor started", "drainInterval", p.cfg.DrainInterval.String())
	return nil
}

// Stop halts the drain driver and waits for an in-flight pass to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Infow("queue processor stopped")
}

// pass runs one full pass: the stuck-transaction scan, then the drain of
// every sender group. A pass that overruns the interval makes the next
// schedule a no-op instead of stacking; two concurrent passes would hand out
// the same nonce twice.
func (p *Processor) pass(ctx context.Context) {
	if !p.draining.CompareAndSwap(false, true) {
		log.Debugw("queue pass still running, skipping schedule")
		return
	}
	defer p.draining.Store(false)

	p.scanStuck(ctx)

	groups, err := p.store.PendingItems()
	if err != nil {
		log.Errorw(err, "failed to scan pending transfers")
		return
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		p.drainSender(ctx, groups[key])
	}
}

// recordDealIssue appends an audit event unless the deal's latest event is
// already the same message; a group that stays blocked for many passes would
// otherwise flood the trail.
func (p *Processor) recordDealIssue(dealID string, level types.EventLevel, msg string) {
	deal, err := p.store.Deal(dealID)
	if err == nil && len(deal.Events) > 0 {
		last := deal.Events[len(deal.Events)-1]
		if last.Level == level && last.Message == msg {
			return
		}
	}
	if err := p.store.AddDealEvent(dealID, level, msg); err != nil {
		log.Errorw(err, fmt.Sprintf("failed to record event for deal %s", dealID))
	}
}

// nonceError reports whether a submission failure smells like a nonce
// problem, in which case the local nonce state can no longer be trusted.
func nonceError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce")
}
