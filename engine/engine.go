// Package engine drives deals through their lifecycle. A single periodic
// tick scans every active deal, merges fresh escrow deposits, applies the
// dual-sided lock decision, advances the stage machine, polls the
// confirmations of broadcast transfers and sweeps late deposits off settled
// deals. Transfer submission itself lives in the queue package; the engine
// only plans transfers and reads their progress.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/rules"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

// Default driver timings. Deployments override them through Config.
const (
	DefaultTickInterval      = 30 * time.Second
	DefaultLateDepositWindow = 7 * 24 * time.Hour
	DefaultSettleDelay       = 5 * time.Minute
)

// Config tunes the tick driver.
type Config struct {
	// TickInterval is the period of the active-deal scan.
	TickInterval time.Duration
	// LateDepositWindow bounds how long after settling a deal's escrows are
	// still probed for late deposits.
	LateDepositWindow time.Duration
	// SettleDelay is how old a deal's last stage change must be before the
	// late-deposit watcher trusts balance probes; fresher deals may still
	// have transfers in the mempool that look like residual funds.
	SettleDelay time.Duration
	// ReimburseEnabled turns the per-deal gas reimbursement flow on.
	ReimburseEnabled bool
	// ReimburseAssets maps a chain id to the canonical asset reimbursements
	// are paid in on that chain. Chains without an entry never reimburse.
	ReimburseAssets map[string]string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.LateDepositWindow <= 0 {
		c.LateDepositWindow = DefaultLateDepositWindow
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	return c
}

// Engine is the tick driver over the deal state machine.
type Engine struct {
	store  *storage.Storage
	chains *chain.Registry
	assets *assets.Registry
	tank   TankService
	rates  RateSource
	cfg    Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ticking atomic.Bool
}

// New builds an engine over the given storage and chain registry. The tank
// and rate source are optional: without them gas reimbursements are skipped
// and escrow gas funding is unavailable.
func New(store *storage.Storage, chains *chain.Registry, registry *assets.Registry,
	tank TankService, rates RateSource, cfg Config,
) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if chains == nil {
		return nil, fmt.Errorf("chain registry cannot be nil")
	}
	if registry == nil {
		registry = assets.DefaultRegistry()
	}
	return &Engine{
		store:  store,
		chains: chains,
		assets: registry,
		tank:   tank,
		rates:  rates,
		cfg:    cfg.withDefaults(),
	}, nil
}

// Start launches the tick driver. The first tick runs immediately; further
// ticks follow the configured interval until the context is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tick(e.ctx)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.tick(e.ctx)
			}
		}
	}()
	log.Infow("engine started", "tickInterval", e.cfg.TickInterval.String())
	return nil
}

// Stop halts the tick driver and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Infow("engine stopped")
}

// tick runs one full pass. A pass that overruns the interval makes the next
// schedule a no-op instead of stacking; two concurrent passes would race on
// the per-deal decisions.
func (e *Engine) tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		log.Debugw("tick still running, skipping schedule")
		return
	}
	defer e.ticking.Store(false)

	e.monitorConfirmations(ctx)

	deals, err := e.store.ActiveDeals()
	if err != nil {
		log.Errorw(err, "failed to scan active deals")
		return
	}
	for _, deal := range deals {
		if ctx.Err() != nil {
			return
		}
		if err := e.processDeal(ctx, deal); err != nil {
			log.Errorw(err, fmt.Sprintf("deal %s tick failed", deal.ID))
			e.recordDealIssue(deal.ID, types.EventWarn, fmt.Sprintf("tick error: %v", err))
		}
	}

	e.watchLateDeposits(ctx)
	e.snapshotTank(ctx)
}

// processDeal routes one deal through its stage handler. Deals that fail the
// structural validation are held in place until an operator repairs them.
func (e *Engine) processDeal(ctx context.Context, deal *types.Deal) error {
	if err := rules.ValidateDeal(deal); err != nil {
		log.Errorw(err, fmt.Sprintf("deal %s failed validation, holding in place", deal.ID))
		e.recordDealIssue(deal.ID, types.EventCritical, fmt.Sprintf("deal held: %v", err))
		return nil
	}
	switch deal.Stage {
	case types.StageCreated:
		return e.handleCreated(ctx, deal)
	case types.StageCollection:
		return e.handleCollection(ctx, deal)
	case types.StageWaiting:
		return e.handleWaiting(ctx, deal)
	case types.StageSwap:
		return e.handleSwap(ctx, deal)
	case types.StageReverted:
		return e.handleReverted(deal)
	}
	return nil
}

// recordDealIssue appends an audit event unless the deal's latest event
// already carries the same message, so a condition that persists across
// ticks does not flood the trail.
func (e *Engine) recordDealIssue(dealID string, level types.EventLevel, msg string) {
	deal, err := e.store.Deal(dealID)
	if err == nil && len(deal.Events) > 0 {
		last := deal.Events[len(deal.Events)-1]
		if last.Level == level && last.Message == msg {
			return
		}
	}
	if err := e.store.AddDealEvent(dealID, level, msg); err != nil {
		log.Errorw(err, fmt.Sprintf("failed to record event for deal %s", dealID))
	}
}
