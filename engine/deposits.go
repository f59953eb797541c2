package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/rules"
	"github.com/otcmesh/broker-node/types"
)

// listThreshold is the confirmation floor used when listing deposits. Before
// WAITING the engine lists everything down to the mempool so parties can see
// their funds arrive; from WAITING on only well-confirmed deposits matter.
func listThreshold(stage types.DealStage, adapter chain.Adapter) int64 {
	if stage == types.StageCreated || stage == types.StageCollection {
		return 0
	}
	return adapter.ConfirmationThreshold()
}

type sideObservation struct {
	side     types.DealSide
	deposits []types.EscrowDeposit
}

// refreshDeposits reads both escrows, merges the observed deposits into the
// deal, recomputes the per-asset collected totals and applies the dual-sided
// lock decision, all in one storage transaction. Any adapter read failure
// aborts the refresh with the deal unchanged; the next tick retries.
func (e *Engine) refreshDeposits(ctx context.Context, deal *types.Deal) (*types.Deal, error) {
	var observed []sideObservation
	for _, side := range types.Sides {
		state := deal.Side(side)
		if state.Escrow == nil {
			continue
		}
		spec := deal.Spec(side)
		adapter, err := e.chains.Adapter(spec.Chain)
		if err != nil {
			return nil, err
		}
		address, err := adapter.ManagedAddress(*state.Escrow)
		if err != nil {
			return nil, err
		}
		minConfirms := listThreshold(deal.Stage, adapter)
		obs := sideObservation{side: side}
		for _, asset := range e.sideAssets(deal, side) {
			page, err := adapter.ListConfirmedDeposits(ctx, asset, address, minConfirms)
			if err != nil {
				return nil, fmt.Errorf("listing %s deposits on %s escrow: %w", asset, side, err)
			}
			obs.deposits = append(obs.deposits, page.Deposits...)
		}
		observed = append(observed, obs)
	}
	if err := e.store.UpdateDeal(deal.ID, func(d *types.Deal) error {
		for _, obs := range observed {
			state := d.Side(obs.side)
			for _, dep := range obs.deposits {
				state.UpsertDeposit(dep)
			}
		}
		e.recomputeCollected(d)
		e.evaluateLocks(d)
		return nil
	}); err != nil {
		return nil, err
	}
	return e.store.Deal(deal.ID)
}

// sideAssets returns the canonical assets an escrow is expected to receive:
// the trade asset and, when owed in something else, the commission asset.
func (e *Engine) sideAssets(deal *types.Deal, side types.DealSide) []string {
	spec := deal.Spec(side)
	out := []string{spec.Asset}
	if terms := deal.Commission.Terms(side); terms.Asset != "" && terms.Asset != spec.Asset {
		out = append(out, terms.Asset)
	}
	return out
}

// recomputeCollected refreshes each side's per-asset totals. Before WAITING
// the totals include pending deposits; from WAITING on only lock-quality
// deposits count.
func (e *Engine) recomputeCollected(d *types.Deal) {
	for _, side := range types.Sides {
		state := d.Side(side)
		if state.Escrow == nil {
			continue
		}
		deps := state.Deposits
		if d.Stage != types.StageCreated && d.Stage != types.StageCollection {
			adapter, err := e.chains.Adapter(d.Spec(side).Chain)
			if err != nil {
				continue
			}
			deps = rules.EligibleDeposits(deps, adapter.CollectConfirms(), d.ExpiresAt)
		}
		state.Collected = rules.CollectedByAsset(deps)
	}
}

// evaluateLocks applies the dual-sided lock decision: both sides lock
// together or not at all. In WAITING existing locks survive a transient
// confirmation dip; whether the deal leaves the stage is the reorg
// rollback's call, not the lock evaluator's.
func (e *Engine) evaluateLocks(d *types.Deal) {
	if d.Stage != types.StageCollection && d.Stage != types.StageWaiting {
		return
	}
	locked := true
	for _, side := range types.Sides {
		res, err := e.sideLocks(d, side)
		if err != nil || !res.Locked() {
			locked = false
			break
		}
	}
	now := time.Now()
	switch {
	case locked:
		for _, side := range types.Sides {
			state := d.Side(side)
			if state.TradeLockedAt == nil {
				state.TradeLockedAt = &now
			}
			if state.CommissionLockedAt == nil {
				state.CommissionLockedAt = &now
			}
		}
	case d.Stage == types.StageWaiting:
		// keep
	default:
		for _, side := range types.Sides {
			state := d.Side(side)
			state.TradeLockedAt = nil
			state.CommissionLockedAt = nil
		}
	}
}

// sideLocks evaluates one side's lock conditions at the chain's eligibility
// threshold.
func (e *Engine) sideLocks(d *types.Deal, side types.DealSide) (rules.LockResult, error) {
	spec := d.Spec(side)
	adapter, err := e.chains.Adapter(spec.Chain)
	if err != nil {
		return rules.LockResult{}, err
	}
	terms := d.Commission.Terms(side)
	commission, err := e.commissionAmount(spec, terms)
	if err != nil {
		return rules.LockResult{}, err
	}
	return rules.CheckLocks(d.Side(side).Deposits, spec.Asset, spec.Amount,
		terms.Asset, commission, adapter.CollectConfirms(), d.ExpiresAt), nil
}

// commissionAmount computes what a side owes under its frozen terms, floored
// to the commission asset's decimals.
func (e *Engine) commissionAmount(spec *types.AssetSpec, terms *types.CommissionTerms) (types.Decimal, error) {
	if terms.Asset == "" {
		return types.Decimal{}, nil
	}
	asset, err := e.assets.Asset(terms.Asset)
	if err != nil {
		return types.Decimal{}, err
	}
	return rules.Commission(spec.Amount, terms, asset.Decimals), nil
}

// sufficientFunds evaluates one side's funding over its full tracked deposit
// set at the latest observed amounts, regardless of confirmation depth.
// Synthetic balance deposits revise their amount downward after a reorg, so
// this doubles as the WAITING-stage reorg probe.
func (e *Engine) sufficientFunds(d *types.Deal, side types.DealSide) (bool, error) {
	spec := d.Spec(side)
	terms := d.Commission.Terms(side)
	commission, err := e.commissionAmount(spec, terms)
	if err != nil {
		return false, err
	}
	collected := rules.CollectedByAsset(d.Side(side).Deposits)
	return rules.SufficientFunds(collected, spec, terms, commission), nil
}
