package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// watchLateDeposits sweeps residual balances off the escrows of settled
// deals. A deposit arriving after the deal closed or reverted would
// otherwise be stranded: no stage handler looks at those escrows anymore.
func (e *Engine) watchLateDeposits(ctx context.Context) {
	deals, err := e.settledDeals()
	if err != nil {
		log.Errorw(err, "failed to list settled deals")
		return
	}
	now := time.Now()
	for _, deal := range deals {
		if ctx.Err() != nil {
			return
		}
		// Give the final transfers time to land; a balance probed too early
		// mistakes in-flight change for a late deposit.
		if now.Sub(deal.StageChangedAt) < e.cfg.SettleDelay {
			continue
		}
		if err := e.sweepResiduals(ctx, deal); err != nil {
			log.Warnw("residual sweep failed", "deal", deal.ID, "err", err.Error())
		}
	}
}

// settledDeals returns the deals the watcher covers: closed within the watch
// window plus reverted ones still draining their refunds.
func (e *Engine) settledDeals() ([]*types.Deal, error) {
	covered, err := e.store.ClosedSince(time.Now().Add(-e.cfg.LateDepositWindow))
	if err != nil {
		return nil, err
	}
	active, err := e.store.ActiveDeals()
	if err != nil {
		return nil, err
	}
	for _, deal := range active {
		if deal.Stage == types.StageReverted {
			covered = append(covered, deal)
		}
	}
	return covered, nil
}

// sweepResiduals probes each escrow of a settled deal and refunds anything
// above dust back to its party.
func (e *Engine) sweepResiduals(ctx context.Context, deal *types.Deal) error {
	items, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		return err
	}
	for _, side := range types.Sides {
		state := deal.Side(side)
		if state.Escrow == nil {
			continue
		}
		spec := deal.Spec(side)
		adapter, err := e.chains.Adapter(spec.Chain)
		if err != nil {
			return err
		}
		address, err := adapter.ManagedAddress(*state.Escrow)
		if err != nil {
			return err
		}
		for _, asset := range e.sideAssets(deal, side) {
			if hasLiveTransfer(items, spec.Chain, state.Escrow.Address, asset) {
				continue
			}
			balance, err := adapter.Balance(ctx, asset, address)
			if err != nil {
				return err
			}
			if balance.Cmp(e.dustOf(asset)) <= 0 {
				continue
			}
			if err := e.queueResidualRefund(deal, side, adapter, asset, balance); err != nil {
				return err
			}
		}
		if err := e.sweepTankGas(ctx, deal, side, adapter, address, items); err != nil {
			return err
		}
	}
	return nil
}

// hasLiveTransfer reports whether any transfer of the asset is still pending
// or in flight from the escrow.
func hasLiveTransfer(items []*types.QueueItem, chainID, fromAddress, asset string) bool {
	for _, item := range items {
		if item.Status == types.ItemCompleted {
			continue
		}
		if item.ChainID == chainID && item.From.Address == fromAddress && item.Asset == asset {
			return true
		}
	}
	return false
}

// dustOf returns the asset's dust threshold, under which a residual is not
// worth a transaction.
func (e *Engine) dustOf(asset string) types.Decimal {
	a, err := e.assets.Asset(asset)
	if err != nil || !a.Dust.IsPositive() {
		return assets.DefaultDust
	}
	return a.Dust
}

// queueResidualRefund enqueues a late-deposit refund under a fresh tracking
// id, leaving the settled deal itself closed.
func (e *Engine) queueResidualRefund(deal *types.Deal, side types.DealSide,
	adapter chain.Adapter, asset string, balance types.Decimal,
) error {
	state := deal.Side(side)
	payback := deal.Details(side).Payback
	if payback == "" {
		e.recordDealIssue(deal.ID, types.EventWarn, fmt.Sprintf(
			"late deposit of %s %s stranded, %s side has no payback address", balance, asset, side))
		return nil
	}
	item := &types.QueueItem{
		DealID:           deal.ID,
		ChainID:          adapter.ChainID(),
		From:             *state.Escrow,
		To:               payback,
		Asset:            asset,
		Amount:           balance,
		Purpose:          types.PurposeTimeoutRefund,
		RefundTrackingID: uuid.NewString(),
	}
	if _, ok := chain.BrokerOpsOf(adapter); ok {
		item.Purpose = types.PurposeBrokerRefund
		item.Broker = &types.BrokerDetails{Payback: payback}
	}
	if adapter.Kind() == types.ChainUTXO {
		item.Phase = types.PhaseRefund
	}
	if err := e.store.Enqueue(item); err != nil {
		return err
	}
	msg := fmt.Sprintf("late deposit: refunding %s %s from the %s side", balance, asset, side)
	e.recordDealIssue(deal.ID, types.EventWarn, msg)
	if err := e.store.AddAlert(types.AlertLateDeposit, deal.ID, msg); err != nil {
		log.Warnw("late deposit alert failed", "deal", deal.ID, "err", err.Error())
	}
	log.Infow("late deposit refund queued",
		"deal", deal.ID, "side", side.String(), "asset", asset, "amount", balance.String())
	return nil
}

// sweepTankGas returns unspent gas fundings to the tank. Only escrows the
// tank actually topped up are touched, and only on token deals; a native
// residual anywhere else belongs to the party and takes the refund path.
func (e *Engine) sweepTankGas(ctx context.Context, deal *types.Deal, side types.DealSide,
	adapter chain.Adapter, address string, items []*types.QueueItem,
) error {
	if e.tank == nil {
		return nil
	}
	state := deal.Side(side)
	chainID := adapter.ChainID()
	funded, err := e.store.HasGasFunding(deal.ID, chainID, state.Escrow.Address)
	if err != nil || !funded {
		return err
	}
	tankAddr := e.tank.TankAddress(chainID)
	if tankAddr == "" {
		return nil
	}
	native, err := e.assets.NativeOf(chainID)
	if err != nil {
		return err
	}
	for _, asset := range e.sideAssets(deal, side) {
		if asset == native.Canonical {
			return nil
		}
	}
	if hasLiveTransfer(items, chainID, state.Escrow.Address, native.Canonical) {
		return nil
	}
	balance, err := adapter.Balance(ctx, native.Canonical, address)
	if err != nil {
		return err
	}
	if balance.Cmp(e.dustOf(native.Canonical)) <= 0 {
		return nil
	}
	if err := e.store.Enqueue(&types.QueueItem{
		DealID:           deal.ID,
		ChainID:          chainID,
		From:             *state.Escrow,
		To:               tankAddr,
		Asset:            native.Canonical,
		Amount:           balance,
		Purpose:          types.PurposeGasRefundToTank,
		RefundTrackingID: uuid.NewString(),
	}); err != nil {
		return err
	}
	log.Infow("unspent gas funding returned to tank",
		"deal", deal.ID, "chainID", chainID, "amount", balance.String())
	return nil
}
