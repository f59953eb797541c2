package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/rules"
	"github.com/otcmesh/broker-node/types"
)

// assetAmount pairs a canonical asset with an amount, for deterministic
// iteration over per-asset maps.
type assetAmount struct {
	asset  string
	amount types.Decimal
}

// planSettlement enqueues the transfers that settle a fully locked deal:
// each escrow pays the trade amount to the counterparty, the commission to
// the operator and the surplus back to its own party. Re-invocation after a
// crash is a no-op once any settlement item exists.
func (e *Engine) planSettlement(deal *types.Deal) (int, error) {
	existing, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		return 0, err
	}
	for _, item := range existing {
		if item.Purpose == types.PurposeSwapPayout || item.Purpose == types.PurposeBrokerSwap {
			return 0, nil
		}
	}
	var items []*types.QueueItem
	for _, side := range types.Sides {
		sideItems, err := e.planSide(deal, side)
		if err != nil {
			return 0, err
		}
		items = append(items, sideItems...)
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("settlement plan for deal %s is empty", deal.ID)
	}
	if err := e.linkPayouts(items); err != nil {
		return 0, err
	}
	if err := e.store.EnqueueAll(items...); err != nil {
		return 0, err
	}
	return len(items), nil
}

// planSide plans the transfers leaving one escrow: a single atomic broker
// call where the contract is available, otherwise the payout, commission,
// surplus-refund sequence. A commission owed in a different asset cannot
// ride the broker call, so those deals take the discrete path.
func (e *Engine) planSide(deal *types.Deal, side types.DealSide) ([]*types.QueueItem, error) {
	state := deal.Side(side)
	if state.Escrow == nil {
		return nil, fmt.Errorf("%s side has no escrow", side)
	}
	spec := deal.Spec(side)
	adapter, err := e.chains.Adapter(spec.Chain)
	if err != nil {
		return nil, err
	}
	terms := deal.Commission.Terms(side)
	commission, err := e.commissionAmount(spec, terms)
	if err != nil {
		return nil, err
	}
	recipient := deal.Details(side.Other()).Recipient
	payback := deal.Details(side).Payback

	phaseOf := func(phase types.UTXOPhase) types.UTXOPhase {
		if adapter.Kind() == types.ChainUTXO {
			return phase
		}
		return types.PhaseNone
	}

	if _, ok := chain.BrokerOpsOf(adapter); ok && (commission.IsZero() || terms.SameAsset(spec.Asset)) {
		return []*types.QueueItem{{
			ID:      uuid.NewString(),
			DealID:  deal.ID,
			ChainID: spec.Chain,
			From:    *state.Escrow,
			To:      recipient,
			Asset:   spec.Asset,
			Amount:  spec.Amount,
			Purpose: types.PurposeBrokerSwap,
			Broker: &types.BrokerDetails{
				Payback:      payback,
				Recipient:    recipient,
				FeeRecipient: adapter.OperatorAddress(),
				Fee:          commission,
			},
		}}, nil
	}

	items := []*types.QueueItem{{
		ID:      uuid.NewString(),
		DealID:  deal.ID,
		ChainID: spec.Chain,
		From:    *state.Escrow,
		To:      recipient,
		Asset:   spec.Asset,
		Amount:  spec.Amount,
		Purpose: types.PurposeSwapPayout,
		Phase:   phaseOf(types.PhaseSwap),
	}}
	if commission.IsPositive() {
		items = append(items, &types.QueueItem{
			ID:      uuid.NewString(),
			DealID:  deal.ID,
			ChainID: spec.Chain,
			From:    *state.Escrow,
			To:      adapter.OperatorAddress(),
			Asset:   terms.Asset,
			Amount:  commission,
			Purpose: types.PurposeOpCommission,
			Phase:   phaseOf(types.PhaseCommission),
		})
	}
	for _, sur := range sideSurplus(state, spec, terms, commission) {
		items = append(items, &types.QueueItem{
			ID:      uuid.NewString(),
			DealID:  deal.ID,
			ChainID: spec.Chain,
			From:    *state.Escrow,
			To:      payback,
			Asset:   sur.asset,
			Amount:  sur.amount,
			Purpose: types.PurposeSurplusRefund,
			Phase:   phaseOf(types.PhaseRefund),
		})
	}
	return items, nil
}

// sideSurplus computes the refundable overpayment per asset collected on one
// escrow, sorted by asset. The trade and commission assets subtract what the
// side owes; anything else was never asked for and goes back whole.
func sideSurplus(state *types.SideState, spec *types.AssetSpec,
	terms *types.CommissionTerms, commission types.Decimal,
) []assetAmount {
	var out []assetAmount
	for asset, collected := range state.Collected {
		var surplus types.Decimal
		switch {
		case asset == spec.Asset:
			surplus = rules.Surplus(collected, spec.Amount, commission, terms.SameAsset(spec.Asset))
		case asset == terms.Asset:
			surplus = rules.Surplus(collected, types.Decimal{}, commission, true)
		default:
			surplus = collected
		}
		if surplus.IsPositive() {
			out = append(out, assetAmount{asset: asset, amount: surplus})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asset < out[j].asset })
	return out
}

// collectedAmounts flattens a side's collected totals, sorted by asset.
func collectedAmounts(state *types.SideState) []assetAmount {
	var out []assetAmount
	for asset, amount := range state.Collected {
		if amount.IsPositive() {
			out = append(out, assetAmount{asset: asset, amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asset < out[j].asset })
	return out
}

// planRevert enqueues the timeout refunds: every asset collected on each
// escrow returns to its party's payback address in full, no fee withheld.
// A side without a payback address keeps its funds on the escrow and the
// refusal is recorded for the operator. Re-invocation is a no-op.
func (e *Engine) planRevert(deal *types.Deal) (int, error) {
	existing, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		return 0, err
	}
	for _, item := range existing {
		if item.Purpose == types.PurposeTimeoutRefund || item.Purpose == types.PurposeBrokerRevert {
			return 0, nil
		}
	}
	var items []*types.QueueItem
	for _, side := range types.Sides {
		state := deal.Side(side)
		if state.Escrow == nil {
			continue
		}
		held := collectedAmounts(state)
		if len(held) == 0 {
			continue
		}
		payback := deal.Details(side).Payback
		if payback == "" {
			e.recordDealIssue(deal.ID, types.EventWarn,
				fmt.Sprintf("%s side has no payback address, funds stay on escrow %s",
					side, state.Escrow.Address))
			continue
		}
		spec := deal.Spec(side)
		adapter, err := e.chains.Adapter(spec.Chain)
		if err != nil {
			return 0, err
		}
		_, brokered := chain.BrokerOpsOf(adapter)
		for _, aa := range held {
			item := &types.QueueItem{
				ID:      uuid.NewString(),
				DealID:  deal.ID,
				ChainID: spec.Chain,
				From:    *state.Escrow,
				To:      payback,
				Asset:   aa.asset,
				Amount:  aa.amount,
				Purpose: types.PurposeTimeoutRefund,
			}
			if brokered && aa.asset == spec.Asset {
				item.Purpose = types.PurposeBrokerRevert
				item.Broker = &types.BrokerDetails{Payback: payback}
			}
			if adapter.Kind() == types.ChainUTXO {
				item.Phase = types.PhaseRefund
			}
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := e.linkPayouts(items); err != nil {
		return 0, err
	}
	if err := e.store.EnqueueAll(items...); err != nil {
		return 0, err
	}
	return len(items), nil
}

// linkPayouts creates a tracking payout for every phased (UTXO) item so its
// confirmation progress is queryable independently of the queue.
func (e *Engine) linkPayouts(items []*types.QueueItem) error {
	for _, item := range items {
		if item.Phase == types.PhaseNone {
			continue
		}
		adapter, err := e.chains.Adapter(item.ChainID)
		if err != nil {
			return err
		}
		payout := &types.Payout{
			ID:           uuid.NewString(),
			DealID:       item.DealID,
			ChainID:      item.ChainID,
			Purpose:      item.Purpose,
			QueueItemIDs: []string{item.ID},
			Required:     adapter.ConfirmationThreshold(),
		}
		if err := e.store.PutPayout(payout); err != nil {
			return err
		}
		item.PayoutID = payout.ID
	}
	return nil
}
