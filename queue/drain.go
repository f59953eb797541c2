package queue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

// tokenTransferGas sizes the native balance an escrow needs before a token
// submission is attempted.
const tokenTransferGas = 65_000

// stepResult tells drainSender how to continue after one item.
type stepResult uint8

const (
	stepHold      = stepResult(iota) // sender group blocked, retry next pass
	stepAdvance                      // resolved without a broadcast, next item may follow at once
	stepSubmitted                    // transaction broadcast, pause before the next item
)

// drainSender submits the pending items of one sender in Seq order. The
// first item that cannot go out stops the whole group for this pass: a
// higher Seq must never be broadcast while a lower one is unresolved.
func (p *Processor) drainSender(ctx context.Context, items []*types.QueueItem) {
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		step, err := p.processItem(ctx, item)
		if err != nil {
			p.reportItemError(item, err)
			return
		}
		if step == stepHold {
			return
		}
		if step == stepSubmitted {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.SendPause):
			}
		}
	}
}

// reportItemError records a failed submission. A nonce-flavored error resets
// the sender's nonce state so the next pass reinitializes it from the chain;
// the item itself stays PENDING either way.
func (p *Processor) reportItemError(item *types.QueueItem, err error) {
	log.Warnw("queue item failed",
		"item", item.ID, "deal", item.DealID, "purpose", item.Purpose.String(), "err", err.Error())
	p.recordDealIssue(item.DealID, types.EventWarn,
		fmt.Sprintf("%s submission failed: %v", item.Purpose, err))
	if nonceError(err) {
		if rerr := p.store.ResetNonce(item.ChainID, item.From.Address); rerr != nil {
			log.Errorw(rerr, "nonce reset after submit error failed")
		}
	}
}

// processItem runs the gates and routes one pending item to its submission
// path.
func (p *Processor) processItem(ctx context.Context, item *types.QueueItem) (stepResult, error) {
	if item.Purpose == types.PurposeTimeoutRefund {
		blocked, err := p.refundBlocked(item)
		if err != nil {
			return stepHold, err
		}
		if blocked {
			log.Debugw("timeout refund waits for swap payouts", "item", item.ID, "deal", item.DealID)
			return stepHold, nil
		}
	}
	if item.Phase != types.PhaseNone {
		ready, err := p.phaseReady(item)
		if err != nil {
			return stepHold, err
		}
		if !ready {
			log.Debugw("phase gate holds item",
				"item", item.ID, "deal", item.DealID, "phase", item.Phase.String())
			return stepHold, nil
		}
	}
	adapter, err := p.chains.Adapter(item.ChainID)
	if err != nil {
		return stepHold, err
	}
	if item.Purpose.Broker() {
		return p.submitBroker(ctx, adapter, item)
	}
	return p.submitTransfer(ctx, adapter, item)
}

// refundBlocked reports whether a timeout refund would race an incomplete
// swap payout of the same deal. A refund broadcast while a payout is still
// in flight could return funds the payout has already spent.
func (p *Processor) refundBlocked(item *types.QueueItem) (bool, error) {
	deal, err := p.store.Deal(item.DealID)
	if err != nil {
		return false, err
	}
	if deal.Stage == types.StageClosed {
		return false, nil
	}
	items, err := p.store.ItemsByDeal(item.DealID)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.Purpose == types.PurposeSwapPayout && it.Status != types.ItemCompleted {
			return true, nil
		}
	}
	return false, nil
}

// phaseReady reports whether every earlier phase of the item's deal is fully
// COMPLETED. Each UTXO phase spends the change outputs of the previous one,
// so releasing phase N+1 early would double-spend inputs still in flight.
func (p *Processor) phaseReady(item *types.QueueItem) (bool, error) {
	for phase := types.PhaseSwap; phase < item.Phase; phase++ {
		done, err := p.store.HasPhaseCompleted(item.DealID, phase)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// submitBroker routes a broker item through the contract call matching its
// purpose. The adapter signs and serializes broker calls itself, so no local
// nonce is reserved; the collision guard still covers the returned
// transaction.
func (p *Processor) submitBroker(ctx context.Context, adapter chain.Adapter, item *types.QueueItem) (stepResult, error) {
	ops, ok := chain.BrokerOpsOf(adapter)
	if !ok {
		return stepHold, fmt.Errorf("%s item on chain %s without a broker contract", item.Purpose, item.ChainID)
	}
	params := &chain.BrokerParams{
		DealID:    item.DealID,
		Asset:     item.Asset,
		Escrow:    item.From,
		Recipient: item.To,
		Amount:    item.Amount,
	}
	if item.Broker != nil {
		params.Payback = item.Broker.Payback
		params.FeeRecipient = item.Broker.FeeRecipient
		params.Fee = item.Broker.Fee
		if item.Broker.Recipient != "" {
			params.Recipient = item.Broker.Recipient
		}
	}
	var res *chain.SendResult
	var err error
	switch item.Purpose {
	case types.PurposeBrokerSwap:
		res, err = ops.SwapViaBroker(ctx, params)
	case types.PurposeBrokerRevert:
		res, err = ops.RevertViaBroker(ctx, params)
	default:
		res, err = ops.RefundViaBroker(ctx, params)
	}
	if err != nil {
		return stepHold, err
	}
	return p.recordSubmission(item, adapter.ConfirmationThreshold(), res)
}

// submitTransfer broadcasts a plain transfer. Account chains get the full
// serialization treatment: gas funding, the idempotency probe and a nonce
// reservation; UTXO chains let the adapter pick its inputs and rely on the
// collision guard alone.
func (p *Processor) submitTransfer(ctx context.Context, adapter chain.Adapter, item *types.QueueItem) (stepResult, error) {
	var opts *chain.SendOptions
	if ops, ok := chain.AccountOpsOf(adapter); ok {
		hold, err := p.ensureGasFunded(ctx, adapter, ops, item)
		if err != nil {
			return stepHold, err
		}
		if hold {
			return stepHold, nil
		}
		done, err := p.alreadyOnChain(ctx, ops, item)
		if err != nil {
			return stepHold, err
		}
		if done {
			return stepAdvance, nil
		}
		nonce, ok, err := p.reserveNonce(ctx, ops, item)
		if err != nil {
			return stepHold, err
		}
		if !ok {
			return stepHold, nil
		}
		opts = &chain.SendOptions{Nonce: &nonce}
	}
	res, err := adapter.Send(ctx, item.Asset, item.From, item.To, item.Amount, opts)
	if err != nil {
		return stepHold, err
	}
	return p.recordSubmission(item, adapter.ConfirmationThreshold(), res)
}

// alreadyOnChain runs the idempotency probe for the purposes that must never
// pay twice: a crashed run may have broadcast the transfer without recording
// it. The probe runs before any nonce is reserved, so a match costs nothing.
func (p *Processor) alreadyOnChain(ctx context.Context, ops chain.AccountOps, item *types.QueueItem) (bool, error) {
	if item.Purpose != types.PurposeSwapPayout && item.Purpose != types.PurposeOpCommission {
		return false, nil
	}
	match, err := ops.CheckExistingTransfer(ctx, item.From.Address, item.To, item.Asset, item.Amount)
	if err != nil {
		return false, err
	}
	if match == nil {
		return false, nil
	}
	if err := p.store.UpdateItemStatus(item.ID, types.ItemCompleted, &types.TxRef{
		ChainID: item.ChainID,
		TxID:    match.TxID,
		Status:  types.TxConfirmed,
	}); err != nil {
		return false, err
	}
	p.recordDealIssue(item.DealID, types.EventInfo, fmt.Sprintf(
		"%s already on chain as %s, completed without resubmission", item.Purpose, match.TxID))
	log.Infow("existing transfer matched",
		"item", item.ID, "deal", item.DealID, "tx", match.TxID)
	return true, nil
}

// ensureGasFunded checks that the escrow holds enough native coin to pay for
// a token transfer and asks the tank for a top-up when it does not. Each
// escrow is funded at most once per deal; the item holds for the pass while
// the top-up confirms.
func (p *Processor) ensureGasFunded(ctx context.Context, adapter chain.Adapter,
	ops chain.AccountOps, item *types.QueueItem,
) (bool, error) {
	if p.tank == nil || p.tank.TankAddress(item.ChainID) == "" {
		return false, nil
	}
	asset, err := p.assets.Asset(item.Asset)
	if err != nil {
		return false, err
	}
	if asset.Native {
		return false, nil
	}
	native, err := p.assets.NativeOf(item.ChainID)
	if err != nil {
		return false, err
	}
	address, err := adapter.ManagedAddress(item.From)
	if err != nil {
		return false, err
	}
	balance, err := adapter.Balance(ctx, native.Canonical, address)
	if err != nil {
		return false, err
	}
	fees, err := ops.CurrentFees(ctx)
	if err != nil {
		return false, err
	}
	price := fees.GasPrice
	if fees.MaxFeePerGas != nil {
		price = fees.MaxFeePerGas
	}
	if price == nil || price.Sign() <= 0 {
		return false, nil
	}
	costWei := new(big.Int).Mul(price, big.NewInt(tokenTransferGas))
	needed := types.DecimalFromUnits(costWei, native.Decimals)
	if balance.GreaterOrEqual(needed) {
		return false, nil
	}
	funded, err := p.store.HasGasFunding(item.DealID, item.ChainID, item.From.Address)
	if err != nil {
		return false, err
	}
	if funded {
		// top-up already sent, wait for it to land
		log.Debugw("escrow awaits gas top-up",
			"item", item.ID, "deal", item.DealID, "escrow", item.From.Address)
		return true, nil
	}
	res, amount, err := p.tank.FundEscrowForGas(ctx, item.ChainID, item.From.Address)
	if err != nil {
		return false, err
	}
	if err := p.store.PutGasFunding(&types.GasFunding{
		DealID:  item.DealID,
		ChainID: item.ChainID,
		Escrow:  item.From.Address,
		Amount:  amount,
		TxID:    res.TxID,
	}); err != nil && !errors.Is(err, storage.ErrKeyAlreadyExists) {
		return false, err
	}
	p.recordDealIssue(item.DealID, types.EventInfo, fmt.Sprintf(
		"escrow %s topped up with %s native for gas (tx %s)", item.From.Address, amount, res.TxID))
	log.Infow("escrow gas top-up sent",
		"deal", item.DealID, "chainID", item.ChainID,
		"escrow", item.From.Address, "amount", amount.String(), "tx", res.TxID)
	return true, nil
}

// recordSubmission persists a broadcast transfer, guarding against two items
// claiming the same nonce slot or input set. A collision means the local
// serialization failed: the sender's nonce state resets and the item stays
// PENDING, where the idempotency probe of the next pass recovers it.
func (p *Processor) recordSubmission(item *types.QueueItem, required int64, res *chain.SendResult) (stepResult, error) {
	ref := res.TxRef(item.ChainID, required)
	var conflict *types.QueueItem
	if ref.Nonce != nil || len(ref.Inputs) > 0 {
		var err error
		conflict, err = p.store.FindNonceConflict(item.ChainID, item.From.Address, ref.SerializationKey(), item.ID)
		if err != nil {
			return stepHold, err
		}
	}
	if conflict != nil {
		if err := p.store.ResetNonce(item.ChainID, item.From.Address); err != nil {
			log.Errorw(err, "nonce reset after collision failed")
		}
		msg := fmt.Sprintf("transfer %s collided with %s on %s (tx %s), nonce state reset",
			item.ID, conflict.ID, ref.SerializationKey(), ref.TxID)
		if err := p.store.AddAlert(types.AlertNonceCollision, item.DealID, msg); err != nil {
			log.Errorw(err, "nonce collision alert failed")
		}
		p.recordDealIssue(item.DealID, types.EventCritical, msg)
		log.Warnw("nonce collision detected",
			"item", item.ID, "conflict", conflict.ID, "key", ref.SerializationKey())
		return stepHold, nil
	}
	if err := p.store.UpdateItemStatus(item.ID, types.ItemSubmitted, ref); err != nil {
		return stepHold, err
	}
	log.Infow("transfer submitted",
		"item", item.ID, "deal", item.DealID, "purpose", item.Purpose.String(),
		"asset", item.Asset, "amount", item.Amount.String(), "tx", ref.TxID)
	return stepSubmitted, nil
}
