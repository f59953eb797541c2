package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// detailsComplete reports whether a party supplied both addresses the engine
// needs before collecting: the counter-asset recipient and the payback.
func detailsComplete(details *types.PartyDetails) bool {
	return details.Recipient != "" && details.Payback != ""
}

// handleCreated waits for both parties to supply their addresses, then opens
// the collection window. The expiry is written before the stage so a crash
// between the two can never produce a COLLECTION deal without a deadline.
func (e *Engine) handleCreated(ctx context.Context, deal *types.Deal) error {
	deal, err := e.refreshDeposits(ctx, deal)
	if err != nil {
		return err
	}
	if !detailsComplete(&deal.AliceDetails) || !detailsComplete(&deal.BobDetails) {
		return nil
	}
	if deal.AliceSide.Escrow == nil || deal.BobSide.Escrow == nil {
		return nil
	}
	expiry := time.Now().Add(time.Duration(deal.TimeoutSeconds) * time.Second)
	if err := e.store.UpdateDeal(deal.ID, func(d *types.Deal) error {
		d.ExpiresAt = &expiry
		return nil
	}); err != nil {
		return err
	}
	return e.store.UpdateStage(deal.ID, types.StageCreated, types.StageCollection)
}

// handleCollection advances to WAITING as soon as both sides have covered
// what they owe at face value, pending confirmations included. The expiry is
// deliberately kept across the transition: it is the fall-back deadline if a
// reorg sends the deal back here.
func (e *Engine) handleCollection(ctx context.Context, deal *types.Deal) error {
	deal, err := e.refreshDeposits(ctx, deal)
	if err != nil {
		return err
	}
	funded := true
	for _, side := range types.Sides {
		ok, err := e.sufficientFunds(deal, side)
		if err != nil {
			return err
		}
		if !ok {
			funded = false
			break
		}
	}
	if funded {
		return e.store.UpdateStage(deal.ID, types.StageCollection, types.StageWaiting)
	}
	if deal.Expired(time.Now()) {
		return e.RevertDeal(deal.ID, "collection window expired before both sides funded")
	}
	return nil
}

// handleWaiting watches confirmations accumulate. A side losing sufficiency
// means a reorg took deposits back, and the deal returns to COLLECTION; both
// sides locking means settlement can start.
func (e *Engine) handleWaiting(ctx context.Context, deal *types.Deal) error {
	deal, err := e.refreshDeposits(ctx, deal)
	if err != nil {
		return err
	}
	for _, side := range types.Sides {
		ok, err := e.sufficientFunds(deal, side)
		if err != nil {
			return err
		}
		if !ok {
			return e.rollbackToCollection(deal, side)
		}
	}
	if deal.AliceSide.Locked() && deal.BobSide.Locked() {
		return e.enterSwap(deal)
	}
	return nil
}

// rollbackToCollection returns a WAITING deal to COLLECTION after a side
// lost sufficiency, resuming the preserved expiry or restarting the window
// when none survived. Only queued swap payouts that never reached the chain
// are discarded; broadcast ones stay with the confirmation monitor.
func (e *Engine) rollbackToCollection(deal *types.Deal, side types.DealSide) error {
	if err := e.store.UpdateStage(deal.ID, types.StageWaiting, types.StageCollection); err != nil {
		return err
	}
	if deal.ExpiresAt == nil {
		expiry := time.Now().Add(time.Duration(deal.TimeoutSeconds) * time.Second)
		if err := e.store.UpdateDeal(deal.ID, func(d *types.Deal) error {
			d.ExpiresAt = &expiry
			return nil
		}); err != nil {
			return err
		}
	}
	cleared, err := e.store.ClearPendingByPurpose(deal.ID, types.PurposeSwapPayout)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("%s side lost sufficiency, returning to collection", side)
	if cleared > 0 {
		msg = fmt.Sprintf("%s (%d queued payouts discarded)", msg, cleared)
	}
	e.recordDealIssue(deal.ID, types.EventWarn, msg)
	log.Warnw("deal rolled back to collection", "deal", deal.ID, "side", side.String())
	return nil
}

// enterSwap plans the settlement transfers and moves the deal to SWAP. The
// plan is enqueued before the transition, so a crash between the two leaves
// a WAITING deal that replans idempotently, never a SWAP deal with nothing
// to submit. Entering SWAP clears the expiry for good.
func (e *Engine) enterSwap(deal *types.Deal) error {
	planned, err := e.planSettlement(deal)
	if err != nil {
		return err
	}
	if err := e.store.UpdateStage(deal.ID, types.StageWaiting, types.StageSwap); err != nil {
		return err
	}
	if planned > 0 {
		log.Infow("settlement planned", "deal", deal.ID, "transfers", planned)
	}
	return nil
}

// handleSwap resumes any half-finished reimbursement work and closes the
// deal once every transfer has confirmed.
func (e *Engine) handleSwap(ctx context.Context, deal *types.Deal) error {
	switch deal.Reimbursement.Status {
	case types.ReimbursePendingCalculation:
		e.retryReimbursement(ctx, deal)
	case types.ReimburseCalculated:
		if err := e.resumeReimbursement(deal); err != nil {
			log.Warnw("reimbursement resume failed", "deal", deal.ID, "err", err.Error())
		}
	}
	deal, err := e.store.Deal(deal.ID)
	if err != nil {
		return err
	}
	return e.closeWhenSettled(deal)
}

// handleReverted closes the deal once every refund has confirmed.
func (e *Engine) handleReverted(deal *types.Deal) error {
	return e.closeWhenSettled(deal)
}

// closeWhenSettled closes a deal whose every planned transfer completed. A
// SWAP deal with no items at all stays open: that means planning never ran,
// and closing it would strand the escrows. A REVERTED deal with no items
// collected nothing and closes immediately.
func (e *Engine) closeWhenSettled(deal *types.Deal) error {
	items, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		if deal.Stage == types.StageReverted {
			return e.store.UpdateStage(deal.ID, types.StageReverted, types.StageClosed)
		}
		return nil
	}
	for _, item := range items {
		if item.Status != types.ItemCompleted {
			return nil
		}
	}
	if deal.Stage == types.StageSwap && !reimbursementSettled(deal) {
		return nil
	}
	return e.store.UpdateStage(deal.ID, deal.Stage, types.StageClosed)
}

// reimbursementSettled reports whether the reimbursement flow has reached a
// state the deal may close under.
func reimbursementSettled(deal *types.Deal) bool {
	switch deal.Reimbursement.Status {
	case types.ReimbursePendingCalculation, types.ReimburseCalculated:
		return false
	}
	return true
}

// RevertDeal refunds a deal that failed to fund in time. Safety guards make
// it refuse whenever settlement may already be under way: both sides locked,
// the deal past COLLECTION, or a swap payout already broadcast. A
// single-sided lock is refundable; the locked side gets its funds back along
// with the other side's partial deposits.
func (e *Engine) RevertDeal(dealID, reason string) error {
	deal, err := e.store.Deal(dealID)
	if err != nil {
		return err
	}
	if deal.AliceSide.Locked() && deal.BobSide.Locked() {
		return e.refuseRevert(deal, "revert refused: both sides locked, the swap must complete")
	}
	if deal.Stage != types.StageCreated && deal.Stage != types.StageCollection {
		return e.refuseRevert(deal, fmt.Sprintf("revert refused: deal is at %s", deal.Stage))
	}
	items, err := e.store.ItemsByDeal(dealID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Purpose == types.PurposeSwapPayout && item.Status != types.ItemPending {
			return e.refuseRevert(deal,
				fmt.Sprintf("revert refused: swap payout %s already %s", item.ID, item.Status))
		}
	}
	// A queued payout that never reached the chain must not race the refunds.
	if _, err := e.store.ClearPendingByPurpose(dealID, types.PurposeSwapPayout); err != nil {
		return err
	}
	planned, err := e.planRevert(deal)
	if err != nil {
		return err
	}
	if err := e.store.UpdateStage(dealID, deal.Stage, types.StageReverted); err != nil {
		return err
	}
	e.recordDealIssue(dealID, types.EventWarn, fmt.Sprintf("deal reverted: %s", reason))
	log.Infow("deal reverted", "deal", dealID, "reason", reason, "refunds", planned)
	return nil
}

// refuseRevert records the refusal as a CRITICAL event plus an operator
// alert and reports it to the caller. No deal state changes.
func (e *Engine) refuseRevert(deal *types.Deal, msg string) error {
	e.recordDealIssue(deal.ID, types.EventCritical, msg)
	if err := e.store.AddAlert(types.AlertRevertRefused, deal.ID, msg); err != nil {
		log.Errorw(err, "failed to record revert alert")
	}
	return fmt.Errorf("%s", msg)
}
