package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// monitorConfirmations walks every submitted transfer and advances it: a
// dropped transaction requeues, a confirmed one completes its item, and the
// first confirmation of a swap payout triggers the gas reimbursement
// calculation.
func (e *Engine) monitorConfirmations(ctx context.Context) {
	items, err := e.store.SubmittedItems()
	if err != nil {
		log.Errorw(err, "failed to list submitted transfers")
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if err := e.checkSubmitted(ctx, item); err != nil {
			log.Warnw("confirmation check failed",
				"item", item.ID, "deal", item.DealID, "err", err.Error())
		}
	}
}

// checkSubmitted resolves the chain state of one submitted transfer.
func (e *Engine) checkSubmitted(ctx context.Context, item *types.QueueItem) error {
	if item.Tx == nil {
		return fmt.Errorf("submitted item %s has no transaction record", item.ID)
	}
	adapter, err := e.chains.Adapter(item.ChainID)
	if err != nil {
		return err
	}
	confirms, dropped, mined, err := aggregateConfirmations(ctx, adapter, item.Tx.TxIDs())
	if err != nil {
		return err
	}
	switch {
	case dropped && mined:
		// Part of a split transfer confirmed while another constituent
		// vanished. Resubmitting would pay the confirmed part twice, so the
		// item holds until the operator resolves it.
		e.recordDealIssue(item.DealID, types.EventCritical, fmt.Sprintf(
			"transfer %s lost transaction(s) after partial confirmation, operator action required",
			item.ID))
		return nil
	case dropped:
		return e.requeueDropped(item)
	}
	if item.Purpose == types.PurposeSwapPayout && confirms >= 1 {
		e.maybeCalculateReimbursement(ctx, item)
	}
	required := item.Tx.Required
	if required == 0 {
		required = adapter.ConfirmationThreshold()
	}
	if confirms >= required {
		return e.completeItem(ctx, adapter, item, confirms)
	}
	if confirms != item.Tx.Confirmations {
		return e.store.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
			if it.Tx != nil {
				it.Tx.Confirmations = confirms
			}
			return nil
		})
	}
	return nil
}

// aggregateConfirmations reduces the confirmation counts across the
// transactions realizing one transfer. The aggregate is the minimum of the
// visible counts; dropped reports any constituent gone, mined any with at
// least one confirmation.
func aggregateConfirmations(ctx context.Context, adapter chain.Adapter, txids []string,
) (confirms int64, dropped, mined bool, err error) {
	first := true
	for _, txid := range txids {
		c, err := adapter.TxConfirmations(ctx, txid)
		if err != nil {
			return 0, false, false, err
		}
		if c < 0 {
			dropped = true
			continue
		}
		if c > 0 {
			mined = true
		}
		if first || c < confirms {
			confirms = c
			first = false
		}
	}
	return confirms, dropped, mined, nil
}

// requeueDropped returns a vanished transfer to the pending queue for
// resubmission.
func (e *Engine) requeueDropped(item *types.QueueItem) error {
	if err := e.store.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
		it.Status = types.ItemPending
		if it.Tx != nil {
			it.Tx.Status = types.TxDropped
		}
		return nil
	}); err != nil {
		return err
	}
	e.recordDealIssue(item.DealID, types.EventWarn,
		fmt.Sprintf("%s transaction %s dropped from the chain, requeued", item.Purpose, item.Tx.TxID))
	return nil
}

// completeItem finalizes a confirmed transfer: the mined gas cost is read
// back for the reimbursement calculator, the sender's confirmed nonce
// advances, and any linked payout refreshes.
func (e *Engine) completeItem(ctx context.Context, adapter chain.Adapter, item *types.QueueItem, confirms int64) error {
	var gasUsed uint64
	var gasPrice *big.Int
	if reader, ok := adapter.(chain.ReceiptReader); ok {
		var err error
		gasUsed, gasPrice, err = reader.ReceiptGas(ctx, item.Tx.TxID)
		if err != nil {
			log.Warnw("receipt lookup failed", "tx", item.Tx.TxID, "err", err.Error())
			gasUsed, gasPrice = 0, nil
		}
	}
	if err := e.store.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
		it.Status = types.ItemCompleted
		if it.Tx != nil {
			it.Tx.Status = types.TxConfirmed
			it.Tx.Confirmations = confirms
			it.Tx.GasUsed = gasUsed
			if gasPrice != nil {
				it.Tx.GasPriceWei = (*types.BigInt)(gasPrice)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if item.Tx.Nonce != nil {
		if err := e.store.UpdateLastConfirmedNonce(item.ChainID, item.From.Address, *item.Tx.Nonce); err != nil {
			return err
		}
	}
	if item.PayoutID != "" {
		if _, err := e.store.RefreshPayout(item.PayoutID); err != nil {
			log.Warnw("payout refresh failed", "payout", item.PayoutID, "err", err.Error())
		}
	}
	if item.Purpose == types.PurposeGasReimburse {
		if err := e.store.UpdateDeal(item.DealID, func(d *types.Deal) error {
			if d.Reimbursement.Status == types.ReimburseQueued {
				d.Reimbursement.Status = types.ReimburseCompleted
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return e.store.AddDealEvent(item.DealID, types.EventInfo,
		fmt.Sprintf("%s confirmed with %d confirmations (tx %s)", item.Purpose, confirms, item.Tx.TxID))
}
