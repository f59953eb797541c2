package queue

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// scanStuck looks for SUBMITTED transactions that sit in the mempool past the
// threshold and replaces them with a fee-bumped resubmission on the same
// nonce.
func (p *Processor) scanStuck(ctx context.Context) {
	items, err := p.store.SubmittedItems()
	if err != nil {
		log.Warnw("stuck scan failed to list submitted items", "err", err.Error())
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if err := p.checkStuck(ctx, item); err != nil {
			log.Warnw("stuck check failed",
				"item", item.ID, "deal", item.DealID, "err", err.Error())
		}
	}
}

// checkStuck decides whether one submitted item needs a gas bump. Only plain
// account-chain transfers qualify: a UTXO transaction has no nonce to replace,
// and a broker settlement cannot be superseded by a bare transfer without
// changing what executes on chain.
func (p *Processor) checkStuck(ctx context.Context, item *types.QueueItem) error {
	if item.Tx == nil || item.Tx.Nonce == nil {
		return nil
	}
	if item.Purpose.Broker() {
		return nil
	}
	if item.Tx.Confirmations != 0 {
		return nil
	}
	if time.Since(item.Tx.SubmittedAt) <= p.cfg.StuckThreshold {
		return nil
	}
	adapter, err := p.chains.Adapter(item.ChainID)
	if err != nil {
		return err
	}
	ops, ok := chain.AccountOpsOf(adapter)
	if !ok {
		return nil
	}
	stuck, err := ops.IsTransactionStuck(ctx, item.Tx.TxID)
	if err != nil {
		return fmt.Errorf("stuck probe for %s: %w", item.Tx.TxID, err)
	}
	if !stuck {
		return nil
	}
	if item.GasBumpAttempts >= p.cfg.MaxGasBumps {
		return p.abandonStuck(item)
	}
	return p.bumpStuck(ctx, adapter, ops, item)
}

// bumpStuck resubmits a stuck transaction with the same nonce and raised
// fees. The recorded gas price is the fee cap of the previous attempt, so it
// seeds both legacy and EIP-1559 bumps; the tip is re-sampled from the
// market.
func (p *Processor) bumpStuck(ctx context.Context, adapter chain.Adapter,
	ops chain.AccountOps, item *types.QueueItem,
) error {
	prev := &chain.FeeData{}
	if item.Tx.GasPriceWei != nil {
		price := (*big.Int)(item.Tx.GasPriceWei)
		prev.GasPrice = price
		prev.MaxFeePerGas = price
	}
	market, err := ops.CurrentFees(ctx)
	if err != nil {
		return fmt.Errorf("fee sample: %w", err)
	}
	bumped := chain.BumpFees(prev, market)
	opts := &chain.SendOptions{
		Nonce:                item.Tx.Nonce,
		GasPrice:             bumped.GasPrice,
		MaxFeePerGas:         bumped.MaxFeePerGas,
		MaxPriorityFeePerGas: bumped.MaxPriorityFeePerGas,
	}
	res, err := adapter.Send(ctx, item.Asset, item.From, item.To, item.Amount, opts)
	if err != nil {
		return fmt.Errorf("bump resubmission: %w", err)
	}
	ref := res.TxRef(item.ChainID, item.Tx.Required)
	attempts := item.GasBumpAttempts + 1
	if err := p.store.UpdateSubmissionMetadata(item.ID, ref, attempts); err != nil {
		return err
	}
	p.recordDealIssue(item.DealID, types.EventWarn, fmt.Sprintf(
		"%s tx %s stuck, replaced by %s (gas bump %d/%d)",
		item.Purpose, item.Tx.TxID, ref.TxID, attempts, p.cfg.MaxGasBumps))
	log.Infow("stuck transaction replaced",
		"item", item.ID, "deal", item.DealID, "nonce", *item.Tx.Nonce,
		"oldTx", item.Tx.TxID, "newTx", ref.TxID, "attempt", attempts)
	return nil
}

// abandonStuck gives up on a transaction that survived the bump limit. The
// item is force-completed so the queue moves on; the alert hands the nonce
// deadlock to an operator.
func (p *Processor) abandonStuck(item *types.QueueItem) error {
	err := p.store.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
		it.Status = types.ItemCompleted
		return nil
	})
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("%s tx %s abandoned after %d gas bumps, manual intervention required",
		item.Purpose, item.Tx.TxID, item.GasBumpAttempts)
	if err := p.store.AddAlert(types.AlertGasBumpExhausted, item.DealID, msg); err != nil {
		return err
	}
	p.recordDealIssue(item.DealID, types.EventCritical, msg)
	log.Warnw("stuck transaction abandoned",
		"item", item.ID, "deal", item.DealID, "tx", item.Tx.TxID,
		"attempts", item.GasBumpAttempts)
	return nil
}
