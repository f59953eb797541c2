package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

// RateSource supplies USD prices for canonical assets. Implementations wrap
// an external price oracle; rates are sampled once per calculation and
// frozen in the deal's calculation record.
type RateSource interface {
	// USDRate returns the USD price of one unit of the canonical asset.
	USDRate(ctx context.Context, asset string) (types.Decimal, error)
}

// StaticRates is a config-driven RateSource with operator-pinned USD prices,
// suitable for development and deployments without an oracle feed.
type StaticRates map[string]types.Decimal

func (r StaticRates) USDRate(_ context.Context, asset string) (types.Decimal, error) {
	rate, ok := r[asset]
	if !ok {
		return types.Decimal{}, fmt.Errorf("no USD rate configured for %s", asset)
	}
	return rate, nil
}

// maybeCalculateReimbursement runs the gas reimbursement calculation when a
// swap payout reaches its first confirmation. The status machine on the deal
// makes the calculation run at most once; a transient failure leaves the
// status at PENDING_CALCULATION and the next confirmation poll retries.
func (e *Engine) maybeCalculateReimbursement(ctx context.Context, item *types.QueueItem) {
	deal, err := e.store.Deal(item.DealID)
	if err != nil {
		log.Warnw("reimbursement deal lookup failed", "deal", item.DealID, "err", err.Error())
		return
	}
	switch deal.Reimbursement.Status {
	case types.ReimburseNone:
		if err := e.store.UpdateDeal(deal.ID, func(d *types.Deal) error {
			d.Reimbursement.Status = types.ReimbursePendingCalculation
			return nil
		}); err != nil {
			log.Warnw("reimbursement status update failed", "deal", deal.ID, "err", err.Error())
			return
		}
	case types.ReimbursePendingCalculation:
		// a previous attempt began and never finished, run it again
	default:
		return
	}
	if err := e.calculateReimbursement(ctx, deal.ID, item); err != nil {
		log.Errorw(err, "gas reimbursement calculation failed")
	}
}

// calculateReimbursement converts the observed gas cost of the confirmed
// swap payout into the reimbursement token and queues the escrow-to-tank
// transfer. Permanent obstacles mark the deal SKIPPED with a reason; errors
// are transient and retried.
func (e *Engine) calculateReimbursement(ctx context.Context, dealID string, item *types.QueueItem) error {
	token, configured := e.cfg.ReimburseAssets[item.ChainID]
	if !e.cfg.ReimburseEnabled || !configured {
		return e.skipReimbursement(dealID, "reimbursement disabled")
	}
	if e.rates == nil {
		return e.skipReimbursement(dealID, "rate source unavailable")
	}
	if e.tank == nil || e.tank.TankAddress(item.ChainID) == "" {
		return e.skipReimbursement(dealID, "tank address unavailable")
	}
	adapter, err := e.chains.Adapter(item.ChainID)
	if err != nil {
		return err
	}
	reader, ok := adapter.(chain.ReceiptReader)
	if !ok {
		return e.skipReimbursement(dealID, fmt.Sprintf("gas receipts unavailable on %s", item.ChainID))
	}
	gasUsed, gasPrice, err := reader.ReceiptGas(ctx, item.Tx.TxID)
	if err != nil {
		return fmt.Errorf("reading gas receipt of %s: %w", item.Tx.TxID, err)
	}
	if gasUsed == 0 || gasPrice == nil || gasPrice.Sign() <= 0 {
		return e.skipReimbursement(dealID, "reimbursement rounds to zero")
	}
	native, err := e.assets.NativeOf(item.ChainID)
	if err != nil {
		return err
	}
	tokenAsset, err := e.assets.Asset(token)
	if err != nil {
		return err
	}
	nativeRate, err := e.rates.USDRate(ctx, native.Canonical)
	if err != nil {
		return fmt.Errorf("native usd rate: %w", err)
	}
	tokenRate, err := e.rates.USDRate(ctx, token)
	if err != nil {
		return fmt.Errorf("token usd rate: %w", err)
	}
	if !nativeRate.IsPositive() || !tokenRate.IsPositive() {
		return e.skipReimbursement(dealID, "usd rate unavailable")
	}
	remaining, err := e.remainingTransfers(dealID, item)
	if err != nil {
		return err
	}
	// The sampled receipt stands in for every transfer still ahead of this
	// escrow, so one calculation covers the deal's whole gas bill.
	estimatedGas := gasUsed * uint64(1+remaining)
	costWei := new(big.Int).Mul(new(big.Int).SetUint64(estimatedGas), gasPrice)
	nativeUSD := types.DecimalFromUnits(costWei, native.Decimals).Mul(nativeRate)
	tokenAmount := nativeUSD.Div(tokenRate).Floor(tokenAsset.Decimals)
	if !tokenAmount.IsPositive() {
		return e.skipReimbursement(dealID, "reimbursement rounds to zero")
	}
	address, err := adapter.ManagedAddress(item.From)
	if err != nil {
		return err
	}
	balance, err := adapter.Balance(ctx, token, address)
	if err != nil {
		return err
	}
	if balance.LessThan(tokenAmount) {
		return e.skipReimbursement(dealID, "insufficient escrow balance of reimbursement token")
	}
	calc := &types.GasCalculation{
		GasUsed:       gasUsed,
		GasPriceWei:   (*types.BigInt)(gasPrice),
		EstimatedGas:  estimatedGas,
		NativeCostWei: (*types.BigInt)(costWei),
		NativeUSDRate: nativeRate,
		TokenUSDRate:  tokenRate,
		NativeUSD:     nativeUSD,
		Asset:         token,
		TokenAmount:   tokenAmount,
		CalculatedAt:  time.Now(),
	}
	if err := e.store.UpdateDeal(dealID, func(d *types.Deal) error {
		d.Reimbursement.Status = types.ReimburseCalculated
		d.Reimbursement.Calc = calc
		return nil
	}); err != nil {
		return err
	}
	return e.queueReimbursement(dealID, item, calc)
}

// remainingTransfers counts this escrow's transfers still ahead, the
// reimbursement itself included.
func (e *Engine) remainingTransfers(dealID string, item *types.QueueItem) (int, error) {
	items, err := e.store.ItemsByDeal(dealID)
	if err != nil {
		return 0, err
	}
	remaining := 1
	for _, it := range items {
		if it.ID == item.ID || it.Status == types.ItemCompleted {
			continue
		}
		if it.SenderKey() == item.SenderKey() {
			remaining++
		}
	}
	return remaining, nil
}

// queueReimbursement enqueues the calculated token amount from the paying
// escrow to the gas tank.
func (e *Engine) queueReimbursement(dealID string, item *types.QueueItem, calc *types.GasCalculation) error {
	reimb := &types.QueueItem{
		ID:      uuid.NewString(),
		DealID:  dealID,
		ChainID: item.ChainID,
		From:    item.From,
		To:      e.tank.TankAddress(item.ChainID),
		Asset:   calc.Asset,
		Amount:  calc.TokenAmount,
		Purpose: types.PurposeGasReimburse,
	}
	if err := e.store.Enqueue(reimb); err != nil {
		return err
	}
	if err := e.store.UpdateDeal(dealID, func(d *types.Deal) error {
		d.Reimbursement.Status = types.ReimburseQueued
		d.Reimbursement.QueueItemID = reimb.ID
		return nil
	}); err != nil {
		return err
	}
	log.Infow("gas reimbursement queued",
		"deal", dealID, "amount", calc.TokenAmount.String(), "asset", calc.Asset)
	return nil
}

// retryReimbursement reruns a calculation that began but never finished,
// using the first confirmed swap payout as the receipt source.
func (e *Engine) retryReimbursement(ctx context.Context, deal *types.Deal) {
	items, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		log.Warnw("reimbursement retry lookup failed", "deal", deal.ID, "err", err.Error())
		return
	}
	for _, item := range items {
		if item.Purpose != types.PurposeSwapPayout || item.Tx == nil || item.Tx.Confirmations < 1 {
			continue
		}
		if err := e.calculateReimbursement(ctx, deal.ID, item); err != nil {
			log.Errorw(err, "gas reimbursement calculation failed")
		}
		return
	}
}

// resumeReimbursement finishes a calculation that crashed between the
// CALCULATED write and the queue insert. An already-present queue item just
// has its status repaired; enqueueing twice would pay the tank twice.
func (e *Engine) resumeReimbursement(deal *types.Deal) error {
	calc := deal.Reimbursement.Calc
	if calc == nil {
		return e.skipReimbursement(deal.ID, "calculation record lost")
	}
	items, err := e.store.ItemsByDeal(deal.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Purpose == types.PurposeGasReimburse {
			return e.store.UpdateDeal(deal.ID, func(d *types.Deal) error {
				d.Reimbursement.Status = types.ReimburseQueued
				d.Reimbursement.QueueItemID = item.ID
				return nil
			})
		}
	}
	var payer *types.QueueItem
	for _, item := range items {
		if item.Purpose == types.PurposeSwapPayout {
			payer = item
			break
		}
	}
	if payer == nil {
		return e.skipReimbursement(deal.ID, "no swap payout to reimburse against")
	}
	return e.queueReimbursement(deal.ID, payer, calc)
}

// skipReimbursement permanently marks the deal's reimbursement as skipped.
func (e *Engine) skipReimbursement(dealID, reason string) error {
	if err := e.store.UpdateDeal(dealID, func(d *types.Deal) error {
		d.Reimbursement.Status = types.ReimburseSkipped
		d.Reimbursement.SkipReason = reason
		return nil
	}); err != nil {
		return err
	}
	log.Debugw("gas reimbursement skipped", "deal", dealID, "reason", reason)
	return nil
}
