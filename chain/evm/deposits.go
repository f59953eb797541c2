package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/types"
)

// ListConfirmedDeposits returns the deposits of one asset on an escrow
// address. Native deposits are derived from a balance snapshot: plain value
// transfers leave no log, so the adapter reports the whole balance as one
// synthetic deposit that always clears the eligibility thresholds. ERC20
// deposits come from a Transfer log scan and carry real confirmation counts.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, canonical, address string, minConfirms int64) (*chain.DepositPage, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return nil, err
	}
	if asset.Native {
		return a.nativeDeposits(ctx, asset.Canonical, address, asset.Decimals, minConfirms)
	}
	return a.erc20Deposits(ctx, asset.Canonical, asset.Contract, address, asset.Decimals, minConfirms)
}

func (a *Adapter) nativeDeposits(ctx context.Context, canonical, address string, decimals int32, minConfirms int64) (*chain.DepositPage, error) {
	wei, err := a.cli.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	page := &chain.DepositPage{}
	if wei.Sign() <= 0 {
		return page, nil
	}
	confirms := minConfirms
	if a.cfg.CollectConfirms > confirms {
		confirms = a.cfg.CollectConfirms
	}
	amount := types.DecimalFromUnits(wei, decimals)
	page.Deposits = append(page.Deposits, types.EscrowDeposit{
		TxID:          "balance:" + common.HexToAddress(address).Hex(),
		Asset:         canonical,
		Amount:        amount,
		Confirmations: confirms,
		Synthetic:     true,
		SeenAt:        time.Now(),
	})
	page.TotalConfirmed = amount
	return page, nil
}

func (a *Adapter) erc20Deposits(ctx context.Context, canonical, contract, address string, decimals int32, minConfirms int64) (*chain.DepositPage, error) {
	head, err := a.cli.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	fromBlock := uint64(0)
	if head > depositLookbackBlocks {
		fromBlock = head - depositLookbackBlocks
	}
	to := common.HexToAddress(address)
	logs, err := a.transferLogs(ctx, common.HexToAddress(contract), nil, &to, fromBlock, head)
	if err != nil {
		return nil, err
	}
	page := &chain.DepositPage{}
	blockTimes := make(map[uint64]*time.Time)
	for _, lg := range logs {
		confirms := int64(head-lg.blockNumber) + 1
		if confirms < minConfirms {
			continue
		}
		idx := uint32(lg.index)
		dep := types.EscrowDeposit{
			TxID:          lg.txHash.Hex(),
			Index:         &idx,
			Asset:         canonical,
			Amount:        types.DecimalFromUnits(lg.amount, decimals),
			BlockHeight:   lg.blockNumber,
			BlockTime:     a.blockTime(ctx, blockTimes, lg.blockNumber),
			Confirmations: confirms,
			SeenAt:        time.Now(),
		}
		page.Deposits = append(page.Deposits, dep)
		if confirms >= a.cfg.CollectConfirms {
			page.TotalConfirmed = page.TotalConfirmed.Add(dep.Amount)
		}
	}
	return page, nil
}

// blockTime resolves and caches the timestamp of a block. Failures are
// tolerated: a deposit without a block time is still usable, it just cannot
// be aged by the expiry filter.
func (a *Adapter) blockTime(ctx context.Context, cache map[uint64]*time.Time, number uint64) *time.Time {
	if t, ok := cache[number]; ok {
		return t
	}
	header, err := a.cli.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		cache[number] = nil
		return nil
	}
	t := time.Unix(int64(header.Time), 0).UTC()
	cache[number] = &t
	return &t
}

// CheckExistingTransfer is the idempotency probe used after a crash between
// broadcast and persistence. ERC20 transfers are recoverable from logs; plain
// value transfers are not, so for native assets the probe reports no match
// and the queue relies on nonce discipline instead.
func (a *Adapter) CheckExistingTransfer(ctx context.Context, from, to, canonical string, amount types.Decimal) (*chain.TransferMatch, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return nil, err
	}
	if asset.Native {
		return nil, nil
	}
	head, err := a.cli.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	fromBlock := uint64(0)
	if head > transferProbeLookbackBlocks {
		fromBlock = head - transferProbeLookbackBlocks
	}
	sender := common.HexToAddress(from)
	recipient := common.HexToAddress(to)
	logs, err := a.transferLogs(ctx, common.HexToAddress(asset.Contract), &sender, &recipient, fromBlock, head)
	if err != nil {
		return nil, err
	}
	wantUnits := amount.Units(asset.Decimals)
	for _, lg := range logs {
		if lg.amount.Cmp(wantUnits) == 0 {
			return &chain.TransferMatch{
				TxID:        lg.txHash.Hex(),
				BlockNumber: lg.blockNumber,
			}, nil
		}
	}
	return nil, nil
}
