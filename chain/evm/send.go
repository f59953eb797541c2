package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/log"
	"github.com/otcmesh/broker-node/types"
)

const (
	nativeTransferGas   = 21_000
	erc20GasFallback    = 120_000
	gasSafetyMarginBps  = 1_000 // +10% on top of the node's estimate
	basisPointsPerWhole = 10_000
	maxErc20TransferGas = 500_000
)

// Send broadcasts an EIP-1559 transfer of an asset from a managed escrow.
// Options override the nonce (resubmissions reuse the stuck nonce) and the
// fee caps (gas bumps raise them); everything left nil is sampled fresh.
func (a *Adapter) Send(ctx context.Context, canonical string, from types.Escrow, to string,
	amount types.Decimal, opts *chain.SendOptions,
) (*chain.SendResult, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return nil, err
	}
	key, err := a.keys.Key(from.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve key %s: %w", from.KeyRef, err)
	}
	sender, err := a.keys.Address(from.KeyRef)
	if err != nil {
		return nil, err
	}

	nonce, err := a.sendNonce(ctx, sender, opts)
	if err != nil {
		return nil, err
	}
	tipCap, feeCap, err := a.sendFees(ctx, opts)
	if err != nil {
		return nil, err
	}

	recipient := common.HexToAddress(to)
	units := amount.Units(asset.Decimals)
	var (
		txTo     common.Address
		value    *big.Int
		data     []byte
		gasLimit uint64
	)
	if asset.Native {
		txTo = recipient
		value = units
		gasLimit = nativeTransferGas
	} else {
		txTo = common.HexToAddress(asset.Contract)
		value = new(big.Int)
		data = transferData(recipient, units)
		gasLimit = a.estimateGas(ctx, ethereum.CallMsg{
			From:      sender,
			To:        &txTo,
			Data:      data,
			GasFeeCap: feeCap,
			GasTipCap: tipCap,
		})
	}

	tx, err := gethtypes.SignNewTx(key, gethtypes.LatestSignerForChainID(a.cfg.NumericChainID), &gethtypes.DynamicFeeTx{
		ChainID:   a.cfg.NumericChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &txTo,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := a.cli.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	log.Debugw("transaction broadcast",
		"chain", a.cfg.ChainID, "tx", tx.Hash().Hex(), "nonce", nonce,
		"asset", canonical, "amount", amount.String())
	return &chain.SendResult{
		TxID:        tx.Hash().Hex(),
		SubmittedAt: time.Now(),
		Nonce:       &nonce,
		GasPrice:    feeCap,
	}, nil
}

// sendNonce picks the nonce for a submission: an explicit override wins,
// otherwise the pending account nonce is used.
func (a *Adapter) sendNonce(ctx context.Context, sender common.Address, opts *chain.SendOptions) (uint64, error) {
	if opts != nil && opts.Nonce != nil {
		return *opts.Nonce, nil
	}
	nonce, err := a.cli.PendingNonceAt(ctx, sender)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return nonce, nil
}

// sendFees resolves the EIP-1559 caps for a submission. Overrides may carry
// explicit caps (a bump) or just a legacy gas price, which then serves as
// both caps.
func (a *Adapter) sendFees(ctx context.Context, opts *chain.SendOptions) (tipCap, feeCap *big.Int, err error) {
	if opts != nil {
		if opts.MaxFeePerGas != nil {
			tip := opts.MaxPriorityFeePerGas
			if tip == nil {
				tip = opts.MaxFeePerGas
			}
			return tip, opts.MaxFeePerGas, nil
		}
		if opts.GasPrice != nil {
			return opts.GasPrice, opts.GasPrice, nil
		}
	}
	fees, err := a.CurrentFees(ctx)
	if err != nil {
		return nil, nil, err
	}
	if fees.MaxFeePerGas != nil {
		return fees.MaxPriorityFeePerGas, fees.MaxFeePerGas, nil
	}
	return fees.GasPrice, fees.GasPrice, nil
}

// estimateGas asks the node for a gas estimate and applies a safety margin.
// Estimation failures fall back to a fixed limit rather than failing the
// send: a reverting transfer still surfaces through the receipt.
func (a *Adapter) estimateGas(ctx context.Context, msg ethereum.CallMsg) uint64 {
	estimate, err := a.cli.EstimateGas(ctx, msg)
	if err != nil {
		log.Warnw("gas estimation failed, using fallback",
			"chain", a.cfg.ChainID, "fallback", erc20GasFallback, "err", err)
		return erc20GasFallback
	}
	withMargin := estimate + estimate*gasSafetyMarginBps/basisPointsPerWhole
	if withMargin > maxErc20TransferGas {
		withMargin = maxErc20TransferGas
	}
	return withMargin
}
