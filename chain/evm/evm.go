// Package evm implements the chain adapter contract for EVM account chains.
// One Adapter instance serves one chain through a pool of RPC endpoints with
// retry and rotation. Native assets are observed through balance snapshots,
// ERC20 assets through Transfer log scans; sends are EIP-1559 transactions
// signed with keys resolved from the KeyStore.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/types"
)

// depositLookbackBlocks bounds the Transfer log scan for deposits. At a
// 12 second block time this covers roughly one week, longer than any
// collection window the engine accepts.
const depositLookbackBlocks = 50_000

// transferProbeLookbackBlocks bounds the idempotency probe scan. Crashed
// submissions are recovered within minutes, so a short window suffices.
const transferProbeLookbackBlocks = 5_000

// Config describes one EVM chain.
type Config struct {
	// ChainID is the engine-level identifier (e.g. "ETH").
	ChainID string
	// NumericChainID is the EIP-155 id used for signing and endpoint probes.
	NumericChainID *big.Int
	// Endpoints are the RPC URIs to pool.
	Endpoints []string
	// Operator receives commissions on this chain.
	Operator string
	// Broker is the settlement contract address; empty disables the broker
	// path and falls back to composed transfers.
	Broker string
	// FeeRecipient receives broker-path commissions; defaults to Operator.
	FeeRecipient string
	// Confirmations is the finality threshold for outgoing transfers.
	Confirmations int64
	// CollectConfirms is the deposit eligibility threshold.
	CollectConfirms int64
}

// Adapter is the EVM implementation of chain.Adapter, chain.AccountOps and
// chain.BrokerOps.
type Adapter struct {
	cfg    Config
	cli    *client
	assets *assets.Registry
	keys   KeyStore
	broker *brokerBinding
}

// New dials the configured endpoints and, when a broker address is
// configured, parses the settlement contract binding.
func New(ctx context.Context, cfg Config, reg *assets.Registry, keys KeyStore) (*Adapter, error) {
	if cfg.ChainID == "" {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Confirmations <= 0 || cfg.CollectConfirms <= 0 {
		return nil, fmt.Errorf("chain %s: confirmation thresholds must be positive", cfg.ChainID)
	}
	if cfg.FeeRecipient == "" {
		cfg.FeeRecipient = cfg.Operator
	}
	pool, err := dialEndpoints(ctx, cfg.Endpoints, cfg.NumericChainID)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.ChainID, err)
	}
	a := &Adapter{
		cfg:    cfg,
		cli:    &client{pool: pool},
		assets: reg,
		keys:   keys,
	}
	if cfg.Broker != "" {
		a.broker, err = newBrokerBinding(common.HexToAddress(cfg.Broker), a.cli)
		if err != nil {
			pool.close()
			return nil, fmt.Errorf("chain %s: broker binding: %w", cfg.ChainID, err)
		}
	}
	return a, nil
}

// Close releases the RPC connections.
func (a *Adapter) Close() {
	a.cli.pool.close()
}

func (a *Adapter) ChainID() string { return a.cfg.ChainID }

func (a *Adapter) Kind() types.ChainKind { return types.ChainAccount }

func (a *Adapter) ConfirmationThreshold() int64 { return a.cfg.Confirmations }

func (a *Adapter) CollectConfirms() int64 { return a.cfg.CollectConfirms }

func (a *Adapter) OperatorAddress() string { return a.cfg.Operator }

// ManagedAddress verifies the escrow's key handle resolves and that it
// controls the recorded address.
func (a *Adapter) ManagedAddress(escrow types.Escrow) (string, error) {
	addr, err := a.keys.Address(escrow.KeyRef)
	if err != nil {
		return "", err
	}
	if escrow.Address != "" && !addressesEqual(escrow.Address, addr.Hex()) {
		return "", fmt.Errorf("escrow address %s does not match key handle %s", escrow.Address, escrow.KeyRef)
	}
	return addr.Hex(), nil
}

func addressesEqual(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// assetOf resolves a canonical asset code and checks it belongs to this chain.
func (a *Adapter) assetOf(canonical string) (*assets.Asset, error) {
	asset, err := a.assets.Asset(canonical)
	if err != nil {
		return nil, err
	}
	if asset.Chain != a.cfg.ChainID {
		return nil, fmt.Errorf("asset %s belongs to chain %s, adapter serves %s", canonical, asset.Chain, a.cfg.ChainID)
	}
	return asset, nil
}

// Balance returns the spendable balance of an asset on an address.
func (a *Adapter) Balance(ctx context.Context, canonical, address string) (types.Decimal, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return types.Decimal{}, err
	}
	addr := common.HexToAddress(address)
	if asset.Native {
		wei, err := a.cli.BalanceAt(ctx, addr, nil)
		if err != nil {
			return types.Decimal{}, err
		}
		return types.DecimalFromUnits(wei, asset.Decimals), nil
	}
	units, err := a.erc20BalanceOf(ctx, common.HexToAddress(asset.Contract), addr)
	if err != nil {
		return types.Decimal{}, err
	}
	return types.DecimalFromUnits(units, asset.Decimals), nil
}

// TxConfirmations implements the -1 / 0 / k contract over receipts.
func (a *Adapter) TxConfirmations(ctx context.Context, txid string) (int64, error) {
	hash := common.HexToHash(txid)
	receipt, err := a.cli.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return 0, err
		}
		// No receipt. A pending transaction sits in the mempool; anything
		// else has been dropped or reorged away.
		_, pending, txErr := a.cli.TransactionByHash(ctx, hash)
		if txErr != nil {
			if errors.Is(txErr, ethereum.NotFound) {
				return -1, nil
			}
			return 0, txErr
		}
		if pending {
			return 0, nil
		}
		return -1, nil
	}
	head, err := a.cli.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64() {
		return 0, nil
	}
	return int64(head-receipt.BlockNumber.Uint64()) + 1, nil
}

// ReceiptGas returns the mined cost figures of a transaction, for the gas
// reimbursement calculator.
func (a *Adapter) ReceiptGas(ctx context.Context, txid string) (uint64, *big.Int, error) {
	receipt, err := a.cli.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return 0, nil, err
	}
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = new(big.Int)
	}
	return receipt.GasUsed, price, nil
}

// CurrentNonce returns the next usable nonce, reconciling the confirmed and
// pending views so queued mempool transactions are not double-assigned.
func (a *Adapter) CurrentNonce(ctx context.Context, address string) (uint64, error) {
	addr := common.HexToAddress(address)
	nonce, err := a.cli.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, err
	}
	if pending, err := a.cli.PendingNonceAt(ctx, addr); err == nil && pending > nonce {
		nonce = pending
	}
	return nonce, nil
}

// CurrentFees samples the fee market: legacy gas price plus EIP-1559 caps
// derived the usual way (fee cap = 2x base fee + tip).
func (a *Adapter) CurrentFees(ctx context.Context) (*chain.FeeData, error) {
	gasPrice, err := a.cli.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	fees := &chain.FeeData{GasPrice: gasPrice}
	tip, err := a.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, nil
	}
	header, err := a.cli.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		return fees, nil
	}
	fees.MaxPriorityFeePerGas = tip
	fees.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return fees, nil
}

// IsTransactionStuck reports whether a transaction is known to the mempool
// but still unmined. Unknown transactions are not stuck; they are dropped,
// which the confirmation monitor detects separately.
func (a *Adapter) IsTransactionStuck(ctx context.Context, txid string) (bool, error) {
	_, pending, err := a.cli.TransactionByHash(ctx, common.HexToHash(txid))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return pending, nil
}

var (
	_ chain.Adapter       = (*Adapter)(nil)
	_ chain.AccountOps    = (*Adapter)(nil)
	_ chain.BrokerOps     = (*Adapter)(nil)
	_ chain.ReceiptReader = (*Adapter)(nil)
)
