// Package utxo implements the chain adapter contract for UTXO chains served
// by a btcd-compatible JSON-RPC node. Deposits and balances come from the
// node's unspent-output index; sends build and sign raw P2WPKH transactions,
// splitting across several when the input count would get out of hand. UTXO
// chains have no account nonce, so the adapter deliberately does not
// implement AccountOps, and there is no broker contract either.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/otcmesh/broker-node/assets"
	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/types"
)

const (
	// defaultFlatFeeSats is the flat miner fee per transaction when the
	// config does not override it.
	defaultFlatFeeSats = 2_000
	// defaultMaxTxInputs caps the inputs consumed by one transaction;
	// beyond it the transfer splits.
	defaultMaxTxInputs = 50
	// dustLimitSats is the standard output dust threshold. Change below it
	// is absorbed into the fee.
	dustLimitSats = 546
	// maxListConfirms is the upper bound handed to listunspent.
	maxListConfirms = 9_999_999
)

// Config describes one UTXO chain.
type Config struct {
	// ChainID is the engine-level identifier (e.g. "BTC").
	ChainID string
	// Host, User and Pass locate the JSON-RPC node.
	Host string
	User string
	Pass string
	// DisableTLS switches to plain HTTP, for nodes behind a local proxy.
	DisableTLS bool
	// Network selects the address encoding parameters: mainnet, testnet3,
	// regtest or simnet.
	Network string
	// Operator receives commissions on this chain.
	Operator string
	// Confirmations is the finality threshold for outgoing transfers.
	Confirmations int64
	// CollectConfirms is the deposit eligibility threshold.
	CollectConfirms int64
	// FlatFeeSats overrides the per-transaction miner fee.
	FlatFeeSats int64
	// MaxTxInputs overrides the per-transaction input cap.
	MaxTxInputs int
}

// Adapter is the UTXO implementation of chain.Adapter.
type Adapter struct {
	cfg    Config
	params *chaincfg.Params
	cli    *rpcclient.Client
	assets *assets.Registry
	keys   KeyStore
}

// New connects to the node over HTTP POST and probes it with a block count
// call so misconfiguration surfaces at startup.
func New(cfg Config, reg *assets.Registry, keys KeyStore) (*Adapter, error) {
	if cfg.ChainID == "" {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Confirmations <= 0 || cfg.CollectConfirms <= 0 {
		return nil, fmt.Errorf("chain %s: confirmation thresholds must be positive", cfg.ChainID)
	}
	if cfg.FlatFeeSats <= 0 {
		cfg.FlatFeeSats = defaultFlatFeeSats
	}
	if cfg.MaxTxInputs <= 0 {
		cfg.MaxTxInputs = defaultMaxTxInputs
	}
	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.ChainID, err)
	}
	cli, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain %s: rpc client: %w", cfg.ChainID, err)
	}
	if _, err := cli.GetBlockCount(); err != nil {
		cli.Shutdown()
		return nil, fmt.Errorf("chain %s: node probe: %w", cfg.ChainID, err)
	}
	return &Adapter{
		cfg:    cfg,
		params: params,
		cli:    cli,
		assets: reg,
		keys:   keys,
	}, nil
}

// NetworkParams maps a network name to its address encoding parameters.
// Key stores built outside the adapter need the same mapping.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// Close shuts the RPC client down.
func (a *Adapter) Close() {
	a.cli.Shutdown()
}

func (a *Adapter) ChainID() string { return a.cfg.ChainID }

func (a *Adapter) Kind() types.ChainKind { return types.ChainUTXO }

func (a *Adapter) ConfirmationThreshold() int64 { return a.cfg.Confirmations }

func (a *Adapter) CollectConfirms() int64 { return a.cfg.CollectConfirms }

func (a *Adapter) OperatorAddress() string { return a.cfg.Operator }

// ManagedAddress verifies the escrow's key handle derives the recorded
// address.
func (a *Adapter) ManagedAddress(escrow types.Escrow) (string, error) {
	addr, err := a.keys.Address(escrow.KeyRef)
	if err != nil {
		return "", err
	}
	encoded := addr.EncodeAddress()
	if escrow.Address != "" && !strings.EqualFold(escrow.Address, encoded) {
		return "", fmt.Errorf("escrow address %s does not match key handle %s", escrow.Address, escrow.KeyRef)
	}
	return encoded, nil
}

// assetOf resolves a canonical asset code. UTXO chains carry exactly their
// native asset.
func (a *Adapter) assetOf(canonical string) (*assets.Asset, error) {
	asset, err := a.assets.Asset(canonical)
	if err != nil {
		return nil, err
	}
	if asset.Chain != a.cfg.ChainID {
		return nil, fmt.Errorf("asset %s belongs to chain %s, adapter serves %s", canonical, asset.Chain, a.cfg.ChainID)
	}
	if !asset.Native {
		return nil, fmt.Errorf("asset %s: utxo chains carry only their native asset", canonical)
	}
	return asset, nil
}

// listUnspent returns the unspent outputs of an address with at least
// minConfirms confirmations, amounts converted to satoshis immediately so no
// float arithmetic leaks further.
func (a *Adapter) listUnspent(address string, minConfirms int64) ([]unspentOutput, error) {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	results, err := a.cli.ListUnspentMinMaxAddresses(int(minConfirms), maxListConfirms, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}
	outs := make([]unspentOutput, 0, len(results))
	for _, r := range results {
		amt, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("unspent %s:%d amount: %w", r.TxID, r.Vout, err)
		}
		outs = append(outs, unspentOutput{
			txid:          r.TxID,
			vout:          r.Vout,
			sats:          int64(amt),
			pkScript:      r.ScriptPubKey,
			confirmations: r.Confirmations,
		})
	}
	return outs, nil
}

// unspentOutput is one outpoint of the escrow in satoshis. The node tracks
// escrow addresses watch-only; the keys that actually spend live in the
// engine's key store.
type unspentOutput struct {
	txid          string
	vout          uint32
	sats          int64
	pkScript      string
	confirmations int64
}

// ListConfirmedDeposits maps the escrow's unspent outputs into deposits.
// Block times come from the transaction index; a missing one leaves the
// deposit without a timestamp, which the collection logic tolerates.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, canonical, address string, minConfirms int64) (*chain.DepositPage, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outs, err := a.listUnspent(address, minConfirms)
	if err != nil {
		return nil, err
	}
	page := &chain.DepositPage{}
	blockTimes := make(map[string]*time.Time)
	for _, out := range outs {
		vout := out.vout
		dep := types.EscrowDeposit{
			TxID:          out.txid,
			Index:         &vout,
			Asset:         asset.Canonical,
			Amount:        types.DecimalFromUnits(big.NewInt(out.sats), asset.Decimals),
			BlockTime:     a.txBlockTime(blockTimes, out.txid),
			Confirmations: out.confirmations,
			SeenAt:        time.Now(),
		}
		page.Deposits = append(page.Deposits, dep)
		if out.confirmations >= a.cfg.CollectConfirms {
			page.TotalConfirmed = page.TotalConfirmed.Add(dep.Amount)
		}
	}
	return page, nil
}

func (a *Adapter) txBlockTime(cache map[string]*time.Time, txid string) *time.Time {
	if t, ok := cache[txid]; ok {
		return t
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		cache[txid] = nil
		return nil
	}
	raw, err := a.cli.GetRawTransactionVerbose(hash)
	if err != nil || raw.Blocktime == 0 {
		cache[txid] = nil
		return nil
	}
	t := time.Unix(raw.Blocktime, 0).UTC()
	cache[txid] = &t
	return &t
}

// Balance sums the mined unspent outputs of an address.
func (a *Adapter) Balance(ctx context.Context, canonical, address string) (types.Decimal, error) {
	asset, err := a.assetOf(canonical)
	if err != nil {
		return types.Decimal{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Decimal{}, err
	}
	outs, err := a.listUnspent(address, 1)
	if err != nil {
		return types.Decimal{}, err
	}
	var sats int64
	for _, out := range outs {
		sats += out.sats
	}
	return types.DecimalFromUnits(big.NewInt(sats), asset.Decimals), nil
}

// TxConfirmations implements the -1 / 0 / k contract over the transaction
// index. The node answers RPC code -5 for transactions it has never seen or
// that were evicted, which maps to dropped.
func (a *Adapter) TxConfirmations(ctx context.Context, txid string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("parse txid %s: %w", txid, err)
	}
	raw, err := a.cli.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return -1, nil
		}
		return 0, fmt.Errorf("getrawtransaction: %w", err)
	}
	return int64(raw.Confirmations), nil
}

var _ chain.Adapter = (*Adapter)(nil)
