// Package chain defines the capability contract between the broker engine and
// the blockchains it settles on. One Adapter is implemented per chain family;
// account chains additionally implement AccountOps, and chains with a deployed
// broker contract implement BrokerOps. The engine only ever talks to these
// interfaces, so chain families can be added without touching the core.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/otcmesh/broker-node/types"
)

// DepositPage is the result of one deposit listing: the individual transfers
// seen on the escrow plus the total that clears the requested threshold.
type DepositPage struct {
	Deposits       []types.EscrowDeposit
	TotalConfirmed types.Decimal
}

// FeeData carries current fee market figures. Legacy chains populate
// GasPrice; EIP-1559 chains populate the two caps.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SendOptions overrides parts of a submission. A gas bump resubmits with the
// original nonce and raised fee fields; a nil options pointer means the
// adapter picks everything itself.
type SendOptions struct {
	Nonce                *uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SendResult describes a broadcast transaction. Account chains set Nonce;
// UTXO chains set Inputs and, when the transfer had to be split across
// several transactions, AdditionalTxIDs.
type SendResult struct {
	TxID            string
	SubmittedAt     time.Time
	Nonce           *uint64
	Inputs          []string
	AdditionalTxIDs []string
	GasPrice        *big.Int
}

// TxRef converts the result into the persisted submission record.
func (r *SendResult) TxRef(chainID string, required int64) *types.TxRef {
	ref := &types.TxRef{
		ChainID:     chainID,
		TxID:        r.TxID,
		SubmittedAt: r.SubmittedAt,
		Status:      types.TxPending,
		Required:    required,
		Nonce:       r.Nonce,
		Inputs:      r.Inputs,
	}
	ref.AdditionalTxIDs = append(ref.AdditionalTxIDs, r.AdditionalTxIDs...)
	if r.GasPrice != nil {
		ref.GasPriceWei = (*types.BigInt)(r.GasPrice)
	}
	return ref
}

// TransferMatch is a positive result of the idempotency probe: an equivalent
// transfer already exists on chain.
type TransferMatch struct {
	TxID        string
	BlockNumber uint64
}

// BrokerParams carries everything a broker contract call needs to settle one
// side of a deal atomically.
type BrokerParams struct {
	DealID       string
	Asset        string
	Escrow       types.Escrow
	Recipient    string
	Payback      string
	FeeRecipient string
	Amount       types.Decimal
	Fee          types.Decimal
}

// Adapter is the minimal capability every supported chain provides.
//
// TxConfirmations follows a three-way contract: -1 means the transaction is
// no longer visible (dropped or reorged away), 0 means it sits in the
// mempool, k > 0 means k confirmations.
type Adapter interface {
	// ChainID returns the engine-level chain identifier (not the numeric
	// EVM chain id).
	ChainID() string
	// Kind reports the transaction model of the chain.
	Kind() types.ChainKind
	// ListConfirmedDeposits returns the deposits of one canonical asset on
	// an escrow address that have at least minConfirms confirmations.
	ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64) (*DepositPage, error)
	// Balance returns the spendable balance of an asset on an address.
	Balance(ctx context.Context, asset, address string) (types.Decimal, error)
	// Send transfers amount of asset from a managed escrow to an address.
	Send(ctx context.Context, asset string, from types.Escrow, to string, amount types.Decimal, opts *SendOptions) (*SendResult, error)
	// TxConfirmations reports the confirmation count of a transaction.
	TxConfirmations(ctx context.Context, txid string) (int64, error)
	// ConfirmationThreshold is the number of confirmations after which an
	// outgoing transfer counts as final.
	ConfirmationThreshold() int64
	// CollectConfirms is the deposit eligibility threshold used by the lock
	// evaluation.
	CollectConfirms() int64
	// OperatorAddress is where commissions go on this chain.
	OperatorAddress() string
	// ManagedAddress resolves the on-chain address of an escrow handle and
	// verifies the key material is available.
	ManagedAddress(escrow types.Escrow) (string, error)
}

// AccountOps is the extra surface of nonce-serialized chains.
type AccountOps interface {
	// CurrentNonce returns the next usable nonce, taking the mempool into
	// account.
	CurrentNonce(ctx context.Context, address string) (uint64, error)
	// CurrentFees samples the fee market.
	CurrentFees(ctx context.Context) (*FeeData, error)
	// IsTransactionStuck reports whether a broadcast transaction is still
	// absent from any mined block.
	IsTransactionStuck(ctx context.Context, txid string) (bool, error)
	// CheckExistingTransfer looks for an already-mined transfer equivalent
	// to (from, to, asset, amount). A nil match means none was found.
	CheckExistingTransfer(ctx context.Context, from, to, asset string, amount types.Decimal) (*TransferMatch, error)
}

// BrokerOps is the optional atomic-settlement capability.
type BrokerOps interface {
	// BrokerAvailable reports whether the broker contract is deployed and
	// usable on this chain.
	BrokerAvailable() bool
	// SwapViaBroker settles payout, commission and surplus refund in one
	// indivisible transaction.
	SwapViaBroker(ctx context.Context, params *BrokerParams) (*SendResult, error)
	// RevertViaBroker refunds a timed-out side, commission included, in one
	// transaction.
	RevertViaBroker(ctx context.Context, params *BrokerParams) (*SendResult, error)
	// RefundViaBroker returns late-arriving funds on a settled deal.
	RefundViaBroker(ctx context.Context, params *BrokerParams) (*SendResult, error)
}

// ReceiptReader is an optional capability exposing the mined cost of a
// transaction, consumed by the gas reimbursement calculator.
type ReceiptReader interface {
	// ReceiptGas returns gas used and the effective gas price of a mined
	// transaction.
	ReceiptGas(ctx context.Context, txid string) (uint64, *big.Int, error)
}

// AccountOpsOf returns the account surface of an adapter, or false when the
// chain is not account-based.
func AccountOpsOf(a Adapter) (AccountOps, bool) {
	ops, ok := a.(AccountOps)
	return ops, ok
}

// BrokerOpsOf returns the broker surface of an adapter when the contract is
// actually available.
func BrokerOpsOf(a Adapter) (BrokerOps, bool) {
	ops, ok := a.(BrokerOps)
	if !ok || !ops.BrokerAvailable() {
		return nil, false
	}
	return ops, true
}
