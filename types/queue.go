package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Purpose says why a queued transfer exists. The queue processor gates
// submission order and policy on it.
type Purpose uint8

const (
	PurposeSwapPayout      = Purpose(iota) // pay the counter-asset to a party's recipient
	PurposeOpCommission                    // pay the operator commission
	PurposeSurplusRefund                   // return overpayment above trade+commission
	PurposeTimeoutRefund                   // return locked funds after a timeout revert
	PurposeGasRefundToTank                 // return leftover native gas from an escrow to the tank
	PurposeGasReimburse                    // reimburse the tank for gas fronted on behalf of a deal
	PurposeBrokerSwap                      // settle both sides atomically through the broker contract
	PurposeBrokerRevert                    // revert through the broker contract
	PurposeBrokerRefund                    // late-deposit refund through the broker contract

	PurposeSwapPayoutName      = "swap_payout"
	PurposeOpCommissionName    = "op_commission"
	PurposeSurplusRefundName   = "surplus_refund"
	PurposeTimeoutRefundName   = "timeout_refund"
	PurposeGasRefundToTankName = "gas_refund_to_tank"
	PurposeGasReimburseName    = "gas_reimbursement"
	PurposeBrokerSwapName      = "broker_swap"
	PurposeBrokerRevertName    = "broker_revert"
	PurposeBrokerRefundName    = "broker_refund"
)

func (p Purpose) String() string {
	switch p {
	case PurposeSwapPayout:
		return PurposeSwapPayoutName
	case PurposeOpCommission:
		return PurposeOpCommissionName
	case PurposeSurplusRefund:
		return PurposeSurplusRefundName
	case PurposeTimeoutRefund:
		return PurposeTimeoutRefundName
	case PurposeGasRefundToTank:
		return PurposeGasRefundToTankName
	case PurposeGasReimburse:
		return PurposeGasReimburseName
	case PurposeBrokerSwap:
		return PurposeBrokerSwapName
	case PurposeBrokerRevert:
		return PurposeBrokerRevertName
	case PurposeBrokerRefund:
		return PurposeBrokerRefundName
	default:
		return "unknown"
	}
}

// Broker reports whether the purpose settles through the on-chain broker
// contract. Broker items skip local nonce reservation.
func (p Purpose) Broker() bool {
	return p == PurposeBrokerSwap || p == PurposeBrokerRevert || p == PurposeBrokerRefund
}

// Refund reports whether the purpose returns funds to a party.
func (p Purpose) Refund() bool {
	return p == PurposeTimeoutRefund || p == PurposeSurplusRefund || p == PurposeBrokerRefund
}

// UTXOPhase orders payouts from a single UTXO escrow. A later phase must not
// be submitted while an earlier phase of the same deal is incomplete, since
// each phase spends the change outputs of the previous one.
type UTXOPhase uint8

const (
	PhaseNone       = UTXOPhase(iota) // account-based chains, no phase ordering
	PhaseSwap                         // 1: swap payout
	PhaseCommission                   // 2: operator commission
	PhaseRefund                       // 3: surplus refund

	PhaseNoneName       = "none"
	PhaseSwapName       = "swap"
	PhaseCommissionName = "commission"
	PhaseRefundName     = "refund"
)

func (p UTXOPhase) String() string {
	switch p {
	case PhaseNone:
		return PhaseNoneName
	case PhaseSwap:
		return PhaseSwapName
	case PhaseCommission:
		return PhaseCommissionName
	case PhaseRefund:
		return PhaseRefundName
	default:
		return "unknown"
	}
}

// ItemStatus is the submission status of a queue item.
type ItemStatus uint8

const (
	ItemPending   = ItemStatus(iota) // not yet submitted (or re-queued after a drop)
	ItemSubmitted                    // transaction broadcast, awaiting confirmations
	ItemCompleted                    // confirmed beyond the chain threshold, or abandoned by operators

	ItemPendingName   = "pending"
	ItemSubmittedName = "submitted"
	ItemCompletedName = "completed"
)

func (s ItemStatus) String() string {
	switch s {
	case ItemPending:
		return ItemPendingName
	case ItemSubmitted:
		return ItemSubmittedName
	case ItemCompleted:
		return ItemCompletedName
	default:
		return "unknown"
	}
}

// TxStatus tracks a broadcast transaction through the mempool.
type TxStatus uint8

const (
	TxPending   = TxStatus(iota) // in the mempool or below the confirmation threshold
	TxConfirmed                  // at or beyond the confirmation threshold
	TxDropped                    // evicted from the mempool, needs resubmission
	TxReplaced                   // superseded by a gas-bumped replacement

	TxPendingName   = "pending"
	TxConfirmedName = "confirmed"
	TxDroppedName   = "dropped"
	TxReplacedName  = "replaced"
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return TxPendingName
	case TxConfirmed:
		return TxConfirmedName
	case TxDropped:
		return TxDroppedName
	case TxReplaced:
		return TxReplacedName
	default:
		return "unknown"
	}
}

// TxRef is the submission record of a broadcast transaction. For account
// chains it carries the serialized nonce; for UTXO chains the consumed input
// set and any extra transaction ids produced by multi-tx splits.
type TxRef struct {
	ChainID         string    `json:"chainId"                   cbor:"1,keyasint,omitempty"`
	TxID            string    `json:"txId"                      cbor:"2,keyasint,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"               cbor:"3,keyasint,omitempty"`
	Status          TxStatus  `json:"status"                    cbor:"4,keyasint,omitempty"`
	Confirmations   int64     `json:"confirmations"             cbor:"5,keyasint,omitempty"`
	Required        int64     `json:"required"                  cbor:"6,keyasint,omitempty"`
	Nonce           *uint64   `json:"nonce,omitempty"           cbor:"7,keyasint,omitempty"`
	Inputs          []string  `json:"inputs,omitempty"          cbor:"8,keyasint,omitempty"`
	AdditionalTxIDs []string  `json:"additionalTxIds,omitempty" cbor:"9,keyasint,omitempty"`
	GasUsed         uint64    `json:"gasUsed,omitempty"         cbor:"10,keyasint,omitempty"`
	GasPriceWei     *BigInt   `json:"gasPriceWei,omitempty"     cbor:"11,keyasint,omitempty"`
}

// SerializationKey identifies the chain resource this transaction consumes: a
// nonce slot on account chains, the sorted input set on UTXO chains. Two
// SUBMITTED items of one sender sharing a key is a collision.
func (t *TxRef) SerializationKey() string {
	if t.Nonce != nil {
		return fmt.Sprintf("n:%d", *t.Nonce)
	}
	inputs := append([]string(nil), t.Inputs...)
	sort.Strings(inputs)
	return "i:" + strings.Join(inputs, ",")
}

// TxIDs returns the primary and any additional transaction ids.
func (t *TxRef) TxIDs() []string {
	ids := make([]string, 0, 1+len(t.AdditionalTxIDs))
	ids = append(ids, t.TxID)
	ids = append(ids, t.AdditionalTxIDs...)
	return ids
}

// BrokerDetails carries the extra addresses a broker contract call needs.
type BrokerDetails struct {
	Payback      string  `json:"payback"      cbor:"1,keyasint,omitempty"`
	Recipient    string  `json:"recipient"    cbor:"2,keyasint,omitempty"`
	FeeRecipient string  `json:"feeRecipient" cbor:"3,keyasint,omitempty"`
	Fee          Decimal `json:"fee"          cbor:"4,keyasint,omitempty"`
}

// QueueItem is one planned outgoing transfer. Items of the same (deal,
// sender) pair carry strictly increasing Seq values and are submitted in that
// order; the queue processor never reorders or skips within a sender.
type QueueItem struct {
	ID               string         `json:"id"                         cbor:"1,keyasint"`
	DealID           string         `json:"dealId"                     cbor:"2,keyasint,omitempty"`
	ChainID          string         `json:"chainId"                    cbor:"3,keyasint,omitempty"`
	From             Escrow         `json:"from"                       cbor:"4,keyasint,omitempty"`
	To               string         `json:"to"                         cbor:"5,keyasint,omitempty"`
	Asset            string         `json:"asset"                      cbor:"6,keyasint,omitempty"`
	Amount           Decimal        `json:"amount"                     cbor:"7,keyasint,omitempty"`
	Purpose          Purpose        `json:"purpose"                    cbor:"8,keyasint,omitempty"`
	Phase            UTXOPhase      `json:"phase,omitempty"            cbor:"9,keyasint,omitempty"`
	Seq              uint64         `json:"seq"                        cbor:"10,keyasint,omitempty"`
	Status           ItemStatus     `json:"status"                     cbor:"11,keyasint,omitempty"`
	Broker           *BrokerDetails `json:"broker,omitempty"           cbor:"12,keyasint,omitempty"`
	Tx               *TxRef         `json:"tx,omitempty"               cbor:"13,keyasint,omitempty"`
	PayoutID         string         `json:"payoutId,omitempty"         cbor:"14,keyasint,omitempty"`
	RefundTrackingID string         `json:"refundTrackingId,omitempty" cbor:"15,keyasint,omitempty"`
	GasBumpAttempts  int            `json:"gasBumpAttempts,omitempty"  cbor:"16,keyasint,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"                  cbor:"17,keyasint,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"                  cbor:"18,keyasint,omitempty"`
}

// SenderKey groups items that must be serialized behind one another.
func (q *QueueItem) SenderKey() string {
	return q.ChainID + "/" + q.From.Address
}

// NonceState is the per-(chain, sender) nonce reservation record. NextNonce
// is the lowest nonce not yet handed out; reservations increment it
// atomically. LastConfirmed trails the highest nonce seen in a confirmed
// transaction.
type NonceState struct {
	ChainID       string    `json:"chainId"`
	Address       string    `json:"address"`
	NextNonce     uint64    `json:"nextNonce"`
	LastConfirmed *uint64   `json:"lastConfirmed,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
