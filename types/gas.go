package types

import "time"

// ReimbursementStatus is the lifecycle of the per-deal gas reimbursement.
// The calculation runs at most once per deal, on the first confirmation of a
// swap payout.
type ReimbursementStatus uint8

const (
	ReimburseNone               = ReimbursementStatus(iota) // no swap payout confirmed yet
	ReimbursePendingCalculation                             // trigger seen, calculation scheduled
	ReimburseCalculated                                     // amounts computed, not yet queued
	ReimburseQueued                                         // reimbursement queue item enqueued
	ReimburseCompleted                                      // reimbursement transfer confirmed
	ReimburseSkipped                                        // permanently skipped, see SkipReason

	ReimburseNoneName               = "none"
	ReimbursePendingCalculationName = "pending_calculation"
	ReimburseCalculatedName         = "calculated"
	ReimburseQueuedName             = "queued"
	ReimburseCompletedName          = "completed"
	ReimburseSkippedName            = "skipped"
)

func (s ReimbursementStatus) String() string {
	switch s {
	case ReimburseNone:
		return ReimburseNoneName
	case ReimbursePendingCalculation:
		return ReimbursePendingCalculationName
	case ReimburseCalculated:
		return ReimburseCalculatedName
	case ReimburseQueued:
		return ReimburseQueuedName
	case ReimburseCompleted:
		return ReimburseCompletedName
	case ReimburseSkipped:
		return ReimburseSkippedName
	default:
		return "unknown"
	}
}

// GasCalculation is the frozen output of the reimbursement calculator: what
// the confirmed swap payout actually cost in native coin, converted into the
// reimbursement token at the rates sampled at calculation time.
type GasCalculation struct {
	GasUsed       uint64    `json:"gasUsed"       cbor:"1,keyasint,omitempty"`
	GasPriceWei   *BigInt   `json:"gasPriceWei"   cbor:"2,keyasint,omitempty"`
	EstimatedGas  uint64    `json:"estimatedGas"  cbor:"3,keyasint,omitempty"` // projected total across the deal's remaining transfers
	NativeCostWei *BigInt   `json:"nativeCostWei" cbor:"4,keyasint,omitempty"`
	NativeUSDRate Decimal   `json:"nativeUsdRate" cbor:"5,keyasint,omitempty"`
	TokenUSDRate  Decimal   `json:"tokenUsdRate"  cbor:"6,keyasint,omitempty"`
	NativeUSD     Decimal   `json:"nativeUsd"     cbor:"7,keyasint,omitempty"`
	Asset         string    `json:"asset"         cbor:"8,keyasint,omitempty"` // reimbursement token, canonical
	TokenAmount   Decimal   `json:"tokenAmount"   cbor:"9,keyasint,omitempty"`
	CalculatedAt  time.Time `json:"calculatedAt"  cbor:"10,keyasint,omitempty"`
}

// GasReimbursement is the per-deal reimbursement sub-record embedded in Deal.
type GasReimbursement struct {
	Status      ReimbursementStatus `json:"status"                cbor:"1,keyasint,omitempty"`
	SkipReason  string              `json:"skipReason,omitempty"  cbor:"2,keyasint,omitempty"`
	QueueItemID string              `json:"queueItemId,omitempty" cbor:"3,keyasint,omitempty"`
	Calc        *GasCalculation     `json:"calc,omitempty"        cbor:"4,keyasint,omitempty"`
}

// GasFunding records a one-time native top-up of an escrow by the gas tank,
// so the same escrow is never funded twice for one deal.
type GasFunding struct {
	DealID   string    `json:"dealId"`
	ChainID  string    `json:"chainId"`
	Escrow   string    `json:"escrow"`
	Amount   Decimal   `json:"amount"`
	TxID     string    `json:"txId"`
	FundedAt time.Time `json:"fundedAt"`
}

// TankBalance is a point-in-time snapshot of the gas tank balance on one
// chain, kept for operator visibility.
type TankBalance struct {
	ChainID string    `json:"chainId"`
	Balance Decimal   `json:"balance"`
	At      time.Time `json:"at"`
}
