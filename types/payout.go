package types

import "time"

// PayoutStatus aggregates the confirmation state of a logical payout.
type PayoutStatus uint8

const (
	PayoutPending   = PayoutStatus(iota) // some linked transfer still below threshold
	PayoutConfirmed                      // every linked transfer confirmed

	PayoutPendingName   = "pending"
	PayoutConfirmedName = "confirmed"
)

func (s PayoutStatus) String() string {
	switch s {
	case PayoutPending:
		return PayoutPendingName
	case PayoutConfirmed:
		return PayoutConfirmedName
	default:
		return "unknown"
	}
}

// Payout groups the queue items that together realize one logical transfer.
// UTXO payouts may split across several transactions; the payout confirmation
// count is the minimum across all of them, so a payout is only as confirmed
// as its weakest transaction.
type Payout struct {
	ID               string       `json:"id"`
	DealID           string       `json:"dealId"`
	ChainID          string       `json:"chainId"`
	Purpose          Purpose      `json:"purpose"`
	QueueItemIDs     []string     `json:"queueItemIds"`
	Required         int64        `json:"required"`
	MinConfirmations int64        `json:"minConfirmations"`
	Status           PayoutStatus `json:"status"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}
