package types

import "time"

// AlertKind classifies operator alerts raised by the drivers.
type AlertKind string

const (
	AlertNonceCollision   AlertKind = "nonce_collision"    // two submitted items share a nonce or input set
	AlertGasBumpExhausted AlertKind = "gas_bump_exhausted" // stuck tx abandoned after the bump limit
	AlertRevertRefused    AlertKind = "revert_refused"     // manual revert blocked by a safety guard
	AlertLateDeposit      AlertKind = "late_deposit"       // residual funds found on a settled deal
	AlertTankLow          AlertKind = "tank_low"           // gas tank balance below the configured floor
)

// Alert is a persisted operator notification. Alerts are write-once; acting
// on them is an operator concern, not the engine's.
type Alert struct {
	ID      string    `json:"id"`
	Kind    AlertKind `json:"kind"`
	DealID  string    `json:"dealId,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
