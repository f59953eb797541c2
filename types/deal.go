package types

import (
	"fmt"
	"time"
)

// DealStage is the lifecycle stage of a deal. Transitions between stages are
// restricted to the pairs allowed by rules.ValidTransition.
type DealStage uint8

const (
	StageCreated    = DealStage(iota) // deal registered, escrows not yet funded
	StageCollection                   // waiting for deposits on either side
	StageWaiting                      // both sides locked, pre-settlement checkpoint
	StageSwap                         // settlement transfers enqueued
	StageReverted                     // timed out, refunds enqueued
	StageClosed                       // terminal

	StageCreatedName    = "created"
	StageCollectionName = "collection"
	StageWaitingName    = "waiting"
	StageSwapName       = "swap"
	StageRevertedName   = "reverted"
	StageClosedName     = "closed"
)

func (s DealStage) String() string {
	switch s {
	case StageCreated:
		return StageCreatedName
	case StageCollection:
		return StageCollectionName
	case StageWaiting:
		return StageWaitingName
	case StageSwap:
		return StageSwapName
	case StageReverted:
		return StageRevertedName
	case StageClosed:
		return StageClosedName
	default:
		return "unknown"
	}
}

// DealSide identifies one of the two parties of a deal.
type DealSide uint8

const (
	SideAlice = DealSide(iota)
	SideBob

	SideAliceName = "alice"
	SideBobName   = "bob"
)

func (s DealSide) String() string {
	switch s {
	case SideAlice:
		return SideAliceName
	case SideBob:
		return SideBobName
	default:
		return "unknown"
	}
}

// Other returns the counterparty side.
func (s DealSide) Other() DealSide {
	if s == SideAlice {
		return SideBob
	}
	return SideAlice
}

// Sides lists both deal sides in canonical order, for iteration.
var Sides = [2]DealSide{SideAlice, SideBob}

// EventLevel classifies deal events for operator attention.
type EventLevel uint8

const (
	EventInfo = EventLevel(iota)
	EventWarn
	EventCritical

	EventInfoName     = "info"
	EventWarnName     = "warn"
	EventCriticalName = "critical"
)

func (l EventLevel) String() string {
	switch l {
	case EventInfo:
		return EventInfoName
	case EventWarn:
		return EventWarnName
	case EventCritical:
		return EventCriticalName
	default:
		return "unknown"
	}
}

// AssetSpec describes what one side contributes: an amount of a canonical
// asset on a specific chain.
type AssetSpec struct {
	Chain  string  `json:"chain"  cbor:"1,keyasint,omitempty"`
	Asset  string  `json:"asset"  cbor:"2,keyasint,omitempty"`
	Amount Decimal `json:"amount" cbor:"3,keyasint,omitempty"`
}

// PartyDetails carries the externally provided addresses of a party: where
// the counter-asset should be paid out and where refunds go.
type PartyDetails struct {
	Recipient string `json:"recipient" cbor:"1,keyasint,omitempty"` // payout address on the counterparty chain
	Payback   string `json:"payback"   cbor:"2,keyasint,omitempty"` // refund address on the party's own chain
}

// Escrow is a managed deposit address. KeyRef is an opaque handle resolved by
// the chain adapter's key store; the engine never sees private key material.
type Escrow struct {
	Address string   `json:"address"          cbor:"1,keyasint,omitempty"`
	KeyRef  string   `json:"keyRef"           cbor:"2,keyasint,omitempty"`
	PubKey  HexBytes `json:"pubKey,omitempty" cbor:"3,keyasint,omitempty"`
}

// EscrowDeposit is a single incoming transfer observed on an escrow address.
// Deposits are unique per (TxID, Index); account-based adapters that derive
// deposits from balance snapshots mark them Synthetic with a nil Index.
type EscrowDeposit struct {
	TxID          string     `json:"txId"                  cbor:"1,keyasint,omitempty"`
	Index         *uint32    `json:"index,omitempty"       cbor:"2,keyasint,omitempty"`
	Asset         string     `json:"asset"                 cbor:"3,keyasint,omitempty"`
	Amount        Decimal    `json:"amount"                cbor:"4,keyasint,omitempty"`
	BlockHeight   uint64     `json:"blockHeight,omitempty" cbor:"5,keyasint,omitempty"`
	BlockTime     *time.Time `json:"blockTime,omitempty"   cbor:"6,keyasint,omitempty"`
	Confirmations int64      `json:"confirmations"         cbor:"7,keyasint,omitempty"`
	Synthetic     bool       `json:"synthetic,omitempty"   cbor:"8,keyasint,omitempty"`
	SeenAt        time.Time  `json:"seenAt"                cbor:"9,keyasint,omitempty"`
}

// Key returns the deposit identity used for merging, "txid" or "txid:index".
func (d *EscrowDeposit) Key() string {
	if d.Index == nil {
		return d.TxID
	}
	return fmt.Sprintf("%s:%d", d.TxID, *d.Index)
}

// SideState is the mutable per-side collection state of a deal.
type SideState struct {
	Escrow             *Escrow            `json:"escrow,omitempty"             cbor:"1,keyasint,omitempty"`
	Deposits           []EscrowDeposit    `json:"deposits,omitempty"           cbor:"2,keyasint,omitempty"`
	Collected          map[string]Decimal `json:"collected,omitempty"          cbor:"3,keyasint,omitempty"`
	TradeLockedAt      *time.Time         `json:"tradeLockedAt,omitempty"      cbor:"4,keyasint,omitempty"`
	CommissionLockedAt *time.Time         `json:"commissionLockedAt,omitempty" cbor:"5,keyasint,omitempty"`
}

// TradeLocked reports whether the trade amount of this side is locked.
func (s *SideState) TradeLocked() bool { return s.TradeLockedAt != nil }

// CommissionLocked reports whether the commission of this side is locked.
func (s *SideState) CommissionLocked() bool { return s.CommissionLockedAt != nil }

// Locked reports whether both the trade amount and the commission are locked.
func (s *SideState) Locked() bool { return s.TradeLocked() && s.CommissionLocked() }

// CollectedOf returns the collected amount of the given canonical asset.
func (s *SideState) CollectedOf(asset string) Decimal {
	return s.Collected[asset]
}

// UpsertDeposit merges a deposit into the side state by its (txid, index)
// identity. It returns true when the deposit is new or any of its observed
// fields changed.
func (s *SideState) UpsertDeposit(dep EscrowDeposit) bool {
	key := dep.Key()
	for i := range s.Deposits {
		if s.Deposits[i].Key() != key {
			continue
		}
		cur := &s.Deposits[i]
		changed := cur.Confirmations != dep.Confirmations ||
			!cur.Amount.Equal(dep.Amount) ||
			cur.BlockHeight != dep.BlockHeight
		cur.Confirmations = dep.Confirmations
		cur.Amount = dep.Amount
		cur.BlockHeight = dep.BlockHeight
		if dep.BlockTime != nil {
			cur.BlockTime = dep.BlockTime
		}
		return changed
	}
	s.Deposits = append(s.Deposits, dep)
	return true
}

// CommissionMode selects how the operator commission of a side is computed.
type CommissionMode uint8

const (
	CommissionPercentBps     = CommissionMode(iota) // basis points of the trade amount, in the trade asset
	CommissionFixedUSDNative                        // fixed USD value converted to the chain's native coin

	CommissionPercentBpsName     = "percent_bps"
	CommissionFixedUSDNativeName = "fixed_usd_native"
)

func (m CommissionMode) String() string {
	switch m {
	case CommissionPercentBps:
		return CommissionPercentBpsName
	case CommissionFixedUSDNative:
		return CommissionFixedUSDNativeName
	default:
		return "unknown"
	}
}

// CommissionTerms is the commission owed by one side. All conversion-dependent
// amounts are frozen at deal creation so mid-deal rate moves cannot change
// what a party owes.
type CommissionTerms struct {
	Mode          CommissionMode `json:"mode"                    cbor:"1,keyasint,omitempty"`
	Asset         string         `json:"asset"                   cbor:"2,keyasint,omitempty"` // canonical currency the commission is owed in
	Bps           int64          `json:"bps,omitempty"           cbor:"3,keyasint,omitempty"`
	FixedUSD      Decimal        `json:"fixedUsd,omitempty"      cbor:"4,keyasint,omitempty"`
	FrozenAmount  Decimal        `json:"frozenAmount,omitempty"  cbor:"5,keyasint,omitempty"` // native amount frozen at creation (fixed mode)
	TokenFixedFee Decimal        `json:"tokenFixedFee,omitempty" cbor:"6,keyasint,omitempty"` // flat token fee added for token trade assets
}

// SameAsset reports whether the commission is owed in the given trade asset,
// which switches the lock accounting to the combined-total rule.
func (t *CommissionTerms) SameAsset(tradeAsset string) bool {
	return t.Asset == tradeAsset
}

// CommissionPlan holds the frozen commission terms of both sides.
type CommissionPlan struct {
	Alice CommissionTerms `json:"alice" cbor:"1,keyasint,omitempty"`
	Bob   CommissionTerms `json:"bob"   cbor:"2,keyasint,omitempty"`
}

// Terms returns the commission terms of the given side.
func (p *CommissionPlan) Terms(side DealSide) *CommissionTerms {
	if side == SideAlice {
		return &p.Alice
	}
	return &p.Bob
}

// StageTransition records one stage change inside a deal event.
type StageTransition struct {
	From DealStage `json:"from" cbor:"1,keyasint"`
	To   DealStage `json:"to"   cbor:"2,keyasint"`
}

// DealEvent is an append-only audit record attached to a deal.
type DealEvent struct {
	At         time.Time        `json:"at"                   cbor:"1,keyasint,omitempty"`
	Level      EventLevel       `json:"level"                cbor:"2,keyasint,omitempty"`
	Message    string           `json:"message"              cbor:"3,keyasint,omitempty"`
	Transition *StageTransition `json:"transition,omitempty" cbor:"4,keyasint,omitempty"`
}

// Deal is the aggregate root of one over-the-counter swap: two asset specs on
// two (possibly different) chains, two escrows, frozen commission terms, the
// lifecycle stage and the per-side collection state.
type Deal struct {
	ID             string           `json:"id"                  cbor:"1,keyasint"`
	Stage          DealStage        `json:"stage"               cbor:"2,keyasint,omitempty"`
	Alice          AssetSpec        `json:"alice"               cbor:"3,keyasint,omitempty"`
	Bob            AssetSpec        `json:"bob"                 cbor:"4,keyasint,omitempty"`
	AliceDetails   PartyDetails     `json:"aliceDetails"        cbor:"5,keyasint,omitempty"`
	BobDetails     PartyDetails     `json:"bobDetails"          cbor:"6,keyasint,omitempty"`
	Commission     CommissionPlan   `json:"commission"          cbor:"7,keyasint,omitempty"`
	TimeoutSeconds int64            `json:"timeoutSeconds"      cbor:"8,keyasint,omitempty"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty" cbor:"9,keyasint,omitempty"`
	AliceSide      SideState        `json:"aliceSide"           cbor:"10,keyasint,omitempty"`
	BobSide        SideState        `json:"bobSide"             cbor:"11,keyasint,omitempty"`
	Reimbursement  GasReimbursement `json:"reimbursement"       cbor:"12,keyasint,omitempty"`
	Events         []DealEvent      `json:"events,omitempty"    cbor:"13,keyasint,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"           cbor:"14,keyasint,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"           cbor:"15,keyasint,omitempty"`
	StageChangedAt time.Time        `json:"stageChangedAt"      cbor:"16,keyasint,omitempty"`
}

// Spec returns the asset spec contributed by the given side.
func (d *Deal) Spec(side DealSide) *AssetSpec {
	if side == SideAlice {
		return &d.Alice
	}
	return &d.Bob
}

// Details returns the external addresses of the given side.
func (d *Deal) Details(side DealSide) *PartyDetails {
	if side == SideAlice {
		return &d.AliceDetails
	}
	return &d.BobDetails
}

// Side returns the mutable collection state of the given side.
func (d *Deal) Side(side DealSide) *SideState {
	if side == SideAlice {
		return &d.AliceSide
	}
	return &d.BobSide
}

// Active reports whether the deal still needs driver attention.
func (d *Deal) Active() bool { return d.Stage != StageClosed }

// Expired reports whether the deal's collection window has passed. Deals
// without an expiry (notably once they enter the swap stage) never expire.
func (d *Deal) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// AddEvent appends an audit event to the deal.
func (d *Deal) AddEvent(level EventLevel, msg string) {
	d.Events = append(d.Events, DealEvent{At: time.Now(), Level: level, Message: msg})
}

// LastTransition returns the most recent stage transition event, or nil if
// the deal never changed stage.
func (d *Deal) LastTransition() *DealEvent {
	for i := len(d.Events) - 1; i >= 0; i-- {
		if d.Events[i].Transition != nil {
			return &d.Events[i]
		}
	}
	return nil
}
