// Package rules holds the stateless predicates of the deal lifecycle: legal
// stage transitions, deposit eligibility, lock computation, surplus and
// commission arithmetic, and structural deal validation. Everything here is a
// pure function so the engine's decisions stay unit-testable without storage
// or chain access.
package rules

import (
	"fmt"
	"time"

	"github.com/otcmesh/broker-node/types"
)

// ValidTransition implements the directed stage graph. A deal may be reverted
// from CREATED (it never collected anything) or COLLECTION; WAITING and SWAP
// may roll back to COLLECTION on a reorg; CLOSED is terminal.
func ValidTransition(from, to types.DealStage) bool {
	switch from {
	case types.StageCreated:
		return to == types.StageCollection || to == types.StageReverted
	case types.StageCollection:
		return to == types.StageWaiting || to == types.StageReverted
	case types.StageWaiting:
		return to == types.StageSwap || to == types.StageCollection
	case types.StageSwap:
		return to == types.StageClosed || to == types.StageCollection
	case types.StageReverted:
		return to == types.StageClosed
	case types.StageClosed:
		return false
	}
	return false
}

// EligibleDeposits retains deposits with confirms >= minConfirms whose block
// time, when known, does not exceed the expiry. A deposit mined exactly at
// the expiry instant is still eligible; deposits without a block time pass
// the time filter.
func EligibleDeposits(deposits []types.EscrowDeposit, minConfirms int64, expiresAt *time.Time) []types.EscrowDeposit {
	var out []types.EscrowDeposit
	for _, dep := range deposits {
		if dep.Confirmations < minConfirms {
			continue
		}
		if expiresAt != nil && dep.BlockTime != nil && dep.BlockTime.After(*expiresAt) {
			continue
		}
		out = append(out, dep)
	}
	return out
}

// CollectedOf sums the amounts of one canonical asset across deposits.
func CollectedOf(deposits []types.EscrowDeposit, asset string) types.Decimal {
	var sum types.Decimal
	for _, dep := range deposits {
		if dep.Asset == asset {
			sum = sum.Add(dep.Amount)
		}
	}
	return sum
}

// CollectedByAsset sums deposit amounts grouped by canonical asset.
func CollectedByAsset(deposits []types.EscrowDeposit) map[string]types.Decimal {
	out := make(map[string]types.Decimal)
	for _, dep := range deposits {
		out[dep.Asset] = out[dep.Asset].Add(dep.Amount)
	}
	return out
}

// LockResult is the outcome of evaluating one side's lock conditions.
type LockResult struct {
	TradeLocked         bool
	CommissionLocked    bool
	TradeCollected      types.Decimal
	CommissionCollected types.Decimal
	Eligible            []types.EscrowDeposit
}

// Locked reports whether both the trade and the commission condition hold.
func (r *LockResult) Locked() bool { return r.TradeLocked && r.CommissionLocked }

// CheckLocks evaluates one side's lock conditions over its deposits. When the
// commission is owed in the trade asset itself, the commission only locks
// once the combined total covers trade plus commission: the commission must
// never come out of the trade amount.
func CheckLocks(deposits []types.EscrowDeposit, tradeAsset string, tradeAmount types.Decimal,
	commissionAsset string, commissionAmount types.Decimal, minConfirms int64, expiresAt *time.Time,
) LockResult {
	eligible := EligibleDeposits(deposits, minConfirms, expiresAt)
	res := LockResult{
		Eligible:            eligible,
		TradeCollected:      CollectedOf(eligible, tradeAsset),
		CommissionCollected: CollectedOf(eligible, commissionAsset),
	}
	res.TradeLocked = res.TradeCollected.GreaterOrEqual(tradeAmount)
	if commissionAsset == tradeAsset {
		res.CommissionLocked = res.TradeCollected.GreaterOrEqual(tradeAmount.Add(commissionAmount))
	} else {
		res.CommissionLocked = res.CommissionCollected.GreaterOrEqual(commissionAmount)
	}
	return res
}

// Surplus returns the refundable overpayment: collected minus the owed
// amounts, never negative. With a same-asset commission the owed amount is
// trade plus commission; otherwise the commission lives in another asset and
// only the trade amount is subtracted.
func Surplus(collected, trade, commission types.Decimal, sameAsset bool) types.Decimal {
	owed := trade
	if sameAsset {
		owed = owed.Add(commission)
	}
	s := collected.Sub(owed)
	if s.IsNegative() {
		return types.Decimal{}
	}
	return s
}

var bpsUnit = types.MustDecimal("0.0001")

// Commission computes the commission owed under the given terms, floored to
// the asset's decimals. Percent commissions are basis points of the trade
// amount plus any configured flat token fee; fixed commissions return the
// amount frozen at deal creation (or the USD figure 1:1 for stable assets).
func Commission(tradeAmount types.Decimal, terms *types.CommissionTerms, assetDecimals int32) types.Decimal {
	switch terms.Mode {
	case types.CommissionPercentBps:
		c := tradeAmount.Mul(types.DecimalFromInt(terms.Bps)).Mul(bpsUnit).Floor(assetDecimals)
		if terms.TokenFixedFee.IsPositive() {
			c = c.Add(terms.TokenFixedFee)
		}
		return c
	case types.CommissionFixedUSDNative:
		if terms.FrozenAmount.IsPositive() {
			return terms.FrozenAmount
		}
		return terms.FixedUSD.Floor(assetDecimals)
	default:
		return types.Decimal{}
	}
}

// SufficientFunds reports whether a side's collected totals cover what it
// owes. With a same-asset commission the trade asset must cover trade plus
// commission in one sum; otherwise the trade asset and the commission asset
// are checked independently.
func SufficientFunds(collected map[string]types.Decimal, spec *types.AssetSpec,
	terms *types.CommissionTerms, commissionAmount types.Decimal,
) bool {
	if terms.SameAsset(spec.Asset) {
		return collected[spec.Asset].GreaterOrEqual(spec.Amount.Add(commissionAmount))
	}
	if collected[spec.Asset].LessThan(spec.Amount) {
		return false
	}
	return collected[terms.Asset].GreaterOrEqual(commissionAmount)
}

// ValidateDeal performs the structural sanity checks that must hold for any
// persisted deal. A failure marks the deal as corrupted; the engine holds it
// in place instead of advancing it.
func ValidateDeal(d *types.Deal) error {
	if d.ID == "" {
		return fmt.Errorf("deal has no id")
	}
	for _, side := range types.Sides {
		spec := d.Spec(side)
		if spec.Chain == "" || spec.Asset == "" {
			return fmt.Errorf("%s spec incomplete", side)
		}
		if !spec.Amount.IsPositive() {
			return fmt.Errorf("%s trade amount %s is not positive", side, spec.Amount)
		}
		for asset, amount := range d.Side(side).Collected {
			if amount.IsNegative() {
				return fmt.Errorf("%s collected %s of %s is negative", side, amount, asset)
			}
		}
	}
	if d.Stage > types.StageClosed {
		return fmt.Errorf("unknown stage %d", d.Stage)
	}
	// The recorded transition history must form a valid chain through the
	// stage graph.
	var prev *types.StageTransition
	for i := range d.Events {
		tr := d.Events[i].Transition
		if tr == nil {
			continue
		}
		if !ValidTransition(tr.From, tr.To) {
			return fmt.Errorf("recorded transition %s->%s is illegal", tr.From, tr.To)
		}
		if prev != nil && prev.To != tr.From {
			return fmt.Errorf("transition history broken: %s->%s followed by %s->%s",
				prev.From, prev.To, tr.From, tr.To)
		}
		prev = tr
	}
	return nil
}
