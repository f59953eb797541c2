package rules

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/otcmesh/broker-node/types"
)

func TestValidTransition(t *testing.T) {
	c := qt.New(t)

	allowed := []struct{ from, to types.DealStage }{
		{types.StageCreated, types.StageCollection},
		{types.StageCreated, types.StageReverted},
		{types.StageCollection, types.StageWaiting},
		{types.StageCollection, types.StageReverted},
		{types.StageWaiting, types.StageSwap},
		{types.StageWaiting, types.StageCollection},
		{types.StageSwap, types.StageClosed},
		{types.StageSwap, types.StageCollection},
		{types.StageReverted, types.StageClosed},
	}
	for _, tr := range allowed {
		c.Assert(ValidTransition(tr.from, tr.to), qt.IsTrue,
			qt.Commentf("%s -> %s should be allowed", tr.from, tr.to))
	}

	// Everything not in the graph is a bug, including self-transitions and
	// anything out of CLOSED.
	stages := []types.DealStage{
		types.StageCreated, types.StageCollection, types.StageWaiting,
		types.StageSwap, types.StageReverted, types.StageClosed,
	}
	allowedSet := make(map[[2]types.DealStage]bool)
	for _, tr := range allowed {
		allowedSet[[2]types.DealStage{tr.from, tr.to}] = true
	}
	for _, from := range stages {
		for _, to := range stages {
			if allowedSet[[2]types.DealStage{from, to}] {
				continue
			}
			c.Assert(ValidTransition(from, to), qt.IsFalse,
				qt.Commentf("%s -> %s should be refused", from, to))
		}
	}
}

func depositAt(asset string, amount string, confirms int64, blockTime *time.Time) types.EscrowDeposit {
	return types.EscrowDeposit{
		TxID:          "tx-" + asset + "-" + amount,
		Asset:         asset,
		Amount:        types.MustDecimal(amount),
		Confirmations: confirms,
		BlockTime:     blockTime,
	}
}

func TestEligibleDeposits(t *testing.T) {
	c := qt.New(t)
	expires := time.Now()
	after := expires.Add(time.Second)

	deps := []types.EscrowDeposit{
		depositAt("USDC:ETH", "1000", 0, nil),      // unconfirmed
		depositAt("USDC:ETH", "2000", 3, nil),      // confirmed, no block time
		depositAt("USDC:ETH", "500", 5, &expires),  // mined exactly at expiry
		depositAt("USDC:ETH", "9999", 5, &after),   // mined past expiry
	}

	eligible := EligibleDeposits(deps, 3, &expires)
	c.Assert(eligible, qt.HasLen, 2)
	c.Assert(CollectedOf(eligible, "USDC:ETH").Equal(types.MustDecimal("2500")), qt.IsTrue)

	// min_confirms = 0 admits every non-negative-confirm deposit (time
	// filter still applies).
	eligible = EligibleDeposits(deps, 0, &expires)
	c.Assert(eligible, qt.HasLen, 3)

	// Without an expiry only the confirmation filter runs.
	eligible = EligibleDeposits(deps, 0, nil)
	c.Assert(eligible, qt.HasLen, 4)
}

func TestCheckLocksSameAsset(t *testing.T) {
	c := qt.New(t)
	trade := types.MustDecimal("3000")
	commission := types.MustDecimal("9")

	// Collected exactly the trade amount: trade locks, commission must not
	// be carved out of it.
	deps := []types.EscrowDeposit{depositAt("USDC:ETH", "3000", 6, nil)}
	res := CheckLocks(deps, "USDC:ETH", trade, "USDC:ETH", commission, 3, nil)
	c.Assert(res.TradeLocked, qt.IsTrue)
	c.Assert(res.CommissionLocked, qt.IsFalse)

	// One more deposit covering the commission locks both.
	deps = append(deps, depositAt("USDC:ETH", "9", 6, nil))
	res = CheckLocks(deps, "USDC:ETH", trade, "USDC:ETH", commission, 3, nil)
	c.Assert(res.TradeLocked, qt.IsTrue)
	c.Assert(res.CommissionLocked, qt.IsTrue)
	c.Assert(res.TradeCollected.Equal(types.MustDecimal("3009")), qt.IsTrue)
}

func TestCheckLocksSeparateAsset(t *testing.T) {
	c := qt.New(t)
	trade := types.MustDecimal("3000")
	commission := types.MustDecimal("0.002")

	deps := []types.EscrowDeposit{
		depositAt("USDC:ETH", "3000", 6, nil),
		depositAt("ETH:ETH", "0.001", 6, nil),
	}
	res := CheckLocks(deps, "USDC:ETH", trade, "ETH:ETH", commission, 3, nil)
	c.Assert(res.TradeLocked, qt.IsTrue)
	c.Assert(res.CommissionLocked, qt.IsFalse)

	deps = append(deps, depositAt("ETH:ETH", "0.001", 6, nil))
	res = CheckLocks(deps, "USDC:ETH", trade, "ETH:ETH", commission, 3, nil)
	c.Assert(res.Locked(), qt.IsTrue)
	c.Assert(res.CommissionCollected.Equal(commission), qt.IsTrue)

	// Unconfirmed commission deposits do not count.
	deps[1].Confirmations = 0
	deps[2].Confirmations = 0
	res = CheckLocks(deps, "USDC:ETH", trade, "ETH:ETH", commission, 3, nil)
	c.Assert(res.CommissionLocked, qt.IsFalse)
}

func TestSurplus(t *testing.T) {
	c := qt.New(t)
	trade := types.MustDecimal("3000")
	commission := types.MustDecimal("9")

	// Same asset: surplus above trade+commission.
	s := Surplus(types.MustDecimal("3100"), trade, commission, true)
	c.Assert(s.Equal(types.MustDecimal("91")), qt.IsTrue)

	// Separate commission asset: only trade is subtracted.
	s = Surplus(types.MustDecimal("3100"), trade, commission, false)
	c.Assert(s.Equal(types.MustDecimal("100")), qt.IsTrue)

	// Never negative.
	s = Surplus(types.MustDecimal("2999"), trade, commission, true)
	c.Assert(s.IsZero(), qt.IsTrue)
	s = Surplus(types.MustDecimal("3000"), trade, commission, true)
	c.Assert(s.IsZero(), qt.IsTrue)
}

func TestCommissionPercentBps(t *testing.T) {
	c := qt.New(t)

	terms := &types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "USDC:ETH", Bps: 30}
	got := Commission(types.MustDecimal("3000"), terms, 6)
	c.Assert(got.Equal(types.MustDecimal("9")), qt.IsTrue)

	terms = &types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "ETH:ETH", Bps: 30}
	got = Commission(types.MustDecimal("1.5"), terms, 18)
	c.Assert(got.Equal(types.MustDecimal("0.0045")), qt.IsTrue)

	// Awkward amounts floor at the asset's decimals, never round up.
	terms = &types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "USDC:ETH", Bps: 1}
	got = Commission(types.MustDecimal("333.333333"), terms, 6)
	// 333.333333 * 0.0001 = 0.0333333333 -> floored to 0.033333
	c.Assert(got.Equal(types.MustDecimal("0.033333")), qt.IsTrue)

	// A configured flat token fee stacks on top of the percentage.
	terms = &types.CommissionTerms{
		Mode: types.CommissionPercentBps, Asset: "USDC:ETH", Bps: 30,
		TokenFixedFee: types.MustDecimal("1.5"),
	}
	got = Commission(types.MustDecimal("3000"), terms, 6)
	c.Assert(got.Equal(types.MustDecimal("10.5")), qt.IsTrue)
}

func TestCommissionFixed(t *testing.T) {
	c := qt.New(t)

	// The native amount frozen at creation wins.
	terms := &types.CommissionTerms{
		Mode: types.CommissionFixedUSDNative, Asset: "ETH:ETH",
		FixedUSD: types.MustDecimal("5"), FrozenAmount: types.MustDecimal("0.0025"),
	}
	got := Commission(types.MustDecimal("1.5"), terms, 18)
	c.Assert(got.Equal(types.MustDecimal("0.0025")), qt.IsTrue)

	// Same-asset stablecoin commission treats the USD figure 1:1.
	terms = &types.CommissionTerms{
		Mode: types.CommissionFixedUSDNative, Asset: "USDC:ETH",
		FixedUSD: types.MustDecimal("5"),
	}
	got = Commission(types.MustDecimal("3000"), terms, 6)
	c.Assert(got.Equal(types.MustDecimal("5")), qt.IsTrue)
}

func TestSufficientFunds(t *testing.T) {
	c := qt.New(t)
	spec := &types.AssetSpec{Chain: "ETH", Asset: "USDC:ETH", Amount: types.MustDecimal("3000")}

	// Same-asset commission needs the combined total.
	terms := &types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "USDC:ETH", Bps: 30}
	commission := Commission(spec.Amount, terms, 6)

	collected := map[string]types.Decimal{"USDC:ETH": types.MustDecimal("3000")}
	c.Assert(SufficientFunds(collected, spec, terms, commission), qt.IsFalse)
	collected["USDC:ETH"] = types.MustDecimal("3009")
	c.Assert(SufficientFunds(collected, spec, terms, commission), qt.IsTrue)

	// Separate commission asset: both sums must individually suffice.
	terms = &types.CommissionTerms{Mode: types.CommissionFixedUSDNative, Asset: "ETH:ETH",
		FrozenAmount: types.MustDecimal("0.002")}
	commission = Commission(spec.Amount, terms, 18)
	collected = map[string]types.Decimal{"USDC:ETH": types.MustDecimal("3000")}
	c.Assert(SufficientFunds(collected, spec, terms, commission), qt.IsFalse)
	collected["ETH:ETH"] = types.MustDecimal("0.002")
	c.Assert(SufficientFunds(collected, spec, terms, commission), qt.IsTrue)
}

func TestValidateDeal(t *testing.T) {
	c := qt.New(t)

	deal := &types.Deal{
		ID:    "d1",
		Stage: types.StageCollection,
		Alice: types.AssetSpec{Chain: "ETH", Asset: "ETH:ETH", Amount: types.MustDecimal("1.5")},
		Bob:   types.AssetSpec{Chain: "ETH", Asset: "USDC:ETH", Amount: types.MustDecimal("3000")},
		Events: []types.DealEvent{
			{Transition: &types.StageTransition{From: types.StageCreated, To: types.StageCollection}},
		},
	}
	c.Assert(ValidateDeal(deal), qt.IsNil)

	bad := *deal
	bad.Bob.Amount = types.MustDecimal("0")
	c.Assert(ValidateDeal(&bad), qt.IsNotNil)

	bad = *deal
	bad.Events = append(bad.Events, types.DealEvent{
		Transition: &types.StageTransition{From: types.StageClosed, To: types.StageSwap},
	})
	c.Assert(ValidateDeal(&bad), qt.IsNotNil)

	// Broken chains (a transition starting where the previous one did not
	// end) are corruption too.
	bad = *deal
	bad.Events = append(bad.Events, types.DealEvent{
		Transition: &types.StageTransition{From: types.StageWaiting, To: types.StageSwap},
	})
	c.Assert(ValidateDeal(&bad), qt.IsNotNil)
}
