package storage

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/otcmesh/broker-node/db/metadb"
	"github.com/otcmesh/broker-node/types"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	return New(metadb.NewTest(t))
}

func testDeal(id string) *types.Deal {
	expires := time.Now().Add(time.Hour)
	return &types.Deal{
		ID:    id,
		Alice: types.AssetSpec{Chain: "eth-mainnet", Asset: "USDT", Amount: types.MustDecimal("1000")},
		Bob:   types.AssetSpec{Chain: "btc-mainnet", Asset: "BTC", Amount: types.MustDecimal("0.015")},
		AliceDetails: types.PartyDetails{
			Recipient: "bc1qalice",
			Payback:   "0xaliceback",
		},
		BobDetails: types.PartyDetails{
			Recipient: "0xbobrecv",
			Payback:   "bc1qbobback",
		},
		Commission: types.CommissionPlan{
			Alice: types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "USDT", Bps: 50},
			Bob:   types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "BTC", Bps: 50},
		},
		TimeoutSeconds: 3600,
		ExpiresAt:      &expires,
	}
}

func TestPutAndGetDeal(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	deal := testDeal("deal-1")
	c.Assert(st.PutDeal(deal), qt.IsNil)
	c.Assert(st.PutDeal(testDeal("deal-1")), qt.ErrorIs, ErrKeyAlreadyExists)

	got, err := st.Deal("deal-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.ID, qt.Equals, "deal-1")
	c.Assert(got.Stage, qt.Equals, types.StageCreated)
	c.Assert(got.Alice.Amount.String(), qt.Equals, "1000")
	c.Assert(got.CreatedAt.IsZero(), qt.IsFalse)

	_, err = st.Deal("missing")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestUpdateDeal(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.PutDeal(testDeal("deal-upd")), qt.IsNil)
	err := st.UpdateDeal("deal-upd", func(d *types.Deal) error {
		d.TimeoutSeconds = 7200
		return nil
	})
	c.Assert(err, qt.IsNil)

	got, err := st.Deal("deal-upd")
	c.Assert(err, qt.IsNil)
	c.Assert(got.TimeoutSeconds, qt.Equals, int64(7200))
	c.Assert(got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt), qt.IsTrue)
}

func TestUpdateStage(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.PutDeal(testDeal("deal-stage")), qt.IsNil)

	// Illegal jump.
	err := st.UpdateStage("deal-stage", types.StageCreated, types.StageSwap)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	c.Assert(st.UpdateStage("deal-stage", types.StageCreated, types.StageCollection), qt.IsNil)

	// Stale expected stage.
	err = st.UpdateStage("deal-stage", types.StageCreated, types.StageCollection)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	got, err := st.Deal("deal-stage")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Stage, qt.Equals, types.StageCollection)
	tr := got.LastTransition()
	c.Assert(tr, qt.IsNotNil)
	c.Assert(tr.Transition.From, qt.Equals, types.StageCreated)
	c.Assert(tr.Transition.To, qt.Equals, types.StageCollection)
}

func TestUpdateStageClearsExpiryOnSwap(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.PutDeal(testDeal("deal-exp")), qt.IsNil)
	c.Assert(st.UpdateStage("deal-exp", types.StageCreated, types.StageCollection), qt.IsNil)
	c.Assert(st.UpdateStage("deal-exp", types.StageCollection, types.StageWaiting), qt.IsNil)

	got, err := st.Deal("deal-exp")
	c.Assert(err, qt.IsNil)
	c.Assert(got.ExpiresAt, qt.IsNotNil)

	c.Assert(st.UpdateStage("deal-exp", types.StageWaiting, types.StageSwap), qt.IsNil)
	got, err = st.Deal("deal-exp")
	c.Assert(err, qt.IsNil)
	c.Assert(got.ExpiresAt, qt.IsNil)
}

func advanceToClosed(c *qt.C, st *Storage, id string) {
	c.Assert(st.UpdateStage(id, types.StageCreated, types.StageCollection), qt.IsNil)
	c.Assert(st.UpdateStage(id, types.StageCollection, types.StageWaiting), qt.IsNil)
	c.Assert(st.UpdateStage(id, types.StageWaiting, types.StageSwap), qt.IsNil)
	c.Assert(st.UpdateStage(id, types.StageSwap, types.StageClosed), qt.IsNil)
}

func TestActiveAndClosedDeals(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	for _, id := range []string{"a", "b", "x"} {
		c.Assert(st.PutDeal(testDeal(id)), qt.IsNil)
	}
	start := time.Now().Add(-time.Second)
	advanceToClosed(c, st, "x")

	active, err := st.ActiveDeals()
	c.Assert(err, qt.IsNil)
	ids := make([]string, 0, len(active))
	for _, d := range active {
		ids = append(ids, d.ID)
	}
	c.Assert(ids, qt.DeepEquals, []string{"a", "b"})

	closed, err := st.ClosedSince(start)
	c.Assert(err, qt.IsNil)
	c.Assert(closed, qt.HasLen, 1)
	c.Assert(closed[0].ID, qt.Equals, "x")
	c.Assert(closed[0].Stage, qt.Equals, types.StageClosed)

	closed, err = st.ClosedSince(time.Now().Add(time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(closed, qt.HasLen, 0)
}

func TestUpsertDeposit(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.PutDeal(testDeal("deal-dep")), qt.IsNil)

	dep := types.EscrowDeposit{
		TxID:          "0xaaa",
		Asset:         "USDT",
		Amount:        types.MustDecimal("500"),
		Confirmations: 1,
		SeenAt:        time.Now(),
	}
	changed, err := st.UpsertDeposit("deal-dep", types.SideAlice, dep)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsTrue)

	// Same observation again is a no-op.
	changed, err = st.UpsertDeposit("deal-dep", types.SideAlice, dep)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsFalse)

	// More confirmations count as a change.
	dep.Confirmations = 6
	changed, err = st.UpsertDeposit("deal-dep", types.SideAlice, dep)
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsTrue)

	got, err := st.Deal("deal-dep")
	c.Assert(err, qt.IsNil)
	c.Assert(got.AliceSide.Deposits, qt.HasLen, 1)
	c.Assert(got.AliceSide.Deposits[0].Confirmations, qt.Equals, int64(6))
	c.Assert(got.BobSide.Deposits, qt.HasLen, 0)
}

func TestAddDealEvent(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.PutDeal(testDeal("deal-ev")), qt.IsNil)
	c.Assert(st.AddDealEvent("deal-ev", types.EventWarn, "deposit below dust"), qt.IsNil)

	got, err := st.Deal("deal-ev")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Events, qt.HasLen, 1)
	c.Assert(got.Events[0].Level, qt.Equals, types.EventWarn)
	c.Assert(got.Events[0].Message, qt.Equals, "deposit below dust")
}
