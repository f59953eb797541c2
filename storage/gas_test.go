package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/otcmesh/broker-node/types"
)

func TestGasFundingOneShot(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	funded, err := st.HasGasFunding("d1", "eth", "0xe1")
	c.Assert(err, qt.IsNil)
	c.Assert(funded, qt.IsFalse)

	funding := &types.GasFunding{
		DealID:  "d1",
		ChainID: "eth",
		Escrow:  "0xe1",
		Amount:  types.MustDecimal("0.01"),
		TxID:    "0xfund",
	}
	c.Assert(st.PutGasFunding(funding), qt.IsNil)
	c.Assert(st.PutGasFunding(funding), qt.ErrorIs, ErrKeyAlreadyExists)

	funded, err = st.HasGasFunding("d1", "eth", "0xe1")
	c.Assert(err, qt.IsNil)
	c.Assert(funded, qt.IsTrue)

	got, err := st.GasFunding("d1", "eth", "0xe1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.TxID, qt.Equals, "0xfund")
	c.Assert(got.FundedAt.IsZero(), qt.IsFalse)

	// Same escrow under another deal is a separate funding.
	funding2 := &types.GasFunding{DealID: "d2", ChainID: "eth", Escrow: "0xe1", Amount: types.MustDecimal("0.01"), TxID: "0xf2"}
	c.Assert(st.PutGasFunding(funding2), qt.IsNil)
}

func TestTankBalanceSnapshot(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	_, err := st.TankBalance("eth")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	c.Assert(st.SaveTankBalance(&types.TankBalance{ChainID: "eth", Balance: types.MustDecimal("1.5")}), qt.IsNil)
	c.Assert(st.SaveTankBalance(&types.TankBalance{ChainID: "eth", Balance: types.MustDecimal("1.2")}), qt.IsNil)

	got, err := st.TankBalance("eth")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Balance.String(), qt.Equals, "1.2")
	c.Assert(got.At.IsZero(), qt.IsFalse)
}

func TestAlerts(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	c.Assert(st.AddAlert(types.AlertNonceCollision, "d1", "nonce 4 already claimed"), qt.IsNil)
	c.Assert(st.AddAlert(types.AlertTankLow, "", "tank below 0.5 ETH"), qt.IsNil)
	c.Assert(st.AddAlert(types.AlertLateDeposit, "d1", "late deposit of 3 USDT"), qt.IsNil)

	alerts, err := st.Alerts()
	c.Assert(err, qt.IsNil)
	c.Assert(alerts, qt.HasLen, 3)
	c.Assert(alerts[0].Kind, qt.Equals, types.AlertNonceCollision)

	byDeal, err := st.AlertsByDeal("d1")
	c.Assert(err, qt.IsNil)
	c.Assert(byDeal, qt.HasLen, 2)
	c.Assert(byDeal[1].Kind, qt.Equals, types.AlertLateDeposit)
}
