package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/otcmesh/broker-node/types"
)

func TestPayoutRefresh(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	// Two queue items realizing one logical UTXO payout split across two
	// transactions.
	a := testItem("d1", "btc", "bc1qe", "bc1qr", types.PurposeSwapPayout)
	b := testItem("d1", "btc", "bc1qe", "bc1qr", types.PurposeSwapPayout)
	c.Assert(st.EnqueueAll(a, b), qt.IsNil)

	payout := &types.Payout{
		DealID:       "d1",
		ChainID:      "btc",
		Purpose:      types.PurposeSwapPayout,
		QueueItemIDs: []string{a.ID, b.ID},
		Required:     2,
	}
	c.Assert(st.PutPayout(payout), qt.IsNil)

	// One tx confirmed deep, the other still shallow: the payout is only as
	// confirmed as its weakest transaction.
	c.Assert(st.UpdateItemStatus(a.ID, types.ItemCompleted, &types.TxRef{
		ChainID: "btc", TxID: "t1", Status: types.TxConfirmed, Confirmations: 5,
	}), qt.IsNil)
	c.Assert(st.UpdateItemStatus(b.ID, types.ItemSubmitted, &types.TxRef{
		ChainID: "btc", TxID: "t2", Status: types.TxPending, Confirmations: 1,
	}), qt.IsNil)

	got, err := st.RefreshPayout(payout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.MinConfirmations, qt.Equals, int64(1))
	c.Assert(got.Status, qt.Equals, types.PayoutPending)

	// Weak tx catches up and completes.
	c.Assert(st.UpdateItemStatus(b.ID, types.ItemCompleted, &types.TxRef{
		ChainID: "btc", TxID: "t2", Status: types.TxConfirmed, Confirmations: 3,
	}), qt.IsNil)

	got, err = st.RefreshPayout(payout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.MinConfirmations, qt.Equals, int64(3))
	c.Assert(got.Status, qt.Equals, types.PayoutConfirmed)
}

func TestLinkQueueItem(t *testing.T) {
	c := qt.New(t)
	st := testStorage(t)
	defer st.Close()

	a := testItem("d1", "btc", "bc1qe", "bc1qr", types.PurposeSwapPayout)
	c.Assert(st.Enqueue(a), qt.IsNil)
	payout := &types.Payout{DealID: "d1", ChainID: "btc", Purpose: types.PurposeSwapPayout, Required: 2}
	c.Assert(st.PutPayout(payout), qt.IsNil)

	c.Assert(st.LinkQueueItem(payout.ID, a.ID), qt.IsNil)
	c.Assert(st.LinkQueueItem(payout.ID, a.ID), qt.IsNil) // idempotent

	got, err := st.Payout(payout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.QueueItemIDs, qt.DeepEquals, []string{a.ID})

	payouts, err := st.PayoutsByDeal("d1")
	c.Assert(err, qt.IsNil)
	c.Assert(payouts, qt.HasLen, 1)
}
