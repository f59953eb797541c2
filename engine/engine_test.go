package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/otcmesh/broker-node/chain"
	"github.com/otcmesh/broker-node/chain/chaintest"
	"github.com/otcmesh/broker-node/db/metadb"
	"github.com/otcmesh/broker-node/storage"
	"github.com/otcmesh/broker-node/types"
)

func testEngine(t *testing.T, cfg Config, adapters ...chain.Adapter) (*Engine, *storage.Storage) {
	t.Helper()
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	eng, err := New(store, chain.NewRegistry(adapters...), nil, nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return eng, store
}

// swapDeal is an ETH/USDC deal on one EVM chain with a 30 bps commission on
// both sides, owed in the trade asset. Alice owes 1.5 + 0.0045 ETH, Bob owes
// 3000 + 9 USDC.
func swapDeal(id string) *types.Deal {
	return &types.Deal{
		ID:           id,
		Alice:        types.AssetSpec{Chain: "ETH", Asset: "ETH:ETH", Amount: types.MustDecimal("1.5")},
		Bob:          types.AssetSpec{Chain: "ETH", Asset: "USDC:ETH", Amount: types.MustDecimal("3000")},
		AliceDetails: types.PartyDetails{Recipient: "0xalice-recv", Payback: "0xalice-back"},
		BobDetails:   types.PartyDetails{Recipient: "0xbob-recv", Payback: "0xbob-back"},
		Commission: types.CommissionPlan{
			Alice: types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "ETH:ETH", Bps: 30},
			Bob:   types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "USDC:ETH", Bps: 30},
		},
		TimeoutSeconds: 3600,
		AliceSide:      types.SideState{Escrow: &types.Escrow{Address: "0xescrow-alice", KeyRef: "ka"}},
		BobSide:        types.SideState{Escrow: &types.Escrow{Address: "0xescrow-bob", KeyRef: "kb"}},
	}
}

// plainDeal is swapDeal without any commission.
func plainDeal(id string) *types.Deal {
	deal := swapDeal(id)
	deal.Commission = types.CommissionPlan{}
	return deal
}

func fund(a *chaintest.Adapter, deal *types.Deal, side types.DealSide, txid, amount string, confirms int64) {
	a.StageDeposit(deal.Spec(side).Asset, deal.Side(side).Escrow.Address, types.EscrowDeposit{
		TxID:          txid,
		Amount:        types.MustDecimal(amount),
		Confirmations: confirms,
	})
}

func getDeal(c *qt.C, store *storage.Storage, id string) *types.Deal {
	deal, err := store.Deal(id)
	c.Assert(err, qt.IsNil)
	return deal
}

func expireDeal(c *qt.C, store *storage.Storage, id string) {
	past := time.Now().Add(-time.Minute)
	c.Assert(store.UpdateDeal(id, func(d *types.Deal) error {
		d.ExpiresAt = &past
		return nil
	}), qt.IsNil)
}

func itemsOf(c *qt.C, store *storage.Storage, dealID string, purpose types.Purpose) []*types.QueueItem {
	items, err := store.ItemsByDeal(dealID)
	c.Assert(err, qt.IsNil)
	var out []*types.QueueItem
	for _, item := range items {
		if item.Purpose == purpose {
			out = append(out, item)
		}
	}
	return out
}

func itemFrom(c *qt.C, items []*types.QueueItem, address string) *types.QueueItem {
	for _, item := range items {
		if item.From.Address == address {
			return item
		}
	}
	c.Fatalf("no queue item from %s", address)
	return nil
}

// drainMatching plays the queue processor's submission step for every
// pending item accepted by the filter: broker purposes go through the broker
// surface, everything else through a plain send, and the resulting
// transaction reference is persisted so the confirmation monitor takes over.
func drainMatching(t *testing.T, store *storage.Storage, reg *chain.Registry,
	match func(*types.QueueItem) bool,
) int {
	t.Helper()
	ctx := context.Background()
	pending, err := store.PendingItems()
	if err != nil {
		t.Fatal(err)
	}
	drained := 0
	for _, items := range pending {
		for _, item := range items {
			if match != nil && !match(item) {
				continue
			}
			adapter, err := reg.Adapter(item.ChainID)
			if err != nil {
				t.Fatal(err)
			}
			var res *chain.SendResult
			if item.Purpose.Broker() {
				bops, ok := chain.BrokerOpsOf(adapter)
				if !ok {
					t.Fatalf("broker item %s on chain without broker", item.ID)
				}
				params := &chain.BrokerParams{
					DealID:       item.DealID,
					Asset:        item.Asset,
					Escrow:       item.From,
					Recipient:    item.Broker.Recipient,
					Payback:      item.Broker.Payback,
					FeeRecipient: item.Broker.FeeRecipient,
					Amount:       item.Amount,
					Fee:          item.Broker.Fee,
				}
				switch item.Purpose {
				case types.PurposeBrokerSwap:
					res, err = bops.SwapViaBroker(ctx, params)
				case types.PurposeBrokerRevert:
					res, err = bops.RevertViaBroker(ctx, params)
				default:
					res, err = bops.RefundViaBroker(ctx, params)
				}
			} else {
				res, err = adapter.Send(ctx, item.Asset, item.From, item.To, item.Amount, nil)
			}
			if err != nil {
				t.Fatal(err)
			}
			ref := res.TxRef(item.ChainID, adapter.ConfirmationThreshold())
			if err := store.UpdateItemStatus(item.ID, types.ItemSubmitted, ref); err != nil {
				t.Fatal(err)
			}
			drained++
		}
	}
	return drained
}

func drainPending(t *testing.T, store *storage.Storage, reg *chain.Registry) int {
	t.Helper()
	return drainMatching(t, store, reg, nil)
}

func stageSequence(deal *types.Deal) []types.DealStage {
	var seq []types.DealStage
	for _, ev := range deal.Events {
		if ev.Transition != nil {
			seq = append(seq, ev.Transition.To)
		}
	}
	return seq
}

func TestBrokerSwapLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").WithBroker().AutoConfirm()
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-swap")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5045", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3009", 3)

	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageCollection)
	c.Assert(got.ExpiresAt, qt.IsNotNil)

	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageWaiting)
	c.Assert(got.AliceSide.Locked(), qt.IsTrue)
	c.Assert(got.BobSide.Locked(), qt.IsTrue)
	c.Assert(got.ExpiresAt, qt.IsNotNil)

	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)
	c.Assert(got.ExpiresAt, qt.IsNil)

	swaps := itemsOf(c, store, deal.ID, types.PurposeBrokerSwap)
	c.Assert(swaps, qt.HasLen, 2)
	aliceSwap := itemFrom(c, swaps, "0xescrow-alice")
	c.Assert(aliceSwap.To, qt.Equals, "0xbob-recv")
	c.Assert(aliceSwap.Asset, qt.Equals, "ETH:ETH")
	c.Assert(aliceSwap.Amount.Equal(types.MustDecimal("1.5")), qt.IsTrue)
	c.Assert(aliceSwap.Broker, qt.IsNotNil)
	c.Assert(aliceSwap.Broker.Fee.Equal(types.MustDecimal("0.0045")), qt.IsTrue)
	c.Assert(aliceSwap.Broker.FeeRecipient, qt.Equals, "0xoperator")
	c.Assert(aliceSwap.Broker.Payback, qt.Equals, "0xalice-back")
	bobSwap := itemFrom(c, swaps, "0xescrow-bob")
	c.Assert(bobSwap.To, qt.Equals, "0xalice-recv")
	c.Assert(bobSwap.Amount.Equal(types.MustDecimal("3000")), qt.IsTrue)
	c.Assert(bobSwap.Broker.Fee.Equal(types.MustDecimal("9")), qt.IsTrue)

	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(stageSequence(got), qt.DeepEquals, []types.DealStage{
		types.StageCollection, types.StageWaiting, types.StageSwap, types.StageClosed,
	})

	sent := eth.Sent()
	c.Assert(sent, qt.HasLen, 2)
	for _, tx := range sent {
		c.Assert(tx.Purpose, qt.Equals, "broker_swap")
	}

	// A closed deal is a fixpoint: further ticks change nothing.
	items, err := store.ItemsByDeal(deal.ID)
	c.Assert(err, qt.IsNil)
	events := len(got.Events)
	eng.tick(ctx)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Events, qt.HasLen, events)
	after, err := store.ItemsByDeal(deal.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(after, qt.HasLen, len(items))
}

func TestTimeoutRevert(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-revert")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5045", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "1000", 3)

	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageCollection)

	expireDeal(c, store, deal.ID)
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageReverted)

	// Refunds return everything collected, the commission share included.
	refunds := itemsOf(c, store, deal.ID, types.PurposeTimeoutRefund)
	c.Assert(refunds, qt.HasLen, 2)
	aliceRefund := itemFrom(c, refunds, "0xescrow-alice")
	c.Assert(aliceRefund.To, qt.Equals, "0xalice-back")
	c.Assert(aliceRefund.Amount.Equal(types.MustDecimal("1.5045")), qt.IsTrue)
	bobRefund := itemFrom(c, refunds, "0xescrow-bob")
	c.Assert(bobRefund.To, qt.Equals, "0xbob-back")
	c.Assert(bobRefund.Amount.Equal(types.MustDecimal("1000")), qt.IsTrue)

	reverted := false
	for _, ev := range got.Events {
		if ev.Level == types.EventWarn && ev.Message == "deal reverted: collection window expired before both sides funded" {
			reverted = true
		}
	}
	c.Assert(reverted, qt.IsTrue)

	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageClosed)
}

func TestRevertWithNothingCollected(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH")
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-empty")
	c.Assert(store.PutDeal(deal), qt.IsNil)

	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageCollection)

	expireDeal(c, store, deal.ID)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageReverted)
	items, err := store.ItemsByDeal(deal.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 0)

	// Nothing to refund means nothing to wait for.
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageClosed)
}

func TestWaitingReorgRollback(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	eng, store := testEngine(t, Config{}, eth)

	deal := plainDeal("deal-reorg")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	// Native deposits are balance snapshots, so a reorg shows up as the
	// synthetic deposit's amount dropping.
	eth.StageDeposit("ETH:ETH", "0xescrow-alice", types.EscrowDeposit{
		TxID: "balance:0xescrow-alice", Amount: types.MustDecimal("1.5"), Confirmations: 3, Synthetic: true,
	})
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)

	eng.tick(ctx)
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageWaiting)

	// Crash window: the settlement plan was enqueued but the stage change
	// never landed. The replan on recovery must not duplicate it.
	planned, err := eng.planSettlement(got)
	c.Assert(err, qt.IsNil)
	c.Assert(planned, qt.Equals, 2)
	replanned, err := eng.planSettlement(getDeal(c, store, deal.ID))
	c.Assert(err, qt.IsNil)
	c.Assert(replanned, qt.Equals, 0)

	eth.StageDeposit("ETH:ETH", "0xescrow-alice", types.EscrowDeposit{
		TxID: "balance:0xescrow-alice", Amount: types.MustDecimal("0.9"), Confirmations: 3, Synthetic: true,
	})
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageCollection)
	c.Assert(got.ExpiresAt, qt.IsNotNil)
	items, err := store.ItemsByDeal(deal.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 0)
	last := got.Events[len(got.Events)-1]
	c.Assert(last.Level, qt.Equals, types.EventWarn)
	c.Assert(last.Message, qt.Equals, "alice side lost sufficiency, returning to collection (2 queued payouts discarded)")

	// The chain heals and the deal walks back to settlement with a fresh plan.
	eth.StageDeposit("ETH:ETH", "0xescrow-alice", types.EscrowDeposit{
		TxID: "balance:0xescrow-alice", Amount: types.MustDecimal("1.5"), Confirmations: 3, Synthetic: true,
	})
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageWaiting)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeSwapPayout), qt.HasLen, 2)

	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseSkipped)
	c.Assert(got.Reimbursement.SkipReason, qt.Equals, "reimbursement disabled")
}

func TestRevertRefusedWhenLocked(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").WithBroker().AutoConfirm()
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-locked")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5045", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3009", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)

	err := eng.RevertDeal(deal.ID, "operator request")
	c.Assert(err, qt.ErrorMatches, "revert refused: both sides locked, the swap must complete")

	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeTimeoutRefund), qt.HasLen, 0)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeBrokerRevert), qt.HasLen, 0)
	last := got.Events[len(got.Events)-1]
	c.Assert(last.Level, qt.Equals, types.EventCritical)

	alerts, err := store.Alerts()
	c.Assert(err, qt.IsNil)
	found := false
	for _, alert := range alerts {
		if alert.Kind == types.AlertRevertRefused && alert.DealID == deal.ID {
			found = true
		}
	}
	c.Assert(found, qt.IsTrue)
}

func TestRevertRefusedAfterPayoutSubmitted(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH")
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-raced")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageCollection)

	// A payout already broadcast (say, before a crash rolled the stage back)
	// blocks the revert even though the stage itself would allow it.
	item := &types.QueueItem{
		ID:      "payout-1",
		DealID:  deal.ID,
		ChainID: "ETH",
		From:    *deal.AliceSide.Escrow,
		To:      "0xbob-recv",
		Asset:   "ETH:ETH",
		Amount:  types.MustDecimal("1.5"),
		Purpose: types.PurposeSwapPayout,
	}
	c.Assert(store.Enqueue(item), qt.IsNil)
	c.Assert(store.UpdateItemStatus("payout-1", types.ItemSubmitted, &types.TxRef{
		ChainID: "ETH", TxID: "0xstray", Status: types.TxPending, Required: 2,
	}), qt.IsNil)

	err := eng.RevertDeal(deal.ID, "second thoughts")
	c.Assert(err, qt.ErrorMatches, "revert refused: swap payout payout-1 already submitted")
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageCollection)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeTimeoutRefund), qt.HasLen, 0)
}

func TestSwapHoldsWithoutItems(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").WithBroker().AutoConfirm()
	eng, store := testEngine(t, Config{}, eth)

	deal := swapDeal("deal-hollow")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5045", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3009", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)

	// Wipe the plan to emulate a planner defect. The deal must hold instead
	// of closing over escrows that still hold the funds.
	cleared, err := store.ClearPendingByPurpose(deal.ID, types.PurposeBrokerSwap)
	c.Assert(err, qt.IsNil)
	c.Assert(cleared, qt.Equals, 2)
	for range 3 {
		eng.tick(ctx)
	}
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)
}

func TestUTXOSettlementPlan(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	unicity := chaintest.NewUTXO("UNICITY")
	btc := chaintest.NewUTXO("BTC")
	eng, store := testEngine(t, Config{}, unicity, btc)

	deal := &types.Deal{
		ID:           "deal-utxo",
		Alice:        types.AssetSpec{Chain: "UNICITY", Asset: "ALPHA:UNICITY", Amount: types.MustDecimal("100")},
		Bob:          types.AssetSpec{Chain: "BTC", Asset: "BTC:BTC", Amount: types.MustDecimal("0.1")},
		AliceDetails: types.PartyDetails{Recipient: "bc1alice", Payback: "alpha1alice"},
		BobDetails:   types.PartyDetails{Recipient: "alpha1bob", Payback: "bc1bob"},
		Commission: types.CommissionPlan{
			Alice: types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "ALPHA:UNICITY", Bps: 100},
			Bob:   types.CommissionTerms{Mode: types.CommissionPercentBps, Asset: "BTC:BTC", Bps: 100},
		},
		TimeoutSeconds: 3600,
		AliceSide:      types.SideState{Escrow: &types.Escrow{Address: "alpha1escrow", KeyRef: "ka"}},
		BobSide:        types.SideState{Escrow: &types.Escrow{Address: "bc1escrow", KeyRef: "kb"}},
	}
	c.Assert(store.PutDeal(deal), qt.IsNil)
	// Alice overpays by 1 ALPHA on top of trade 100 + commission 1.
	fund(unicity, deal, types.SideAlice, "utxo-dep-a", "102", 3)
	fund(btc, deal, types.SideBob, "utxo-dep-b", "0.101", 3)

	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)

	items, err := store.ItemsByDeal(deal.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 5)

	payout := itemFrom(c, itemsOf(c, store, deal.ID, types.PurposeSwapPayout), "alpha1escrow")
	c.Assert(payout.To, qt.Equals, "alpha1bob")
	c.Assert(payout.Amount.Equal(types.MustDecimal("100")), qt.IsTrue)
	c.Assert(payout.Phase, qt.Equals, types.PhaseSwap)
	c.Assert(payout.Seq, qt.Equals, uint64(1))

	commission := itemFrom(c, itemsOf(c, store, deal.ID, types.PurposeOpCommission), "alpha1escrow")
	c.Assert(commission.To, qt.Equals, "utxo-operator")
	c.Assert(commission.Amount.Equal(types.MustDecimal("1")), qt.IsTrue)
	c.Assert(commission.Phase, qt.Equals, types.PhaseCommission)
	c.Assert(commission.Seq, qt.Equals, uint64(2))

	surpluses := itemsOf(c, store, deal.ID, types.PurposeSurplusRefund)
	c.Assert(surpluses, qt.HasLen, 1)
	c.Assert(surpluses[0].From.Address, qt.Equals, "alpha1escrow")
	c.Assert(surpluses[0].To, qt.Equals, "alpha1alice")
	c.Assert(surpluses[0].Amount.Equal(types.MustDecimal("1")), qt.IsTrue)
	c.Assert(surpluses[0].Phase, qt.Equals, types.PhaseRefund)
	c.Assert(surpluses[0].Seq, qt.Equals, uint64(3))

	bobPayout := itemFrom(c, itemsOf(c, store, deal.ID, types.PurposeSwapPayout), "bc1escrow")
	c.Assert(bobPayout.To, qt.Equals, "bc1alice")
	c.Assert(bobPayout.Amount.Equal(types.MustDecimal("0.1")), qt.IsTrue)

	// Every phased item carries a tracking payout at the chain threshold.
	for _, item := range items {
		c.Assert(item.PayoutID, qt.Not(qt.Equals), "")
		payout, err := store.Payout(item.PayoutID)
		c.Assert(err, qt.IsNil)
		c.Assert(payout.QueueItemIDs, qt.DeepEquals, []string{item.ID})
		c.Assert(payout.Required, qt.Equals, int64(2))
		c.Assert(payout.Purpose, qt.Equals, item.Purpose)
	}

	replanned, err := eng.planSettlement(getDeal(c, store, deal.ID))
	c.Assert(err, qt.IsNil)
	c.Assert(replanned, qt.Equals, 0)
}

type flakyRates struct {
	rates StaticRates
	fail  bool
}

func (f *flakyRates) USDRate(ctx context.Context, asset string) (types.Decimal, error) {
	if f.fail {
		return types.Decimal{}, errors.New("oracle down")
	}
	return f.rates.USDRate(ctx, asset)
}

func reimburseConfig() Config {
	return Config{
		ReimburseEnabled: true,
		ReimburseAssets:  map[string]string{"ETH": "USDC:ETH"},
	}
}

func testTank(reg *chain.Registry) *StaticTank {
	return NewStaticTank(reg, nil, map[string]TankAccount{
		"ETH": {
			Escrow: types.Escrow{Address: "0xtank", KeyRef: "tank"},
			TopUp:  types.MustDecimal("0.05"),
			Floor:  types.MustDecimal("1"),
		},
	})
}

func TestGasReimbursement(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	reg := chain.NewRegistry(eth)
	tank := testTank(reg)
	rates := StaticRates{"ETH:ETH": types.MustDecimal("2500"), "USDC:ETH": types.MustDecimal("1")}
	eng, err := New(store, reg, nil, tank, rates, reimburseConfig())
	c.Assert(err, qt.IsNil)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("5"))
	deal := plainDeal("deal-gas")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)

	// Bob's escrow can repay the tank in the reimbursement token.
	eth.SetBalance("USDC:ETH", "0xescrow-bob", types.MustDecimal("50"))
	drained := drainMatching(t, store, reg, func(it *types.QueueItem) bool {
		return it.From.Address == "0xescrow-bob"
	})
	c.Assert(drained, qt.Equals, 1)

	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseQueued)
	calc := got.Reimbursement.Calc
	c.Assert(calc, qt.IsNotNil)
	// 21000 gas at 10 gwei, doubled for the transfers still ahead: 42000 gas
	// is 0.00042 ETH, 1.05 USD at 2500, 1.05 USDC at 1.
	c.Assert(calc.GasUsed, qt.Equals, uint64(21_000))
	c.Assert(calc.EstimatedGas, qt.Equals, uint64(42_000))
	c.Assert((*big.Int)(calc.NativeCostWei).String(), qt.Equals, "420000000000000")
	c.Assert(calc.NativeUSD.Equal(types.MustDecimal("1.05")), qt.IsTrue)
	c.Assert(calc.Asset, qt.Equals, "USDC:ETH")
	c.Assert(calc.TokenAmount.Equal(types.MustDecimal("1.05")), qt.IsTrue)

	reimbs := itemsOf(c, store, deal.ID, types.PurposeGasReimburse)
	c.Assert(reimbs, qt.HasLen, 1)
	c.Assert(reimbs[0].From.Address, qt.Equals, "0xescrow-bob")
	c.Assert(reimbs[0].To, qt.Equals, "0xtank")
	c.Assert(reimbs[0].Amount.Equal(types.MustDecimal("1.05")), qt.IsTrue)
	c.Assert(got.Reimbursement.QueueItemID, qt.Equals, reimbs[0].ID)

	c.Assert(drainPending(t, store, reg), qt.Equals, 2)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseCompleted)
}

func TestGasReimbursementInsufficientEscrow(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	reg := chain.NewRegistry(eth)
	rates := StaticRates{"ETH:ETH": types.MustDecimal("2500"), "USDC:ETH": types.MustDecimal("1")}
	eng, err := New(store, reg, nil, testTank(reg), rates, reimburseConfig())
	c.Assert(err, qt.IsNil)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("5"))
	deal := plainDeal("deal-broke")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, reg), qt.Equals, 2)

	// Neither escrow holds the reimbursement token, so the deal settles with
	// the reimbursement permanently skipped.
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseSkipped)
	c.Assert(got.Reimbursement.SkipReason, qt.Equals, "insufficient escrow balance of reimbursement token")
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeGasReimburse), qt.HasLen, 0)
}

func TestReimbursementRetryAfterRateOutage(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	reg := chain.NewRegistry(eth)
	rates := &flakyRates{
		rates: StaticRates{"ETH:ETH": types.MustDecimal("2500"), "USDC:ETH": types.MustDecimal("1")},
		fail:  true,
	}
	eng, err := New(store, reg, nil, testTank(reg), rates, reimburseConfig())
	c.Assert(err, qt.IsNil)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("5"))
	eth.SetBalance("USDC:ETH", "0xescrow-alice", types.MustDecimal("50"))
	eth.SetBalance("USDC:ETH", "0xescrow-bob", types.MustDecimal("50"))
	deal := plainDeal("deal-outage")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, reg), qt.Equals, 2)

	// The oracle is down when the payouts confirm: the calculation stays
	// pending and the deal holds in SWAP even though every transfer is done.
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimbursePendingCalculation)

	rates.fail = false
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageSwap)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseQueued)
	reimbs := itemsOf(c, store, deal.ID, types.PurposeGasReimburse)
	c.Assert(reimbs, qt.HasLen, 1)

	c.Assert(drainPending(t, store, reg), qt.Equals, 1)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseCompleted)
}

func TestReimbursementResume(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").AutoConfirm()
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	reg := chain.NewRegistry(eth)
	rates := StaticRates{"ETH:ETH": types.MustDecimal("2500"), "USDC:ETH": types.MustDecimal("1")}
	eng, err := New(store, reg, nil, testTank(reg), rates, reimburseConfig())
	c.Assert(err, qt.IsNil)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("5"))
	eth.SetBalance("USDC:ETH", "0xescrow-alice", types.MustDecimal("50"))
	eth.SetBalance("USDC:ETH", "0xescrow-bob", types.MustDecimal("50"))
	deal := plainDeal("deal-resume")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, reg), qt.Equals, 2)
	eng.tick(ctx)
	got := getDeal(c, store, deal.ID)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseQueued)
	firstItem := got.Reimbursement.QueueItemID

	// Crash between the CALCULATED write and the queue insert, variant one:
	// the queue item actually made it. Resume must repair the status without
	// enqueueing a double payment.
	c.Assert(store.UpdateDeal(deal.ID, func(d *types.Deal) error {
		d.Reimbursement.Status = types.ReimburseCalculated
		return nil
	}), qt.IsNil)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseQueued)
	c.Assert(got.Reimbursement.QueueItemID, qt.Equals, firstItem)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeGasReimburse), qt.HasLen, 1)

	// Variant two: the queue item never landed. Resume re-queues it from the
	// persisted calculation.
	cleared, err := store.ClearPendingByPurpose(deal.ID, types.PurposeGasReimburse)
	c.Assert(err, qt.IsNil)
	c.Assert(cleared, qt.Equals, 1)
	c.Assert(store.UpdateDeal(deal.ID, func(d *types.Deal) error {
		d.Reimbursement.Status = types.ReimburseCalculated
		return nil
	}), qt.IsNil)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseQueued)
	c.Assert(got.Reimbursement.QueueItemID, qt.Not(qt.Equals), firstItem)
	reimbs := itemsOf(c, store, deal.ID, types.PurposeGasReimburse)
	c.Assert(reimbs, qt.HasLen, 1)
	c.Assert(reimbs[0].Amount.Equal(got.Reimbursement.Calc.TokenAmount), qt.IsTrue)

	c.Assert(drainPending(t, store, reg), qt.Equals, 1)
	eng.tick(ctx)
	got = getDeal(c, store, deal.ID)
	c.Assert(got.Stage, qt.Equals, types.StageClosed)
	c.Assert(got.Reimbursement.Status, qt.Equals, types.ReimburseCompleted)
}

func TestLateDepositRefund(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH").WithBroker().AutoConfirm()
	eng, store := testEngine(t, Config{SettleDelay: time.Nanosecond}, eth)

	deal := swapDeal("deal-late")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5045", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3009", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageClosed)

	// A deposit lands on Alice's escrow after the deal is settled.
	eth.SetBalance("ETH:ETH", "0xescrow-alice", types.MustDecimal("0.25"))
	eng.tick(ctx)
	refunds := itemsOf(c, store, deal.ID, types.PurposeBrokerRefund)
	c.Assert(refunds, qt.HasLen, 1)
	c.Assert(refunds[0].To, qt.Equals, "0xalice-back")
	c.Assert(refunds[0].Amount.Equal(types.MustDecimal("0.25")), qt.IsTrue)
	c.Assert(refunds[0].RefundTrackingID, qt.Not(qt.Equals), "")
	c.Assert(refunds[0].Broker, qt.IsNotNil)
	c.Assert(refunds[0].Broker.Payback, qt.Equals, "0xalice-back")

	got := getDeal(c, store, deal.ID)
	found := false
	for _, ev := range got.Events {
		if ev.Message == "late deposit: refunding 0.25 ETH:ETH from the alice side" {
			found = true
		}
	}
	c.Assert(found, qt.IsTrue)
	alerts, err := store.Alerts()
	c.Assert(err, qt.IsNil)
	lateAlerts := 0
	for _, alert := range alerts {
		if alert.Kind == types.AlertLateDeposit && alert.DealID == deal.ID {
			lateAlerts++
		}
	}
	c.Assert(lateAlerts, qt.Equals, 1)

	// While the refund is in flight the balance is still visible; the
	// watcher must not queue it twice.
	eng.tick(ctx)
	c.Assert(itemsOf(c, store, deal.ID, types.PurposeBrokerRefund), qt.HasLen, 1)

	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 1)
	eth.SetBalance("ETH:ETH", "0xescrow-alice", types.Decimal{})
	eng.tick(ctx)
	refunds = itemsOf(c, store, deal.ID, types.PurposeBrokerRefund)
	c.Assert(refunds, qt.HasLen, 1)
	c.Assert(refunds[0].Status, qt.Equals, types.ItemCompleted)
}

func TestTankLowAlert(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH")
	store := storage.New(metadb.NewTest(t))
	t.Cleanup(store.Close)
	reg := chain.NewRegistry(eth)
	eng, err := New(store, reg, nil, testTank(reg), nil, Config{})
	c.Assert(err, qt.IsNil)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("5"))
	eng.tick(ctx)
	alerts, err := store.Alerts()
	c.Assert(err, qt.IsNil)
	c.Assert(alerts, qt.HasLen, 0)

	eth.SetBalance("ETH:ETH", "0xtank", types.MustDecimal("0.4"))
	eng.tick(ctx)
	// The alert is edge-triggered: staying under the floor must not raise a
	// second one.
	eng.tick(ctx)
	alerts, err = store.Alerts()
	c.Assert(err, qt.IsNil)
	c.Assert(alerts, qt.HasLen, 1)
	c.Assert(alerts[0].Kind, qt.Equals, types.AlertTankLow)

	snap, err := store.TankBalance("ETH")
	c.Assert(err, qt.IsNil)
	c.Assert(snap.Balance.Equal(types.MustDecimal("0.4")), qt.IsTrue)
}

func TestDroppedTransactionRequeues(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH")
	eng, store := testEngine(t, Config{}, eth)

	deal := plainDeal("deal-dropped")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)

	payouts := itemsOf(c, store, deal.ID, types.PurposeSwapPayout)
	alicePayout := itemFrom(c, payouts, "0xescrow-alice")
	bobPayout := itemFrom(c, payouts, "0xescrow-bob")

	// Alice's transaction inches forward, Bob's vanishes in a reorg.
	eth.SetConfirmations(alicePayout.Tx.TxID, 1)
	eth.SetConfirmations(bobPayout.Tx.TxID, -1)
	eng.tick(ctx)

	reloaded, err := store.QueueItem(alicePayout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(reloaded.Status, qt.Equals, types.ItemSubmitted)
	c.Assert(reloaded.Tx.Confirmations, qt.Equals, int64(1))

	requeued, err := store.QueueItem(bobPayout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(requeued.Status, qt.Equals, types.ItemPending)
	c.Assert(requeued.Tx.Status, qt.Equals, types.TxDropped)
	got := getDeal(c, store, deal.ID)
	warned := false
	for _, ev := range got.Events {
		if ev.Level == types.EventWarn &&
			ev.Message == fmt.Sprintf("swap_payout transaction %s dropped from the chain, requeued", bobPayout.Tx.TxID) {
			warned = true
		}
	}
	c.Assert(warned, qt.IsTrue)

	// Resubmission gets a fresh transaction; both confirm and the deal
	// settles.
	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 1)
	resubmitted, err := store.QueueItem(bobPayout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(resubmitted.Tx.TxID, qt.Not(qt.Equals), bobPayout.Tx.TxID)
	eth.SetConfirmations(alicePayout.Tx.TxID, 2)
	eth.SetConfirmations(resubmitted.Tx.TxID, 2)
	eng.tick(ctx)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageClosed)
}

func TestPartialDropHoldsItem(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	eth := chaintest.New("ETH")
	eng, store := testEngine(t, Config{}, eth)

	deal := plainDeal("deal-split")
	c.Assert(store.PutDeal(deal), qt.IsNil)
	fund(eth, deal, types.SideAlice, "0xdep-alice", "1.5", 3)
	fund(eth, deal, types.SideBob, "0xdep-bob", "3000", 3)
	eng.tick(ctx)
	eng.tick(ctx)
	eng.tick(ctx)
	c.Assert(drainPending(t, store, eng.chains), qt.Equals, 2)

	payouts := itemsOf(c, store, deal.ID, types.PurposeSwapPayout)
	alicePayout := itemFrom(c, payouts, "0xescrow-alice")
	c.Assert(store.UpdateQueueItem(alicePayout.ID, func(it *types.QueueItem) error {
		it.Tx.AdditionalTxIDs = append(it.Tx.AdditionalTxIDs, "ghost-tx")
		return nil
	}), qt.IsNil)
	eth.SetConfirmations(alicePayout.Tx.TxID, 1)

	// One constituent confirmed while the other vanished: resubmitting would
	// double-pay, so the item must hold as submitted and page the operator.
	eng.tick(ctx)
	eng.tick(ctx)
	reloaded, err := store.QueueItem(alicePayout.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(reloaded.Status, qt.Equals, types.ItemSubmitted)
	c.Assert(getDeal(c, store, deal.ID).Stage, qt.Equals, types.StageSwap)

	criticals := 0
	for _, ev := range getDeal(c, store, deal.ID).Events {
		if ev.Level == types.EventCritical {
			criticals++
		}
	}
	c.Assert(criticals, qt.Equals, 1)
}
