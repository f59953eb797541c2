package utxo

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	qt "github.com/frankban/quicktest"
)

func outs(sats ...int64) []unspentOutput {
	res := make([]unspentOutput, len(sats))
	for i, s := range sats {
		res[i] = unspentOutput{txid: "aa", vout: uint32(i), sats: s}
	}
	return res
}

func totalPaid(plans []txPlan) int64 {
	var sum int64
	for _, p := range plans {
		sum += p.paySats
	}
	return sum
}

func TestPlanSplitsSingleTx(t *testing.T) {
	c := qt.New(t)

	plans, err := planSplits(outs(50_000, 30_000, 10_000), 60_000, 2_000, 50)
	c.Assert(err, qt.IsNil)
	c.Assert(plans, qt.HasLen, 1)
	c.Assert(plans[0].inputs, qt.HasLen, 2)
	c.Assert(plans[0].paySats, qt.Equals, int64(60_000))
	c.Assert(plans[0].changeSats, qt.Equals, int64(18_000))
}

func TestPlanSplitsDustChangeAbsorbed(t *testing.T) {
	c := qt.New(t)

	plans, err := planSplits(outs(62_100), 60_000, 2_000, 50)
	c.Assert(err, qt.IsNil)
	c.Assert(plans, qt.HasLen, 1)
	c.Assert(plans[0].paySats, qt.Equals, int64(60_000))
	c.Assert(plans[0].changeSats, qt.Equals, int64(0))
}

func TestPlanSplitsInputCap(t *testing.T) {
	c := qt.New(t)

	plans, err := planSplits(outs(30_000, 30_000, 30_000, 30_000), 100_000, 1_000, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(plans, qt.HasLen, 2)
	for _, p := range plans {
		c.Assert(len(p.inputs) <= 2, qt.IsTrue)
	}
	// The recipient receives the full amount across the splits; each
	// transaction pays its own fee.
	c.Assert(totalPaid(plans), qt.Equals, int64(100_000))
	c.Assert(plans[0].paySats, qt.Equals, int64(59_000))
	c.Assert(plans[1].paySats, qt.Equals, int64(41_000))
	c.Assert(plans[1].changeSats, qt.Equals, int64(18_000))
}

func TestPlanSplitsInsufficientFunds(t *testing.T) {
	c := qt.New(t)

	_, err := planSplits(outs(1_000), 5_000, 2_000, 50)
	c.Assert(err, qt.ErrorMatches, "insufficient funds.*")

	// Exactly covering the amount but not the fee is still insufficient.
	_, err = planSplits(outs(5_000), 5_000, 2_000, 50)
	c.Assert(err, qt.ErrorMatches, "insufficient funds.*")
}

func TestPlanSplitsSkipsZeroValueOutputs(t *testing.T) {
	c := qt.New(t)

	available := outs(0, 50_000)
	plans, err := planSplits(available, 40_000, 1_000, 50)
	c.Assert(err, qt.IsNil)
	c.Assert(plans, qt.HasLen, 1)
	c.Assert(plans[0].inputs, qt.HasLen, 1)
	c.Assert(plans[0].inputs[0].vout, qt.Equals, uint32(1))
}

func TestPlanSplitsRejectsZeroTarget(t *testing.T) {
	c := qt.New(t)

	_, err := planSplits(outs(50_000), 0, 1_000, 50)
	c.Assert(err, qt.IsNotNil)
}

func TestNetworkParams(t *testing.T) {
	c := qt.New(t)

	params, err := NetworkParams("")
	c.Assert(err, qt.IsNil)
	c.Assert(params.Name, qt.Equals, chaincfg.MainNetParams.Name)

	params, err = NetworkParams("regtest")
	c.Assert(err, qt.IsNil)
	c.Assert(params.Name, qt.Equals, chaincfg.RegressionNetParams.Name)

	_, err = NetworkParams("liquid")
	c.Assert(err, qt.IsNotNil)
}

func TestStaticKeyStore(t *testing.T) {
	c := qt.New(t)

	const hexKey = "0202020202020202020202020202020202020202020202020202020202020202"
	ks, err := NewStaticKeyStore(&chaincfg.RegressionNetParams, map[string]string{"escrow-1": hexKey})
	c.Assert(err, qt.IsNil)

	key, err := ks.Key("escrow-1")
	c.Assert(err, qt.IsNil)

	addr, err := ks.Address("escrow-1")
	c.Assert(err, qt.IsNil)
	want, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	c.Assert(err, qt.IsNil)
	c.Assert(addr.EncodeAddress(), qt.Equals, want.EncodeAddress())

	_, err = ks.Key("unknown")
	c.Assert(err, qt.IsNotNil)

	_, err = NewStaticKeyStore(&chaincfg.RegressionNetParams, map[string]string{"bad": "zz"})
	c.Assert(err, qt.IsNotNil)
}
