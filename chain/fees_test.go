package chain

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestBumpFeesLegacy(t *testing.T) {
	c := qt.New(t)

	// Large price: the 20% factor dominates the absolute minimum step.
	bumped := BumpFees(&FeeData{GasPrice: gwei(100)}, &FeeData{GasPrice: gwei(50)})
	c.Assert(bumped.GasPrice.Cmp(gwei(120)), qt.Equals, 0)

	// Small price: the absolute minimum step dominates the factor.
	bumped = BumpFees(&FeeData{GasPrice: gwei(10)}, &FeeData{GasPrice: gwei(1)})
	c.Assert(bumped.GasPrice.Cmp(gwei(15)), qt.Equals, 0)

	// Market spike: never resubmit below the current sample.
	bumped = BumpFees(&FeeData{GasPrice: gwei(10)}, &FeeData{GasPrice: gwei(100)})
	c.Assert(bumped.GasPrice.Cmp(gwei(100)), qt.Equals, 0)
}

func TestBumpFeesDynamic(t *testing.T) {
	c := qt.New(t)

	prev := &FeeData{
		MaxFeePerGas:         gwei(100),
		MaxPriorityFeePerGas: gwei(2),
	}
	bumped := BumpFees(prev, nil)
	c.Assert(bumped.MaxFeePerGas.Cmp(gwei(120)), qt.Equals, 0)
	// 2 gwei * 1.2 = 2.4 gwei, but the 2 gwei minimum step wins.
	c.Assert(bumped.MaxPriorityFeePerGas.Cmp(gwei(4)), qt.Equals, 0)
	c.Assert(bumped.GasPrice, qt.IsNil)
}

func TestBumpFeesTipNeverExceedsCap(t *testing.T) {
	c := qt.New(t)

	bumped := BumpFees(&FeeData{
		MaxFeePerGas:         gwei(1),
		MaxPriorityFeePerGas: gwei(10),
	}, nil)
	c.Assert(bumped.MaxFeePerGas.Cmp(bumped.MaxPriorityFeePerGas) >= 0, qt.IsTrue)
}

func TestBumpFeesNilPrev(t *testing.T) {
	c := qt.New(t)

	bumped := BumpFees(nil, &FeeData{GasPrice: gwei(50)})
	c.Assert(bumped.GasPrice.Cmp(gwei(50)), qt.Equals, 0)
	c.Assert(bumped.MaxFeePerGas, qt.IsNil)
}

func TestMulFracRoundsDown(t *testing.T) {
	c := qt.New(t)

	c.Assert(mulFrac(big.NewInt(10), 12, 10).Int64(), qt.Equals, int64(12))
	c.Assert(mulFrac(big.NewInt(11), 12, 10).Int64(), qt.Equals, int64(13))
	c.Assert(mulFrac(nil, 12, 10), qt.IsNil)
}
