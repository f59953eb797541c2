package chain

import "math/big"

const (
	minTipBumpGwei    = int64(2) // 2 gwei min absolute bump for tip
	minFeeCapBumpGwei = int64(5) // 5 gwei min absolute bump for fee cap

	// bump factor +20% (x1.2), the replacement threshold most nodes accept
	// with headroom
	bumpFactorNum = int64(12)
	bumpFactorDen = int64(10)
)

// BumpFees raises the fee fields of a stuck submission so a resubmission
// with the same nonce replaces it. Every populated field of prev is bumped
// by the factor with a minimum absolute step, and never ends up below the
// current market sample so a replacement is not underpriced twice.
func BumpFees(prev, current *FeeData) *FeeData {
	if prev == nil {
		prev = &FeeData{}
	}
	if current == nil {
		current = &FeeData{}
	}
	bumped := &FeeData{}
	if prev.GasPrice != nil || current.GasPrice != nil {
		bumped.GasPrice = maxBig(
			mulFrac(prev.GasPrice, bumpFactorNum, bumpFactorDen),
			addGwei(prev.GasPrice, minFeeCapBumpGwei),
			current.GasPrice,
		)
	}
	if prev.MaxFeePerGas != nil || current.MaxFeePerGas != nil {
		bumped.MaxFeePerGas = maxBig(
			mulFrac(prev.MaxFeePerGas, bumpFactorNum, bumpFactorDen),
			addGwei(prev.MaxFeePerGas, minFeeCapBumpGwei),
			current.MaxFeePerGas,
		)
	}
	if prev.MaxPriorityFeePerGas != nil || current.MaxPriorityFeePerGas != nil {
		bumped.MaxPriorityFeePerGas = maxBig(
			mulFrac(prev.MaxPriorityFeePerGas, bumpFactorNum, bumpFactorDen),
			addGwei(prev.MaxPriorityFeePerGas, minTipBumpGwei),
			current.MaxPriorityFeePerGas,
		)
	}
	// The tip may never exceed the fee cap.
	if bumped.MaxFeePerGas != nil && bumped.MaxPriorityFeePerGas != nil &&
		bumped.MaxPriorityFeePerGas.Cmp(bumped.MaxFeePerGas) > 0 {
		bumped.MaxFeePerGas = new(big.Int).Set(bumped.MaxPriorityFeePerGas)
	}
	return bumped
}

func mulFrac(x *big.Int, num, den int64) *big.Int {
	if x == nil {
		return nil
	}
	xx := new(big.Int).Set(x)
	xx.Mul(xx, big.NewInt(num))
	xx.Div(xx, big.NewInt(den))
	return xx
}

func addGwei(x *big.Int, n int64) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Add(x, gwei(n))
}

func maxBig(vals ...*big.Int) *big.Int {
	var best *big.Int
	for _, v := range vals {
		if v == nil {
			continue
		}
		if best == nil || v.Cmp(best) > 0 {
			best = new(big.Int).Set(v)
		}
	}
	if best == nil {
		return big.NewInt(0)
	}
	return best
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}
