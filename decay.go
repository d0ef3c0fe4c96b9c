package pendleyield

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// veScale is the number of fixed-point fractional digits used by the chain's
// native integer convention (wei-style, 18 decimals).
const veScale = 18

// VePendleValue computes the linearly decaying voting power
// (bias - slope*at) / 10^18 at the given Unix timestamp. The subtraction is
// carried out in arbitrary precision before scaling, so large slopes
// multiplied by block timestamps never lose digits. The value crosses zero
// at bias/slope and is negative afterwards; values <= 0 mean the vote has
// expired. nil bias or slope are treated as zero.
func VePendleValue(bias, slope *big.Int, at int64) decimal.Decimal {
	if bias == nil {
		bias = new(big.Int)
	}
	if slope == nil {
		slope = new(big.Int)
	}
	raw := new(big.Int).Mul(slope, big.NewInt(at))
	raw.Sub(bias, raw)
	return decimal.NewFromBigInt(raw, -veScale)
}

// IsActiveVePendle reports whether a decayed value still carries voting power.
func IsActiveVePendle(v decimal.Decimal) bool {
	return v.IsPositive()
}
