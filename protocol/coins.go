package protocol

import (
	"fmt"
	"math/bits"
)

// Coins is an amount in nano units.
type Coins uint64

// Nano is the number of nano units in one coin.
const Nano Coins = 1_000_000_000

// MulDiv returns c*num/den with a 128-bit intermediate, truncating.
// It returns zero when den is zero and saturates when the result overflows.
func (c Coins) MulDiv(num, den uint64) Coins {
	if den == 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(c), num)
	if hi >= den {
		return Coins(^uint64(0))
	}
	q, _ := bits.Div64(hi, lo, den)
	return Coins(q)
}

func (c Coins) String() string {
	return fmt.Sprintf("%d.%09d", uint64(c/Nano), uint64(c%Nano))
}
