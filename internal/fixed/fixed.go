// Package fixed implements the checked fixed-point arithmetic used for every
// monetary quantity in the engine. Values are unsigned integers with an
// implied decimal exponent; any wrap-around is reported as
// errcode.ErrMathOverflow instead of producing a wrong amount.
//
// Products are formed in 256 bits (holiman/uint256) so that
// amount × price / 10^n never overflows before the division.
package fixed

import (
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/atmx/custody-engine/internal/errcode"
)

const (
	// USDDecimals is the exponent of every USD amount (1 USD = 1_000_000).
	USDDecimals = 6
	// PriceDecimals is the exponent of every normalized oracle price.
	PriceDecimals = 10
	// RateDecimals is the exponent of borrow rates and the interest index.
	RateDecimals = 9
	// BpsDecimals is the exponent of fee rates, ratios and leverage.
	BpsDecimals = 4
	// LPDecimals is the exponent of the LP token.
	LPDecimals = 6

	USDPower   uint64 = 1_000_000
	PricePower uint64 = 10_000_000_000
	RatePower  uint64 = 1_000_000_000
	BpsPower   uint64 = 10_000
	LPPower    uint64 = 1_000_000

	// SecondsPerHour converts elapsed seconds into hourly-rate periods.
	SecondsPerHour uint64 = 3600

	maxPow10 = 38
)

var pow10 [maxPow10 + 1]uint256.Int

func init() {
	pow10[0].SetUint64(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= maxPow10; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns 10^n for 0 ≤ n ≤ 38.
func Pow10(n int) (*uint256.Int, error) {
	if n < 0 || n > maxPow10 {
		return nil, errcode.Wrap(errcode.ErrMathOverflow, "10^%d out of range", n)
	}
	return new(uint256.Int).Set(&pow10[n]), nil
}

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, errcode.ErrMathOverflow
	}
	return s, nil
}

// Sub returns a − b, failing when b > a.
func Sub(a, b uint64) (uint64, error) {
	d, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, errcode.ErrMathOverflow
	}
	return d, nil
}

// SaturatingSub returns a − b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Mul returns a × b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, errcode.ErrMathOverflow
	}
	return lo, nil
}

// MulDiv returns ⌊a × b / d⌋.
func MulDiv(a, b, d uint64) (uint64, error) {
	return mulDiv(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d), false)
}

// MulDivCeil returns ⌈a × b / d⌉.
func MulDivCeil(a, b, d uint64) (uint64, error) {
	return mulDiv(uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d), true)
}

func mulDiv(a, b, d *uint256.Int, ceil bool) (uint64, error) {
	if d.IsZero() {
		return 0, errcode.Wrap(errcode.ErrMathOverflow, "division by zero")
	}
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return 0, errcode.ErrMathOverflow
	}
	q := new(uint256.Int).Div(prod, d)
	if ceil && !new(uint256.Int).Mod(prod, d).IsZero() {
		q.AddUint64(q, 1)
	}
	if !q.IsUint64() {
		return 0, errcode.ErrMathOverflow
	}
	return q.Uint64(), nil
}

// BpsOf returns ⌊amount × bps / 10_000⌋.
func BpsOf(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsPower)
}

// BpsOfCeil returns ⌈amount × bps / 10_000⌉.
func BpsOfCeil(amount, bps uint64) (uint64, error) {
	return MulDivCeil(amount, bps, BpsPower)
}

// tokenScale is 10^(decimals + PriceDecimals − USDDecimals): the divisor that
// turns amount × price into USD.
func tokenScale(decimals uint8) (*uint256.Int, error) {
	return Pow10(int(decimals) + PriceDecimals - USDDecimals)
}

// TokenToUSD values amount native units at price, rounding down.
func TokenToUSD(amount uint64, decimals uint8, price uint64) (uint64, error) {
	scale, err := tokenScale(decimals)
	if err != nil {
		return 0, err
	}
	return mulDiv(uint256.NewInt(amount), uint256.NewInt(price), scale, false)
}

// TokenToUSDCeil values amount native units at price, rounding up.
func TokenToUSDCeil(amount uint64, decimals uint8, price uint64) (uint64, error) {
	scale, err := tokenScale(decimals)
	if err != nil {
		return 0, err
	}
	return mulDiv(uint256.NewInt(amount), uint256.NewInt(price), scale, true)
}

// USDToToken converts usd into native units at price, rounding down.
func USDToToken(usd uint64, decimals uint8, price uint64) (uint64, error) {
	scale, err := tokenScale(decimals)
	if err != nil {
		return 0, err
	}
	return mulDiv(uint256.NewInt(usd), scale, uint256.NewInt(price), false)
}

// USDToTokenCeil converts usd into native units at price, rounding up.
func USDToTokenCeil(usd uint64, decimals uint8, price uint64) (uint64, error) {
	scale, err := tokenScale(decimals)
	if err != nil {
		return 0, err
	}
	return mulDiv(uint256.NewInt(usd), scale, uint256.NewInt(price), true)
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
