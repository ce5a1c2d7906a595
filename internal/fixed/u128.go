package fixed

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/custody-engine/internal/errcode"
)

var maxU128 = func() *uint256.Int {
	one := uint256.NewInt(1)
	v := new(uint256.Int).Lsh(one, 128)
	return v.Sub(v, one)
}()

// U128 is an unsigned 128-bit accumulator. It replaces the {high, low}
// split of the account schema with a single wide integer while keeping the
// same bound: any result ≥ 2^128 is a MathOverflow.
//
// The zero value is 0 and U128 is safe to copy.
type U128 struct {
	v uint256.Int
}

// NewU128 returns x as a U128.
func NewU128(x uint64) U128 {
	var u U128
	u.v.SetUint64(x)
	return u
}

// U128FromSplit assembles a value from its high and low 64-bit halves.
func U128FromSplit(high, low uint64) U128 {
	var u U128
	u.v[0] = low
	u.v[1] = high
	return u
}

func fromInt(x *uint256.Int) (U128, error) {
	if x.Gt(maxU128) {
		return U128{}, errcode.ErrMathOverflow
	}
	return U128{v: *x}, nil
}

// High returns the upper 64 bits.
func (u U128) High() uint64 { return u.v[1] }

// Low returns the lower 64 bits.
func (u U128) Low() uint64 { return u.v[0] }

func (u U128) IsZero() bool { return u.v.IsZero() }

// Cmp returns -1, 0 or +1.
func (u U128) Cmp(x U128) int { return u.v.Cmp(&x.v) }

func (u U128) Add(x U128) (U128, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&u.v, &x.v)
	if overflow {
		return U128{}, errcode.ErrMathOverflow
	}
	return fromInt(sum)
}

func (u U128) AddUint64(x uint64) (U128, error) {
	return u.Add(NewU128(x))
}

func (u U128) Sub(x U128) (U128, error) {
	d, underflow := new(uint256.Int).SubOverflow(&u.v, &x.v)
	if underflow {
		return U128{}, errcode.ErrMathOverflow
	}
	return U128{v: *d}, nil
}

// SaturatingSub returns u − x, or 0 when x > u.
func (u U128) SaturatingSub(x U128) U128 {
	if x.v.Gt(&u.v) {
		return U128{}
	}
	d, _ := u.Sub(x)
	return d
}

func (u U128) MulUint64(x uint64) (U128, error) {
	p, overflow := new(uint256.Int).MulOverflow(&u.v, uint256.NewInt(x))
	if overflow {
		return U128{}, errcode.ErrMathOverflow
	}
	return fromInt(p)
}

// DivUint64 returns ⌊u / x⌋, which must fit in 64 bits.
func (u U128) DivUint64(x uint64) (uint64, error) {
	if x == 0 {
		return 0, errcode.Wrap(errcode.ErrMathOverflow, "division by zero")
	}
	q := new(uint256.Int).Div(&u.v, uint256.NewInt(x))
	if !q.IsUint64() {
		return 0, errcode.ErrMathOverflow
	}
	return q.Uint64(), nil
}

// MulDivUint64 returns ⌊u × m / d⌋ as a uint64.
func (u U128) MulDivUint64(m, d uint64) (uint64, error) {
	return mulDiv(&u.v, uint256.NewInt(m), uint256.NewInt(d), false)
}

// Uint64 returns the value when it fits in 64 bits.
func (u U128) Uint64() (uint64, error) {
	if !u.v.IsUint64() {
		return 0, errcode.ErrMathOverflow
	}
	return u.v.Uint64(), nil
}

func (u U128) String() string { return u.v.Dec() }

// MarshalText encodes the value as a decimal string so JSON and database
// payloads never lose precision.
func (u U128) MarshalText() ([]byte, error) {
	return []byte(u.v.Dec()), nil
}

func (u *U128) UnmarshalText(text []byte) error {
	var v uint256.Int
	if err := v.SetFromDecimal(string(text)); err != nil {
		return fmt.Errorf("fixed: parse u128 %q: %w", text, err)
	}
	parsed, err := fromInt(&v)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
