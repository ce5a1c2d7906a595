package fixed

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/atmx/custody-engine/internal/errcode"
)

func TestAddSubOverflow(t *testing.T) {
	if _, err := Add(math.MaxUint64, 1); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := Sub(1, 2); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
	if v, err := Sub(5, 2); err != nil || v != 3 {
		t.Errorf("Sub(5,2) = %d, %v", v, err)
	}
	if _, err := Mul(math.MaxUint64, 2); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected mul overflow, got %v", err)
	}
	if SaturatingSub(1, 5) != 0 {
		t.Error("SaturatingSub should floor at zero")
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	// 2^63 × 10 / 20 overflows 64 bits before the division.
	v, err := MulDiv(1<<63, 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1<<62 {
		t.Errorf("got %d", v)
	}
	if _, err := MulDiv(math.MaxUint64, 2, 1); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected overflow on result, got %v", err)
	}
	if _, err := MulDiv(1, 1, 0); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected division by zero error, got %v", err)
	}
}

func TestMulDivRounding(t *testing.T) {
	floor, _ := MulDiv(10, 1, 3)
	ceil, _ := MulDivCeil(10, 1, 3)
	if floor != 3 || ceil != 4 {
		t.Errorf("floor=%d ceil=%d", floor, ceil)
	}
	exact, _ := MulDivCeil(9, 1, 3)
	if exact != 3 {
		t.Errorf("exact ceil = %d", exact)
	}
}

func TestTokenUSDConversion(t *testing.T) {
	price := 100 * PricePower // 100 USD
	// 2.5 tokens with 9 decimals.
	usd, err := TokenToUSD(2_500_000_000, 9, price)
	if err != nil {
		t.Fatal(err)
	}
	if usd != 250*USDPower {
		t.Errorf("usd = %d", usd)
	}
	back, err := USDToToken(usd, 9, price)
	if err != nil {
		t.Fatal(err)
	}
	if back != 2_500_000_000 {
		t.Errorf("tokens = %d", back)
	}

	// 18-decimal token: the scale 10^22 exceeds 64 bits.
	usd, err = TokenToUSD(3_000_000_000_000_000_000, 18, 2*PricePower)
	if err != nil {
		t.Fatal(err)
	}
	if usd != 6*USDPower {
		t.Errorf("usd(18 dec) = %d", usd)
	}
}

func TestUSDToTokenCeil(t *testing.T) {
	// 1 micro-USD at 3 USD per 6-decimal token is a third of a unit.
	down, _ := USDToToken(1, 6, 3*PricePower)
	up, _ := USDToTokenCeil(1, 6, 3*PricePower)
	if down != 0 || up != 1 {
		t.Errorf("down=%d up=%d", down, up)
	}
}

func TestU128(t *testing.T) {
	a := U128FromSplit(1, 5)
	if a.High() != 1 || a.Low() != 5 {
		t.Fatalf("split = %d/%d", a.High(), a.Low())
	}
	b, err := a.AddUint64(math.MaxUint64)
	if err != nil {
		t.Fatal(err)
	}
	if b.High() != 2 || b.Low() != 4 {
		t.Errorf("carry: %d/%d", b.High(), b.Low())
	}
	max := U128FromSplit(math.MaxUint64, math.MaxUint64)
	if _, err := max.AddUint64(1); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected overflow at 2^128, got %v", err)
	}
	if _, err := NewU128(1).Sub(NewU128(2)); !errors.Is(err, errcode.ErrMathOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
	q, err := U128FromSplit(1, 0).DivUint64(1 << 32)
	if err != nil || q != 1<<32 {
		t.Errorf("div = %d, %v", q, err)
	}
}

func TestU128JSON(t *testing.T) {
	v := U128FromSplit(7, 11)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out U128
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Cmp(v) != 0 {
		t.Errorf("round trip %s != %s", out, v)
	}
}
