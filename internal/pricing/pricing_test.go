package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
)

func usd(v uint64) uint64   { return v * fixed.USDPower }
func price(v uint64) uint64 { return v * fixed.PricePower }

func TestEntryPriceAgainstTrader(t *testing.T) {
	p := oracle.Price{Price: price(100), Confidence: price(1) / 10}

	long, err := EntryPrice(model.SideLong, p, 10)
	require.NoError(t, err)
	short, err := EntryPrice(model.SideShort, p, 10)
	require.NoError(t, err)

	assert.Greater(t, long, p.Price)
	assert.Less(t, short, p.Price)
	// (100.1) × 1.001 = 100.2001
	assert.Equal(t, uint64(1_002_001_000_000), long)
	// (99.9) × 0.999 = 99.8001
	assert.Equal(t, uint64(998_001_000_000), short)
}

func TestExitPrice(t *testing.T) {
	p := oracle.Price{Price: price(50), Confidence: price(1)}
	long, err := ExitPrice(model.SideLong, p)
	require.NoError(t, err)
	short, err := ExitPrice(model.SideShort, p)
	require.NoError(t, err)
	assert.Equal(t, price(49), long)
	assert.Equal(t, price(51), short)
}

func TestPnLSignExclusivity(t *testing.T) {
	entries := []uint64{price(1), price(100), price(3_000)}
	moves := []int64{-50, -1, 0, 1, 37}
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		for _, e := range entries {
			for _, m := range moves {
				cur := uint64(int64(e) + m*int64(e)/100)
				profit, loss, err := PnL(side, e, cur, usd(1_000))
				require.NoError(t, err)
				assert.False(t, profit > 0 && loss > 0, "side=%s entry=%d cur=%d", side, e, cur)
			}
		}
	}
}

func TestPnLScenario(t *testing.T) {
	profit, loss, err := PnL(model.SideLong, price(100), price(110), usd(1_000))
	require.NoError(t, err)
	assert.Equal(t, usd(100), profit)
	assert.Zero(t, loss)

	profit, loss, err = PnL(model.SideShort, price(100), price(110), usd(1_000))
	require.NoError(t, err)
	assert.Zero(t, profit)
	assert.Equal(t, usd(100), loss)
}

func TestLiquidationScenario(t *testing.T) {
	m := Margin{
		Side:          model.SideLong,
		EntryPrice:    price(100),
		SizeUsd:       usd(1_000),
		CollateralUsd: usd(100),
		InterestUsd:   usd(5),
		ExitFeeUsd:    usd(1),
	}
	ok, err := Liquidatable(m, price(110))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Liquidatable(m, price(91))
	require.NoError(t, err)
	assert.True(t, ok)

	liq, err := LiquidationPrice(m)
	require.NoError(t, err)
	// threshold = 10 + 5 + 1 = 16; 100 − 100 × 84 / 1000 = 91.6
	assert.Equal(t, uint64(916_000_000_000), liq)

	ok, err = Liquidatable(m, liq+price(1)/100)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = Liquidatable(m, liq)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLiquidationPriceMonotonic(t *testing.T) {
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		m := Margin{Side: side, EntryPrice: price(100), SizeUsd: usd(1_000), CollateralUsd: usd(200)}
		prev, err := LiquidationPrice(m)
		require.NoError(t, err)
		for coll := usd(190); coll >= usd(20); coll -= usd(10) {
			m.CollateralUsd = coll
			liq, err := LiquidationPrice(m)
			require.NoError(t, err)
			if side == model.SideLong {
				assert.Greater(t, liq, prev, "long collateral=%d", coll)
			} else {
				assert.Less(t, liq, prev, "short collateral=%d", coll)
			}
			prev = liq
		}
	}
}

func TestShortLiquidationPrice(t *testing.T) {
	m := Margin{Side: model.SideShort, EntryPrice: price(100), SizeUsd: usd(1_000), CollateralUsd: usd(100)}
	liq, err := LiquidationPrice(m)
	require.NoError(t, err)
	// threshold = 10; 100 + 100 × 90 / 1000 = 109
	assert.Equal(t, price(109), liq)
}
