package position

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
)

var (
	poolKey = solana.NewWallet().PublicKey()
	owner   = solana.NewWallet().PublicKey()
	keeper  = solana.NewWallet().PublicKey()
)

func usd(v uint64) uint64 { return v * fixed.USDPower }

func px(v uint64) oracle.Price { return oracle.Price{Price: v * fixed.PricePower} }

func solCustody() *model.Custody {
	return &model.Custody{
		Address:    solana.NewWallet().PublicKey(),
		Pool:       poolKey,
		Symbol:     "SOL",
		AllowTrade: true,
		Decimals:   9,
		Pricing: model.Pricing{
			MinInitialLeverage: 11_000,
			MaxInitialLeverage: 500_000,
			MaxLeverage:        1_000_000,
			MaxUtilization:     10_000,
		},
		Fees:   model.Fees{ClosePosition: 10, Liquidation: 50, FeeMax: 100},
		Assets: model.Assets{Owned: 1_000_000_000_000},
	}
}

func usdcCustody() *model.Custody {
	return &model.Custody{
		Address:  solana.NewWallet().PublicKey(),
		Pool:     poolKey,
		Symbol:   "USDC",
		IsStable: true,
		Decimals: 6,
		Assets:   model.Assets{Owned: usd(100_000)},
	}
}

func longAccounts(c *model.Custody, price uint64) Accounts {
	return Accounts{Custody: c, CollateralCustody: c, Price: px(price), CollateralPrice: px(price)}
}

func openLong(t *testing.T, m *Manager, c *model.Custody) *model.Position {
	t.Helper()
	pos, err := m.Open(longAccounts(c, 100), OpenRequest{
		Owner:      owner,
		Side:       model.SideLong,
		Price:      101 * fixed.PricePower,
		Collateral: 1_000_000_000,
		Leverage:   100_000,
	}, solana.NewWallet().PublicKey(), 1, 1_000)
	require.NoError(t, err)
	return pos
}

func TestOpenLong(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	assert.Equal(t, 100*fixed.PricePower, pos.Price)
	assert.Equal(t, usd(100), pos.CollateralUsd)
	assert.Equal(t, usd(1_000), pos.SizeUsd)
	assert.Equal(t, pos.SizeUsd, pos.BorrowSizeUsd)
	assert.Equal(t, uint64(10_000_000_000), pos.LockedAmount, "10 SOL backs 1000 USD")

	assert.Equal(t, uint64(1_000_000_000), c.Assets.Collateral)
	assert.Equal(t, uint64(10_000_000_000), c.Assets.Locked)
	assert.Equal(t, uint64(1), c.LongPositions.OpenPositions)
	assert.Equal(t, usd(1_000), c.LongPositions.SizeUsd)
	assert.Equal(t, usd(1_000), c.TradeStats.OiLongUsd)
	avg, err := c.LongPositions.AveragePrice()
	require.NoError(t, err)
	assert.Equal(t, 100*fixed.PricePower, avg)
}

func TestQuoteEntryMatchesOpen(t *testing.T) {
	c := solCustody()
	c.Pricing.TradeSpreadLong = 25
	m := NewManager(DefaultParams())
	acc := Accounts{Custody: c, CollateralCustody: c,
		Price:           oracle.Price{Price: 100 * fixed.PricePower, Confidence: fixed.PricePower / 10},
		CollateralPrice: oracle.Price{Price: 100 * fixed.PricePower, Confidence: fixed.PricePower / 10}}
	req := OpenRequest{Owner: owner, Side: model.SideLong, Price: 200 * fixed.PricePower,
		Collateral: 1_000_000_000, Leverage: 50_000}

	before := *c
	q, err := m.QuoteEntry(acc, req)
	require.NoError(t, err)
	assert.Equal(t, before, *c, "quotes never mutate")

	pos, err := m.Open(acc, req, solana.NewWallet().PublicKey(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, q.EntryPrice, pos.Price)
	assert.Equal(t, q.SizeUsd, pos.SizeUsd)
	assert.Equal(t, q.LockedAmount, pos.LockedAmount)
	assert.Greater(t, q.EntryPrice, acc.Price.Price)
	assert.Less(t, q.LiquidationPrice, q.EntryPrice)
}

func TestOpenRejects(t *testing.T) {
	m := NewManager(DefaultParams())
	base := OpenRequest{Owner: owner, Side: model.SideLong, Price: 101 * fixed.PricePower,
		Collateral: 1_000_000_000, Leverage: 100_000}

	tests := []struct {
		name   string
		mutate func(*OpenRequest, *model.Custody)
		want   error
	}{
		{"leverage below min", func(r *OpenRequest, _ *model.Custody) { r.Leverage = 10_000 }, errcode.ErrMinLeverage},
		{"leverage above max", func(r *OpenRequest, _ *model.Custody) { r.Leverage = 600_000 }, errcode.ErrMaxLeverage},
		{"slippage", func(r *OpenRequest, _ *model.Custody) { r.Price = 99 * fixed.PricePower }, errcode.ErrMaxPriceSlippage},
		{"tiny collateral", func(r *OpenRequest, _ *model.Custody) { r.Collateral = 50_000_000 }, errcode.ErrInsufficientCollateral},
		{"trading disabled", func(_ *OpenRequest, c *model.Custody) { c.AllowTrade = false }, errcode.ErrInstructionNotAllowed},
		{"locked limit", func(_ *OpenRequest, c *model.Custody) { c.Pricing.MaxPositionLockedUsd = usd(500) }, errcode.ErrCustodyAmountLimit},
		{"utilization", func(_ *OpenRequest, c *model.Custody) { c.Assets.Owned = 5_000_000_000 }, errcode.ErrMaxUtilization},
		{"bad side", func(r *OpenRequest, _ *model.Custody) { r.Side = 9 }, errcode.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := solCustody()
			req := base
			tt.mutate(&req, c)
			before := *c
			_, err := m.Open(longAccounts(c, 100), req, solana.NewWallet().PublicKey(), 1, 10)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, *c, "failed open leaves the custody untouched")
		})
	}
}

func TestShortRequiresStableCollateral(t *testing.T) {
	m := NewManager(DefaultParams())
	sol := solCustody()
	other := solCustody()
	acc := Accounts{Custody: sol, CollateralCustody: other, Price: px(100), CollateralPrice: px(100)}
	_, err := m.Open(acc, OpenRequest{Owner: owner, Side: model.SideShort, Collateral: 1_000_000_000, Leverage: 20_000},
		solana.NewWallet().PublicKey(), 1, 10)
	assert.ErrorIs(t, err, errcode.ErrInvalidCollateralCustody)

	acc = longAccounts(sol, 100)
	_, err = m.Open(acc, OpenRequest{Owner: owner, Side: model.SideShort, Collateral: 1_000_000_000, Leverage: 20_000},
		solana.NewWallet().PublicKey(), 1, 10)
	assert.ErrorIs(t, err, errcode.ErrInvalidCollateralCustody)
}

func TestShortLifecycle(t *testing.T) {
	m := NewManager(DefaultParams())
	sol, usdc := solCustody(), usdcCustody()
	acc := Accounts{Custody: sol, CollateralCustody: usdc, Price: px(100), CollateralPrice: px(1)}

	pos, err := m.Open(acc, OpenRequest{Owner: owner, Side: model.SideShort, Price: 99 * fixed.PricePower,
		Collateral: usd(100), Leverage: 50_000}, solana.NewWallet().PublicKey(), 1, 1_000)
	require.NoError(t, err)
	assert.Equal(t, usd(500), pos.SizeUsd)
	assert.Equal(t, usd(500), usdc.ShortPositions.LockedAmount)
	assert.Equal(t, usd(500), usdc.Assets.Locked)
	assert.Equal(t, usd(500), sol.ShortPositions.SizeUsd)
	assert.Zero(t, sol.Assets.Locked)

	acc.Price = px(90)
	s, err := m.Close(acc, pos, CloseRequest{Caller: owner}, 2_000)
	require.NoError(t, err)
	assert.Equal(t, usd(50), s.ProfitUsd)
	assert.Equal(t, uint64(500_000), s.ExitFeeUsd)
	assert.Equal(t, uint64(149_500_000), s.AmountOut)
	assert.Equal(t, usd(100_000)+usd(100)-149_500_000, usdc.Assets.Owned)
	assert.Zero(t, usdc.Assets.Locked)
	assert.Zero(t, usdc.Assets.Collateral)
	assert.Zero(t, sol.ShortPositions.OpenPositions)
	assert.Equal(t, model.PositionClosed, pos.State)
}

func TestCloseLongWithProfit(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	s, err := m.Close(longAccounts(c, 110), pos, CloseRequest{Caller: owner}, 1_060)
	require.NoError(t, err)
	assert.Equal(t, usd(100), s.ProfitUsd)
	assert.Equal(t, usd(1), s.ExitFeeUsd)
	assert.Equal(t, usd(199), s.SettledUsd)
	assert.Equal(t, uint64(1_809_090_909), s.AmountOut)

	assert.Equal(t, uint64(1_000_000_000_000+1_000_000_000-1_809_090_909), c.Assets.Owned)
	assert.Zero(t, c.Assets.Locked)
	assert.Zero(t, c.Assets.Collateral)
	assert.Zero(t, c.LongPositions.OpenPositions)
	assert.Zero(t, c.LongPositions.SizeUsd)
	assert.Equal(t, usd(1), c.CollectedFees.ClosePositionUsd)
	assert.Equal(t, usd(100), c.TradeStats.ProfitUsd)

	_, err = m.Close(longAccounts(c, 110), pos, CloseRequest{Caller: owner}, 1_070)
	assert.ErrorIs(t, err, errcode.ErrPositionAlreadyClosed)
	assert.ErrorIs(t, err, errcode.ErrInvalidPositionState)
}

func TestCloseTooYoung(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	_, err := m.Close(longAccounts(c, 100), pos, CloseRequest{Caller: owner}, 1_005)
	assert.ErrorIs(t, err, errcode.ErrPositionTooYoung)
	assert.Equal(t, model.PositionOpen, pos.State)
}

func TestCloseSlippage(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	floor := 105 * fixed.PricePower
	_, err := m.Close(longAccounts(c, 104), pos, CloseRequest{Caller: owner, Price: &floor}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrMaxPriceSlippage)
	_, err = m.Close(longAccounts(c, 106), pos, CloseRequest{Caller: owner, Price: &floor}, 1_100)
	assert.NoError(t, err)
}

func TestKeeperCloseNeedsTrigger(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	tp := 120 * fixed.PricePower

	_, err := m.Close(longAccounts(c, 125), pos, CloseRequest{Caller: keeper}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)

	assert.ErrorIs(t, m.SetTakeProfit(pos, keeper, tp, 1_050), errcode.ErrUnauthorized)
	assert.ErrorIs(t, m.SetTakeProfit(pos, owner, 90*fixed.PricePower, 1_050), errcode.ErrInvalidArgument)
	require.NoError(t, m.SetTakeProfit(pos, owner, tp, 1_050))

	_, err = m.Close(longAccounts(c, 115), pos, CloseRequest{Caller: keeper, Price: &tp}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrTriggerNotReached)

	s, err := m.Close(longAccounts(c, 125), pos, CloseRequest{Caller: keeper, Price: &tp}, 1_100)
	require.NoError(t, err)
	assert.Equal(t, usd(250), s.ProfitUsd)
}

func TestStopLossTrigger(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	sl := 95 * fixed.PricePower
	assert.ErrorIs(t, m.SetStopLoss(pos, owner, 120*fixed.PricePower, 1_010), errcode.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetStopLoss(pos, owner, pos.Price, 1_010), errcode.ErrInvalidArgument)
	assert.Nil(t, pos.StopLossLimitPrice)
	require.NoError(t, m.SetStopLoss(pos, owner, sl, 1_010))
	require.NotNil(t, pos.StopLossLimitPrice)

	_, err := m.Close(longAccounts(c, 96), pos, CloseRequest{Caller: keeper, Price: &sl}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrTriggerNotReached)

	require.NoError(t, m.CancelStopLoss(pos, owner, 1_020))
	assert.Nil(t, pos.StopLossLimitPrice)
	_, err = m.Close(longAccounts(c, 94), pos, CloseRequest{Caller: keeper, Price: &sl}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrTriggerNotReached)
}

func TestLiquidate(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	liq, err := m.QuoteLiquidationPrice(longAccounts(c, 100), pos, CollateralChange{}, 1_010)
	require.NoError(t, err)
	assert.Equal(t, uint64(911_000_000_000), liq, "mm 10 USD + exit fee 1 USD")

	_, err = m.Liquidate(longAccounts(c, 95), pos, 1_010)
	assert.ErrorIs(t, err, errcode.ErrPositionNotInLiquidationRange)

	ok, err := m.QuoteLiquidationState(longAccounts(c, 91), pos, 1_010)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := m.Liquidate(longAccounts(c, 91), pos, 1_010)
	require.NoError(t, err)
	assert.Equal(t, usd(90), s.LossUsd)
	assert.Equal(t, usd(5), s.LiquidationFeeUsd)
	assert.Equal(t, usd(1), s.ExitFeeUsd)
	assert.Equal(t, usd(4), s.SettledUsd)
	assert.Equal(t, uint64(54_945_054), s.LiquidatorReward)
	assert.Equal(t, uint64(43_956_043), s.AmountOut)
	assert.Equal(t, usd(1_000), c.VolumeStats.LiquidationUsd)
	assert.Equal(t, usd(1), c.CollectedFees.LiquidationUsd, "the liquidator's reward is not a protocol fee")
	assert.Zero(t, c.Assets.Locked)
}

func TestInterestIsCharged(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	c.BorrowRateState.CurrentRate = 1_000_000 // 0.1% per hour

	later := int64(1_000 + 10*3_600)
	q, err := m.QuotePnL(longAccounts(c, 100), pos, later)
	require.NoError(t, err)
	assert.Equal(t, usd(10), q.InterestUsd)

	s, err := m.Close(longAccounts(c, 100), pos, CloseRequest{Caller: owner}, later)
	require.NoError(t, err)
	assert.Equal(t, usd(10), s.InterestUsd)
	assert.Equal(t, usd(89), s.SettledUsd)
	assert.Equal(t, uint64(890_000_000), s.AmountOut)
	assert.Equal(t, usd(10), c.CollectedFees.BorrowUsd)
}

func TestFeeDistribution(t *testing.T) {
	c := solCustody()
	p := DefaultParams()
	p.FeeDistribution = model.FeeDistribution{LmStakingBps: 2_000, LpStakingBps: 3_000}
	m := NewManager(p)
	pos := openLong(t, m, c)

	s, err := m.Close(longAccounts(c, 100), pos, CloseRequest{Caller: owner}, 1_100)
	require.NoError(t, err)
	// 1 USD exit fee at 100 USD/SOL is 10_000_000 lamports.
	assert.Equal(t, uint64(2_000_000), s.Rewards.LmAmount)
	assert.Equal(t, uint64(3_000_000), s.Rewards.LpAmount)
	assert.Equal(t, uint64(200_000), s.LmRewardUsd)
	assert.Equal(t, uint64(300_000), s.LpRewardUsd)
	assert.Equal(t, uint64(1_000_000_000_000+1_000_000_000)-s.AmountOut-5_000_000, c.Assets.Owned)
}

func TestIncreaseWeightsEntry(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	err := m.Increase(longAccounts(c, 110), pos, IncreaseRequest{
		Price: 111 * fixed.PricePower, Collateral: 1_000_000_000, Leverage: 100_000,
	}, 1_100)
	require.NoError(t, err)
	// 1000 USD at 100 and 1100 USD at 110.
	assert.Equal(t, usd(2_100), pos.SizeUsd)
	assert.Equal(t, usd(210), pos.CollateralUsd)
	assert.Equal(t, uint64(1_052_380_952_381), pos.Price)
	assert.Equal(t, usd(2_100), c.LongPositions.SizeUsd)
	assert.Equal(t, pos.LockedAmount, c.Assets.Locked)
}

func TestIncreaseLeverageCap(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	before := *pos
	err := m.Increase(longAccounts(c, 100), pos, IncreaseRequest{
		Price: 101 * fixed.PricePower, Collateral: 1_000_000_000, Leverage: 510_000,
	}, 1_100)
	assert.ErrorIs(t, err, errcode.ErrMaxLeverage)
	assert.Equal(t, before, *pos)
}

func TestCollateralAdjustments(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	require.NoError(t, m.AddCollateral(longAccounts(c, 100), pos, 1_000_000_000, 1_010))
	assert.Equal(t, usd(200), pos.CollateralUsd)
	assert.Equal(t, uint64(2_000_000_000), c.Assets.Collateral)
	assert.Equal(t, usd(200), c.LongPositions.CollateralUsd)

	out, err := m.RemoveCollateral(longAccounts(c, 100), pos, usd(150), 1_020)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), out)
	assert.Equal(t, usd(50), pos.CollateralUsd)

	// 10 USD left is within maintenance margin plus exit fee.
	_, err = m.RemoveCollateral(longAccounts(c, 100), pos, usd(40), 1_030)
	assert.ErrorIs(t, err, errcode.ErrMaxLeverage)

	_, err = m.RemoveCollateral(longAccounts(c, 100), pos, usd(50), 1_030)
	assert.ErrorIs(t, err, errcode.ErrInvalidArgument)
}

func TestRemoveCollateralNearLiquidation(t *testing.T) {
	c := solCustody()
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)
	// At 95 the position carries a 50 USD loss; keeping 60 USD would leave
	// less than loss + maintenance margin + exit fee.
	_, err := m.RemoveCollateral(longAccounts(c, 95), pos, usd(40), 1_020)
	assert.ErrorIs(t, err, errcode.ErrMaxLeverage)
}

func TestClosedPositionErrorsJoin(t *testing.T) {
	err := requireOpen(&model.Position{State: model.PositionClosed})
	assert.True(t, errors.Is(err, errcode.ErrPositionAlreadyClosed))
	assert.True(t, errors.Is(err, errcode.ErrInvalidPositionState))
}

func TestShortStopLossSide(t *testing.T) {
	m := NewManager(DefaultParams())
	sol, usdc := solCustody(), usdcCustody()
	acc := Accounts{Custody: sol, CollateralCustody: usdc, Price: px(100), CollateralPrice: px(1)}
	pos, err := m.Open(acc, OpenRequest{Owner: owner, Side: model.SideShort, Price: 99 * fixed.PricePower,
		Collateral: usd(100), Leverage: 50_000}, solana.NewWallet().PublicKey(), 1, 1_000)
	require.NoError(t, err)

	assert.ErrorIs(t, m.SetStopLoss(pos, owner, 90*fixed.PricePower, 1_010), errcode.ErrInvalidArgument)
	require.NoError(t, m.SetStopLoss(pos, owner, 110*fixed.PricePower, 1_010))
}

func TestLeverageCapAtBoundary(t *testing.T) {
	c := solCustody()
	c.Pricing.MaxLeverage = 200_000
	m := NewManager(DefaultParams())
	pos := openLong(t, m, c)

	// One micro-dollar past 20x must not round down onto the cap.
	past := &model.Position{SizeUsd: usd(1_000), CollateralUsd: usd(50) - 1}
	lev, err := past.Leverage()
	require.NoError(t, err)
	assert.Equal(t, uint64(200_001), lev)

	before := *pos
	_, err = m.RemoveCollateral(longAccounts(c, 100), pos, usd(50)+1, 1_020)
	assert.ErrorIs(t, err, errcode.ErrMaxLeverage)
	assert.Equal(t, before, *pos)

	_, err = m.RemoveCollateral(longAccounts(c, 100), pos, usd(50), 1_020)
	require.NoError(t, err)
	bound, err := fixed.MulDiv(pos.CollateralUsd, uint64(c.Pricing.MaxLeverage), fixed.BpsPower)
	require.NoError(t, err)
	assert.LessOrEqual(t, pos.SizeUsd, bound)
}

func TestLockedAmountConservation(t *testing.T) {
	m := NewManager(DefaultParams())
	sol, usdc := solCustody(), usdcCustody()
	usdc.AllowTrade = true
	usdc.Pricing = sol.Pricing
	longAcc := Accounts{Custody: usdc, CollateralCustody: usdc, Price: px(1), CollateralPrice: px(1)}
	shortAcc := Accounts{Custody: sol, CollateralCustody: usdc, Price: px(100), CollateralPrice: px(1)}

	var positions []*model.Position
	check := func(stage string) {
		t.Helper()
		var sum uint64
		for _, p := range positions {
			if p.State == model.PositionOpen {
				sum += p.LockedAmount
			}
		}
		assert.Equal(t, sum, usdc.LongPositions.LockedAmount+usdc.ShortPositions.LockedAmount, stage)
		assert.Equal(t, sum, usdc.Assets.Locked, stage)
		assert.LessOrEqual(t, usdc.Assets.Locked, usdc.Assets.Owned, stage)
	}

	id := uint64(0)
	open := func(acc Accounts, side model.Side, limit uint64, lev uint32) {
		t.Helper()
		id++
		p, err := m.Open(acc, OpenRequest{Owner: owner, Side: side, Price: limit,
			Collateral: usd(100), Leverage: lev}, solana.NewWallet().PublicKey(), id, 1_000)
		require.NoError(t, err)
		positions = append(positions, p)
		check("open")
	}
	open(longAcc, model.SideLong, 2*fixed.PricePower, 20_000)
	open(longAcc, model.SideLong, 2*fixed.PricePower, 50_000)
	open(shortAcc, model.SideShort, 99*fixed.PricePower, 30_000)
	open(shortAcc, model.SideShort, 99*fixed.PricePower, 50_000)

	require.NoError(t, m.Increase(longAcc, positions[0], IncreaseRequest{
		Price: 2 * fixed.PricePower, Collateral: usd(50), Leverage: 30_000}, 1_050))
	check("increase long")
	require.NoError(t, m.Increase(shortAcc, positions[2], IncreaseRequest{
		Price: 99 * fixed.PricePower, Collateral: usd(50), Leverage: 20_000}, 1_050))
	check("increase short")

	for i, p := range positions {
		acc := longAcc
		if p.Side == model.SideShort {
			acc = shortAcc
		}
		_, err := m.Close(acc, p, CloseRequest{Caller: owner}, 1_100)
		require.NoError(t, err, "close %d", i)
		check("close")
	}
	assert.Zero(t, usdc.Assets.Locked)
	assert.Zero(t, usdc.LongPositions.LockedAmount)
	assert.Zero(t, usdc.ShortPositions.LockedAmount)
}
