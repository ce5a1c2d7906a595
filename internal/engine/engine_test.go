package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/staking"
	"github.com/atmx/custody-engine/internal/swap"
)

func usd(v uint64) uint64 { return v * fixed.USDPower }

type testClock struct{ now atomic.Int64 }

func (c *testClock) Now() int64 { return c.now.Load() }

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	e      *Engine
	clock  *testClock
	book   *oracle.Book
	sink   *recordingSink
	ledger *staking.Ledger
	admin  solana.PublicKey
	owner  solana.PublicKey
	keeper solana.PublicKey
	pool   *model.Pool
	sol    *model.Custody
	usdc   *model.Custody
	prices map[solana.PublicKey]int64
}

// setPrice publishes a whole-dollar price for feed at the current time.
func (f *fixture) setPrice(feed solana.PublicKey, dollars int64) {
	f.prices[feed] = dollars
	f.book.Set(oracle.RawPrice{Feed: feed, Price: dollars * 100_000_000, Exponent: -8, PublishTime: f.clock.Now()})
}

// advance moves the clock and republishes every price.
func (f *fixture) advance(seconds int64) {
	f.clock.now.Add(seconds)
	for feed, p := range f.prices {
		f.setPrice(feed, p)
	}
}

func custodyConfig(symbol string, decimals uint8, stable bool) model.Custody {
	return model.Custody{
		Mint:       solana.NewWallet().PublicKey(),
		Oracle:     solana.NewWallet().PublicKey(),
		Symbol:     symbol,
		Decimals:   decimals,
		IsStable:   stable,
		AllowSwap:  true,
		AllowTrade: true,
		Pricing: model.Pricing{
			MinInitialLeverage: 11_000,
			MaxInitialLeverage: 500_000,
			MaxLeverage:        1_000_000,
			MaxUtilization:     10_000,
		},
		Fees: model.Fees{SwapIn: 10, SwapOut: 10, StableSwapIn: 1, StableSwapOut: 1,
			AddLiquidity: 10, RemoveLiquidity: 10, ClosePosition: 10, Liquidation: 50, FeeMax: 100},
	}
}

// newFixture builds an active SOL/USDC pool seeded with 100k USD of each
// token through genesis deposits.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		clock:  &testClock{},
		book:   oracle.NewBook(),
		sink:   &recordingSink{},
		ledger: staking.NewLedger(),
		admin:  solana.NewWallet().PublicKey(),
		owner:  solana.NewWallet().PublicKey(),
		keeper: solana.NewWallet().PublicKey(),
		prices: make(map[solana.PublicKey]int64),
	}
	f.clock.now.Store(1_700_000_000)
	cortex := model.Cortex{Admin: f.admin, ProgramID: solana.NewWallet().PublicKey()}
	f.e = New(cortex, DefaultConfig(), f.book,
		WithClock(f.clock), WithSink(f.sink), WithRewards(f.ledger), WithGovernance(f.ledger))

	p, err := f.e.AddPool(ctx, f.admin, PoolParams{Name: "main", GenesisLpLimit: usd(1_000_000)})
	require.NoError(t, err)
	sol, err := f.e.AddCustody(ctx, f.admin, p.Address, custodyConfig("SOL", 9, false),
		[]model.TokenRatios{{Target: 10_000, Max: 10_000}})
	require.NoError(t, err)
	usdc, err := f.e.AddCustody(ctx, f.admin, p.Address, custodyConfig("USDC", 6, true),
		[]model.TokenRatios{{Target: 5_000, Max: 10_000}, {Target: 5_000, Max: 10_000}})
	require.NoError(t, err)
	f.setPrice(sol.Oracle, 100)
	f.setPrice(usdc.Oracle, 1)

	_, err = f.e.AddGenesisLiquidity(ctx, LiquidityRequest{Pool: p.Address, Custody: sol.Address, Owner: f.owner, Amount: 1_000_000_000_000})
	require.NoError(t, err)
	_, err = f.e.AddGenesisLiquidity(ctx, LiquidityRequest{Pool: p.Address, Custody: usdc.Address, Owner: f.owner, Amount: usd(100_000)})
	require.NoError(t, err)
	require.NoError(t, f.e.SetPoolLiquidityState(ctx, f.admin, p.Address, model.Active))

	f.pool, err = f.e.Pool(p.Address)
	require.NoError(t, err)
	f.sol, f.usdc = sol, usdc
	return f
}

func (f *fixture) custody(t *testing.T, addr solana.PublicKey) *model.Custody {
	t.Helper()
	c, err := f.e.Custody(addr)
	require.NoError(t, err)
	return c
}

func (f *fixture) openLong(t *testing.T) *model.Position {
	t.Helper()
	pos, err := f.e.OpenPosition(context.Background(), OpenPositionRequest{
		Pool: f.pool.Address, Custody: f.sol.Address, CollateralCustody: f.sol.Address,
		OpenRequest: position.OpenRequest{
			Owner:      f.owner,
			Side:       model.SideLong,
			Price:      101 * fixed.PricePower,
			Collateral: 1_000_000_000,
			Leverage:   100_000,
		},
	})
	require.NoError(t, err)
	return pos
}

func TestGenesisBootstrap(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, usd(200_000), f.pool.LpTokenSupply)
	assert.Equal(t, usd(200_000), f.pool.GenesisLpMinted)
	assert.Equal(t, model.Active, f.pool.LiquidityState)

	locks := f.e.GenesisLocks(f.owner)
	require.Len(t, locks, 1)
	assert.Equal(t, usd(200_000), locks[0].LpAmount)

	_, err := f.e.AddGenesisLiquidity(context.Background(),
		LiquidityRequest{Pool: f.pool.Address, Custody: f.usdc.Address, Owner: f.owner, Amount: usd(10)})
	assert.ErrorIs(t, err, errcode.ErrInvalidPoolLiquidityState)
}

func TestAdminRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := solana.NewWallet().PublicKey()

	_, err := f.e.AddPool(ctx, stranger, PoolParams{Name: "other"})
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)
	assert.ErrorIs(t, f.e.SetPoolAumSoftCap(ctx, stranger, f.pool.Address, usd(1)), errcode.ErrUnauthorized)
	assert.ErrorIs(t, f.e.SetCustodyFlags(ctx, stranger, f.sol.Address, CustodyFlags{}), errcode.ErrUnauthorized)

	next := solana.NewWallet().PublicKey()
	require.NoError(t, f.e.SetAdmin(ctx, f.admin, next))
	assert.ErrorIs(t, f.e.SetProtocolFeeRecipient(ctx, f.admin, next), errcode.ErrUnauthorized)
	assert.NoError(t, f.e.SetProtocolFeeRecipient(ctx, next, next))
	assert.Equal(t, next, f.e.Cortex().ProtocolFeeRecipient)
	assert.Contains(t, f.sink.types(), model.EventAdmin)
}

func TestAdminConfigValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.e.AddPool(ctx, f.admin, PoolParams{Name: "main"})
	assert.ErrorIs(t, err, errcode.ErrInvalidPoolConfig, "duplicate name")
	_, err = f.e.AddPool(ctx, f.admin, PoolParams{Name: "a-pool-name-well-beyond-the-seed-limit"})
	assert.ErrorIs(t, err, errcode.ErrInvalidArgument)

	dup := custodyConfig("SOL", 9, false)
	dup.Mint = f.sol.Mint
	_, err = f.e.AddCustody(ctx, f.admin, f.pool.Address, dup,
		[]model.TokenRatios{{Target: 4_000, Max: 10_000}, {Target: 3_000, Max: 10_000}, {Target: 3_000, Max: 10_000}})
	assert.ErrorIs(t, err, errcode.ErrInvalidCustodyConfig)

	_, err = f.e.AddCustody(ctx, f.admin, f.pool.Address, custodyConfig("ETH", 8, false),
		[]model.TokenRatios{{Target: 10_000, Max: 10_000}})
	assert.ErrorIs(t, err, errcode.ErrInvalidPoolConfig)

	bad := custodyConfig("ETH", 8, false)
	bad.Pricing.MaxInitialLeverage = 2_000_000
	_, err = f.e.AddCustody(ctx, f.admin, f.pool.Address, bad,
		[]model.TokenRatios{{Target: 4_000, Max: 10_000}, {Target: 3_000, Max: 10_000}, {Target: 3_000, Max: 10_000}})
	assert.ErrorIs(t, err, errcode.ErrInvalidCustodyConfig)

	assert.ErrorIs(t, f.e.SetPoolRatios(ctx, f.admin, f.pool.Address, []model.TokenRatios{{Target: 10_000, Max: 10_000}}),
		errcode.ErrInvalidPoolConfig)

	pricing := f.sol.Pricing
	pricing.MinInitialLeverage = 5_000
	assert.ErrorIs(t, f.e.SetCustodyPricing(ctx, f.admin, f.sol.Address, pricing), errcode.ErrInvalidCustodyConfig)
	assert.Equal(t, f.sol.Pricing, f.custody(t, f.sol.Address).Pricing, "rejected config is not applied")

	assert.ErrorIs(t, f.e.RemoveCustody(ctx, f.admin, f.sol.Address, []model.TokenRatios{{Target: 10_000, Max: 10_000}}),
		errcode.ErrCustodyInUse)
}

func TestAddAndRemoveEmptyCustody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	three := []model.TokenRatios{{Target: 4_000, Max: 10_000}, {Target: 4_000, Max: 10_000}, {Target: 2_000, Max: 10_000}}
	eth, err := f.e.AddCustody(ctx, f.admin, f.pool.Address, custodyConfig("ETH", 8, false), three)
	require.NoError(t, err)
	assert.Equal(t, f.pool.Address, eth.Pool)

	p, err := f.e.Pool(f.pool.Address)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CustodyIndex(eth.Address))

	two := []model.TokenRatios{{Target: 5_000, Max: 10_000}, {Target: 5_000, Max: 10_000}}
	require.NoError(t, f.e.RemoveCustody(ctx, f.admin, eth.Address, two))
	_, err = f.e.Custody(eth.Address)
	assert.ErrorIs(t, err, errcode.ErrCustodyNotFound)
	p, err = f.e.Pool(f.pool.Address)
	require.NoError(t, err)
	assert.Len(t, p.Custodies, 2)
}

func TestOpenAndClosePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)

	assert.Equal(t, uint64(1), pos.ID)
	assert.Equal(t, usd(1_000), pos.SizeUsd)
	assert.Len(t, f.e.Positions(f.owner), 1)
	assert.Empty(t, f.e.Positions(f.keeper))

	_, err := f.e.OpenPosition(ctx, OpenPositionRequest{
		Pool: f.pool.Address, Custody: f.sol.Address, CollateralCustody: f.sol.Address,
		OpenRequest: position.OpenRequest{Owner: f.owner, Side: model.SideLong,
			Price: 101 * fixed.PricePower, Collateral: 1_000_000_000, Leverage: 100_000},
	})
	assert.ErrorIs(t, err, errcode.ErrInvalidPositionState, "one position per address")
	assert.Equal(t, uint64(1), f.e.Cortex().PositionIDCounter)

	_, err = f.e.ClosePosition(ctx, pos.Address, position.CloseRequest{Caller: f.owner})
	assert.ErrorIs(t, err, errcode.ErrPositionTooYoung)

	f.advance(20)
	q, err := f.e.QuoteExit(pos.Address)
	require.NoError(t, err)
	s, err := f.e.ClosePosition(ctx, pos.Address, position.CloseRequest{Caller: f.owner})
	require.NoError(t, err)
	assert.Equal(t, q.AmountOut, s.AmountOut)
	assert.Equal(t, usd(1), s.ExitFeeUsd)

	_, err = f.e.Position(pos.Address)
	assert.ErrorIs(t, err, errcode.ErrPositionNotFound)
	assert.ErrorIs(t, err, errcode.ErrInvalidPositionState)

	sol := f.custody(t, f.sol.Address)
	assert.Zero(t, sol.Assets.Collateral)
	assert.Zero(t, sol.Assets.Locked)
	assert.Zero(t, sol.LongPositions.OpenPositions)
	assert.Equal(t, []model.EventType{model.EventOpenPosition, model.EventClosePosition},
		f.sink.types()[len(f.sink.types())-2:])
}

func TestConcurrentClosesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	f.advance(20)

	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		errs    = make(chan error, 8)
		request = position.CloseRequest{Caller: f.owner}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.e.ClosePosition(context.Background(), pos.Address, request); err != nil {
				errs <- err
				return
			}
			wins.Add(1)
		}()
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), wins.Load())
	for err := range errs {
		assert.ErrorIs(t, err, errcode.ErrInvalidPositionState)
		assert.True(t, errors.Is(err, errcode.ErrPositionNotFound) || errors.Is(err, errcode.ErrPositionAlreadyClosed), err)
	}
}

func TestLiquidationAfterPriceDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)

	ok, err := f.e.QuoteLiquidationState(pos.Address)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.e.LiquidatePosition(ctx, pos.Address, f.keeper)
	assert.ErrorIs(t, err, errcode.ErrPositionNotInLiquidationRange)

	f.setPrice(f.sol.Oracle, 91)
	ok, err = f.e.QuoteLiquidationState(pos.Address)
	require.NoError(t, err)
	assert.True(t, ok)
	s, err := f.e.LiquidatePosition(ctx, pos.Address, f.keeper)
	require.NoError(t, err)
	assert.NotZero(t, s.LiquidatorReward)
	assert.Empty(t, f.e.Positions(solana.PublicKey{}))
	assert.Contains(t, f.sink.types(), model.EventLiquidatePosition)
}

func TestTriggersAllowKeeperClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openLong(t)
	f.advance(20)

	tp := 110 * fixed.PricePower
	assert.ErrorIs(t, f.e.SetTakeProfit(ctx, pos.Address, f.keeper, tp), errcode.ErrUnauthorized)
	require.NoError(t, f.e.SetTakeProfit(ctx, pos.Address, f.owner, tp))

	_, err := f.e.ClosePosition(ctx, pos.Address, position.CloseRequest{Caller: f.keeper, Price: &tp})
	assert.ErrorIs(t, err, errcode.ErrTriggerNotReached)

	f.setPrice(f.sol.Oracle, 111)
	s, err := f.e.ClosePosition(ctx, pos.Address, position.CloseRequest{Caller: f.keeper, Price: &tp})
	require.NoError(t, err)
	assert.NotZero(t, s.ProfitUsd)
}

func TestSwapAndLiquidity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SwapRequest{Pool: f.pool.Address, ReceivingCustody: f.sol.Address, DispensingCustody: f.usdc.Address,
		Owner: f.owner, SwapRequest: swap.SwapRequest{AmountIn: 1_000_000_000}}

	q, err := f.e.QuoteSwap(req)
	require.NoError(t, err)
	res, err := f.e.Swap(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, q.AmountOut, res.AmountOut)
	assert.Equal(t, usd(100_000)-res.AmountOut-res.RewardsOut.Total(), f.custody(t, f.usdc.Address).Assets.Owned)

	add, err := f.e.AddLiquidity(ctx, LiquidityRequest{Pool: f.pool.Address, Custody: f.usdc.Address, Owner: f.owner, Amount: usd(1_000)})
	require.NoError(t, err)
	assert.NotZero(t, add.LpAmount)
	rm, err := f.e.RemoveLiquidity(ctx, LiquidityRequest{Pool: f.pool.Address, Custody: f.usdc.Address, Owner: f.owner, Amount: add.LpAmount})
	require.NoError(t, err)
	assert.Less(t, rm.Amount, usd(1_000), "fees are charged both ways")

	aum, err := f.e.UpdatePoolAum(ctx, f.pool.Address)
	require.NoError(t, err)
	view, err := f.e.PoolAum(f.pool.Address)
	require.NoError(t, err)
	assert.Equal(t, aum.AumUsd, view.AumUsd)
	assert.Contains(t, f.sink.types(), model.EventUpdatePoolAum)
}

func TestStalePriceRejectsPoolInstructions(t *testing.T) {
	f := newFixture(t)
	f.clock.now.Add(120)
	_, err := f.e.UpdatePoolAum(context.Background(), f.pool.Address)
	assert.ErrorIs(t, err, errcode.ErrStaleOraclePrice)
}

func TestOpenPositionWithSwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := OpenWithSwapRequest{
		OpenPositionRequest: OpenPositionRequest{
			Pool: f.pool.Address, Custody: f.sol.Address, CollateralCustody: f.usdc.Address,
			OpenRequest: position.OpenRequest{Owner: f.owner, Side: model.SideShort,
				Price: 99 * fixed.PricePower, Leverage: 50_000},
		},
		ReceivingCustody: f.sol.Address,
		AmountIn:         1_000_000_000,
	}

	bad := req
	bad.Leverage = 10_000_000
	_, err := f.e.OpenPositionWithSwap(ctx, bad)
	assert.ErrorIs(t, err, errcode.ErrMaxLeverage)
	assert.Equal(t, uint64(1_000_000_000_000), f.custody(t, f.sol.Address).Assets.Owned, "failed open rolls back the swap")

	pos, err := f.e.OpenPositionWithSwap(ctx, req)
	require.NoError(t, err)
	usdc := f.custody(t, f.usdc.Address)
	assert.Equal(t, pos.CollateralAmount, usdc.Assets.Collateral)
	assert.Equal(t, model.SideShort, pos.Side)
	types := f.sink.types()
	assert.Equal(t, []model.EventType{model.EventSwap, model.EventOpenPosition}, types[len(types)-2:])
}

func TestExportRestore(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong(t)
	st := f.e.Export()
	require.Len(t, st.Positions, 1)

	other := New(model.Cortex{}, DefaultConfig(), f.book, WithClock(f.clock))
	require.NoError(t, other.Restore(st))
	got, err := other.Position(pos.Address)
	require.NoError(t, err)
	assert.Equal(t, pos.SizeUsd, got.SizeUsd)
	assert.Equal(t, st.Cortex, other.Cortex())
	assert.Equal(t, st.Pools, other.Pools())

	st.Pools = nil
	assert.ErrorIs(t, other.Restore(st), errcode.ErrPoolNotFound)
	_, err = other.Position(pos.Address)
	assert.NoError(t, err, "failed restore keeps the previous state")
}

func TestLockedStakes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.e.AddLockedStake(ctx, f.owner, 500, staking.MinLockDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ID)
	assert.Equal(t, uint64(500), f.ledger.Balance(f.owner))

	_, err = f.e.RemoveLockedStake(ctx, f.owner, s.ID)
	assert.ErrorIs(t, err, errcode.ErrLockedStakeNotReleasable)
	_, err = f.e.AddLockedStake(ctx, f.owner, 500, 1)
	assert.ErrorIs(t, err, errcode.ErrInvalidArgument)
	assert.Equal(t, uint64(1), f.e.Cortex().LockedStakeIDCounter)

	f.clock.now.Add(staking.MinLockDuration)
	_, err = f.e.RemoveLockedStake(ctx, f.keeper, s.ID)
	assert.ErrorIs(t, err, errcode.ErrUnauthorized)
	_, err = f.e.RemoveLockedStake(ctx, f.owner, s.ID)
	require.NoError(t, err)
	assert.Zero(t, f.ledger.Balance(f.owner))
	assert.Empty(t, f.e.LockedStakes(f.owner))
	_, err = f.e.RemoveLockedStake(ctx, f.owner, s.ID)
	assert.ErrorIs(t, err, errcode.ErrLockedStakeNotFound)
}

func TestFeeDistributionCreditsRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := model.FeeDistribution{LmStakingBps: 2_000, LpStakingBps: 3_000}
	assert.ErrorIs(t, f.e.SetFeeDistribution(ctx, f.keeper, d), errcode.ErrUnauthorized)
	require.NoError(t, f.e.SetFeeDistribution(ctx, f.admin, d))

	_, err := f.e.Swap(ctx, SwapRequest{Pool: f.pool.Address, ReceivingCustody: f.sol.Address,
		DispensingCustody: f.usdc.Address, Owner: f.owner, SwapRequest: swap.SwapRequest{AmountIn: 10_000_000_000}})
	require.NoError(t, err)
	assert.NotZero(t, f.ledger.Rewards(staking.LmStakingRewardTokenVault))
	assert.NotZero(t, f.ledger.Rewards(staking.LpStakingRewardTokenVault))
}
