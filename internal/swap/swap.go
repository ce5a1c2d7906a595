// Package swap moves tokens between a pool and its users: swaps between
// two custodies, liquidity deposits and withdrawals against the LP token,
// and genesis deposits while the pool bootstraps.
//
// Like position transitions, every operation computes on clones and
// commits only when it fully succeeds. Quote variants run the same code
// and discard the result.
package swap

import (
	"github.com/atmx/custody-engine/internal/custody"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fees"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pool"
)

// Params are the protocol-wide swap rules.
type Params struct {
	// MaxPriceDeviationBps bounds how far the receiving custody's oracle
	// may sit from a caller-supplied reference price.
	MaxPriceDeviationBps uint64                `mapstructure:"max_price_deviation_bps"`
	FeeDistribution      model.FeeDistribution `mapstructure:"fee_distribution"`
}

// DefaultParams allows a 1% deviation from a reference price.
func DefaultParams() Params {
	return Params{MaxPriceDeviationBps: 100}
}

// Engine applies swap and liquidity operations.
type Engine struct {
	params Params
}

func New(p Params) *Engine {
	return &Engine{params: p}
}

// SwapRequest swaps AmountIn of the receiving custody's token for the
// dispensing custody's token.
type SwapRequest struct {
	AmountIn     uint64 `json:"amount_in"`
	MinAmountOut uint64 `json:"min_amount_out"`
	// ReferencePrice, when set, is the caller's view of the receiving
	// token's price.
	ReferencePrice *uint64 `json:"reference_price,omitempty"`
}

// SwapResult is the outcome of a swap.
type SwapResult struct {
	AmountOut uint64 `json:"amount_out"`
	FeeIn     uint64 `json:"fee_in"`
	FeeOut    uint64 `json:"fee_out"`
	FeeInUsd  uint64 `json:"fee_in_usd"`
	FeeOutUsd uint64 `json:"fee_out_usd"`
	// RewardsIn and RewardsOut are the staking shares of each fee, in the
	// fee's token.
	RewardsIn   fees.RewardShares `json:"-"`
	RewardsOut  fees.RewardShares `json:"-"`
	LmRewardUsd uint64            `json:"lm_reward_usd"`
	LpRewardUsd uint64            `json:"lp_reward_usd"`
	AumUsd      uint64            `json:"aum_usd"`
}

// LiquidityResult is the outcome of a deposit or withdrawal.
type LiquidityResult struct {
	// Amount is the token amount paid in or out.
	Amount      uint64            `json:"amount"`
	LpAmount    uint64            `json:"lp_amount"`
	Fee         uint64            `json:"fee"`
	FeeUsd      uint64            `json:"fee_usd"`
	Rewards     fees.RewardShares `json:"-"`
	LmRewardUsd uint64            `json:"lm_reward_usd"`
	LpRewardUsd uint64            `json:"lp_reward_usd"`
	AumUsd      uint64            `json:"aum_usd"`
}

// Accounts are the pool and every custody it holds, in pool order, with
// their prices.
type Accounts struct {
	Pool   *model.Pool
	Assets []pool.Asset
}

func (a Accounts) index(c *model.Custody) (int, error) {
	i := a.Pool.CustodyIndex(c.Address)
	if i < 0 || i >= len(a.Assets) || a.Assets[i].Custody != c {
		return 0, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s not in pool %s", c.Address, a.Pool.Name)
	}
	return i, nil
}

func (a Accounts) clone() Accounts {
	out := Accounts{Pool: a.Pool.Clone(), Assets: make([]pool.Asset, len(a.Assets))}
	for i, as := range a.Assets {
		out.Assets[i] = pool.Asset{Custody: as.Custody.Clone(), Price: as.Price}
	}
	return out
}

func (a Accounts) commit(work Accounts) {
	*a.Pool = *work.Pool
	for i := range a.Assets {
		*a.Assets[i].Custody = *work.Assets[i].Custody
	}
}

// feeBps is the ratio-adjusted rate of an operation moving custody i from
// values[i] to newValue.
func feeBps(a Accounts, i int, base uint64, values []uint64, total, newValue uint64) (uint64, error) {
	oldBps, err := pool.ShareBps(values[i], total)
	if err != nil {
		return 0, err
	}
	newTotal, err := fixed.Add(fixed.SaturatingSub(total, values[i]), newValue)
	if err != nil {
		return 0, err
	}
	newBps, err := pool.ShareBps(newValue, newTotal)
	if err != nil {
		return 0, err
	}
	var r model.TokenRatios
	if i < len(a.Pool.Ratios) {
		r = a.Pool.Ratios[i]
	}
	return fees.RatioAdjustedBps(base, a.Assets[i].Custody.Fees.FeeMax, r, oldBps, newBps), nil
}

func rewardUsd(c *model.Custody, r fees.RewardShares, price uint64) (lm, lp uint64, err error) {
	if lm, err = fixed.TokenToUSD(r.LmAmount, c.Decimals, price); err != nil {
		return 0, 0, err
	}
	lp, err = fixed.TokenToUSD(r.LpAmount, c.Decimals, price)
	return lm, lp, err
}

func accrueAll(a Accounts, now int64) error {
	for _, as := range a.Assets {
		if _, err := custody.AccrueInterest(as.Custody, now); err != nil {
			return err
		}
	}
	return nil
}

// refresh recomputes borrow rates after owned balances moved, then the
// pool AUM.
func refresh(a Accounts, now int64) (uint64, error) {
	for _, as := range a.Assets {
		if err := custody.RefreshBorrowRate(as.Custody); err != nil {
			return 0, err
		}
	}
	aum, err := pool.ComputeAUM(a.Assets, pool.AumLast, now)
	if err != nil {
		return 0, err
	}
	pool.UpdateAUM(a.Pool, aum, now)
	return aum, nil
}

// --- Swap ---

// Swap exchanges tokens of in for tokens of out.
func (e *Engine) Swap(a Accounts, in, out *model.Custody, req SwapRequest, now int64) (*SwapResult, error) {
	res, work, err := e.swap(a, in, out, req, now)
	if err != nil {
		return nil, err
	}
	a.commit(work)
	return res, nil
}

// QuoteSwap computes Swap without mutating anything.
func (e *Engine) QuoteSwap(a Accounts, in, out *model.Custody, req SwapRequest, now int64) (*SwapResult, error) {
	res, _, err := e.swap(a, in, out, req, now)
	return res, err
}

func (e *Engine) swap(a Accounts, in, out *model.Custody, req SwapRequest, now int64) (*SwapResult, Accounts, error) {
	if err := pool.RequireState(a.Pool, model.Active); err != nil {
		return nil, Accounts{}, err
	}
	if in.Address.Equals(out.Address) {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInvalidArgument, "swap within one custody")
	}
	if !in.AllowSwap || !out.AllowSwap {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInstructionNotAllowed, "swap disabled for %s/%s", in.Symbol, out.Symbol)
	}
	if req.AmountIn == 0 {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInvalidArgument, "amount in must be positive")
	}
	ii, err := a.index(in)
	if err != nil {
		return nil, Accounts{}, err
	}
	oi, err := a.index(out)
	if err != nil {
		return nil, Accounts{}, err
	}
	inPrice, outPrice := a.Assets[ii].Price, a.Assets[oi].Price
	if req.ReferencePrice != nil {
		if err := e.checkDeviation(inPrice.Price, *req.ReferencePrice); err != nil {
			return nil, Accounts{}, err
		}
	}

	stable := in.IsStable && out.IsStable
	values, total, err := pool.Values(a.Assets)
	if err != nil {
		return nil, Accounts{}, err
	}
	usdIn, err := fixed.TokenToUSD(req.AmountIn, in.Decimals, inPrice.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	inValue, err := fixed.Add(values[ii], usdIn)
	if err != nil {
		return nil, Accounts{}, err
	}
	bpsIn, err := feeBps(a, ii, fees.SwapBps(in.Fees, fees.SwapIn, stable), values, total, inValue)
	if err != nil {
		return nil, Accounts{}, err
	}
	res := &SwapResult{}
	if res.FeeIn, err = fixed.BpsOfCeil(req.AmountIn, bpsIn); err != nil {
		return nil, Accounts{}, err
	}
	netUsd, err := fixed.TokenToUSD(req.AmountIn-res.FeeIn, in.Decimals, inPrice.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	outMax, err := outPrice.Max()
	if err != nil {
		return nil, Accounts{}, err
	}
	gross, err := fixed.USDToToken(netUsd, out.Decimals, outMax)
	if err != nil {
		return nil, Accounts{}, err
	}
	outValue := fixed.SaturatingSub(values[oi], netUsd)
	bpsOut, err := feeBps(a, oi, fees.SwapBps(out.Fees, fees.SwapOut, stable), values, total, outValue)
	if err != nil {
		return nil, Accounts{}, err
	}
	if res.FeeOut, err = fixed.BpsOfCeil(gross, bpsOut); err != nil {
		return nil, Accounts{}, err
	}
	res.AmountOut = fixed.SaturatingSub(gross, res.FeeOut)
	if res.AmountOut == 0 || res.AmountOut < req.MinAmountOut {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInsufficientAmountReturned,
			"amount out %d below minimum %d", res.AmountOut, req.MinAmountOut)
	}

	if err := pool.CheckMove(a.Pool, ii, values, total, inValue); err != nil {
		return nil, Accounts{}, err
	}
	if err := pool.CheckMove(a.Pool, oi, values, total, outValue); err != nil {
		return nil, Accounts{}, err
	}

	if res.FeeInUsd, err = fixed.TokenToUSD(res.FeeIn, in.Decimals, inPrice.Min()); err != nil {
		return nil, Accounts{}, err
	}
	if res.FeeOutUsd, err = fixed.TokenToUSD(res.FeeOut, out.Decimals, outPrice.Min()); err != nil {
		return nil, Accounts{}, err
	}
	if res.RewardsIn, err = fees.Split(res.FeeIn, e.params.FeeDistribution); err != nil {
		return nil, Accounts{}, err
	}
	if res.RewardsOut, err = fees.Split(res.FeeOut, e.params.FeeDistribution); err != nil {
		return nil, Accounts{}, err
	}
	lmIn, lpIn, err := rewardUsd(in, res.RewardsIn, inPrice.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	lmOut, lpOut, err := rewardUsd(out, res.RewardsOut, outPrice.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	res.LmRewardUsd, res.LpRewardUsd = lmIn+lmOut, lpIn+lpOut

	work := a.clone()
	if err := accrueAll(work, now); err != nil {
		return nil, Accounts{}, err
	}
	wi, wo := work.Assets[ii].Custody, work.Assets[oi].Custody
	if err := custody.Deposit(wi, req.AmountIn-res.RewardsIn.Total()); err != nil {
		return nil, Accounts{}, err
	}
	if err := custody.Withdraw(wo, res.AmountOut+res.RewardsOut.Total()); err != nil {
		return nil, Accounts{}, err
	}
	custody.Bump(&wi.VolumeStats.SwapUsd, usdIn)
	custody.Bump(&wo.VolumeStats.SwapUsd, netUsd)
	custody.Bump(&wi.CollectedFees.SwapUsd, res.FeeInUsd)
	custody.Bump(&wo.CollectedFees.SwapUsd, res.FeeOutUsd)
	if res.AumUsd, err = refresh(work, now); err != nil {
		return nil, Accounts{}, err
	}
	return res, work, nil
}

func (e *Engine) checkDeviation(current, reference uint64) error {
	if reference == 0 {
		return errcode.Wrap(errcode.ErrInvalidArgument, "reference price must be positive")
	}
	diff := current - reference
	if reference > current {
		diff = reference - current
	}
	dev, err := fixed.MulDiv(diff, fixed.BpsPower, reference)
	if err != nil {
		return err
	}
	if dev > e.params.MaxPriceDeviationBps {
		return errcode.Wrap(errcode.ErrMaxPriceSlippage,
			"oracle %d deviates %d bps from reference %d", current, dev, reference)
	}
	return nil
}

// --- Liquidity ---

// AddLiquidity deposits amountIn of c's token and mints LP tokens.
func (e *Engine) AddLiquidity(a Accounts, c *model.Custody, amountIn, minLpOut uint64, now int64) (*LiquidityResult, error) {
	res, work, err := e.addLiquidity(a, c, amountIn, minLpOut, now)
	if err != nil {
		return nil, err
	}
	a.commit(work)
	return res, nil
}

// QuoteAddLiquidity computes AddLiquidity without mutating anything.
func (e *Engine) QuoteAddLiquidity(a Accounts, c *model.Custody, amountIn uint64, now int64) (*LiquidityResult, error) {
	res, _, err := e.addLiquidity(a, c, amountIn, 0, now)
	return res, err
}

func (e *Engine) addLiquidity(a Accounts, c *model.Custody, amountIn, minLpOut uint64, now int64) (*LiquidityResult, Accounts, error) {
	if err := pool.RequireState(a.Pool, model.Active); err != nil {
		return nil, Accounts{}, err
	}
	if amountIn == 0 {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInvalidArgument, "amount in must be positive")
	}
	i, err := a.index(c)
	if err != nil {
		return nil, Accounts{}, err
	}
	price := a.Assets[i].Price
	aum, err := pool.ComputeAUM(a.Assets, pool.AumMax, now)
	if err != nil {
		return nil, Accounts{}, err
	}
	values, total, err := pool.Values(a.Assets)
	if err != nil {
		return nil, Accounts{}, err
	}
	usdIn, err := fixed.TokenToUSD(amountIn, c.Decimals, price.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	newValue, err := fixed.Add(values[i], usdIn)
	if err != nil {
		return nil, Accounts{}, err
	}
	bps, err := feeBps(a, i, fees.LiquidityBps(c.Fees, fees.AddLiquidity), values, total, newValue)
	if err != nil {
		return nil, Accounts{}, err
	}
	res := &LiquidityResult{Amount: amountIn}
	if res.Fee, err = fixed.BpsOfCeil(amountIn, bps); err != nil {
		return nil, Accounts{}, err
	}
	netUsd, err := fixed.TokenToUSD(amountIn-res.Fee, c.Decimals, price.Min())
	if err != nil {
		return nil, Accounts{}, err
	}
	if res.LpAmount, err = pool.LpForDeposit(netUsd, aum, a.Pool.LpTokenSupply); err != nil {
		return nil, Accounts{}, err
	}
	if res.LpAmount == 0 || res.LpAmount < minLpOut {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInsufficientAmountReturned,
			"lp out %d below minimum %d", res.LpAmount, minLpOut)
	}
	after, err := fixed.Add(aum, usdIn)
	if err != nil {
		return nil, Accounts{}, err
	}
	if err := pool.CheckSoftCap(a.Pool, after); err != nil {
		return nil, Accounts{}, err
	}
	if err := pool.CheckMove(a.Pool, i, values, total, newValue); err != nil {
		return nil, Accounts{}, err
	}
	if err := e.feeShares(c, price.Min(), res); err != nil {
		return nil, Accounts{}, err
	}

	work := a.clone()
	if err := accrueAll(work, now); err != nil {
		return nil, Accounts{}, err
	}
	wc := work.Assets[i].Custody
	if err := custody.Deposit(wc, amountIn-res.Rewards.Total()); err != nil {
		return nil, Accounts{}, err
	}
	if work.Pool.LpTokenSupply, err = fixed.Add(work.Pool.LpTokenSupply, res.LpAmount); err != nil {
		return nil, Accounts{}, err
	}
	custody.Bump(&wc.VolumeStats.AddLiquidityUsd, usdIn)
	custody.Bump(&wc.CollectedFees.AddLiquidityUsd, res.FeeUsd)
	if res.AumUsd, err = refresh(work, now); err != nil {
		return nil, Accounts{}, err
	}
	return res, work, nil
}

// RemoveLiquidity burns lpAmount and pays out c's token.
func (e *Engine) RemoveLiquidity(a Accounts, c *model.Custody, lpAmount, minAmountOut uint64, now int64) (*LiquidityResult, error) {
	res, work, err := e.removeLiquidity(a, c, lpAmount, minAmountOut, now)
	if err != nil {
		return nil, err
	}
	a.commit(work)
	return res, nil
}

// QuoteRemoveLiquidity computes RemoveLiquidity without mutating anything.
func (e *Engine) QuoteRemoveLiquidity(a Accounts, c *model.Custody, lpAmount uint64, now int64) (*LiquidityResult, error) {
	res, _, err := e.removeLiquidity(a, c, lpAmount, 0, now)
	return res, err
}

func (e *Engine) removeLiquidity(a Accounts, c *model.Custody, lpAmount, minAmountOut uint64, now int64) (*LiquidityResult, Accounts, error) {
	if err := pool.RequireState(a.Pool, model.Active); err != nil {
		return nil, Accounts{}, err
	}
	if lpAmount == 0 {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInvalidArgument, "lp amount must be positive")
	}
	i, err := a.index(c)
	if err != nil {
		return nil, Accounts{}, err
	}
	price := a.Assets[i].Price
	aum, err := pool.ComputeAUM(a.Assets, pool.AumMin, now)
	if err != nil {
		return nil, Accounts{}, err
	}
	usdOut, err := pool.UsdForLp(lpAmount, aum, a.Pool.LpTokenSupply)
	if err != nil {
		return nil, Accounts{}, err
	}
	maxPrice, err := price.Max()
	if err != nil {
		return nil, Accounts{}, err
	}
	gross, err := fixed.USDToToken(usdOut, c.Decimals, maxPrice)
	if err != nil {
		return nil, Accounts{}, err
	}
	values, total, err := pool.Values(a.Assets)
	if err != nil {
		return nil, Accounts{}, err
	}
	newValue := fixed.SaturatingSub(values[i], usdOut)
	bps, err := feeBps(a, i, fees.LiquidityBps(c.Fees, fees.RemoveLiquidity), values, total, newValue)
	if err != nil {
		return nil, Accounts{}, err
	}
	res := &LiquidityResult{LpAmount: lpAmount}
	if res.Fee, err = fixed.BpsOfCeil(gross, bps); err != nil {
		return nil, Accounts{}, err
	}
	res.Amount = fixed.SaturatingSub(gross, res.Fee)
	if res.Amount == 0 || res.Amount < minAmountOut {
		return nil, Accounts{}, errcode.Wrap(errcode.ErrInsufficientAmountReturned,
			"amount out %d below minimum %d", res.Amount, minAmountOut)
	}
	if err := e.feeShares(c, price.Min(), res); err != nil {
		return nil, Accounts{}, err
	}
	// The retained part of the fee stays in the custody.
	leaving, err := fixed.TokenToUSD(res.Amount+res.Rewards.Total(), c.Decimals, price.Price)
	if err != nil {
		return nil, Accounts{}, err
	}
	if err := pool.CheckMove(a.Pool, i, values, total, fixed.SaturatingSub(values[i], leaving)); err != nil {
		return nil, Accounts{}, err
	}

	work := a.clone()
	if err := accrueAll(work, now); err != nil {
		return nil, Accounts{}, err
	}
	wc := work.Assets[i].Custody
	if err := custody.Withdraw(wc, res.Amount+res.Rewards.Total()); err != nil {
		return nil, Accounts{}, err
	}
	work.Pool.LpTokenSupply -= lpAmount
	custody.Bump(&wc.VolumeStats.RemoveLiquidityUsd, usdOut)
	custody.Bump(&wc.CollectedFees.RemoveLiquidityUsd, res.FeeUsd)
	if res.AumUsd, err = refresh(work, now); err != nil {
		return nil, Accounts{}, err
	}
	return res, work, nil
}

func (e *Engine) feeShares(c *model.Custody, price uint64, res *LiquidityResult) error {
	var err error
	if res.FeeUsd, err = fixed.TokenToUSD(res.Fee, c.Decimals, price); err != nil {
		return err
	}
	if res.Rewards, err = fees.Split(res.Fee, e.params.FeeDistribution); err != nil {
		return err
	}
	res.LmRewardUsd, res.LpRewardUsd, err = rewardUsd(c, res.Rewards, price)
	return err
}

// AddGenesisLiquidity is the bootstrap deposit: no fee, no ratio check, and
// LP minted 1:1 with the deposit's USD value up to the genesis limit.
func (e *Engine) AddGenesisLiquidity(a Accounts, c *model.Custody, amountIn, minLpOut uint64, now int64) (*LiquidityResult, error) {
	if err := pool.RequireState(a.Pool, model.GenesisLiquidity); err != nil {
		return nil, err
	}
	if amountIn == 0 {
		return nil, errcode.Wrap(errcode.ErrInvalidArgument, "amount in must be positive")
	}
	i, err := a.index(c)
	if err != nil {
		return nil, err
	}
	lp, err := fixed.TokenToUSD(amountIn, c.Decimals, a.Assets[i].Price.Min())
	if err != nil {
		return nil, err
	}
	if lp == 0 || lp < minLpOut {
		return nil, errcode.Wrap(errcode.ErrInsufficientAmountReturned, "lp out %d below minimum %d", lp, minLpOut)
	}
	minted, err := fixed.Add(a.Pool.GenesisLpMinted, lp)
	if err != nil {
		return nil, err
	}
	if a.Pool.GenesisLpLimit != 0 && minted > a.Pool.GenesisLpLimit {
		return nil, errcode.Wrap(errcode.ErrGenesisAlpLimitReached,
			"genesis lp %d above limit %d", minted, a.Pool.GenesisLpLimit)
	}

	work := a.clone()
	if err := accrueAll(work, now); err != nil {
		return nil, err
	}
	wc := work.Assets[i].Custody
	if err := custody.Deposit(wc, amountIn); err != nil {
		return nil, err
	}
	if work.Pool.LpTokenSupply, err = fixed.Add(work.Pool.LpTokenSupply, lp); err != nil {
		return nil, err
	}
	work.Pool.GenesisLpMinted = minted
	custody.Bump(&wc.VolumeStats.AddLiquidityUsd, lp)
	res := &LiquidityResult{Amount: amountIn, LpAmount: lp}
	if res.AumUsd, err = refresh(work, now); err != nil {
		return nil, err
	}
	a.commit(work)
	return res, nil
}
