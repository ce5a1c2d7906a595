// Package pool aggregates the custodies of a liquidity pool: token-ratio
// bounds, assets under management, LP token pricing and the lifecycle
// state gate.
package pool

import (
	"github.com/atmx/custody-engine/internal/custody"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/pricing"
)

// Asset is a custody with its current price.
type Asset struct {
	Custody *model.Custody
	Price   oracle.Price
}

// AumMode picks which edge of the confidence interval values the pool.
// Deposits mint against the high edge and withdrawals redeem against the
// low edge, so neither can be gamed with oracle uncertainty.
type AumMode uint8

const (
	AumLast AumMode = iota
	AumMin
	AumMax
)

func (m AumMode) price(p oracle.Price) (uint64, error) {
	switch m {
	case AumMin:
		return p.Min(), nil
	case AumMax:
		return p.Max()
	}
	return p.Price, nil
}

// --- Configuration ---

// ValidateRatios checks a pool's ratio table: at most MaxCustodies entries,
// min ≤ target ≤ max for each, targets summing to 100%.
func ValidateRatios(ratios []model.TokenRatios) error {
	if len(ratios) > model.MaxCustodies {
		return errcode.Wrap(errcode.ErrMaxCustodies, "%d custodies", len(ratios))
	}
	if len(ratios) == 0 {
		return nil
	}
	var sum uint64
	for i, r := range ratios {
		if r.Min > r.Target || r.Target > r.Max || uint64(r.Max) > fixed.BpsPower {
			return errcode.Wrap(errcode.ErrInvalidPoolConfig,
				"ratio %d: want min ≤ target ≤ max ≤ 10000, got %d/%d/%d", i, r.Min, r.Target, r.Max)
		}
		sum += uint64(r.Target)
	}
	if sum != fixed.BpsPower {
		return errcode.Wrap(errcode.ErrInvalidPoolConfig, "targets sum to %d bps", sum)
	}
	return nil
}

// RequireState fails unless p is in one of states.
func RequireState(p *model.Pool, states ...model.LiquidityState) error {
	for _, s := range states {
		if p.LiquidityState == s {
			return nil
		}
	}
	return errcode.Wrap(errcode.ErrInvalidPoolLiquidityState, "pool %s is %s", p.Name, p.LiquidityState)
}

// --- AUM ---

// ComputeAUM values the pool: the owned tokens of every custody, minus
// the profit owed to open positions, plus their losses up to the side
// collateral, plus unpaid borrow interest. The result saturates at zero.
func ComputeAUM(assets []Asset, mode AumMode, now int64) (uint64, error) {
	var credit, debit uint64
	add := func(dst *uint64, v uint64) error {
		sum, err := fixed.Add(*dst, v)
		*dst = sum
		return err
	}
	for _, a := range assets {
		c := a.Custody
		price, err := mode.price(a.Price)
		if err != nil {
			return 0, err
		}
		owned, err := custody.OwnedValueUsd(c, price)
		if err != nil {
			return 0, err
		}
		if err := add(&credit, owned); err != nil {
			return 0, err
		}

		cum, err := custody.ProjectedCumulativeInterest(c, now)
		if err != nil {
			return 0, err
		}
		for _, side := range []model.Side{model.SideLong, model.SideShort} {
			acc := c.Side(side)
			profit, loss, err := SidePnL(acc, side, price)
			if err != nil {
				return 0, err
			}
			if err := add(&debit, profit); err != nil {
				return 0, err
			}
			if err := add(&credit, fixed.Min(loss, acc.CollateralUsd)); err != nil {
				return 0, err
			}
			interest, err := custody.UnrealizedSideInterestUsd(acc, cum)
			if err != nil {
				return 0, err
			}
			if err := add(&credit, interest); err != nil {
				return 0, err
			}
		}
	}
	return fixed.SaturatingSub(credit, debit), nil
}

// SidePnL is the aggregate profit or loss of one side of a traded custody
// at price, using the side's size-weighted entry price.
func SidePnL(acc *model.PositionsAccounting, side model.Side, price uint64) (profit, loss uint64, err error) {
	if acc.SizeUsd == 0 {
		return 0, 0, nil
	}
	avg, err := acc.AveragePrice()
	if err != nil {
		return 0, 0, err
	}
	return pricing.PnL(side, avg, price, acc.SizeUsd)
}

// UpdateAUM stores a freshly computed AUM on p.
func UpdateAUM(p *model.Pool, aumUsd uint64, now int64) {
	p.AumUsd = fixed.NewU128(aumUsd)
	p.LastAumUpdate = now
}

// CheckSoftCap rejects deposits that would take the pool above its soft cap.
func CheckSoftCap(p *model.Pool, aumUsd uint64) error {
	if p.AumSoftCapUsd != 0 && aumUsd > p.AumSoftCapUsd {
		return errcode.Wrap(errcode.ErrPoolAumSoftCapUsdReached,
			"aum %d above soft cap %d", aumUsd, p.AumSoftCapUsd)
	}
	return nil
}

// --- LP token ---

// LpForDeposit is the LP amount minted for depositUsd. The first deposit
// into an empty pool mints 1 LP per USD.
func LpForDeposit(depositUsd, aumUsd, lpSupply uint64) (uint64, error) {
	if lpSupply == 0 || aumUsd == 0 {
		return depositUsd, nil
	}
	return fixed.MulDiv(depositUsd, lpSupply, aumUsd)
}

// UsdForLp is the USD value redeemed by burning lpAmount.
func UsdForLp(lpAmount, aumUsd, lpSupply uint64) (uint64, error) {
	if lpSupply == 0 {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "no LP supply")
	}
	if lpAmount > lpSupply {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "burn %d above supply %d", lpAmount, lpSupply)
	}
	return fixed.MulDiv(lpAmount, aumUsd, lpSupply)
}

// LpTokenPrice is the USD value of one LP token, in USD decimals.
func LpTokenPrice(aumUsd, lpSupply uint64) (uint64, error) {
	if lpSupply == 0 {
		return fixed.USDPower, nil
	}
	return fixed.MulDiv(aumUsd, fixed.LPPower, lpSupply)
}

// --- Ratios ---

// Values returns each custody's owned value at its last price and the
// pool total. Ratios are shares of that total.
func Values(assets []Asset) ([]uint64, uint64, error) {
	values := make([]uint64, len(assets))
	var total uint64
	for i, a := range assets {
		v, err := custody.OwnedValueUsd(a.Custody, a.Price.Price)
		if err != nil {
			return nil, 0, err
		}
		values[i] = v
		if total, err = fixed.Add(total, v); err != nil {
			return nil, 0, err
		}
	}
	return values, total, nil
}

// ShareBps is value / total in bps.
func ShareBps(value, total uint64) (uint64, error) {
	if total == 0 {
		return 0, nil
	}
	return fixed.MulDiv(value, fixed.BpsPower, total)
}

// CheckRatio fails when a move takes a custody's share outside [min, max]
// and further from its target. Moves back toward the target are always
// allowed.
func CheckRatio(r model.TokenRatios, oldBps, newBps uint64) error {
	if newBps >= uint64(r.Min) && newBps <= uint64(r.Max) {
		return nil
	}
	target := uint64(r.Target)
	if distance(newBps, target) <= distance(oldBps, target) {
		return nil
	}
	return errcode.Wrap(errcode.ErrTokenRatioOutOfRange,
		"share %d bps outside [%d, %d]", newBps, r.Min, r.Max)
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// CheckMove applies CheckRatio to custody i when its value changes from
// values[i] to newValue, other custodies unchanged. A single-custody pool
// and a pool emptied by the move have no shares to keep.
func CheckMove(p *model.Pool, i int, values []uint64, total, newValue uint64) error {
	if i < 0 || i >= len(p.Ratios) {
		return errcode.Wrap(errcode.ErrCustodyNotFound, "custody index %d", i)
	}
	if len(p.Ratios) == 1 {
		return nil
	}
	oldBps, err := ShareBps(values[i], total)
	if err != nil {
		return err
	}
	newTotal, err := fixed.Add(fixed.SaturatingSub(total, values[i]), newValue)
	if err != nil {
		return err
	}
	if newTotal == 0 {
		return nil
	}
	newBps, err := ShareBps(newValue, newTotal)
	if err != nil {
		return err
	}
	return CheckRatio(p.Ratios[i], oldBps, newBps)
}
