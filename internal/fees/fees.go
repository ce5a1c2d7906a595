// Package fees implements the fee and borrow-rate model: pure functions of
// custody configuration and utilization, with no shared state.
//
// Fees are rounded up so rounding never favors the payer.
package fees

import (
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
)

// Direction distinguishes the two legs of a swap.
type Direction uint8

const (
	SwapIn Direction = iota + 1
	SwapOut
)

// LiquidityOp selects the liquidity fee rate.
type LiquidityOp uint8

const (
	AddLiquidity LiquidityOp = iota + 1
	RemoveLiquidity
)

// PositionOp selects the position fee rate.
type PositionOp uint8

const (
	ClosePosition PositionOp = iota + 1
	Liquidation
)

// capBps clamps bps to feeMax. A zero feeMax means uncapped.
func capBps(bps, feeMax uint16) uint64 {
	if feeMax > 0 && bps > feeMax {
		return uint64(feeMax)
	}
	return uint64(bps)
}

// SwapBps returns the rate of one swap leg.
func SwapBps(f model.Fees, dir Direction, stablePair bool) uint64 {
	var bps uint16
	switch {
	case dir == SwapIn && stablePair:
		bps = f.StableSwapIn
	case dir == SwapIn:
		bps = f.SwapIn
	case stablePair:
		bps = f.StableSwapOut
	default:
		bps = f.SwapOut
	}
	return capBps(bps, f.FeeMax)
}

// SwapFee is the fee of one swap leg on amount (USD or native units).
func SwapFee(f model.Fees, dir Direction, amount uint64, stablePair bool) (uint64, error) {
	return fixed.BpsOfCeil(amount, SwapBps(f, dir, stablePair))
}

// LiquidityBps returns the base rate of a liquidity operation.
func LiquidityBps(f model.Fees, op LiquidityOp) uint64 {
	if op == RemoveLiquidity {
		return capBps(f.RemoveLiquidity, f.FeeMax)
	}
	return capBps(f.AddLiquidity, f.FeeMax)
}

// LiquidityFee is the fee of a liquidity operation on amount.
func LiquidityFee(f model.Fees, op LiquidityOp, amount uint64) (uint64, error) {
	return fixed.BpsOfCeil(amount, LiquidityBps(f, op))
}

// PositionFee is the close or liquidation fee on sizeUsd.
func PositionFee(f model.Fees, op PositionOp, sizeUsd uint64) (uint64, error) {
	bps := f.ClosePosition
	if op == Liquidation {
		bps = f.Liquidation
	}
	return fixed.BpsOfCeil(sizeUsd, capBps(bps, f.FeeMax))
}

// RatioAdjustedBps raises base toward feeMax as an operation pushes a
// custody's pool share away from its target. Moves toward the target pay
// base. oldRatio and newRatio are shares in bps.
func RatioAdjustedBps(base uint64, feeMax uint16, r model.TokenRatios, oldRatio, newRatio uint64) uint64 {
	ceiling := uint64(feeMax)
	if ceiling == 0 || ceiling <= base {
		return base
	}
	target := uint64(r.Target)
	distOld, distNew := absDiff(oldRatio, target), absDiff(newRatio, target)
	if distNew <= distOld {
		return base
	}
	bound := uint64(r.Min)
	if newRatio > target {
		bound = uint64(r.Max)
	}
	span := absDiff(bound, target)
	if span == 0 || distNew >= span {
		return ceiling
	}
	return base + (ceiling-base)*distNew/span
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// HourlyBorrowRate maps utilization (locked/owned) to an hourly rate with
// RateDecimals. The curve rises linearly to OptimalRateShare of the max rate
// at OptimalUtilization, then linearly to the max rate at full utilization.
// With no kink configured the curve is a straight line.
func HourlyBorrowRate(p model.BorrowRateParams, locked, owned uint64) (uint64, error) {
	if owned == 0 || locked == 0 || p.MaxHourlyBorrowInterestRate == 0 {
		return 0, nil
	}
	util, err := fixed.MulDiv(fixed.Min(locked, owned), fixed.RatePower, owned)
	if err != nil {
		return 0, err
	}
	maxRate := p.MaxHourlyBorrowInterestRate

	if p.OptimalUtilization == 0 || p.OptimalUtilization >= uint16(fixed.BpsPower) {
		return fixed.MulDiv(maxRate, util, fixed.RatePower)
	}

	optimal := uint64(p.OptimalUtilization) * (fixed.RatePower / fixed.BpsPower)
	kinkRate, err := fixed.BpsOf(maxRate, uint64(p.OptimalRateShare))
	if err != nil {
		return 0, err
	}
	if util <= optimal {
		return fixed.MulDiv(kinkRate, util, optimal)
	}
	extra, err := fixed.MulDiv(maxRate-kinkRate, util-optimal, fixed.RatePower-optimal)
	if err != nil {
		return 0, err
	}
	return fixed.Min(kinkRate+extra, maxRate), nil
}

// RewardShares is the part of a fee routed to the staking vaults.
type RewardShares struct {
	LmAmount uint64
	LpAmount uint64
}

// Total is LmAmount + LpAmount.
func (r RewardShares) Total() uint64 { return r.LmAmount + r.LpAmount }

// Split carves the staking shares out of feeAmount.
func Split(feeAmount uint64, d model.FeeDistribution) (RewardShares, error) {
	lm, err := fixed.BpsOf(feeAmount, uint64(d.LmStakingBps))
	if err != nil {
		return RewardShares{}, err
	}
	lp, err := fixed.BpsOf(feeAmount, uint64(d.LpStakingBps))
	if err != nil {
		return RewardShares{}, err
	}
	if lm+lp > feeAmount {
		lp = feeAmount - lm
	}
	return RewardShares{LmAmount: lm, LpAmount: lp}, nil
}
