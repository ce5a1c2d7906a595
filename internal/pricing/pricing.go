// Package pricing computes entry, exit and liquidation prices and PnL for
// positions. It is stateless: custody and oracle values are passed in.
//
// Rounding always goes against the trader. Longs enter at the ask and exit
// at the bid; shorts the reverse.
package pricing

import (
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
)

// MaintenanceMarginBps is the share of size a position must keep as
// margin: 1%.
const MaintenanceMarginBps uint64 = 100

// EntryPrice is the price a new position on side fills at: the confidence
// edge against the trader, widened by the custody's trade spread.
func EntryPrice(side model.Side, p oracle.Price, spreadBps uint16) (uint64, error) {
	spread := uint64(spreadBps)
	if spread >= fixed.BpsPower {
		return 0, errcode.Wrap(errcode.ErrInvalidCustodyConfig, "spread %d bps", spread)
	}
	switch side {
	case model.SideLong:
		ask, err := p.Max()
		if err != nil {
			return 0, err
		}
		return fixed.MulDivCeil(ask, fixed.BpsPower+spread, fixed.BpsPower)
	case model.SideShort:
		bid, err := fixed.MulDiv(p.Min(), fixed.BpsPower-spread, fixed.BpsPower)
		if err != nil {
			return 0, err
		}
		if bid == 0 {
			return 0, errcode.Wrap(errcode.ErrInvalidOraclePrice, "bid rounds to zero")
		}
		return bid, nil
	}
	return 0, errcode.Wrap(errcode.ErrInvalidArgument, "invalid side %d", side)
}

// ExitPrice is the price a position on side closes at.
func ExitPrice(side model.Side, p oracle.Price) (uint64, error) {
	switch side {
	case model.SideLong:
		bid := p.Min()
		if bid == 0 {
			return 0, errcode.Wrap(errcode.ErrInvalidOraclePrice, "bid is zero")
		}
		return bid, nil
	case model.SideShort:
		return p.Max()
	}
	return 0, errcode.Wrap(errcode.ErrInvalidArgument, "invalid side %d", side)
}

// PnL returns the profit or loss of sizeUsd opened at entry and valued at
// current. At most one of the results is non-zero.
func PnL(side model.Side, entry, current, sizeUsd uint64) (profitUsd, lossUsd uint64, err error) {
	if entry == 0 {
		return 0, 0, errcode.Wrap(errcode.ErrInvalidPositionState, "zero entry price")
	}
	up := current > entry
	var move uint64
	if up {
		move = current - entry
	} else {
		move = entry - current
	}
	if move == 0 {
		return 0, 0, nil
	}
	gain := (side == model.SideLong) == up
	if gain {
		profitUsd, err = fixed.MulDiv(sizeUsd, move, entry)
		return profitUsd, 0, err
	}
	lossUsd, err = fixed.MulDivCeil(sizeUsd, move, entry)
	return 0, lossUsd, err
}

// MaintenanceMarginUsd is the margin a position of sizeUsd must keep.
func MaintenanceMarginUsd(sizeUsd uint64) (uint64, error) {
	return fixed.BpsOfCeil(sizeUsd, MaintenanceMarginBps)
}

// Margin groups the inputs of the liquidation rule.
type Margin struct {
	Side          model.Side
	EntryPrice    uint64
	SizeUsd       uint64
	CollateralUsd uint64
	InterestUsd   uint64
	ExitFeeUsd    uint64
}

// threshold is what collateral must exceed: maintenance margin plus
// everything the position owes on exit.
func (m Margin) threshold() (uint64, error) {
	mm, err := MaintenanceMarginUsd(m.SizeUsd)
	if err != nil {
		return 0, err
	}
	t, err := fixed.Add(mm, m.InterestUsd)
	if err != nil {
		return 0, err
	}
	return fixed.Add(t, m.ExitFeeUsd)
}

// Liquidatable reports whether collateral + profit − loss − interest −
// exitFee ≤ maintenance margin at currentPrice.
func Liquidatable(m Margin, currentPrice uint64) (bool, error) {
	profit, loss, err := PnL(m.Side, m.EntryPrice, currentPrice, m.SizeUsd)
	if err != nil {
		return false, err
	}
	t, err := m.threshold()
	if err != nil {
		return false, err
	}
	lhs, err := fixed.Add(m.CollateralUsd, profit)
	if err != nil {
		return false, err
	}
	rhs, err := fixed.Add(t, loss)
	if err != nil {
		return false, err
	}
	return lhs <= rhs, nil
}

// LiquidationPrice solves collateral + pnl(P) − interest − exitFee =
// maintenanceMargin for P. PnL is linear in P, so
//
//	long:  P = entry − entry × (collateral − threshold) / size
//	short: P = entry + entry × (collateral − threshold) / size
//
// Longs round up and shorts round down, moving the price toward entry.
func LiquidationPrice(m Margin) (uint64, error) {
	if m.SizeUsd == 0 {
		return 0, nil
	}
	t, err := m.threshold()
	if err != nil {
		return 0, err
	}
	solvent := m.CollateralUsd >= t
	var delta uint64
	if solvent {
		delta, err = fixed.MulDiv(m.EntryPrice, m.CollateralUsd-t, m.SizeUsd)
	} else {
		delta, err = fixed.MulDivCeil(m.EntryPrice, t-m.CollateralUsd, m.SizeUsd)
	}
	if err != nil {
		return 0, err
	}

	switch m.Side {
	case model.SideLong:
		if solvent {
			return fixed.SaturatingSub(m.EntryPrice, delta), nil
		}
		return fixed.Add(m.EntryPrice, delta)
	case model.SideShort:
		if solvent {
			return fixed.Add(m.EntryPrice, delta)
		}
		return fixed.SaturatingSub(m.EntryPrice, delta), nil
	}
	return 0, errcode.Wrap(errcode.ErrInvalidArgument, "invalid side %d", m.Side)
}
