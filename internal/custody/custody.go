// Package custody is the per-asset ledger of a pool: owned, locked and
// collateral token balances, the borrow-interest index, and the aggregated
// long/short position accounting.
//
// Every function mutates the custody it is given and fails without partial
// effects only when documented; callers that need atomicity across several
// calls work on a clone and commit it on success.
package custody

import (
	"math"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fees"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
)

// --- Interest ---

// AccrueInterest advances the cumulative interest index to now at the
// current hourly rate, then refreshes the rate from utilization. Calling it
// again with the same (or an earlier) now has no effect. It returns the
// index increase.
func AccrueInterest(c *model.Custody, now int64) (fixed.U128, error) {
	st := &c.BorrowRateState
	if st.LastUpdate == 0 {
		st.LastUpdate = now
		return fixed.U128{}, RefreshBorrowRate(c)
	}
	if now <= st.LastUpdate {
		return fixed.U128{}, nil
	}
	delta, err := indexDelta(st.CurrentRate, now-st.LastUpdate)
	if err != nil {
		return fixed.U128{}, err
	}
	cum, err := st.CumulativeInterest.AddUint64(delta)
	if err != nil {
		return fixed.U128{}, err
	}
	st.CumulativeInterest = cum
	st.LastUpdate = now
	if err := RefreshBorrowRate(c); err != nil {
		return fixed.U128{}, err
	}
	return fixed.NewU128(delta), nil
}

func indexDelta(rate uint64, elapsed int64) (uint64, error) {
	if rate == 0 || elapsed <= 0 {
		return 0, nil
	}
	return fixed.MulDivCeil(rate, uint64(elapsed), fixed.SecondsPerHour)
}

// RefreshBorrowRate recomputes the hourly rate from current utilization.
func RefreshBorrowRate(c *model.Custody) error {
	rate, err := fees.HourlyBorrowRate(c.BorrowRate, c.Assets.Locked, c.Assets.Owned)
	if err != nil {
		return err
	}
	c.BorrowRateState.CurrentRate = rate
	return nil
}

// ProjectedCumulativeInterest is the index AccrueInterest would produce at
// now, without mutating c.
func ProjectedCumulativeInterest(c *model.Custody, now int64) (fixed.U128, error) {
	st := c.BorrowRateState
	if st.LastUpdate == 0 || now <= st.LastUpdate {
		return st.CumulativeInterest, nil
	}
	delta, err := indexDelta(st.CurrentRate, now-st.LastUpdate)
	if err != nil {
		return fixed.U128{}, err
	}
	return st.CumulativeInterest.AddUint64(delta)
}

// InterestUsd is the interest owed on borrowSizeUsd between snapshot and
// the index value cum.
func InterestUsd(borrowSizeUsd uint64, cum, snapshot fixed.U128) (uint64, error) {
	if borrowSizeUsd == 0 || cum.Cmp(snapshot) <= 0 {
		return 0, nil
	}
	diff, err := cum.Sub(snapshot)
	if err != nil {
		return 0, err
	}
	return diff.MulDivUint64(borrowSizeUsd, fixed.RatePower)
}

// --- Token balances ---

func maxUtilizationBps(c *model.Custody) uint64 {
	if c.Pricing.MaxUtilization == 0 {
		return fixed.BpsPower
	}
	return uint64(c.Pricing.MaxUtilization)
}

// checkUtilization enforces locked ≤ owned × maxUtilization.
func checkUtilization(c *model.Custody, locked, owned uint64) error {
	if locked == 0 {
		return nil
	}
	if locked > owned {
		return errcode.Wrap(errcode.ErrMaxUtilization, "locked %d exceeds owned %d", locked, owned)
	}
	limit, err := fixed.BpsOf(owned, maxUtilizationBps(c))
	if err != nil {
		return err
	}
	if locked > limit {
		return errcode.Wrap(errcode.ErrMaxUtilization, "locked %d exceeds %d bps of owned %d",
			locked, maxUtilizationBps(c), owned)
	}
	return nil
}

// Lock reserves amount of owned tokens.
func Lock(c *model.Custody, amount uint64) error {
	locked, err := fixed.Add(c.Assets.Locked, amount)
	if err != nil {
		return err
	}
	if err := checkUtilization(c, locked, c.Assets.Owned); err != nil {
		return err
	}
	c.Assets.Locked = locked
	return nil
}

// Unlock releases amount of reserved tokens.
func Unlock(c *model.Custody, amount uint64) error {
	locked, err := fixed.Sub(c.Assets.Locked, amount)
	if err != nil {
		return errcode.Wrap(errcode.ErrMathOverflow, "unlock %d of %d", amount, c.Assets.Locked)
	}
	c.Assets.Locked = locked
	return nil
}

// Deposit adds amount to the pool's owned tokens.
func Deposit(c *model.Custody, amount uint64) error {
	owned, err := fixed.Add(c.Assets.Owned, amount)
	if err != nil {
		return err
	}
	c.Assets.Owned = owned
	return nil
}

// Withdraw removes amount of owned tokens, keeping locked tokens covered.
func Withdraw(c *model.Custody, amount uint64) error {
	owned, err := fixed.Sub(c.Assets.Owned, amount)
	if err != nil {
		return errcode.Wrap(errcode.ErrMaxUtilization, "withdraw %d of owned %d", amount, c.Assets.Owned)
	}
	if err := checkUtilization(c, c.Assets.Locked, owned); err != nil {
		return err
	}
	c.Assets.Owned = owned
	return nil
}

// Pay removes amount of owned tokens for a settlement. Unlike Withdraw it
// ignores the utilization cap, so closing a position can never be blocked
// by it, but it still refuses to leave locked tokens uncovered.
func Pay(c *model.Custody, amount uint64) error {
	owned, err := fixed.Sub(c.Assets.Owned, amount)
	if err != nil || c.Assets.Locked > owned {
		return errcode.Wrap(errcode.ErrMathOverflow, "pay %d of owned %d with %d locked",
			amount, c.Assets.Owned, c.Assets.Locked)
	}
	c.Assets.Owned = owned
	return nil
}

// AddCollateral records a trader deposit.
func AddCollateral(c *model.Custody, amount uint64) error {
	coll, err := fixed.Add(c.Assets.Collateral, amount)
	if err != nil {
		return err
	}
	c.Assets.Collateral = coll
	return nil
}

// RemoveCollateral releases a trader deposit.
func RemoveCollateral(c *model.Custody, amount uint64) error {
	coll, err := fixed.Sub(c.Assets.Collateral, amount)
	if err != nil {
		return errcode.Wrap(errcode.ErrMathOverflow, "remove collateral %d of %d", amount, c.Assets.Collateral)
	}
	c.Assets.Collateral = coll
	return nil
}

// Available is owned − locked.
func Available(c *model.Custody) uint64 {
	return fixed.SaturatingSub(c.Assets.Owned, c.Assets.Locked)
}

// --- Position accounting ---

// OpenSide adds a position's size to the traded custody's side.
func OpenSide(c *model.Custody, side model.Side, sizeUsd, collateralUsd, price uint64) error {
	acc := *c.Side(side)
	var err error
	if acc.OpenPositions, err = fixed.Add(acc.OpenPositions, 1); err != nil {
		return err
	}
	if err := addSize(&acc, sizeUsd, collateralUsd, price); err != nil {
		return err
	}
	*c.Side(side) = acc
	return nil
}

// CloseSide removes a position's size from the traded custody's side.
func CloseSide(c *model.Custody, side model.Side, sizeUsd, collateralUsd, price uint64) error {
	acc := *c.Side(side)
	var err error
	if acc.OpenPositions, err = fixed.Sub(acc.OpenPositions, 1); err != nil {
		return errcode.Wrap(errcode.ErrMathOverflow, "no open %s positions", side)
	}
	if err := subSize(&acc, sizeUsd, collateralUsd, price); err != nil {
		return err
	}
	*c.Side(side) = acc
	return nil
}

// ResizeSide replaces a position's (size, collateral, price) contribution.
func ResizeSide(c *model.Custody, side model.Side, oldSize, oldCollateral, oldPrice, newSize, newCollateral, newPrice uint64) error {
	acc := *c.Side(side)
	if err := subSize(&acc, oldSize, oldCollateral, oldPrice); err != nil {
		return err
	}
	if err := addSize(&acc, newSize, newCollateral, newPrice); err != nil {
		return err
	}
	*c.Side(side) = acc
	return nil
}

func addSize(acc *model.PositionsAccounting, sizeUsd, collateralUsd, price uint64) error {
	var err error
	if acc.SizeUsd, err = fixed.Add(acc.SizeUsd, sizeUsd); err != nil {
		return err
	}
	if acc.CollateralUsd, err = fixed.Add(acc.CollateralUsd, collateralUsd); err != nil {
		return err
	}
	w, err := fixed.NewU128(price).MulUint64(sizeUsd)
	if err != nil {
		return err
	}
	acc.WeightedPrice, err = acc.WeightedPrice.Add(w)
	return err
}

func subSize(acc *model.PositionsAccounting, sizeUsd, collateralUsd, price uint64) error {
	var err error
	if acc.SizeUsd, err = fixed.Sub(acc.SizeUsd, sizeUsd); err != nil {
		return err
	}
	acc.CollateralUsd = fixed.SaturatingSub(acc.CollateralUsd, collateralUsd)
	w, err := fixed.NewU128(price).MulUint64(sizeUsd)
	if err != nil {
		return err
	}
	acc.WeightedPrice = acc.WeightedPrice.SaturatingSub(w)
	if acc.SizeUsd == 0 {
		acc.WeightedPrice = fixed.U128{}
	}
	return nil
}

// rollSideInterest moves the side's interest since its snapshot into
// CumulativeInterestUsd and resets the snapshot to the custody index.
func rollSideInterest(c *model.Custody, acc *model.PositionsAccounting) error {
	cum := c.BorrowRateState.CumulativeInterest
	owed, err := InterestUsd(acc.BorrowSizeUsd, cum, acc.CumulativeInterestSnapshot)
	if err != nil {
		return err
	}
	if acc.CumulativeInterestUsd, err = fixed.Add(acc.CumulativeInterestUsd, owed); err != nil {
		return err
	}
	acc.CumulativeInterestSnapshot = cum
	return nil
}

// LockSide reserves locked tokens for a position on the collateral custody
// and adds its borrow size to the side. Interest must have been accrued to
// the current time first.
func LockSide(c *model.Custody, side model.Side, lockedAmount, borrowSizeUsd uint64) error {
	acc := *c.Side(side)
	if err := rollSideInterest(c, &acc); err != nil {
		return err
	}
	var err error
	if acc.LockedAmount, err = fixed.Add(acc.LockedAmount, lockedAmount); err != nil {
		return err
	}
	if acc.BorrowSizeUsd, err = fixed.Add(acc.BorrowSizeUsd, borrowSizeUsd); err != nil {
		return err
	}
	if err := Lock(c, lockedAmount); err != nil {
		return err
	}
	*c.Side(side) = acc
	return RefreshBorrowRate(c)
}

// UnlockSide releases a position's locked tokens and borrow size and
// settles interestPaidUsd out of the side's outstanding interest.
func UnlockSide(c *model.Custody, side model.Side, lockedAmount, borrowSizeUsd, interestPaidUsd uint64) error {
	acc := *c.Side(side)
	if err := rollSideInterest(c, &acc); err != nil {
		return err
	}
	var err error
	if acc.LockedAmount, err = fixed.Sub(acc.LockedAmount, lockedAmount); err != nil {
		return errcode.Wrap(errcode.ErrMathOverflow, "side locked %d < %d", acc.LockedAmount, lockedAmount)
	}
	if acc.BorrowSizeUsd, err = fixed.Sub(acc.BorrowSizeUsd, borrowSizeUsd); err != nil {
		return err
	}
	// Per-position and per-side interest round independently.
	acc.CumulativeInterestUsd = fixed.SaturatingSub(acc.CumulativeInterestUsd, interestPaidUsd)
	if err := Unlock(c, lockedAmount); err != nil {
		return err
	}
	*c.Side(side) = acc
	return RefreshBorrowRate(c)
}

// UnrealizedSideInterestUsd is the side's outstanding interest at the index
// value cum.
func UnrealizedSideInterestUsd(acc *model.PositionsAccounting, cum fixed.U128) (uint64, error) {
	owed, err := InterestUsd(acc.BorrowSizeUsd, cum, acc.CumulativeInterestSnapshot)
	if err != nil {
		return 0, err
	}
	return fixed.Add(acc.CumulativeInterestUsd, owed)
}

// --- Limits ---

// CheckLockedAmountLimit enforces lockedAmount ≤ maxPositionLockedUsd in
// token units at price.
func CheckLockedAmountLimit(c *model.Custody, lockedAmount, price uint64) error {
	if c.Pricing.MaxPositionLockedUsd == 0 {
		return nil
	}
	limit, err := fixed.USDToToken(c.Pricing.MaxPositionLockedUsd, c.Decimals, price)
	if err != nil {
		return err
	}
	if lockedAmount > limit {
		return errcode.Wrap(errcode.ErrCustodyAmountLimit, "locked %d exceeds %d", lockedAmount, limit)
	}
	return nil
}

// CheckShortSizeLimit enforces the cumulative short size cap of the traded
// custody.
func CheckShortSizeLimit(c *model.Custody, addSizeUsd uint64) error {
	limit := c.Pricing.MaxCumulativeShortPositionSizeUsd
	if limit == 0 {
		return nil
	}
	total, err := fixed.Add(c.ShortPositions.SizeUsd, addSizeUsd)
	if err != nil {
		return err
	}
	if total > limit {
		return errcode.Wrap(errcode.ErrMaxCumulativeShortPositionSizeLimit,
			"short size %d exceeds %d", total, limit)
	}
	return nil
}

// --- Stats ---

// Bump adds v to a statistics counter, saturating instead of failing: a
// full counter must never block an instruction.
func Bump(counter *uint64, v uint64) {
	if *counter > math.MaxUint64-v {
		*counter = math.MaxUint64
		return
	}
	*counter += v
}

// Drop subtracts v from a statistics counter, flooring at zero.
func Drop(counter *uint64, v uint64) {
	*counter = fixed.SaturatingSub(*counter, v)
}

// AddOpenInterest adjusts the side's open-interest statistic.
func AddOpenInterest(c *model.Custody, side model.Side, sizeUsd uint64) {
	if side == model.SideShort {
		Bump(&c.TradeStats.OiShortUsd, sizeUsd)
		return
	}
	Bump(&c.TradeStats.OiLongUsd, sizeUsd)
}

// RemoveOpenInterest reverses AddOpenInterest.
func RemoveOpenInterest(c *model.Custody, side model.Side, sizeUsd uint64) {
	if side == model.SideShort {
		Drop(&c.TradeStats.OiShortUsd, sizeUsd)
		return
	}
	Drop(&c.TradeStats.OiLongUsd, sizeUsd)
}

// --- Valuation ---

// OwnedValueUsd values the custody's owned tokens at price.
func OwnedValueUsd(c *model.Custody, price uint64) (uint64, error) {
	return fixed.TokenToUSD(c.Assets.Owned, c.Decimals, price)
}

// ValidateConfig checks the static configuration of a custody.
func ValidateConfig(c *model.Custody) error {
	p := c.Pricing
	switch {
	case c.Mint.IsZero() || c.Oracle.IsZero():
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "mint and oracle are required")
	case c.Decimals > 18:
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "decimals %d above 18", c.Decimals)
	case p.MinInitialLeverage < uint32(fixed.BpsPower):
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "min initial leverage below 1x")
	case p.MinInitialLeverage > p.MaxInitialLeverage || p.MaxInitialLeverage > p.MaxLeverage:
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig,
			"leverage bounds must satisfy min ≤ max initial ≤ max")
	case uint64(p.MaxUtilization) > fixed.BpsPower:
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "max utilization above 100%%")
	case uint64(p.TradeSpreadLong) >= fixed.BpsPower || uint64(p.TradeSpreadShort) >= fixed.BpsPower:
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "trade spread must be below 100%%")
	case uint64(c.BorrowRate.OptimalUtilization) > fixed.BpsPower || uint64(c.BorrowRate.OptimalRateShare) > fixed.BpsPower:
		return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "borrow curve kink out of range")
	}
	return nil
}
