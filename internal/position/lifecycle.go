package position

import (
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/custody"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fees"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pricing"
)

// CloseRequest closes a position. The owner may pass Price as a slippage
// bound on the exit price. Anyone else must pass the take-profit or
// stop-loss price that the current exit price has reached.
type CloseRequest struct {
	Caller solana.PublicKey `json:"caller"`
	Price  *uint64          `json:"price,omitempty"`
}

// --- Open / increase ---

// Open creates a position with the given address and id. On success the
// custodies are updated and the new record is returned.
func (m *Manager) Open(acc Accounts, req OpenRequest, address solana.PublicKey, id uint64, now int64) (*model.Position, error) {
	if err := acc.validate(req.Side); err != nil {
		return nil, err
	}
	if !acc.Custody.AllowTrade {
		return nil, errcode.Wrap(errcode.ErrInstructionNotAllowed, "trading disabled on %s", acc.Custody.Symbol)
	}
	if req.Owner.IsZero() {
		return nil, errcode.Wrap(errcode.ErrInvalidArgument, "owner is required")
	}
	s, err := m.size(acc, req.Side, req.Collateral, req.Leverage, LeverageOpen)
	if err != nil {
		return nil, err
	}
	if s.collateralUsd < m.params.MinCollateralUsd {
		return nil, errcode.Wrap(errcode.ErrInsufficientCollateral,
			"collateral %d USD below minimum %d", s.collateralUsd, m.params.MinCollateralUsd)
	}
	if err := checkSlippage(req.Side, s.entry, req.Price); err != nil {
		return nil, err
	}

	work := acc.clone()
	tc, cc := work.Custody, work.CollateralCustody
	if _, err := custody.AccrueInterest(cc, now); err != nil {
		return nil, err
	}
	if err := custody.CheckLockedAmountLimit(cc, s.lockedAmount, acc.CollateralPrice.Min()); err != nil {
		return nil, err
	}
	if req.Side == model.SideShort {
		if err := custody.CheckShortSizeLimit(tc, s.sizeUsd); err != nil {
			return nil, err
		}
	}
	if err := custody.AddCollateral(cc, req.Collateral); err != nil {
		return nil, err
	}
	if err := custody.LockSide(cc, req.Side, s.lockedAmount, s.sizeUsd); err != nil {
		return nil, err
	}
	if err := custody.OpenSide(tc, req.Side, s.sizeUsd, s.collateralUsd, s.entry); err != nil {
		return nil, err
	}
	custody.Bump(&tc.VolumeStats.OpenPositionUsd, s.sizeUsd)
	custody.AddOpenInterest(tc, req.Side, s.sizeUsd)

	pos := &model.Position{
		Address:                    address,
		ID:                         id,
		Owner:                      req.Owner,
		Pool:                       acc.Custody.Pool,
		Custody:                    acc.Custody.Address,
		CollateralCustody:          acc.CollateralCustody.Address,
		Side:                       req.Side,
		State:                      model.PositionOpen,
		OpenTime:                   now,
		UpdateTime:                 now,
		Price:                      s.entry,
		SizeUsd:                    s.sizeUsd,
		BorrowSizeUsd:              s.sizeUsd,
		CollateralUsd:              s.collateralUsd,
		CollateralAmount:           req.Collateral,
		LockedAmount:               s.lockedAmount,
		CumulativeInterestSnapshot: cc.BorrowRateState.CumulativeInterest,
	}
	if req.Referrer != nil {
		r := *req.Referrer
		pos.Referrer = &r
	}
	acc.commit(work)
	return pos, nil
}

// Increase adds size to pos. The entry price becomes the size-weighted
// average of the old entry and the increment's entry.
func (m *Manager) Increase(acc Accounts, pos *model.Position, req IncreaseRequest, now int64) error {
	if err := requireOpen(pos); err != nil {
		return err
	}
	if err := acc.validate(pos.Side); err != nil {
		return err
	}
	if !acc.Custody.AllowTrade {
		return errcode.Wrap(errcode.ErrInstructionNotAllowed, "trading disabled on %s", acc.Custody.Symbol)
	}
	s, err := m.size(acc, pos.Side, req.Collateral, req.Leverage, LeverageIncrease)
	if err != nil {
		return err
	}
	if err := checkSlippage(pos.Side, s.entry, req.Price); err != nil {
		return err
	}

	next := pos.Clone()
	if next.SizeUsd, err = fixed.Add(pos.SizeUsd, s.sizeUsd); err != nil {
		return err
	}
	if next.CollateralUsd, err = fixed.Add(pos.CollateralUsd, s.collateralUsd); err != nil {
		return err
	}
	if next.CollateralAmount, err = fixed.Add(pos.CollateralAmount, req.Collateral); err != nil {
		return err
	}
	if next.LockedAmount, err = fixed.Add(pos.LockedAmount, s.lockedAmount); err != nil {
		return err
	}
	if next.Price, err = weightedEntry(pos.Side, pos.Price, pos.SizeUsd, s.entry, s.sizeUsd); err != nil {
		return err
	}
	lev, err := next.Leverage()
	if err != nil {
		return err
	}
	if err := checkLeverage(acc.Custody, LeverageIncrease, lev); err != nil {
		return err
	}

	work := acc.clone()
	tc, cc := work.Custody, work.CollateralCustody
	if _, err := custody.AccrueInterest(cc, now); err != nil {
		return err
	}
	if err := rollPositionInterest(next, cc.BorrowRateState.CumulativeInterest); err != nil {
		return err
	}
	if next.BorrowSizeUsd, err = fixed.Add(pos.BorrowSizeUsd, s.sizeUsd); err != nil {
		return err
	}
	if err := custody.CheckLockedAmountLimit(cc, next.LockedAmount, acc.CollateralPrice.Min()); err != nil {
		return err
	}
	if pos.Side == model.SideShort {
		if err := custody.CheckShortSizeLimit(tc, s.sizeUsd); err != nil {
			return err
		}
	}
	if err := custody.AddCollateral(cc, req.Collateral); err != nil {
		return err
	}
	if err := custody.LockSide(cc, pos.Side, s.lockedAmount, s.sizeUsd); err != nil {
		return err
	}
	if err := custody.ResizeSide(tc, pos.Side,
		pos.SizeUsd, pos.CollateralUsd, pos.Price,
		next.SizeUsd, next.CollateralUsd, next.Price); err != nil {
		return err
	}
	custody.Bump(&tc.VolumeStats.OpenPositionUsd, s.sizeUsd)
	custody.AddOpenInterest(tc, pos.Side, s.sizeUsd)

	next.UpdateTime = now
	acc.commit(work)
	*pos = *next
	return nil
}

// weightedEntry averages two entry prices by size, rounding against the
// trader.
func weightedEntry(side model.Side, p1, s1, p2, s2 uint64) (uint64, error) {
	a, err := fixed.NewU128(p1).MulUint64(s1)
	if err != nil {
		return 0, err
	}
	b, err := fixed.NewU128(p2).MulUint64(s2)
	if err != nil {
		return 0, err
	}
	sum, err := a.Add(b)
	if err != nil {
		return 0, err
	}
	total, err := fixed.Add(s1, s2)
	if err != nil {
		return 0, err
	}
	avg, err := sum.DivUint64(total)
	if err != nil {
		return 0, err
	}
	if side == model.SideShort {
		return avg, nil
	}
	back, err := fixed.NewU128(avg).MulUint64(total)
	if err != nil {
		return 0, err
	}
	if back.Cmp(sum) == 0 {
		return avg, nil
	}
	return fixed.Add(avg, 1)
}

// rollPositionInterest moves interest accrued since the snapshot into
// UnrealizedInterestUsd and resets the snapshot to cum.
func rollPositionInterest(pos *model.Position, cum fixed.U128) error {
	owed, err := custody.InterestUsd(pos.BorrowSizeUsd, cum, pos.CumulativeInterestSnapshot)
	if err != nil {
		return err
	}
	if pos.UnrealizedInterestUsd, err = fixed.Add(pos.UnrealizedInterestUsd, owed); err != nil {
		return err
	}
	pos.CumulativeInterestSnapshot = cum
	return nil
}

// --- Collateral ---

// AddCollateral deposits amount collateral tokens into pos, lowering its
// leverage.
func (m *Manager) AddCollateral(acc Accounts, pos *model.Position, amount uint64, now int64) error {
	if err := requireOpen(pos); err != nil {
		return err
	}
	if err := acc.validate(pos.Side); err != nil {
		return err
	}
	if amount == 0 {
		return errcode.Wrap(errcode.ErrInvalidArgument, "collateral must be positive")
	}
	usd, err := fixed.TokenToUSD(amount, acc.CollateralCustody.Decimals, acc.CollateralPrice.Min())
	if err != nil {
		return err
	}
	next := pos.Clone()
	if next.CollateralUsd, err = fixed.Add(pos.CollateralUsd, usd); err != nil {
		return err
	}
	if next.CollateralAmount, err = fixed.Add(pos.CollateralAmount, amount); err != nil {
		return err
	}

	work := acc.clone()
	if _, err := custody.AccrueInterest(work.CollateralCustody, now); err != nil {
		return err
	}
	if err := custody.AddCollateral(work.CollateralCustody, amount); err != nil {
		return err
	}
	if err := custody.ResizeSide(work.Custody, pos.Side,
		pos.SizeUsd, pos.CollateralUsd, pos.Price,
		next.SizeUsd, next.CollateralUsd, next.Price); err != nil {
		return err
	}
	next.UpdateTime = now
	acc.commit(work)
	*pos = *next
	return nil
}

// RemoveCollateral withdraws collateralUsd of collateral from pos and
// returns the token amount paid out. The position must stay within
// MaxLeverage and out of liquidation range.
func (m *Manager) RemoveCollateral(acc Accounts, pos *model.Position, collateralUsd uint64, now int64) (uint64, error) {
	if err := requireOpen(pos); err != nil {
		return 0, err
	}
	if err := acc.validate(pos.Side); err != nil {
		return 0, err
	}
	if collateralUsd == 0 || collateralUsd >= pos.CollateralUsd {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument,
			"remove %d USD of %d USD collateral", collateralUsd, pos.CollateralUsd)
	}
	maxPrice, err := acc.CollateralPrice.Max()
	if err != nil {
		return 0, err
	}
	amountOut, err := fixed.USDToToken(collateralUsd, acc.CollateralCustody.Decimals, maxPrice)
	if err != nil {
		return 0, err
	}
	if amountOut == 0 {
		return 0, errcode.Wrap(errcode.ErrInsufficientAmountReturned, "withdrawal rounds to zero tokens")
	}
	if amountOut >= pos.CollateralAmount {
		return 0, errcode.Wrap(errcode.ErrInsufficientCollateral,
			"withdrawal of %d tokens leaves no collateral", amountOut)
	}

	next := pos.Clone()
	next.CollateralUsd = pos.CollateralUsd - collateralUsd
	next.CollateralAmount = pos.CollateralAmount - amountOut
	if next.CollateralUsd < m.params.MinCollateralUsd {
		return 0, errcode.Wrap(errcode.ErrInsufficientCollateral,
			"collateral %d USD below minimum %d", next.CollateralUsd, m.params.MinCollateralUsd)
	}
	lev, err := next.Leverage()
	if err != nil {
		return 0, err
	}
	if err := checkLeverage(acc.Custody, LeverageRemoveCollateral, lev); err != nil {
		return 0, err
	}
	mg, err := m.margin(acc, next, now)
	if err != nil {
		return 0, err
	}
	exit, err := pricing.ExitPrice(pos.Side, acc.Price)
	if err != nil {
		return 0, err
	}
	liquidatable, err := pricing.Liquidatable(mg, exit)
	if err != nil {
		return 0, err
	}
	if liquidatable {
		return 0, errcode.Wrap(errcode.ErrMaxLeverage, "withdrawal would leave the position liquidatable")
	}

	work := acc.clone()
	if _, err := custody.AccrueInterest(work.CollateralCustody, now); err != nil {
		return 0, err
	}
	if err := custody.RemoveCollateral(work.CollateralCustody, amountOut); err != nil {
		return 0, err
	}
	if err := custody.ResizeSide(work.Custody, pos.Side,
		pos.SizeUsd, pos.CollateralUsd, pos.Price,
		next.SizeUsd, next.CollateralUsd, next.Price); err != nil {
		return 0, err
	}
	next.UpdateTime = now
	acc.commit(work)
	*pos = *next
	return amountOut, nil
}

// --- Close / liquidate ---

// Close settles pos at the current exit price and marks it closed.
func (m *Manager) Close(acc Accounts, pos *model.Position, req CloseRequest, now int64) (*Settlement, error) {
	if err := requireOpen(pos); err != nil {
		return nil, err
	}
	if err := acc.validate(pos.Side); err != nil {
		return nil, err
	}
	if now-pos.OpenTime < m.params.MinHoldSeconds {
		return nil, errcode.Wrap(errcode.ErrPositionTooYoung,
			"held %ds of %ds", now-pos.OpenTime, m.params.MinHoldSeconds)
	}
	exit, err := pricing.ExitPrice(pos.Side, acc.Price)
	if err != nil {
		return nil, err
	}
	if req.Caller.Equals(pos.Owner) {
		if req.Price != nil {
			// Exit slippage runs the other way: longs sell, shorts buy.
			if err := checkSlippage(pos.Side.Opposite(), exit, *req.Price); err != nil {
				return nil, err
			}
		}
	} else if err := checkTrigger(pos, exit, req.Price); err != nil {
		return nil, err
	}

	s, work, next, err := m.settle(acc, pos, now, false)
	if err != nil {
		return nil, err
	}
	acc.commit(work)
	*pos = *next
	return s, nil
}

// checkTrigger authorizes a keeper close: price must name one of the
// position's triggers and the exit price must have reached it.
func checkTrigger(pos *model.Position, exit uint64, price *uint64) error {
	if price == nil {
		return errcode.Wrap(errcode.ErrUnauthorized, "only the owner may close without a trigger price")
	}
	long := pos.Side == model.SideLong
	if tp := pos.TakeProfitLimitPrice; tp != nil && *tp == *price {
		if (long && exit >= *tp) || (!long && exit <= *tp) {
			return nil
		}
		return errcode.Wrap(errcode.ErrTriggerNotReached, "take profit %d not reached at %d", *tp, exit)
	}
	if sl := pos.StopLossLimitPrice; sl != nil && *sl == *price {
		if (long && exit <= *sl) || (!long && exit >= *sl) {
			return nil
		}
		return errcode.Wrap(errcode.ErrTriggerNotReached, "stop loss %d not reached at %d", *sl, exit)
	}
	return errcode.Wrap(errcode.ErrTriggerNotReached, "price %d matches no trigger", *price)
}

// Liquidate closes pos on behalf of caller when it is in liquidation range.
// The liquidation fee is paid to the caller.
func (m *Manager) Liquidate(acc Accounts, pos *model.Position, now int64) (*Settlement, error) {
	if err := requireOpen(pos); err != nil {
		return nil, err
	}
	if err := acc.validate(pos.Side); err != nil {
		return nil, err
	}
	ok, err := m.QuoteLiquidationState(acc, pos, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errcode.Wrap(errcode.ErrPositionNotInLiquidationRange, "position %s", pos.Address)
	}
	s, work, next, err := m.settle(acc, pos, now, true)
	if err != nil {
		return nil, err
	}
	acc.commit(work)
	*pos = *next
	return s, nil
}

// settle computes the close of pos on working copies. What the position
// has is its collateral plus profit (capped by the locked tokens' value);
// it pays, in order, the loss, the liquidator, interest, and the exit fee.
// The remainder goes to the owner.
func (m *Manager) settle(acc Accounts, pos *model.Position, now int64, liquidation bool) (*Settlement, Accounts, *model.Position, error) {
	fail := func(err error) (*Settlement, Accounts, *model.Position, error) {
		return nil, Accounts{}, nil, err
	}
	work := acc.clone()
	tc, cc := work.Custody, work.CollateralCustody
	if _, err := custody.AccrueInterest(cc, now); err != nil {
		return fail(err)
	}
	next := pos.Clone()
	if err := rollPositionInterest(next, cc.BorrowRateState.CumulativeInterest); err != nil {
		return fail(err)
	}

	exit, err := pricing.ExitPrice(pos.Side, acc.Price)
	if err != nil {
		return fail(err)
	}
	profit, loss, err := pricing.PnL(pos.Side, pos.Price, exit, pos.SizeUsd)
	if err != nil {
		return fail(err)
	}
	lockedValue, err := fixed.TokenToUSD(pos.LockedAmount, cc.Decimals, acc.CollateralPrice.Min())
	if err != nil {
		return fail(err)
	}
	profit = fixed.Min(profit, lockedValue)
	exitFee, err := fees.PositionFee(tc.Fees, fees.ClosePosition, pos.SizeUsd)
	if err != nil {
		return fail(err)
	}
	var liqFee uint64
	if liquidation {
		if liqFee, err = fees.PositionFee(tc.Fees, fees.Liquidation, pos.SizeUsd); err != nil {
			return fail(err)
		}
	}

	remaining, err := fixed.Add(pos.CollateralUsd, profit)
	if err != nil {
		return fail(err)
	}
	pay := func(owed uint64) uint64 {
		paid := fixed.Min(owed, remaining)
		remaining -= paid
		return paid
	}
	lossPaid := pay(loss)
	liqPaid := pay(liqFee)
	interestPaid := pay(next.UnrealizedInterestUsd)
	feePaid := pay(exitFee)

	s := &Settlement{
		ExitPrice:         exit,
		ProfitUsd:         profit,
		LossUsd:           lossPaid,
		InterestUsd:       interestPaid,
		ExitFeeUsd:        feePaid,
		LiquidationFeeUsd: liqPaid,
		SettledUsd:        remaining,
	}
	maxPrice, err := acc.CollateralPrice.Max()
	if err != nil {
		return fail(err)
	}
	if s.AmountOut, err = fixed.USDToToken(remaining, cc.Decimals, maxPrice); err != nil {
		return fail(err)
	}
	if s.LiquidatorReward, err = fixed.USDToToken(liqPaid, cc.Decimals, maxPrice); err != nil {
		return fail(err)
	}
	ceiling, err := fixed.Add(pos.CollateralAmount, pos.LockedAmount)
	if err != nil {
		return fail(err)
	}
	if s.LiquidatorReward > ceiling {
		s.LiquidatorReward = ceiling
	}
	s.AmountOut = fixed.Min(s.AmountOut, ceiling-s.LiquidatorReward)

	feeTokens, err := fixed.USDToToken(interestPaid+feePaid, cc.Decimals, maxPrice)
	if err != nil {
		return fail(err)
	}
	if s.Rewards, err = fees.Split(feeTokens, m.params.FeeDistribution); err != nil {
		return fail(err)
	}
	minPrice := acc.CollateralPrice.Min()
	if s.LmRewardUsd, err = fixed.TokenToUSD(s.Rewards.LmAmount, cc.Decimals, minPrice); err != nil {
		return fail(err)
	}
	if s.LpRewardUsd, err = fixed.TokenToUSD(s.Rewards.LpAmount, cc.Decimals, minPrice); err != nil {
		return fail(err)
	}

	// The collateral joins the pool, then everything paid out leaves it.
	if err := custody.RemoveCollateral(cc, pos.CollateralAmount); err != nil {
		return fail(err)
	}
	if err := custody.UnlockSide(cc, pos.Side, pos.LockedAmount, pos.BorrowSizeUsd, interestPaid); err != nil {
		return fail(err)
	}
	if err := custody.Deposit(cc, pos.CollateralAmount); err != nil {
		return fail(err)
	}
	out := s.AmountOut + s.LiquidatorReward + s.Rewards.Total()
	if err := custody.Pay(cc, out); err != nil {
		return fail(err)
	}
	if err := custody.CloseSide(tc, pos.Side, pos.SizeUsd, pos.CollateralUsd, pos.Price); err != nil {
		return fail(err)
	}
	if err := custody.RefreshBorrowRate(cc); err != nil {
		return fail(err)
	}

	custody.RemoveOpenInterest(tc, pos.Side, pos.SizeUsd)
	custody.Bump(&tc.TradeStats.ProfitUsd, profit)
	custody.Bump(&tc.TradeStats.LossUsd, lossPaid)
	custody.Bump(&cc.CollectedFees.BorrowUsd, interestPaid)
	if liquidation {
		custody.Bump(&tc.VolumeStats.LiquidationUsd, pos.SizeUsd)
		custody.Bump(&cc.CollectedFees.LiquidationUsd, feePaid)
	} else {
		custody.Bump(&tc.VolumeStats.ClosePositionUsd, pos.SizeUsd)
		custody.Bump(&cc.CollectedFees.ClosePositionUsd, feePaid)
	}

	next.State = model.PositionClosed
	next.UpdateTime = now
	return s, work, next, nil
}

// --- Triggers ---

// SetTakeProfit stores a take-profit trigger. It must sit on the profitable
// side of the entry price.
func (m *Manager) SetTakeProfit(pos *model.Position, caller solana.PublicKey, price uint64, now int64) error {
	if err := m.authorizeTrigger(pos, caller, price); err != nil {
		return err
	}
	if (pos.Side == model.SideLong && price <= pos.Price) || (pos.Side == model.SideShort && price >= pos.Price) {
		return errcode.Wrap(errcode.ErrInvalidArgument, "take profit %d on the losing side of entry %d", price, pos.Price)
	}
	pos.TakeProfitLimitPrice = &price
	pos.UpdateTime = now
	return nil
}

// SetStopLoss stores a stop-loss trigger. It must sit on the losing side
// of the entry price.
func (m *Manager) SetStopLoss(pos *model.Position, caller solana.PublicKey, price uint64, now int64) error {
	if err := m.authorizeTrigger(pos, caller, price); err != nil {
		return err
	}
	if (pos.Side == model.SideLong && price >= pos.Price) || (pos.Side == model.SideShort && price <= pos.Price) {
		return errcode.Wrap(errcode.ErrInvalidArgument, "stop loss %d on the profitable side of entry %d", price, pos.Price)
	}
	pos.StopLossLimitPrice = &price
	pos.UpdateTime = now
	return nil
}

// CancelTakeProfit clears the take-profit trigger.
func (m *Manager) CancelTakeProfit(pos *model.Position, caller solana.PublicKey, now int64) error {
	if err := m.authorizeTrigger(pos, caller, 1); err != nil {
		return err
	}
	pos.TakeProfitLimitPrice = nil
	pos.UpdateTime = now
	return nil
}

// CancelStopLoss clears the stop-loss trigger.
func (m *Manager) CancelStopLoss(pos *model.Position, caller solana.PublicKey, now int64) error {
	if err := m.authorizeTrigger(pos, caller, 1); err != nil {
		return err
	}
	pos.StopLossLimitPrice = nil
	pos.UpdateTime = now
	return nil
}

func (m *Manager) authorizeTrigger(pos *model.Position, caller solana.PublicKey, price uint64) error {
	if err := requireOpen(pos); err != nil {
		return err
	}
	if !caller.Equals(pos.Owner) {
		return errcode.Wrap(errcode.ErrUnauthorized, "only the owner may change triggers")
	}
	if price == 0 {
		return errcode.Wrap(errcode.ErrInvalidArgument, "trigger price must be positive")
	}
	return nil
}
