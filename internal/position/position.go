// Package position is the lifecycle state machine of a leveraged position:
// open, increase, add/remove collateral, close, liquidate, and the
// take-profit/stop-loss triggers.
//
// Every transition works on clones of the records it touches and commits
// them only when the whole transition succeeded, so a failed instruction
// leaves custodies and positions exactly as they were. Callers are
// responsible for holding the records' locks.
package position

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/custody"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fees"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/pricing"
)

// Params are the protocol-wide position rules.
type Params struct {
	// MinCollateralUsd is the smallest collateral a position may hold.
	MinCollateralUsd uint64 `mapstructure:"min_collateral_usd"`
	// MinHoldSeconds is the holding time before a voluntary close.
	MinHoldSeconds int64 `mapstructure:"min_hold_seconds"`
	// FeeDistribution routes part of every fee to the staking vaults.
	FeeDistribution model.FeeDistribution `mapstructure:"fee_distribution"`
}

// DefaultParams returns the production rules: 10 USD minimum collateral
// and a 10 second holding time.
func DefaultParams() Params {
	return Params{
		MinCollateralUsd: 10 * fixed.USDPower,
		MinHoldSeconds:   10,
	}
}

// LeverageCheck selects the leverage bound applied by a transition.
type LeverageCheck uint8

const (
	LeverageOpen LeverageCheck = iota + 1
	LeverageIncrease
	LeverageRemoveCollateral
)

// Accounts are the custodies a position instruction touches, with their
// current prices. For longs CollateralCustody is the same record as
// Custody and CollateralPrice equals Price.
type Accounts struct {
	Custody           *model.Custody
	CollateralCustody *model.Custody
	Price             oracle.Price
	CollateralPrice   oracle.Price
}

func (a Accounts) sameCustody() bool {
	return a.Custody == a.CollateralCustody || a.Custody.Address.Equals(a.CollateralCustody.Address)
}

// validate checks the custody pairing rules of side: longs post the traded
// asset as collateral, shorts post a different stable asset of the pool.
func (a Accounts) validate(side model.Side) error {
	if !side.Valid() {
		return errcode.Wrap(errcode.ErrInvalidArgument, "invalid side %d", side)
	}
	if a.Custody == nil || a.CollateralCustody == nil {
		return errcode.Wrap(errcode.ErrCustodyNotFound, "missing custody")
	}
	if !a.Custody.Pool.Equals(a.CollateralCustody.Pool) {
		return errcode.Wrap(errcode.ErrInvalidCollateralCustody, "custodies belong to different pools")
	}
	switch side {
	case model.SideLong:
		if !a.sameCustody() {
			return errcode.Wrap(errcode.ErrInvalidCollateralCustody, "long collateral must be the traded asset")
		}
	case model.SideShort:
		if a.sameCustody() || !a.CollateralCustody.IsStable {
			return errcode.Wrap(errcode.ErrInvalidCollateralCustody, "short collateral must be a stable custody")
		}
	}
	return nil
}

// clone returns working copies that preserve the long aliasing.
func (a Accounts) clone() Accounts {
	out := a
	out.Custody = a.Custody.Clone()
	if a.Custody == a.CollateralCustody {
		out.CollateralCustody = out.Custody
	} else {
		out.CollateralCustody = a.CollateralCustody.Clone()
	}
	return out
}

// commit writes working copies back into the originals.
func (a Accounts) commit(work Accounts) {
	*a.Custody = *work.Custody
	if a.Custody != a.CollateralCustody {
		*a.CollateralCustody = *work.CollateralCustody
	}
}

// Manager applies position transitions under a fixed set of Params.
type Manager struct {
	params Params
}

// NewManager creates a lifecycle manager.
func NewManager(p Params) *Manager {
	return &Manager{params: p}
}

func (m *Manager) Params() Params { return m.params }

// --- Requests and quotes ---

// OpenRequest opens a position. Price is the worst acceptable entry price:
// a ceiling for longs, a floor for shorts.
type OpenRequest struct {
	Owner      solana.PublicKey  `json:"owner"`
	Side       model.Side        `json:"side"`
	Price      uint64            `json:"price"`
	Collateral uint64            `json:"collateral"`
	Leverage   uint32            `json:"leverage"`
	Referrer   *solana.PublicKey `json:"referrer,omitempty"`
}

// IncreaseRequest adds collateral × leverage of size to a position.
type IncreaseRequest struct {
	Price      uint64 `json:"price"`
	Collateral uint64 `json:"collateral"`
	Leverage   uint32 `json:"leverage"`
}

// EntryQuote is the read-only result of getEntryPriceAndFee.
type EntryQuote struct {
	EntryPrice        uint64 `json:"entry_price"`
	LiquidationPrice  uint64 `json:"liquidation_price"`
	SizeUsd           uint64 `json:"size_usd"`
	CollateralUsd     uint64 `json:"collateral_usd"`
	LockedAmount      uint64 `json:"locked_amount"`
	ExitFeeUsd        uint64 `json:"exit_fee_usd"`
	LiquidationFeeUsd uint64 `json:"liquidation_fee_usd"`
	Leverage          uint32 `json:"leverage"`
}

// Settlement is the outcome of a close or liquidation.
type Settlement struct {
	ExitPrice         uint64 `json:"exit_price"`
	ProfitUsd         uint64 `json:"profit_usd"`
	LossUsd           uint64 `json:"loss_usd"`
	InterestUsd       uint64 `json:"interest_usd"`
	ExitFeeUsd        uint64 `json:"exit_fee_usd"`
	LiquidationFeeUsd uint64 `json:"liquidation_fee_usd"`
	SettledUsd        uint64 `json:"settled_usd"`
	// AmountOut is paid to the owner in collateral tokens.
	AmountOut uint64 `json:"amount_out"`
	// LiquidatorReward is paid to the liquidator in collateral tokens.
	LiquidatorReward uint64 `json:"liquidator_reward"`
	// Rewards are the staking shares carved out of the fees, in tokens.
	Rewards     fees.RewardShares `json:"-"`
	LmRewardUsd uint64            `json:"lm_reward_usd"`
	LpRewardUsd uint64            `json:"lp_reward_usd"`
}

// PnLQuote is the read-only result of getPnl.
type PnLQuote struct {
	ExitPrice   uint64 `json:"exit_price"`
	ProfitUsd   uint64 `json:"profit_usd"`
	LossUsd     uint64 `json:"loss_usd"`
	InterestUsd uint64 `json:"interest_usd"`
}

// CollateralChange adjusts a liquidation price quote for a prospective
// collateral change.
type CollateralChange struct {
	AddUsd    uint64 `json:"add_usd"`
	RemoveUsd uint64 `json:"remove_usd"`
}

// --- Shared computations ---

func spread(c *model.Custody, side model.Side) uint16 {
	if side == model.SideShort {
		return c.Pricing.TradeSpreadShort
	}
	return c.Pricing.TradeSpreadLong
}

func checkLeverage(c *model.Custody, check LeverageCheck, leverage uint64) error {
	p := c.Pricing
	switch check {
	case LeverageOpen:
		if leverage < uint64(p.MinInitialLeverage) {
			return errcode.Wrap(errcode.ErrMinLeverage, "leverage %d below %d", leverage, p.MinInitialLeverage)
		}
		if leverage > uint64(p.MaxInitialLeverage) {
			return errcode.Wrap(errcode.ErrMaxLeverage, "leverage %d above %d", leverage, p.MaxInitialLeverage)
		}
	case LeverageIncrease:
		if leverage > uint64(p.MaxInitialLeverage) {
			return errcode.Wrap(errcode.ErrMaxLeverage, "leverage %d above %d", leverage, p.MaxInitialLeverage)
		}
	case LeverageRemoveCollateral:
		if leverage > uint64(p.MaxLeverage) {
			return errcode.Wrap(errcode.ErrMaxLeverage, "leverage %d above %d", leverage, p.MaxLeverage)
		}
	}
	return nil
}

func checkSlippage(side model.Side, fill, limit uint64) error {
	if side == model.SideLong && fill > limit {
		return errcode.Wrap(errcode.ErrMaxPriceSlippage, "long fill %d above limit %d", fill, limit)
	}
	if side == model.SideShort && fill < limit {
		return errcode.Wrap(errcode.ErrMaxPriceSlippage, "short fill %d below limit %d", fill, limit)
	}
	return nil
}

func requireOpen(pos *model.Position) error {
	if pos.State == model.PositionClosed {
		return fmt.Errorf("%w: %w", errcode.ErrPositionAlreadyClosed, errcode.ErrInvalidPositionState)
	}
	if pos.State != model.PositionOpen {
		return errcode.Wrap(errcode.ErrInvalidPositionState, "state %s", pos.State)
	}
	return nil
}

// sizing is the collateral valuation, size and lock of a new increment.
type sizing struct {
	entry         uint64
	collateralUsd uint64
	sizeUsd       uint64
	lockedAmount  uint64
}

func (m *Manager) size(acc Accounts, side model.Side, collateral uint64, leverage uint32, check LeverageCheck) (sizing, error) {
	var s sizing
	if collateral == 0 {
		return s, errcode.Wrap(errcode.ErrInvalidArgument, "collateral must be positive")
	}
	if check == LeverageIncrease {
		// The increment itself follows the opening bounds.
		if err := checkLeverage(acc.Custody, LeverageOpen, uint64(leverage)); err != nil {
			return s, err
		}
	} else if err := checkLeverage(acc.Custody, check, uint64(leverage)); err != nil {
		return s, err
	}

	var err error
	if s.entry, err = pricing.EntryPrice(side, acc.Price, spread(acc.Custody, side)); err != nil {
		return s, err
	}
	cc := acc.CollateralCustody
	if s.collateralUsd, err = fixed.TokenToUSD(collateral, cc.Decimals, acc.CollateralPrice.Min()); err != nil {
		return s, err
	}
	if s.sizeUsd, err = fixed.MulDiv(s.collateralUsd, uint64(leverage), fixed.BpsPower); err != nil {
		return s, err
	}
	if s.sizeUsd == 0 {
		return s, errcode.Wrap(errcode.ErrInsufficientCollateral, "size rounds to zero")
	}
	if s.lockedAmount, err = fixed.USDToTokenCeil(s.sizeUsd, cc.Decimals, acc.CollateralPrice.Min()); err != nil {
		return s, err
	}
	return s, nil
}

// interestOwed is the position's unpaid interest at the index value cum.
func interestOwed(pos *model.Position, cum fixed.U128) (uint64, error) {
	accrued, err := custody.InterestUsd(pos.BorrowSizeUsd, cum, pos.CumulativeInterestSnapshot)
	if err != nil {
		return 0, err
	}
	return fixed.Add(pos.UnrealizedInterestUsd, accrued)
}

func (m *Manager) margin(acc Accounts, pos *model.Position, now int64) (pricing.Margin, error) {
	cum, err := custody.ProjectedCumulativeInterest(acc.CollateralCustody, now)
	if err != nil {
		return pricing.Margin{}, err
	}
	interest, err := interestOwed(pos, cum)
	if err != nil {
		return pricing.Margin{}, err
	}
	exitFee, err := fees.PositionFee(acc.Custody.Fees, fees.ClosePosition, pos.SizeUsd)
	if err != nil {
		return pricing.Margin{}, err
	}
	return pricing.Margin{
		Side:          pos.Side,
		EntryPrice:    pos.Price,
		SizeUsd:       pos.SizeUsd,
		CollateralUsd: pos.CollateralUsd,
		InterestUsd:   interest,
		ExitFeeUsd:    exitFee,
	}, nil
}

// --- Read-only quotes ---

// QuoteEntry prices an open request without mutating anything. Opening
// with the same request against the same prices stores exactly
// EntryPrice.
func (m *Manager) QuoteEntry(acc Accounts, req OpenRequest) (*EntryQuote, error) {
	if err := acc.validate(req.Side); err != nil {
		return nil, err
	}
	s, err := m.size(acc, req.Side, req.Collateral, req.Leverage, LeverageOpen)
	if err != nil {
		return nil, err
	}
	exitFee, err := fees.PositionFee(acc.Custody.Fees, fees.ClosePosition, s.sizeUsd)
	if err != nil {
		return nil, err
	}
	liqFee, err := fees.PositionFee(acc.Custody.Fees, fees.Liquidation, s.sizeUsd)
	if err != nil {
		return nil, err
	}
	liq, err := pricing.LiquidationPrice(pricing.Margin{
		Side:          req.Side,
		EntryPrice:    s.entry,
		SizeUsd:       s.sizeUsd,
		CollateralUsd: s.collateralUsd,
		ExitFeeUsd:    exitFee,
	})
	if err != nil {
		return nil, err
	}
	return &EntryQuote{
		EntryPrice:        s.entry,
		LiquidationPrice:  liq,
		SizeUsd:           s.sizeUsd,
		CollateralUsd:     s.collateralUsd,
		LockedAmount:      s.lockedAmount,
		ExitFeeUsd:        exitFee,
		LiquidationFeeUsd: liqFee,
		Leverage:          req.Leverage,
	}, nil
}

// QuoteExit computes what closing pos at now would settle, without
// mutating anything.
func (m *Manager) QuoteExit(acc Accounts, pos *model.Position, now int64) (*Settlement, error) {
	if err := requireOpen(pos); err != nil {
		return nil, err
	}
	s, _, _, err := m.settle(acc, pos, now, false)
	return s, err
}

// QuotePnL values pos at the current exit price.
func (m *Manager) QuotePnL(acc Accounts, pos *model.Position, now int64) (*PnLQuote, error) {
	if err := requireOpen(pos); err != nil {
		return nil, err
	}
	exit, err := pricing.ExitPrice(pos.Side, acc.Price)
	if err != nil {
		return nil, err
	}
	profit, loss, err := pricing.PnL(pos.Side, pos.Price, exit, pos.SizeUsd)
	if err != nil {
		return nil, err
	}
	mg, err := m.margin(acc, pos, now)
	if err != nil {
		return nil, err
	}
	return &PnLQuote{ExitPrice: exit, ProfitUsd: profit, LossUsd: loss, InterestUsd: mg.InterestUsd}, nil
}

// QuoteLiquidationPrice solves the liquidation price of pos, optionally
// after a prospective collateral change.
func (m *Manager) QuoteLiquidationPrice(acc Accounts, pos *model.Position, change CollateralChange, now int64) (uint64, error) {
	if err := requireOpen(pos); err != nil {
		return 0, err
	}
	mg, err := m.margin(acc, pos, now)
	if err != nil {
		return 0, err
	}
	if mg.CollateralUsd, err = fixed.Add(mg.CollateralUsd, change.AddUsd); err != nil {
		return 0, err
	}
	mg.CollateralUsd = fixed.SaturatingSub(mg.CollateralUsd, change.RemoveUsd)
	return pricing.LiquidationPrice(mg)
}

// QuoteLiquidationState reports whether pos can be liquidated at now.
func (m *Manager) QuoteLiquidationState(acc Accounts, pos *model.Position, now int64) (bool, error) {
	if err := requireOpen(pos); err != nil {
		return false, err
	}
	mg, err := m.margin(acc, pos, now)
	if err != nil {
		return false, err
	}
	exit, err := pricing.ExitPrice(pos.Side, acc.Price)
	if err != nil {
		return false, err
	}
	return pricing.Liquidatable(mg, exit)
}
