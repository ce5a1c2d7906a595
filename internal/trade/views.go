package trade

import (
	"math"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/swap"
)

// --- Fixed-point <-> decimal ---

func fromFixed(v uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromUint64(v).Shift(-decimals)
}

func usdDec(v uint64) decimal.Decimal   { return fromFixed(v, fixed.USDDecimals) }
func priceDec(v uint64) decimal.Decimal { return fromFixed(v, fixed.PriceDecimals) }
func lpDec(v uint64) decimal.Decimal    { return fromFixed(v, fixed.LPDecimals) }
func bpsDec(v uint64) decimal.Decimal   { return fromFixed(v, fixed.BpsDecimals) }

// toFixed converts a client decimal into a fixed-point integer, rejecting
// negative values, excess precision and overflow.
func toFixed(d decimal.Decimal, decimals int32, field string) (uint64, error) {
	if d.IsNegative() {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "%s must not be negative", field)
	}
	s := d.Shift(decimals)
	if !s.IsInteger() {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "%s has more than %d decimals", field, decimals)
	}
	b := s.BigInt()
	if !b.IsUint64() {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "%s out of range", field)
	}
	return b.Uint64(), nil
}

func toUSD(d decimal.Decimal, field string) (uint64, error) {
	return toFixed(d, fixed.USDDecimals, field)
}

func toPrice(d decimal.Decimal, field string) (uint64, error) {
	return toFixed(d, fixed.PriceDecimals, field)
}

// toLeverage reads a multiple such as "10" (10x) into basis points.
func toLeverage(d decimal.Decimal) (uint32, error) {
	v, err := toFixed(d, fixed.BpsDecimals, "leverage")
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, errcode.Wrap(errcode.ErrInvalidArgument, "leverage out of range")
	}
	return uint32(v), nil
}

func optPrice(d *decimal.Decimal, field string) (*uint64, error) {
	if d == nil {
		return nil, nil
	}
	v, err := toPrice(*d, field)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optPriceDec(v *uint64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := priceDec(*v)
	return &d
}

// --- Positions ---

// PositionView is the API representation of a position.
type PositionView struct {
	Address               solana.PublicKey    `json:"address"`
	ID                    uint64              `json:"id"`
	Owner                 solana.PublicKey    `json:"owner"`
	Pool                  solana.PublicKey    `json:"pool"`
	Custody               solana.PublicKey    `json:"custody"`
	CollateralCustody     solana.PublicKey    `json:"collateral_custody"`
	Side                  model.Side          `json:"side"`
	State                 model.PositionState `json:"state"`
	OpenTime              int64               `json:"open_time"`
	UpdateTime            int64               `json:"update_time"`
	EntryPrice            decimal.Decimal     `json:"entry_price"`
	SizeUsd               decimal.Decimal     `json:"size_usd"`
	BorrowSizeUsd         decimal.Decimal     `json:"borrow_size_usd"`
	CollateralUsd         decimal.Decimal     `json:"collateral_usd"`
	CollateralAmount      uint64              `json:"collateral_amount"`
	LockedAmount          uint64              `json:"locked_amount"`
	UnrealizedInterestUsd decimal.Decimal     `json:"unrealized_interest_usd"`
	Leverage              decimal.Decimal     `json:"leverage"`
	TakeProfit            *decimal.Decimal    `json:"take_profit,omitempty"`
	StopLoss              *decimal.Decimal    `json:"stop_loss,omitempty"`
	Referrer              *solana.PublicKey   `json:"referrer,omitempty"`
}

func positionView(p *model.Position) PositionView {
	lev, _ := p.Leverage()
	return PositionView{
		Address:               p.Address,
		ID:                    p.ID,
		Owner:                 p.Owner,
		Pool:                  p.Pool,
		Custody:               p.Custody,
		CollateralCustody:     p.CollateralCustody,
		Side:                  p.Side,
		State:                 p.State,
		OpenTime:              p.OpenTime,
		UpdateTime:            p.UpdateTime,
		EntryPrice:            priceDec(p.Price),
		SizeUsd:               usdDec(p.SizeUsd),
		BorrowSizeUsd:         usdDec(p.BorrowSizeUsd),
		CollateralUsd:         usdDec(p.CollateralUsd),
		CollateralAmount:      p.CollateralAmount,
		LockedAmount:          p.LockedAmount,
		UnrealizedInterestUsd: usdDec(p.UnrealizedInterestUsd),
		Leverage:              bpsDec(lev),
		TakeProfit:            optPriceDec(p.TakeProfitLimitPrice),
		StopLoss:              optPriceDec(p.StopLossLimitPrice),
		Referrer:              p.Referrer,
	}
}

// SettlementView is the outcome of a close, a liquidation or an exit quote.
type SettlementView struct {
	ExitPrice         decimal.Decimal `json:"exit_price"`
	ProfitUsd         decimal.Decimal `json:"profit_usd"`
	LossUsd           decimal.Decimal `json:"loss_usd"`
	InterestUsd       decimal.Decimal `json:"interest_usd"`
	ExitFeeUsd        decimal.Decimal `json:"exit_fee_usd"`
	LiquidationFeeUsd decimal.Decimal `json:"liquidation_fee_usd"`
	SettledUsd        decimal.Decimal `json:"settled_usd"`
	AmountOut         uint64          `json:"amount_out"`
	LiquidatorReward  uint64          `json:"liquidator_reward"`
}

func settlementView(s *position.Settlement) SettlementView {
	return SettlementView{
		ExitPrice:         priceDec(s.ExitPrice),
		ProfitUsd:         usdDec(s.ProfitUsd),
		LossUsd:           usdDec(s.LossUsd),
		InterestUsd:       usdDec(s.InterestUsd),
		ExitFeeUsd:        usdDec(s.ExitFeeUsd),
		LiquidationFeeUsd: usdDec(s.LiquidationFeeUsd),
		SettledUsd:        usdDec(s.SettledUsd),
		AmountOut:         s.AmountOut,
		LiquidatorReward:  s.LiquidatorReward,
	}
}

// EntryQuoteView previews an open.
type EntryQuoteView struct {
	EntryPrice        decimal.Decimal `json:"entry_price"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	SizeUsd           decimal.Decimal `json:"size_usd"`
	CollateralUsd     decimal.Decimal `json:"collateral_usd"`
	LockedAmount      uint64          `json:"locked_amount"`
	ExitFeeUsd        decimal.Decimal `json:"exit_fee_usd"`
	LiquidationFeeUsd decimal.Decimal `json:"liquidation_fee_usd"`
	Leverage          decimal.Decimal `json:"leverage"`
}

func entryQuoteView(q *position.EntryQuote) EntryQuoteView {
	return EntryQuoteView{
		EntryPrice:        priceDec(q.EntryPrice),
		LiquidationPrice:  priceDec(q.LiquidationPrice),
		SizeUsd:           usdDec(q.SizeUsd),
		CollateralUsd:     usdDec(q.CollateralUsd),
		LockedAmount:      q.LockedAmount,
		ExitFeeUsd:        usdDec(q.ExitFeeUsd),
		LiquidationFeeUsd: usdDec(q.LiquidationFeeUsd),
		Leverage:          bpsDec(uint64(q.Leverage)),
	}
}

// PnLView is the unrealized result of a position at the current price.
type PnLView struct {
	ExitPrice   decimal.Decimal `json:"exit_price"`
	ProfitUsd   decimal.Decimal `json:"profit_usd"`
	LossUsd     decimal.Decimal `json:"loss_usd"`
	InterestUsd decimal.Decimal `json:"interest_usd"`
}

func pnlView(q *position.PnLQuote) PnLView {
	return PnLView{
		ExitPrice:   priceDec(q.ExitPrice),
		ProfitUsd:   usdDec(q.ProfitUsd),
		LossUsd:     usdDec(q.LossUsd),
		InterestUsd: usdDec(q.InterestUsd),
	}
}

// --- Pools and custodies ---

// PoolView is the API representation of a pool.
type PoolView struct {
	Address         solana.PublicKey     `json:"address"`
	Name            string               `json:"name"`
	LpTokenMint     solana.PublicKey     `json:"lp_token_mint"`
	Custodies       []solana.PublicKey   `json:"custodies"`
	Ratios          []model.TokenRatios  `json:"ratios"`
	LiquidityState  model.LiquidityState `json:"liquidity_state"`
	AumUsd          decimal.Decimal      `json:"aum_usd"`
	AumSoftCapUsd   decimal.Decimal      `json:"aum_soft_cap_usd"`
	LpTokenSupply   decimal.Decimal      `json:"lp_token_supply"`
	GenesisLpLimit  decimal.Decimal      `json:"genesis_lp_limit"`
	GenesisLpMinted decimal.Decimal      `json:"genesis_lp_minted"`
	InceptionTime   int64                `json:"inception_time"`
	LastAumUpdate   int64                `json:"last_aum_update"`
}

func poolView(p *model.Pool) PoolView {
	custodies := p.Custodies
	if custodies == nil {
		custodies = []solana.PublicKey{}
	}
	ratios := p.Ratios
	if ratios == nil {
		ratios = []model.TokenRatios{}
	}
	return PoolView{
		Address:         p.Address,
		Name:            p.Name,
		LpTokenMint:     p.LpTokenMint,
		Custodies:       custodies,
		Ratios:          ratios,
		LiquidityState:  p.LiquidityState,
		AumUsd:          usdDec(p.AumUsd.Low()),
		AumSoftCapUsd:   usdDec(p.AumSoftCapUsd),
		LpTokenSupply:   lpDec(p.LpTokenSupply),
		GenesisLpLimit:  lpDec(p.GenesisLpLimit),
		GenesisLpMinted: lpDec(p.GenesisLpMinted),
		InceptionTime:   p.InceptionTime,
		LastAumUpdate:   p.LastAumUpdate,
	}
}

// CustodyView summarizes a custody's ledger and configuration.
type CustodyView struct {
	Address          solana.PublicKey       `json:"address"`
	Pool             solana.PublicKey       `json:"pool"`
	Mint             solana.PublicKey       `json:"mint"`
	Oracle           solana.PublicKey       `json:"oracle"`
	Symbol           string                 `json:"symbol"`
	Decimals         uint8                  `json:"decimals"`
	IsStable         bool                   `json:"is_stable"`
	AllowSwap        bool                   `json:"allow_swap"`
	AllowTrade       bool                   `json:"allow_trade"`
	Owned            uint64                 `json:"owned"`
	Locked           uint64                 `json:"locked"`
	Collateral       uint64                 `json:"collateral"`
	Utilization      decimal.Decimal        `json:"utilization"`
	HourlyBorrowRate decimal.Decimal        `json:"hourly_borrow_rate"`
	OiLongUsd        decimal.Decimal        `json:"oi_long_usd"`
	OiShortUsd       decimal.Decimal        `json:"oi_short_usd"`
	Pricing          model.Pricing          `json:"pricing"`
	Fees             model.Fees             `json:"fees"`
	BorrowRate       model.BorrowRateParams `json:"borrow_rate"`
}

func custodyView(c *model.Custody) CustodyView {
	util := decimal.Zero
	if c.Assets.Owned > 0 {
		util = decimal.NewFromUint64(c.Assets.Locked).Div(decimal.NewFromUint64(c.Assets.Owned)).Round(6)
	}
	return CustodyView{
		Address:          c.Address,
		Pool:             c.Pool,
		Mint:             c.Mint,
		Oracle:           c.Oracle,
		Symbol:           c.Symbol,
		Decimals:         c.Decimals,
		IsStable:         c.IsStable,
		AllowSwap:        c.AllowSwap,
		AllowTrade:       c.AllowTrade,
		Owned:            c.Assets.Owned,
		Locked:           c.Assets.Locked,
		Collateral:       c.Assets.Collateral,
		Utilization:      util,
		HourlyBorrowRate: fromFixed(c.BorrowRateState.CurrentRate, fixed.RateDecimals),
		OiLongUsd:        usdDec(c.TradeStats.OiLongUsd),
		OiShortUsd:       usdDec(c.TradeStats.OiShortUsd),
		Pricing:          c.Pricing,
		Fees:             c.Fees,
		BorrowRate:       c.BorrowRate,
	}
}

// AumView is a pool valuation.
type AumView struct {
	AumUsd        decimal.Decimal `json:"aum_usd"`
	LpTokenSupply decimal.Decimal `json:"lp_token_supply"`
	LpTokenPrice  decimal.Decimal `json:"lp_token_price"`
}

func aumView(a *engine.AumPayload) AumView {
	return AumView{
		AumUsd:        usdDec(a.AumUsd),
		LpTokenSupply: lpDec(a.LpTokenSupply),
		LpTokenPrice:  usdDec(a.LpTokenPrice),
	}
}

// --- Swaps and liquidity ---

// SwapView is the outcome of a swap or swap quote.
type SwapView struct {
	AmountOut uint64          `json:"amount_out"`
	FeeIn     uint64          `json:"fee_in"`
	FeeOut    uint64          `json:"fee_out"`
	FeeUsd    decimal.Decimal `json:"fee_usd"`
	AumUsd    decimal.Decimal `json:"aum_usd"`
}

func swapView(r *swap.SwapResult) SwapView {
	return SwapView{
		AmountOut: r.AmountOut,
		FeeIn:     r.FeeIn,
		FeeOut:    r.FeeOut,
		FeeUsd:    usdDec(r.FeeInUsd).Add(usdDec(r.FeeOutUsd)),
		AumUsd:    usdDec(r.AumUsd),
	}
}

// LiquidityView is the outcome of a deposit or withdrawal.
type LiquidityView struct {
	Amount   uint64          `json:"amount"`
	LpAmount decimal.Decimal `json:"lp_amount"`
	Fee      uint64          `json:"fee"`
	FeeUsd   decimal.Decimal `json:"fee_usd"`
	AumUsd   decimal.Decimal `json:"aum_usd"`
}

func liquidityView(r *swap.LiquidityResult) LiquidityView {
	return LiquidityView{
		Amount:   r.Amount,
		LpAmount: lpDec(r.LpAmount),
		Fee:      r.Fee,
		FeeUsd:   usdDec(r.FeeUsd),
		AumUsd:   usdDec(r.AumUsd),
	}
}
