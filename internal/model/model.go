// Package model defines the account records shared across the engine:
// custodies, pools, positions and the protocol configuration aggregate.
//
// Monetary fields are fixed-point integers (see package fixed). USD amounts
// carry 6 decimals, prices 10, rates 9, and fee/ratio/leverage values are
// basis points.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/fixed"
)

// MaxCustodies is the number of custodies a pool can aggregate.
const MaxCustodies = 8

// Side is the direction of a position. The zero value is not a valid side.
type Side uint8

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Valid reports whether s is Long or Short.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "long" or "short" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	}
	return 0, fmt.Errorf("model: unknown side %q", s)
}

// LiquidityState gates which instructions a pool accepts.
type LiquidityState uint8

const (
	// GenesisLiquidity accepts only genesis deposits.
	GenesisLiquidity LiquidityState = iota + 1
	// Idle rejects liquidity, swaps and new positions; existing positions
	// may still be managed and closed.
	Idle
	// Active accepts every instruction.
	Active
)

func (s LiquidityState) String() string {
	switch s {
	case GenesisLiquidity:
		return "genesis_liquidity"
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("liquidity_state(%d)", uint8(s))
	}
}

func (s LiquidityState) Valid() bool { return s >= GenesisLiquidity && s <= Active }

func (s LiquidityState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid liquidity state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *LiquidityState) UnmarshalText(text []byte) error {
	v, err := ParseLiquidityState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseLiquidityState(s string) (LiquidityState, error) {
	switch strings.ToLower(s) {
	case "genesis_liquidity", "genesis":
		return GenesisLiquidity, nil
	case "idle":
		return Idle, nil
	case "active":
		return Active, nil
	}
	return 0, fmt.Errorf("model: unknown liquidity state %q", s)
}

// --- Custody ---

// Assets is the token ledger of a custody in native units. Owned is the
// pool's liquidity; Locked is the part of Owned reserved for trader profit;
// Collateral is the traders' deposits, tracked separately from Owned.
type Assets struct {
	Collateral uint64 `json:"collateral"`
	Owned      uint64 `json:"owned"`
	Locked     uint64 `json:"locked"`
}

// Fees are basis-point rates per operation. FeeMax caps every rate.
type Fees struct {
	SwapIn          uint16 `json:"swap_in" mapstructure:"swap_in"`
	SwapOut         uint16 `json:"swap_out" mapstructure:"swap_out"`
	StableSwapIn    uint16 `json:"stable_swap_in" mapstructure:"stable_swap_in"`
	StableSwapOut   uint16 `json:"stable_swap_out" mapstructure:"stable_swap_out"`
	AddLiquidity    uint16 `json:"add_liquidity" mapstructure:"add_liquidity"`
	RemoveLiquidity uint16 `json:"remove_liquidity" mapstructure:"remove_liquidity"`
	ClosePosition   uint16 `json:"close_position" mapstructure:"close_position"`
	Liquidation     uint16 `json:"liquidation" mapstructure:"liquidation"`
	FeeMax          uint16 `json:"fee_max" mapstructure:"fee_max"`
}

// Pricing holds the trading limits of a custody. Leverage values are in
// basis points (10_000 = 1x).
type Pricing struct {
	TradeSpreadLong                   uint16 `json:"trade_spread_long" mapstructure:"trade_spread_long"`
	TradeSpreadShort                  uint16 `json:"trade_spread_short" mapstructure:"trade_spread_short"`
	MinInitialLeverage                uint32 `json:"min_initial_leverage" mapstructure:"min_initial_leverage"`
	MaxInitialLeverage                uint32 `json:"max_initial_leverage" mapstructure:"max_initial_leverage"`
	MaxLeverage                       uint32 `json:"max_leverage" mapstructure:"max_leverage"`
	MaxPositionLockedUsd              uint64 `json:"max_position_locked_usd" mapstructure:"max_position_locked_usd"`
	MaxCumulativeShortPositionSizeUsd uint64 `json:"max_cumulative_short_position_size_usd" mapstructure:"max_cumulative_short_position_size_usd"`
	MaxUtilization                    uint16 `json:"max_utilization" mapstructure:"max_utilization"`
}

// BorrowRateParams configures the utilization → hourly rate curve.
type BorrowRateParams struct {
	// MaxHourlyBorrowInterestRate is reached at 100% utilization (RateDecimals).
	MaxHourlyBorrowInterestRate uint64 `json:"max_hourly_borrow_interest_rate" mapstructure:"max_hourly_borrow_interest_rate"`
	// OptimalUtilization is the kink of the curve in bps.
	OptimalUtilization uint16 `json:"optimal_utilization" mapstructure:"optimal_utilization"`
	// OptimalRateShare is the fraction of the max rate reached at the kink, in bps.
	OptimalRateShare uint16 `json:"optimal_rate_share" mapstructure:"optimal_rate_share"`
}

// BorrowRateState is the interest index of a custody. CumulativeInterest
// is Σ rate × hours and only ever grows.
type BorrowRateState struct {
	CurrentRate        uint64     `json:"current_rate"`
	CumulativeInterest fixed.U128 `json:"cumulative_interest"`
	LastUpdate         int64      `json:"last_update"`
}

// FeeStats accumulates collected fees in USD.
type FeeStats struct {
	SwapUsd            uint64 `json:"swap_usd"`
	AddLiquidityUsd    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUsd uint64 `json:"remove_liquidity_usd"`
	ClosePositionUsd   uint64 `json:"close_position_usd"`
	LiquidationUsd     uint64 `json:"liquidation_usd"`
	BorrowUsd          uint64 `json:"borrow_usd"`
}

// VolumeStats accumulates traded volume in USD.
type VolumeStats struct {
	SwapUsd            uint64 `json:"swap_usd"`
	AddLiquidityUsd    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUsd uint64 `json:"remove_liquidity_usd"`
	OpenPositionUsd    uint64 `json:"open_position_usd"`
	ClosePositionUsd   uint64 `json:"close_position_usd"`
	LiquidationUsd     uint64 `json:"liquidation_usd"`
}

// TradeStats tracks realized trader results and open interest.
type TradeStats struct {
	ProfitUsd  uint64 `json:"profit_usd"`
	LossUsd    uint64 `json:"loss_usd"`
	OiLongUsd  uint64 `json:"oi_long_usd"`
	OiShortUsd uint64 `json:"oi_short_usd"`
}

// PositionsAccounting aggregates one side of a custody.
//
// OpenPositions, SizeUsd, CollateralUsd and WeightedPrice are kept on the
// traded custody. LockedAmount, BorrowSizeUsd and the interest fields are
// kept on the collateral custody, which supplies the locked tokens. For
// longs both are the same custody.
type PositionsAccounting struct {
	OpenPositions uint64 `json:"open_positions"`
	SizeUsd       uint64 `json:"size_usd"`
	CollateralUsd uint64 `json:"collateral_usd"`
	// WeightedPrice is Σ entryPrice × sizeUsd over open positions.
	WeightedPrice fixed.U128 `json:"weighted_price"`

	LockedAmount               uint64     `json:"locked_amount"`
	BorrowSizeUsd              uint64     `json:"borrow_size_usd"`
	CumulativeInterestUsd      uint64     `json:"cumulative_interest_usd"`
	CumulativeInterestSnapshot fixed.U128 `json:"cumulative_interest_snapshot"`
}

// AveragePrice is the size-weighted entry price of the side, or 0.
func (a *PositionsAccounting) AveragePrice() (uint64, error) {
	if a.SizeUsd == 0 {
		return 0, nil
	}
	return a.WeightedPrice.DivUint64(a.SizeUsd)
}

// Custody is the per-asset vault and accounting record of a pool.
type Custody struct {
	Address     solana.PublicKey `json:"address"`
	Pool        solana.PublicKey `json:"pool"`
	Mint        solana.PublicKey `json:"mint"`
	Oracle      solana.PublicKey `json:"oracle"`
	TradeOracle solana.PublicKey `json:"trade_oracle"`
	Symbol      string           `json:"symbol"`

	IsStable   bool  `json:"is_stable"`
	AllowSwap  bool  `json:"allow_swap"`
	AllowTrade bool  `json:"allow_trade"`
	Decimals   uint8 `json:"decimals"`

	Pricing    Pricing          `json:"pricing"`
	Fees       Fees             `json:"fees"`
	BorrowRate BorrowRateParams `json:"borrow_rate"`

	BorrowRateState BorrowRateState     `json:"borrow_rate_state"`
	Assets          Assets              `json:"assets"`
	CollectedFees   FeeStats            `json:"collected_fees"`
	VolumeStats     VolumeStats         `json:"volume_stats"`
	TradeStats      TradeStats          `json:"trade_stats"`
	LongPositions   PositionsAccounting `json:"long_positions"`
	ShortPositions  PositionsAccounting `json:"short_positions"`
}

// Side returns the accounting of side.
func (c *Custody) Side(side Side) *PositionsAccounting {
	if side == SideShort {
		return &c.ShortPositions
	}
	return &c.LongPositions
}

// PriceFeed returns the feed used for trading, falling back to Oracle when
// no dedicated trade oracle is configured.
func (c *Custody) PriceFeed() solana.PublicKey {
	if c.TradeOracle.IsZero() {
		return c.Oracle
	}
	return c.TradeOracle
}

// Clone returns a deep copy.
func (c *Custody) Clone() *Custody {
	cp := *c
	return &cp
}

// --- Pool ---

// TokenRatios bounds a custody's share of the pool, in bps.
type TokenRatios struct {
	Target uint16 `json:"target" mapstructure:"target"`
	Min    uint16 `json:"min" mapstructure:"min"`
	Max    uint16 `json:"max" mapstructure:"max"`
}

// Pool aggregates up to MaxCustodies custodies. Custodies[i] is governed by
// Ratios[i].
type Pool struct {
	Address         solana.PublicKey   `json:"address"`
	Name            string             `json:"name"`
	LpTokenMint     solana.PublicKey   `json:"lp_token_mint"`
	Custodies       []solana.PublicKey `json:"custodies"`
	Ratios          []TokenRatios      `json:"ratios"`
	AumUsd          fixed.U128         `json:"aum_usd"`
	AumSoftCapUsd   uint64             `json:"aum_soft_cap_usd"`
	GenesisLpLimit  uint64             `json:"genesis_lp_limit"`
	GenesisLpMinted uint64             `json:"genesis_lp_minted"`
	LpTokenSupply   uint64             `json:"lp_token_supply"`
	LiquidityState  LiquidityState     `json:"liquidity_state"`
	InceptionTime   int64              `json:"inception_time"`
	LastAumUpdate   int64              `json:"last_aum_update"`
}

// RegisteredCustodyCount is the number of custodies in the pool.
func (p *Pool) RegisteredCustodyCount() int { return len(p.Custodies) }

// CustodyIndex returns the position of custody in the pool, or -1.
func (p *Pool) CustodyIndex(custody solana.PublicKey) int {
	for i, c := range p.Custodies {
		if c.Equals(custody) {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	cp := *p
	cp.Custodies = append([]solana.PublicKey(nil), p.Custodies...)
	cp.Ratios = append([]TokenRatios(nil), p.Ratios...)
	return &cp
}

// --- Position ---

// PositionState is Open for every live record; Closed is observed only by
// callers that raced a close or liquidation.
type PositionState uint8

const (
	PositionOpen PositionState = iota + 1
	PositionClosed
)

func (s PositionState) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionClosed:
		return "closed"
	default:
		return fmt.Sprintf("position_state(%d)", uint8(s))
	}
}

func (s PositionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PositionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "open":
		*s = PositionOpen
	case "closed":
		*s = PositionClosed
	default:
		return fmt.Errorf("model: unknown position state %q", text)
	}
	return nil
}

// Position is one trader's leveraged position on (custody, side,
// collateral custody).
type Position struct {
	Address           solana.PublicKey `json:"address"`
	ID                uint64           `json:"id"`
	Owner             solana.PublicKey `json:"owner"`
	Pool              solana.PublicKey `json:"pool"`
	Custody           solana.PublicKey `json:"custody"`
	CollateralCustody solana.PublicKey `json:"collateral_custody"`
	Side              Side             `json:"side"`
	State             PositionState    `json:"state"`

	OpenTime   int64 `json:"open_time"`
	UpdateTime int64 `json:"update_time"`

	// Price is the entry price (PriceDecimals).
	Price            uint64 `json:"price"`
	SizeUsd          uint64 `json:"size_usd"`
	BorrowSizeUsd    uint64 `json:"borrow_size_usd"`
	CollateralUsd    uint64 `json:"collateral_usd"`
	CollateralAmount uint64 `json:"collateral_amount"`
	LockedAmount     uint64 `json:"locked_amount"`

	// UnrealizedInterestUsd is interest rolled in at earlier touches and
	// not yet paid.
	UnrealizedInterestUsd      uint64     `json:"unrealized_interest_usd"`
	CumulativeInterestSnapshot fixed.U128 `json:"cumulative_interest_snapshot"`

	TakeProfitLimitPrice *uint64           `json:"take_profit_limit_price,omitempty"`
	StopLossLimitPrice   *uint64           `json:"stop_loss_limit_price,omitempty"`
	Referrer             *solana.PublicKey `json:"referrer,omitempty"`
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	cp := *p
	if p.TakeProfitLimitPrice != nil {
		v := *p.TakeProfitLimitPrice
		cp.TakeProfitLimitPrice = &v
	}
	if p.StopLossLimitPrice != nil {
		v := *p.StopLossLimitPrice
		cp.StopLossLimitPrice = &v
	}
	if p.Referrer != nil {
		v := *p.Referrer
		cp.Referrer = &v
	}
	return &cp
}

// Leverage returns sizeUsd / collateralUsd in bps, rounded up so a
// position a fraction past a cap does not compare equal to it.
func (p *Position) Leverage() (uint64, error) {
	if p.CollateralUsd == 0 {
		return 0, nil
	}
	return fixed.MulDivCeil(p.SizeUsd, fixed.BpsPower, p.CollateralUsd)
}

// --- Protocol aggregate ---

// FeeDistribution is the share of every collected fee routed to the
// staking reward vaults, in bps.
type FeeDistribution struct {
	LmStakingBps uint16 `json:"lm_staking_bps" mapstructure:"lm_staking_bps"`
	LpStakingBps uint16 `json:"lp_staking_bps" mapstructure:"lp_staking_bps"`
}

// Cortex is the protocol configuration aggregate. Its counters are only
// incremented under the engine's registry lock.
type Cortex struct {
	Admin                solana.PublicKey `json:"admin"`
	ProtocolFeeRecipient solana.PublicKey `json:"protocol_fee_recipient"`
	ProgramID            solana.PublicKey `json:"program_id"`
	FeeDistribution      FeeDistribution  `json:"fee_distribution"`
	PositionIDCounter    uint64           `json:"position_id_counter"`
	LockedStakeIDCounter uint64           `json:"locked_stake_id_counter"`
}

// LockedStake is a governance-locked stake recorded by the engine.
type LockedStake struct {
	ID           uint64           `json:"id"`
	Owner        solana.PublicKey `json:"owner"`
	Amount       uint64           `json:"amount"`
	StakeTime    int64            `json:"stake_time"`
	LockDuration int64            `json:"lock_duration"`
}

// EndTime is the first instant the stake can be released.
func (s *LockedStake) EndTime() int64 { return s.StakeTime + s.LockDuration }

// GenesisLock records LP minted to an owner during genesis.
type GenesisLock struct {
	Owner    solana.PublicKey `json:"owner"`
	Pool     solana.PublicKey `json:"pool"`
	LpAmount uint64           `json:"lp_amount"`
}

// State is a full snapshot of the engine, used for persistence.
type State struct {
	Cortex       Cortex        `json:"cortex"`
	Pools        []Pool        `json:"pools"`
	Custodies    []Custody     `json:"custodies"`
	Positions    []Position    `json:"positions"`
	LockedStakes []LockedStake `json:"locked_stakes"`
	GenesisLocks []GenesisLock `json:"genesis_locks"`
	TakenAt      int64         `json:"taken_at"`
}

// --- Events ---

// EventType names an emitted event.
type EventType string

const (
	EventOpenPosition        EventType = "OpenPosition"
	EventIncreasePosition    EventType = "IncreasePosition"
	EventAddCollateral       EventType = "AddCollateral"
	EventRemoveCollateral    EventType = "RemoveCollateral"
	EventClosePosition       EventType = "ClosePosition"
	EventLiquidatePosition   EventType = "LiquidatePosition"
	EventSetTakeProfit       EventType = "SetTakeProfit"
	EventSetStopLoss         EventType = "SetStopLoss"
	EventCancelTakeProfit    EventType = "CancelTakeProfit"
	EventCancelStopLoss      EventType = "CancelStopLoss"
	EventSwap                EventType = "Swap"
	EventAddLiquidity        EventType = "AddLiquidity"
	EventRemoveLiquidity     EventType = "RemoveLiquidity"
	EventAddGenesisLiquidity EventType = "AddGenesisLiquidity"
	EventUpdatePoolAum       EventType = "UpdatePoolAum"
	EventAddLockedStake      EventType = "AddLockedStake"
	EventRemoveLockedStake   EventType = "RemoveLockedStake"
	EventAdmin               EventType = "Admin"
)

// Event is an immutable record of a committed instruction. Data holds the
// instruction-specific payload as JSON.
type Event struct {
	ID       string           `json:"id"`
	Type     EventType        `json:"type"`
	Time     int64            `json:"time"`
	Owner    solana.PublicKey `json:"owner"`
	Pool     solana.PublicKey `json:"pool"`
	Custody  solana.PublicKey `json:"custody"`
	Position solana.PublicKey `json:"position"`
	Data     json.RawMessage  `json:"data,omitempty"`
}
