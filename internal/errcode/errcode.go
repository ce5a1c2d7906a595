// Package errcode defines the flat numeric error taxonomy returned by every
// engine instruction. Codes live in the 6000–6070 range and are stable: clients
// decode failures by code, so a code is never reused or renumbered.
package errcode

import (
	"errors"
	"fmt"
	"sort"
)

// Kind partitions the code space by failure family.
type Kind string

const (
	KindState      Kind = "state"
	KindArithmetic Kind = "arithmetic"
	KindOracle     Kind = "oracle"
	KindRisk       Kind = "risk"
	KindTiming     Kind = "timing"
	KindAuth       Kind = "auth"
	KindInput      Kind = "input"
)

// Error is a named, numbered failure. Values are compared by identity, so
// callers match them with errors.Is against the exported sentinels.
type Error struct {
	Code uint32 `json:"code"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

var registry = make(map[uint32]*Error)

func define(code uint32, name string, kind Kind, msg string) *Error {
	if _, dup := registry[code]; dup {
		panic(fmt.Sprintf("errcode: duplicate code %d", code))
	}
	e := &Error{Code: code, Name: name, Kind: kind, Msg: msg}
	registry[code] = e
	return e
}

var (
	// --- Arithmetic ---

	ErrMathOverflow = define(6000, "MathOverflow", KindArithmetic, "overflow in arithmetic operation")

	// --- Oracle ---

	ErrUnsupportedOracle                               = define(6001, "UnsupportedOracle", KindOracle, "unsupported price oracle")
	ErrInvalidOracleAccount                            = define(6002, "InvalidOracleAccount", KindOracle, "invalid oracle account")
	ErrStaleOraclePrice                                = define(6003, "StaleOraclePrice", KindOracle, "stale oracle price")
	ErrInvalidOraclePrice                              = define(6004, "InvalidOraclePrice", KindOracle, "invalid oracle price")
	ErrPythPriceExponentTooLargeIncurringPrecisionLoss = define(6005,
		"PythPriceExponentTooLargeIncurringPrecisionLoss", KindOracle,
		"oracle exponent too large, scaling would lose precision")

	// --- State validity ---

	ErrInvalidPoolLiquidityState = define(6010, "InvalidPoolLiquidityState", KindState, "instruction not allowed in current pool liquidity state")
	ErrInvalidCustodyState       = define(6011, "InvalidCustodyState", KindState, "invalid custody state")
	ErrInvalidCollateralCustody  = define(6012, "InvalidCollateralCustody", KindState, "invalid collateral custody")
	ErrInvalidPositionState      = define(6013, "InvalidPositionState", KindState, "invalid position state")
	ErrInvalidPoolConfig         = define(6014, "InvalidPoolConfig", KindState, "invalid pool config")
	ErrInvalidCustodyConfig      = define(6015, "InvalidCustodyConfig", KindState, "invalid custody config")
	ErrPositionAlreadyClosed     = define(6016, "PositionAlreadyClosed", KindState, "position already closed")
	ErrCustodyNotFound           = define(6017, "CustodyNotFound", KindState, "custody not found")
	ErrPoolNotFound              = define(6018, "PoolNotFound", KindState, "pool not found")
	ErrPositionNotFound          = define(6019, "PositionNotFound", KindState, "position not found")
	ErrInstructionNotAllowed     = define(6020, "InstructionNotAllowed", KindState, "instruction is not allowed at this time")
	ErrCustodyInUse              = define(6021, "CustodyInUse", KindState, "custody still holds positions, collateral or locked tokens")
	ErrMaxCustodies              = define(6022, "MaxCustodies", KindState, "pool already holds the maximum number of custodies")
	ErrLockedStakeNotFound       = define(6023, "LockedStakeNotFound", KindState, "locked stake not found")

	// --- Risk limits ---

	ErrInsufficientAmountReturned          = define(6030, "InsufficientAmountReturned", KindRisk, "insufficient token amount returned")
	ErrMaxPriceSlippage                    = define(6031, "MaxPriceSlippage", KindRisk, "price slippage limit exceeded")
	ErrMaxLeverage                         = define(6032, "MaxLeverage", KindRisk, "position leverage limit exceeded")
	ErrMinLeverage                         = define(6033, "MinLeverage", KindRisk, "position leverage under minimum")
	ErrInsufficientCollateral              = define(6034, "InsufficientCollateral", KindRisk, "collateral under protocol minimum")
	ErrCustodyAmountLimit                  = define(6035, "CustodyAmountLimit", KindRisk, "custody amount limit exceeded")
	ErrMaxCumulativeShortPositionSizeLimit = define(6036, "MaxCumulativeShortPositionSizeLimit", KindRisk, "cumulative short position size limit exceeded")
	ErrMaxUtilization                      = define(6037, "MaxUtilization", KindRisk, "token utilization limit exceeded")
	ErrTokenRatioOutOfRange                = define(6038, "TokenRatioOutOfRange", KindRisk, "token ratio out of range")
	ErrPoolAumSoftCapUsdReached            = define(6039, "PoolAumSoftCapUsdReached", KindRisk, "pool aum soft cap reached")
	ErrGenesisAlpLimitReached              = define(6040, "GenesisAlpLimitReached", KindRisk, "genesis lp limit reached")
	ErrPositionNotInLiquidationRange       = define(6041, "PositionNotInLiquidationRange", KindRisk, "position is not in liquidation range")

	// --- Timing ---

	ErrPositionTooYoung         = define(6050, "PositionTooYoung", KindTiming, "position has not reached the minimum holding time")
	ErrTriggerNotReached        = define(6051, "TriggerNotReached", KindTiming, "close price does not satisfy the stored trigger")
	ErrLockedStakeNotReleasable = define(6052, "LockedStakeNotReleasable", KindTiming, "locked stake lock period has not ended")

	// --- Authorization and input ---

	ErrUnauthorized     = define(6060, "Unauthorized", KindAuth, "caller is not authorized")
	ErrInvalidArgument  = define(6061, "InvalidArgument", KindInput, "invalid argument")
	ErrUnsupportedToken = define(6062, "UnsupportedToken", KindInput, "unsupported token")
)

// Wrap attaches context to a sentinel while keeping it matchable.
func Wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// As returns the first coded error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Lookup returns the error registered under code.
func Lookup(code uint32) (*Error, bool) {
	e, ok := registry[code]
	return e, ok
}

// All returns every registered error ordered by code.
func All() []*Error {
	out := make([]*Error, 0, len(registry))
	for _, e := range registry {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
