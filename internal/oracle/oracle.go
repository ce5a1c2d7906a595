// Package oracle normalizes external price feeds into the engine's fixed
// price representation and rejects stale or untrustworthy data before any
// state is touched.
package oracle

import (
	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
)

// maxExponent bounds |exponent|; beyond it 10^|exponent| no longer fits the
// 128-bit scaling range.
const maxExponent = 38

// RawPrice is a feed observation as published: price × 10^Exponent USD,
// with Confidence in the same units.
type RawPrice struct {
	Feed        solana.PublicKey `json:"feed"`
	Price       int64            `json:"price"`
	Confidence  uint64           `json:"confidence"`
	Exponent    int32            `json:"exponent"`
	PublishTime int64            `json:"publish_time"`
}

// Price is a normalized observation. Price and Confidence carry
// fixed.PriceDecimals decimals.
type Price struct {
	Price       uint64 `json:"price"`
	Confidence  uint64 `json:"confidence"`
	PublishTime int64  `json:"publish_time"`
}

// Exponent is always −PriceDecimals after normalization.
func (p Price) Exponent() int32 { return -fixed.PriceDecimals }

// Min is the low edge of the confidence interval.
func (p Price) Min() uint64 { return fixed.SaturatingSub(p.Price, p.Confidence) }

// Max is the high edge of the confidence interval.
func (p Price) Max() (uint64, error) { return fixed.Add(p.Price, p.Confidence) }

// ConfidenceBps returns the confidence interval relative to price, in bps.
func (p Price) ConfidenceBps() (uint64, error) {
	if p.Price == 0 {
		return 0, errcode.ErrInvalidOraclePrice
	}
	return fixed.MulDivCeil(p.Confidence, fixed.BpsPower, p.Price)
}

// Normalize scales raw to fixed.PriceDecimals. Scaling down would discard
// digits, so exponents below −PriceDecimals are rejected.
func Normalize(raw RawPrice) (Price, error) {
	if raw.Price <= 0 {
		return Price{}, errcode.Wrap(errcode.ErrInvalidOraclePrice, "non-positive price %d", raw.Price)
	}
	if raw.Exponent < -maxExponent || raw.Exponent > maxExponent || raw.Exponent < -fixed.PriceDecimals {
		return Price{}, errcode.Wrap(errcode.ErrPythPriceExponentTooLargeIncurringPrecisionLoss,
			"exponent %d", raw.Exponent)
	}
	shift := int(raw.Exponent) + fixed.PriceDecimals
	scale, err := fixed.Pow10(shift)
	if err != nil {
		return Price{}, err
	}
	if !scale.IsUint64() {
		return Price{}, errcode.ErrMathOverflow
	}
	price, err := fixed.Mul(uint64(raw.Price), scale.Uint64())
	if err != nil {
		return Price{}, err
	}
	conf, err := fixed.Mul(raw.Confidence, scale.Uint64())
	if err != nil {
		return Price{}, err
	}
	return Price{Price: price, Confidence: conf, PublishTime: raw.PublishTime}, nil
}

// Source returns the latest raw observation for a feed without blocking.
type Source interface {
	Latest(feed solana.PublicKey) (RawPrice, error)
}

// Config bounds the age and width of accepted prices.
type Config struct {
	// MaxAgeSeconds is the staleness threshold.
	MaxAgeSeconds int64 `mapstructure:"max_age_seconds"`
	// MaxConfidenceBps rejects prices whose confidence interval is wider
	// than this share of the price.
	MaxConfidenceBps uint64 `mapstructure:"max_confidence_bps"`
}

// DefaultConfig matches a typical Pyth push feed.
func DefaultConfig() Config {
	return Config{MaxAgeSeconds: 30, MaxConfidenceBps: 250}
}

// Adapter reads and validates prices for the engine.
type Adapter struct {
	src Source
	cfg Config
}

// NewAdapter wraps src with the validation rules in cfg.
func NewAdapter(src Source, cfg Config) *Adapter {
	return &Adapter{src: src, cfg: cfg}
}

// Read returns the normalized price of feed as of now.
func (a *Adapter) Read(feed solana.PublicKey, now int64) (Price, error) {
	if feed.IsZero() {
		return Price{}, errcode.ErrInvalidOracleAccount
	}
	raw, err := a.src.Latest(feed)
	if err != nil {
		return Price{}, err
	}
	return a.validate(raw, now)
}

func (a *Adapter) validate(raw RawPrice, now int64) (Price, error) {
	if raw.PublishTime > now {
		return Price{}, errcode.Wrap(errcode.ErrInvalidOraclePrice,
			"publish time %d is after %d", raw.PublishTime, now)
	}
	if now-raw.PublishTime > a.cfg.MaxAgeSeconds {
		return Price{}, errcode.Wrap(errcode.ErrStaleOraclePrice,
			"age %ds exceeds %ds", now-raw.PublishTime, a.cfg.MaxAgeSeconds)
	}
	p, err := Normalize(raw)
	if err != nil {
		return Price{}, err
	}
	confBps, err := p.ConfidenceBps()
	if err != nil {
		return Price{}, err
	}
	if confBps > a.cfg.MaxConfidenceBps {
		return Price{}, errcode.Wrap(errcode.ErrInvalidOraclePrice,
			"confidence %d bps exceeds %d bps", confBps, a.cfg.MaxConfidenceBps)
	}
	return p, nil
}
