// Package config loads the custody engine configuration from a YAML file,
// CUSTODY_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/keeper"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/swap"
)

// EnvPrefix namespaces environment overrides: server.port is read from
// CUSTODY_SERVER_PORT.
const EnvPrefix = "CUSTODY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Keeper    keeper.Config   `mapstructure:"keeper"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Log       LogConfig       `mapstructure:"log"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL selects PostgreSQL; empty keeps everything in memory.
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type OracleConfig struct {
	MaxAgeSeconds    int64  `mapstructure:"max_age_seconds"`
	MaxConfidenceBps uint64 `mapstructure:"max_confidence_bps"`
	// RPCURL enables polling Pyth price accounts; empty accepts pushed
	// prices only.
	RPCURL          string        `mapstructure:"rpc_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type ProtocolConfig struct {
	Admin                string                `mapstructure:"admin"`
	FeeRecipient         string                `mapstructure:"fee_recipient"`
	ProgramID            string                `mapstructure:"program_id"`
	MinCollateralUsd     uint64                `mapstructure:"min_collateral_usd"`
	MinHoldSeconds       int64                 `mapstructure:"min_hold_seconds"`
	MaxPriceDeviationBps uint64                `mapstructure:"max_price_deviation_bps"`
	FeeDistribution      model.FeeDistribution `mapstructure:"fee_distribution"`
}

type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Restore loads the latest snapshot at startup.
	Restore bool `mapstructure:"restore"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// BootstrapConfig lists pools created when the engine starts empty.
type BootstrapConfig struct {
	Pools []PoolBootstrap `mapstructure:"pools"`
}

type PoolBootstrap struct {
	engine.PoolParams `mapstructure:",squash"`
	Active            bool               `mapstructure:"active"`
	Custodies         []CustodyBootstrap `mapstructure:"custodies"`
}

type CustodyBootstrap struct {
	Symbol      string                 `mapstructure:"symbol"`
	Mint        string                 `mapstructure:"mint"`
	Oracle      string                 `mapstructure:"oracle"`
	TradeOracle string                 `mapstructure:"trade_oracle"`
	Decimals    uint8                  `mapstructure:"decimals"`
	IsStable    bool                   `mapstructure:"is_stable"`
	AllowSwap   bool                   `mapstructure:"allow_swap"`
	AllowTrade  bool                   `mapstructure:"allow_trade"`
	Pricing     model.Pricing          `mapstructure:"pricing"`
	Fees        model.Fees             `mapstructure:"fees"`
	BorrowRate  model.BorrowRateParams `mapstructure:"borrow_rate"`
	Ratio       model.TokenRatios      `mapstructure:"ratio"`
}

// Custody converts b into the record AddCustody expects.
func (b CustodyBootstrap) Custody() (model.Custody, error) {
	mint, err := solana.PublicKeyFromBase58(b.Mint)
	if err != nil {
		return model.Custody{}, fmt.Errorf("custody %s: mint: %w", b.Symbol, err)
	}
	feed, err := solana.PublicKeyFromBase58(b.Oracle)
	if err != nil {
		return model.Custody{}, fmt.Errorf("custody %s: oracle: %w", b.Symbol, err)
	}
	c := model.Custody{
		Mint:       mint,
		Oracle:     feed,
		Symbol:     b.Symbol,
		Decimals:   b.Decimals,
		IsStable:   b.IsStable,
		AllowSwap:  b.AllowSwap,
		AllowTrade: b.AllowTrade,
		Pricing:    b.Pricing,
		Fees:       b.Fees,
		BorrowRate: b.BorrowRate,
	}
	if b.TradeOracle != "" {
		if c.TradeOracle, err = solana.PublicKeyFromBase58(b.TradeOracle); err != nil {
			return model.Custody{}, fmt.Errorf("custody %s: trade_oracle: %w", b.Symbol, err)
		}
	}
	return c, nil
}

// Load reads configuration. An empty path searches ./custody.yaml and
// ./config/custody.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("custody")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	oc := oracle.DefaultConfig()
	v.SetDefault("oracle.max_age_seconds", oc.MaxAgeSeconds)
	v.SetDefault("oracle.max_confidence_bps", oc.MaxConfidenceBps)
	v.SetDefault("oracle.rpc_url", "")
	v.SetDefault("oracle.refresh_interval", 2*time.Second)

	pp := position.DefaultParams()
	v.SetDefault("protocol.admin", "")
	v.SetDefault("protocol.fee_recipient", "")
	v.SetDefault("protocol.program_id", "")
	v.SetDefault("protocol.min_collateral_usd", pp.MinCollateralUsd)
	v.SetDefault("protocol.min_hold_seconds", pp.MinHoldSeconds)
	v.SetDefault("protocol.max_price_deviation_bps", swap.DefaultParams().MaxPriceDeviationBps)
	v.SetDefault("protocol.fee_distribution.lm_staking_bps", 0)
	v.SetDefault("protocol.fee_distribution.lp_staking_bps", 0)

	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.poll_interval", 5*time.Second)
	v.SetDefault("keeper.max_per_tick", 0)
	v.SetDefault("keeper.authority", "")

	v.SetDefault("snapshot.interval", time.Minute)
	v.SetDefault("snapshot.restore", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "")
}

// Validate checks the values Load cannot type-check.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Oracle.MaxAgeSeconds <= 0 {
		return errors.New("oracle.max_age_seconds must be positive")
	}
	if c.Snapshot.Interval <= 0 {
		return errors.New("snapshot.interval must be positive")
	}
	d := c.Protocol.FeeDistribution
	if uint32(d.LmStakingBps)+uint32(d.LpStakingBps) > 10_000 {
		return errors.New("protocol.fee_distribution exceeds 100%")
	}
	for name, raw := range map[string]string{
		"protocol.admin":         c.Protocol.Admin,
		"protocol.fee_recipient": c.Protocol.FeeRecipient,
		"protocol.program_id":    c.Protocol.ProgramID,
		"keeper.authority":       c.Keeper.Authority,
	} {
		if _, err := optionalKey(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, p := range c.Bootstrap.Pools {
		if p.Name == "" {
			return errors.New("bootstrap pool without a name")
		}
		for _, cb := range p.Custodies {
			if _, err := cb.Custody(); err != nil {
				return fmt.Errorf("bootstrap pool %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Cortex builds the initial protocol record. A missing admin or program id
// gets a fresh random key so a bare development server still starts.
func (c *Config) Cortex() model.Cortex {
	admin, _ := optionalKey(c.Protocol.Admin)
	if admin.IsZero() {
		admin = solana.NewWallet().PublicKey()
	}
	program, _ := optionalKey(c.Protocol.ProgramID)
	if program.IsZero() {
		program = solana.NewWallet().PublicKey()
	}
	recipient, _ := optionalKey(c.Protocol.FeeRecipient)
	if recipient.IsZero() {
		recipient = admin
	}
	return model.Cortex{
		Admin:                admin,
		ProtocolFeeRecipient: recipient,
		ProgramID:            program,
		FeeDistribution:      c.Protocol.FeeDistribution,
	}
}

// KeeperAuthority is the configured keeper key, or the admin.
func (c *Config) KeeperAuthority(cortex model.Cortex) solana.PublicKey {
	k, _ := optionalKey(c.Keeper.Authority)
	if k.IsZero() {
		return cortex.Admin
	}
	return k
}

// Engine returns the engine parameters.
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Oracle = oracle.Config{MaxAgeSeconds: c.Oracle.MaxAgeSeconds, MaxConfidenceBps: c.Oracle.MaxConfidenceBps}
	cfg.Position.MinCollateralUsd = c.Protocol.MinCollateralUsd
	cfg.Position.MinHoldSeconds = c.Protocol.MinHoldSeconds
	cfg.Swap.MaxPriceDeviationBps = c.Protocol.MaxPriceDeviationBps
	return cfg
}

// OracleFeeds lists every feed named by the bootstrap custodies.
func (c *Config) OracleFeeds() []solana.PublicKey {
	seen := make(map[solana.PublicKey]bool)
	var out []solana.PublicKey
	for _, p := range c.Bootstrap.Pools {
		for _, cb := range p.Custodies {
			for _, raw := range []string{cb.Oracle, cb.TradeOracle} {
				k, err := optionalKey(raw)
				if err != nil || k.IsZero() || seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func optionalKey(raw string) (solana.PublicKey, error) {
	if raw == "" {
		return solana.PublicKey{}, nil
	}
	return solana.PublicKeyFromBase58(raw)
}
