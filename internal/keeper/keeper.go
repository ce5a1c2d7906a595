// Package keeper runs the background loop that liquidates under-margined
// positions and executes take-profit and stop-loss closes.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/position"
)

// Engine is the slice of the engine the keeper drives.
type Engine interface {
	Positions(owner solana.PublicKey) []model.Position
	QuoteLiquidationState(addr solana.PublicKey) (bool, error)
	QuotePnL(addr solana.PublicKey) (*position.PnLQuote, error)
	LiquidatePosition(ctx context.Context, addr, caller solana.PublicKey) (*position.Settlement, error)
	ClosePosition(ctx context.Context, addr solana.PublicKey, req position.CloseRequest) (*position.Settlement, error)
}

// Config controls the keeper loop.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxPerTick caps the positions examined per tick; 0 means all.
	MaxPerTick int `mapstructure:"max_per_tick"`
	// Authority is the caller recorded on keeper instructions and the
	// recipient of liquidation rewards.
	Authority string `mapstructure:"authority"`
}

// Service is the keeper.
type Service struct {
	engine    Engine
	cfg       Config
	authority solana.PublicKey
	logger    *slog.Logger

	mu sync.Mutex
	// cursor is the last position id examined by a capped tick.
	cursor uint64
}

// TickResult summarizes one pass.
type TickResult struct {
	Scanned    int
	Liquidated int
	Triggered  int
	Skipped    int
	Failed     int
}

// New creates a keeper acting as authority.
func New(eng Engine, cfg Config, authority solana.PublicKey, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{engine: eng, cfg: cfg, authority: authority, logger: logger.With("component", "keeper")}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started", "authority", s.authority, "interval", s.cfg.PollInterval)

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick examines open positions once.
func (s *Service) Tick(ctx context.Context) TickResult {
	var res TickResult
	positions := s.window(s.engine.Positions(solana.PublicKey{}))

	for i := range positions {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		pos := &positions[i]
		action, err := s.process(ctx, pos)
		switch {
		case err == nil && action == "":
		case err == nil:
			metrics.KeeperActions.WithLabelValues(action, "ok").Inc()
			if action == "liquidate" {
				res.Liquidated++
			} else {
				res.Triggered++
			}
		case benign(err):
			res.Skipped++
			s.logger.Debug("position skipped", "position", pos.Address, "reason", err)
		default:
			res.Failed++
			metrics.KeeperActions.WithLabelValues(action, "error").Inc()
			s.logger.Warn("keeper action failed", "position", pos.Address, "action", action, "err", err)
		}
	}

	if res.Liquidated+res.Triggered+res.Failed > 0 {
		s.logger.Info("keeper tick complete",
			"scanned", res.Scanned,
			"liquidated", res.Liquidated,
			"triggered", res.Triggered,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}

// window picks at most MaxPerTick positions, resuming after the last id
// examined and wrapping around. positions must be sorted by id.
func (s *Service) window(positions []model.Position) []model.Position {
	n := s.cfg.MaxPerTick
	if n <= 0 || len(positions) <= n {
		return positions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := sort.Search(len(positions), func(i int) bool { return positions[i].ID > s.cursor })
	out := make([]model.Position, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, positions[(start+i)%len(positions)])
	}
	s.cursor = out[n-1].ID
	return out
}

// process liquidates pos if it is in range, otherwise closes it at a
// reached trigger. It returns the attempted action, or "" when none.
func (s *Service) process(ctx context.Context, pos *model.Position) (string, error) {
	liquidatable, err := s.engine.QuoteLiquidationState(pos.Address)
	if err != nil {
		return "quote", err
	}
	if liquidatable {
		_, err := s.engine.LiquidatePosition(ctx, pos.Address, s.authority)
		return "liquidate", err
	}

	if pos.TakeProfitLimitPrice == nil && pos.StopLossLimitPrice == nil {
		return "", nil
	}
	pnl, err := s.engine.QuotePnL(pos.Address)
	if err != nil {
		return "quote", err
	}
	trigger, action := reachedTrigger(pos, pnl.ExitPrice)
	if trigger == nil {
		return "", nil
	}
	price := *trigger
	_, err = s.engine.ClosePosition(ctx, pos.Address, position.CloseRequest{Caller: s.authority, Price: &price})
	return action, err
}

// reachedTrigger returns the first stored trigger satisfied at exit.
func reachedTrigger(pos *model.Position, exit uint64) (*uint64, string) {
	long := pos.Side == model.SideLong
	if tp := pos.TakeProfitLimitPrice; tp != nil {
		if (long && exit >= *tp) || (!long && exit <= *tp) {
			return tp, "take_profit"
		}
	}
	if sl := pos.StopLossLimitPrice; sl != nil {
		if (long && exit <= *sl) || (!long && exit >= *sl) {
			return sl, "stop_loss"
		}
	}
	return nil, ""
}

// benign reports failures that resolve on their own: a stale price, a
// position still inside its holding time, or one closed by another caller.
func benign(err error) bool {
	return errors.Is(err, errcode.ErrStaleOraclePrice) ||
		errors.Is(err, errcode.ErrPositionTooYoung) ||
		errors.Is(err, errcode.ErrTriggerNotReached) ||
		errors.Is(err, errcode.ErrPositionNotFound) ||
		errors.Is(err, errcode.ErrPositionAlreadyClosed) ||
		errors.Is(err, errcode.ErrPositionNotInLiquidationRange)
}
