// Package engine is the protocol aggregate: it owns the cortex, pool,
// custody and position records, serializes concurrent instructions on
// them, and emits an event for every committed state change.
//
// Every pool, custody and position has its own lock. An instruction that
// touches several records locks them pool first, then custodies in
// ascending pool index, then the position. The registry mutex guards the
// record maps only; it is never held while waiting on a record lock.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/staking"
	"github.com/atmx/custody-engine/internal/swap"
)

// Clock supplies the unix time of an instruction.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// EventSink receives committed events after all record locks are released.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, model.Event) {}

// Config holds the protocol rules the engine applies.
type Config struct {
	Position position.Params
	Swap     swap.Params
	Oracle   oracle.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Position: position.DefaultParams(),
		Swap:     swap.DefaultParams(),
		Oracle:   oracle.DefaultConfig(),
	}
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option              { return func(e *Engine) { e.clock = c } }
func WithSink(s EventSink) Option           { return func(e *Engine) { e.sink = s } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithRewards(r staking.RewardRouter) Option {
	return func(e *Engine) { e.rewards = r }
}
func WithGovernance(g staking.GovernanceLock) Option {
	return func(e *Engine) { e.gov = g }
}

type poolEntry struct {
	addr solana.PublicKey
	mu   sync.RWMutex
	p    *model.Pool
}

// custodyEntry keeps the address outside the record so lock ordering can
// read it without the record lock.
type custodyEntry struct {
	addr solana.PublicKey
	mu   sync.RWMutex
	c    *model.Custody
}

// positionEntry carries the position's immutable keys for the same reason.
type positionEntry struct {
	pool, custody, collateral solana.PublicKey

	mu sync.Mutex
	p  *model.Position
}

func newPositionEntry(p *model.Position) *positionEntry {
	return &positionEntry{pool: p.Pool, custody: p.Custody, collateral: p.CollateralCustody, p: p}
}

// Engine executes instructions against the protocol state.
type Engine struct {
	// state is held shared by every instruction and exclusively by
	// Export and Restore, which need a consistent view of all records.
	state sync.RWMutex

	mu        sync.Mutex
	cortex    model.Cortex
	pools     map[solana.PublicKey]*poolEntry
	custodies map[solana.PublicKey]*custodyEntry
	positions map[solana.PublicKey]*positionEntry
	genesis   []model.GenesisLock

	stakeMu sync.Mutex
	stakes  map[uint64]*model.LockedStake

	cfg     Config
	oracle  *oracle.Adapter
	manager *position.Manager
	swaps   *swap.Engine
	rewards staking.RewardRouter
	gov     staking.GovernanceLock
	sink    EventSink
	clock   Clock
	logger  *slog.Logger
}

// New creates an engine reading prices from src.
func New(cortex model.Cortex, cfg Config, src oracle.Source, opts ...Option) *Engine {
	cfg.Position.FeeDistribution = cortex.FeeDistribution
	cfg.Swap.FeeDistribution = cortex.FeeDistribution
	ledger := staking.NewLedger()
	e := &Engine{
		cortex:    cortex,
		pools:     make(map[solana.PublicKey]*poolEntry),
		custodies: make(map[solana.PublicKey]*custodyEntry),
		positions: make(map[solana.PublicKey]*positionEntry),
		stakes:    make(map[uint64]*model.LockedStake),
		cfg:       cfg,
		oracle:    oracle.NewAdapter(src, cfg.Oracle),
		manager:   position.NewManager(cfg.Position),
		swaps:     swap.New(cfg.Swap),
		rewards:   ledger,
		gov:       ledger,
		sink:      nopSink{},
		clock:     SystemClock{},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// shared enters an instruction; the returned func leaves it.
func (e *Engine) shared() func() {
	e.state.RLock()
	return e.state.RUnlock
}

// Cortex returns a copy of the protocol configuration.
func (e *Engine) Cortex() model.Cortex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cortex
}

// --- Registry lookups ---

func (e *Engine) lookupPool(addr solana.PublicKey) (*poolEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pe, ok := e.pools[addr]
	if !ok {
		return nil, errcode.Wrap(errcode.ErrPoolNotFound, "pool %s", addr)
	}
	return pe, nil
}

func (e *Engine) lookupCustody(addr solana.PublicKey) (*custodyEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ce, ok := e.custodies[addr]
	if !ok {
		return nil, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s", addr)
	}
	return ce, nil
}

func (e *Engine) lookupPosition(addr solana.PublicKey) (*positionEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pe, ok := e.positions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", errcode.ErrPositionNotFound, errcode.ErrInvalidPositionState, addr)
	}
	return pe, nil
}

// --- Lock ordering ---

// lockCustodies write-locks the given custodies of p in ascending pool
// index, locking a repeated custody once. The caller must hold p's lock,
// which keeps the index stable.
func lockCustodies(p *model.Pool, entries ...*custodyEntry) (func(), error) {
	type indexed struct {
		i  int
		ce *custodyEntry
	}
	seen := make(map[*custodyEntry]bool, len(entries))
	ordered := make([]indexed, 0, len(entries))
	for _, ce := range entries {
		if seen[ce] {
			continue
		}
		seen[ce] = true
		i := p.CustodyIndex(ce.addr)
		if i < 0 {
			return nil, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s not in pool %s", ce.addr, p.Name)
		}
		ordered = append(ordered, indexed{i, ce})
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].i < ordered[b].i })
	for _, o := range ordered {
		o.ce.mu.Lock()
	}
	return func() {
		for k := len(ordered) - 1; k >= 0; k-- {
			ordered[k].ce.mu.Unlock()
		}
	}, nil
}

// poolCustodies returns the entries of every custody of p in pool order.
func (e *Engine) poolCustodies(p *model.Pool) ([]*custodyEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*custodyEntry, len(p.Custodies))
	for i, addr := range p.Custodies {
		ce, ok := e.custodies[addr]
		if !ok {
			return nil, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s", addr)
		}
		out[i] = ce
	}
	return out, nil
}

// --- Prices ---

func (e *Engine) price(c *model.Custody, now int64) (oracle.Price, error) {
	return e.oracle.Read(c.PriceFeed(), now)
}

func (e *Engine) positionAccounts(tc, cc *model.Custody, now int64) (position.Accounts, error) {
	acc := position.Accounts{Custody: tc, CollateralCustody: cc}
	var err error
	if acc.Price, err = e.price(tc, now); err != nil {
		return acc, err
	}
	if tc == cc {
		acc.CollateralPrice = acc.Price
		return acc, nil
	}
	acc.CollateralPrice, err = e.price(cc, now)
	return acc, err
}

// --- Events ---

func (e *Engine) event(t model.EventType, now int64, payload any) model.Event {
	ev := model.Event{ID: uuid.NewString(), Type: t, Time: now}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.logger.Error("encode event payload", "type", t, "error", err)
		} else {
			ev.Data = data
		}
	}
	return ev
}

func (e *Engine) emit(ctx context.Context, ev model.Event) {
	e.sink.Publish(ctx, ev)
}

// credit routes staking shares after a commit. The fee tokens already left
// the custody, so a failed credit is reported but not unwound.
func (e *Engine) credit(ctx context.Context, lmUsd, lpUsd uint64) {
	if err := staking.Credit(ctx, e.rewards, lmUsd, lpUsd); err != nil {
		e.logger.Error("credit staking rewards", "lm_usd", lmUsd, "lp_usd", lpUsd, "error", err)
	}
}

func observe(instruction string, start time.Time, err *error) {
	metrics.ObserveInstruction(instruction, start, *err)
}

func recordFee(kind string, usd uint64) {
	if usd > 0 {
		metrics.FeesCollectedUsd.WithLabelValues(kind).Add(float64(usd) / float64(fixed.USDPower))
	}
}
