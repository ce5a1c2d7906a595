package engine

import (
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pool"
)

// --- Snapshots ---

// Export returns a consistent copy of the whole protocol state.
func (e *Engine) Export() model.State {
	e.state.Lock()
	defer e.state.Unlock()

	st := model.State{
		Cortex:       e.cortex,
		GenesisLocks: append([]model.GenesisLock(nil), e.genesis...),
		TakenAt:      e.clock.Now(),
	}
	for _, pe := range e.pools {
		st.Pools = append(st.Pools, *pe.p.Clone())
	}
	for _, ce := range e.custodies {
		st.Custodies = append(st.Custodies, *ce.c.Clone())
	}
	for _, pe := range e.positions {
		st.Positions = append(st.Positions, *pe.p.Clone())
	}
	for _, s := range e.stakes {
		st.LockedStakes = append(st.LockedStakes, *s)
	}
	sort.Slice(st.Pools, func(i, j int) bool { return st.Pools[i].Name < st.Pools[j].Name })
	sort.Slice(st.Custodies, func(i, j int) bool {
		return st.Custodies[i].Address.String() < st.Custodies[j].Address.String()
	})
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].ID < st.Positions[j].ID })
	sort.Slice(st.LockedStakes, func(i, j int) bool { return st.LockedStakes[i].ID < st.LockedStakes[j].ID })
	return st
}

// Restore replaces the engine state with st. Records referencing a
// missing pool or custody are rejected and leave the engine unchanged.
func (e *Engine) Restore(st model.State) error {
	pools := make(map[solana.PublicKey]*poolEntry, len(st.Pools))
	for i := range st.Pools {
		p := st.Pools[i].Clone()
		pools[p.Address] = &poolEntry{addr: p.Address, p: p}
	}
	custodies := make(map[solana.PublicKey]*custodyEntry, len(st.Custodies))
	for i := range st.Custodies {
		c := st.Custodies[i].Clone()
		pe, ok := pools[c.Pool]
		if !ok || pe.p.CustodyIndex(c.Address) < 0 {
			return errcode.Wrap(errcode.ErrPoolNotFound, "custody %s references pool %s", c.Address, c.Pool)
		}
		custodies[c.Address] = &custodyEntry{addr: c.Address, c: c}
	}
	for _, pe := range pools {
		for _, addr := range pe.p.Custodies {
			if _, ok := custodies[addr]; !ok {
				return errcode.Wrap(errcode.ErrCustodyNotFound, "pool %s lists custody %s", pe.p.Name, addr)
			}
		}
	}
	positions := make(map[solana.PublicKey]*positionEntry, len(st.Positions))
	var longs, shorts float64
	for i := range st.Positions {
		p := st.Positions[i].Clone()
		if p.State != model.PositionOpen {
			continue
		}
		if _, ok := custodies[p.Custody]; !ok {
			return errcode.Wrap(errcode.ErrCustodyNotFound, "position %s custody %s", p.Address, p.Custody)
		}
		if _, ok := custodies[p.CollateralCustody]; !ok {
			return errcode.Wrap(errcode.ErrCustodyNotFound, "position %s collateral custody %s", p.Address, p.CollateralCustody)
		}
		positions[p.Address] = newPositionEntry(p)
		if p.Side == model.SideShort {
			shorts++
		} else {
			longs++
		}
	}
	stakes := make(map[uint64]*model.LockedStake, len(st.LockedStakes))
	for i := range st.LockedStakes {
		s := st.LockedStakes[i]
		stakes[s.ID] = &s
	}

	e.state.Lock()
	defer e.state.Unlock()
	e.mu.Lock()
	e.cortex = st.Cortex
	e.pools = pools
	e.custodies = custodies
	e.positions = positions
	e.genesis = append([]model.GenesisLock(nil), st.GenesisLocks...)
	e.mu.Unlock()
	e.stakeMu.Lock()
	e.stakes = stakes
	e.stakeMu.Unlock()

	metrics.OpenPositions.WithLabelValues(model.SideLong.String()).Set(longs)
	metrics.OpenPositions.WithLabelValues(model.SideShort.String()).Set(shorts)
	for _, pe := range pools {
		setAumGauge(pe.p)
	}
	e.logger.Info("state restored", "pools", len(pools), "custodies", len(custodies),
		"positions", len(positions), "stakes", len(stakes), "taken_at", st.TakenAt)
	return nil
}

// --- Queries ---

// Pool returns a copy of a pool.
func (e *Engine) Pool(addr solana.PublicKey) (*model.Pool, error) {
	defer e.shared()()
	pe, err := e.lookupPool(addr)
	if err != nil {
		return nil, err
	}
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return pe.p.Clone(), nil
}

// Pools returns copies of every pool, by name.
func (e *Engine) Pools() []model.Pool {
	defer e.shared()()
	e.mu.Lock()
	entries := make([]*poolEntry, 0, len(e.pools))
	for _, pe := range e.pools {
		entries = append(entries, pe)
	}
	e.mu.Unlock()
	out := make([]model.Pool, 0, len(entries))
	for _, pe := range entries {
		pe.mu.RLock()
		out = append(out, *pe.p.Clone())
		pe.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Custody returns a copy of a custody.
func (e *Engine) Custody(addr solana.PublicKey) (*model.Custody, error) {
	defer e.shared()()
	ce, err := e.lookupCustody(addr)
	if err != nil {
		return nil, err
	}
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.c.Clone(), nil
}

// Custodies returns copies of a pool's custodies in pool order.
func (e *Engine) Custodies(poolAddr solana.PublicKey) ([]model.Custody, error) {
	defer e.shared()()
	pe, err := e.lookupPool(poolAddr)
	if err != nil {
		return nil, err
	}
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	entries, err := e.poolCustodies(pe.p)
	if err != nil {
		return nil, err
	}
	out := make([]model.Custody, len(entries))
	for i, ce := range entries {
		ce.mu.RLock()
		out[i] = *ce.c.Clone()
		ce.mu.RUnlock()
	}
	return out, nil
}

// Position returns a copy of an open position.
func (e *Engine) Position(addr solana.PublicKey) (*model.Position, error) {
	defer e.shared()()
	pe, err := e.lookupPosition(addr)
	if err != nil {
		return nil, err
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.p.Clone(), nil
}

// Positions returns the open positions of owner, or all of them when owner
// is zero, by id.
func (e *Engine) Positions(owner solana.PublicKey) []model.Position {
	defer e.shared()()
	e.mu.Lock()
	entries := make([]*positionEntry, 0, len(e.positions))
	for _, pe := range e.positions {
		entries = append(entries, pe)
	}
	e.mu.Unlock()
	out := make([]model.Position, 0, len(entries))
	for _, pe := range entries {
		pe.mu.Lock()
		p := pe.p
		if p.State == model.PositionOpen && (owner.IsZero() || p.Owner.Equals(owner)) {
			out = append(out, *p.Clone())
		}
		pe.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GenesisLocks returns the LP minted to owner during genesis, or every
// record when owner is zero.
func (e *Engine) GenesisLocks(owner solana.PublicKey) []model.GenesisLock {
	defer e.shared()()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.GenesisLock
	for _, g := range e.genesis {
		if owner.IsZero() || g.Owner.Equals(owner) {
			out = append(out, g)
		}
	}
	return out
}

// PoolAum values a pool at the last oracle price without storing it, and
// returns the LP token price.
func (e *Engine) PoolAum(addr solana.PublicKey) (*AumPayload, error) {
	defer e.shared()()
	var out AumPayload
	err := e.withPool(addr, func(s *poolScope) error {
		aum, err := pool.ComputeAUM(s.acc.Assets, pool.AumLast, s.now)
		if err != nil {
			return err
		}
		price, err := pool.LpTokenPrice(aum, s.acc.Pool.LpTokenSupply)
		if err != nil {
			return err
		}
		out = AumPayload{AumUsd: aum, LpTokenSupply: s.acc.Pool.LpTokenSupply, LpTokenPrice: price}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
