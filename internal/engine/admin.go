package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/custody"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pda"
	"github.com/atmx/custody-engine/internal/pool"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/swap"
)

// AdminPayload is the event data of an admin instruction.
type AdminPayload struct {
	Action string           `json:"action"`
	Target solana.PublicKey `json:"target"`
	Value  any              `json:"value,omitempty"`
}

// PoolParams configures a new pool.
type PoolParams struct {
	Name           string `json:"name" mapstructure:"name"`
	AumSoftCapUsd  uint64 `json:"aum_soft_cap_usd" mapstructure:"aum_soft_cap_usd"`
	GenesisLpLimit uint64 `json:"genesis_lp_limit" mapstructure:"genesis_lp_limit"`
}

// CustodyFlags toggles what a custody may be used for.
type CustodyFlags struct {
	AllowSwap  bool `json:"allow_swap"`
	AllowTrade bool `json:"allow_trade"`
}

func (e *Engine) requireAdmin(caller solana.PublicKey) error {
	e.mu.Lock()
	admin := e.cortex.Admin
	e.mu.Unlock()
	if !caller.Equals(admin) {
		return errcode.Wrap(errcode.ErrUnauthorized, "%s is not the admin", caller)
	}
	return nil
}

// admin runs fn as an authorized admin instruction and emits its event.
func (e *Engine) admin(ctx context.Context, action string, caller, target solana.PublicKey, value any, fn func(now int64) error) (err error) {
	defer observe(action, time.Now(), &err)
	defer e.shared()()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	now := e.clock.Now()
	if err := fn(now); err != nil {
		return err
	}
	e.logger.Info("admin instruction", "action", action, "target", target, "caller", caller)
	ev := e.event(model.EventAdmin, now, AdminPayload{Action: action, Target: target, Value: value})
	ev.Owner = caller
	e.emit(ctx, ev)
	return nil
}

// --- Cortex ---

// SetAdmin hands the admin role to next.
func (e *Engine) SetAdmin(ctx context.Context, caller, next solana.PublicKey) error {
	return e.admin(ctx, "set_admin", caller, next, nil, func(int64) error {
		if next.IsZero() {
			return errcode.Wrap(errcode.ErrInvalidArgument, "admin must be set")
		}
		e.mu.Lock()
		e.cortex.Admin = next
		e.mu.Unlock()
		return nil
	})
}

// SetProtocolFeeRecipient changes where protocol fees are sent.
func (e *Engine) SetProtocolFeeRecipient(ctx context.Context, caller, recipient solana.PublicKey) error {
	return e.admin(ctx, "set_protocol_fee_recipient", caller, recipient, nil, func(int64) error {
		e.mu.Lock()
		e.cortex.ProtocolFeeRecipient = recipient
		e.mu.Unlock()
		return nil
	})
}

// SetFeeDistribution changes the staking share of collected fees. It waits
// for in-flight instructions so none sees a mix of old and new shares.
func (e *Engine) SetFeeDistribution(ctx context.Context, caller solana.PublicKey, d model.FeeDistribution) (err error) {
	defer observe("set_fee_distribution", time.Now(), &err)
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if uint64(d.LmStakingBps)+uint64(d.LpStakingBps) > fixed.BpsPower {
		return errcode.Wrap(errcode.ErrInvalidArgument, "staking shares sum above 100%%")
	}
	e.state.Lock()
	e.mu.Lock()
	e.cortex.FeeDistribution = d
	e.mu.Unlock()
	e.cfg.Position.FeeDistribution = d
	e.cfg.Swap.FeeDistribution = d
	e.manager = position.NewManager(e.cfg.Position)
	e.swaps = swap.New(e.cfg.Swap)
	now := e.clock.Now()
	e.state.Unlock()

	e.logger.Info("admin instruction", "action", "set_fee_distribution", "caller", caller,
		"lm_staking_bps", d.LmStakingBps, "lp_staking_bps", d.LpStakingBps)
	ev := e.event(model.EventAdmin, now, AdminPayload{Action: "set_fee_distribution", Value: d})
	ev.Owner = caller
	e.emit(ctx, ev)
	return nil
}

// --- Pools ---

// AddPool creates an empty pool in the genesis liquidity state.
func (e *Engine) AddPool(ctx context.Context, caller solana.PublicKey, params PoolParams) (_ *model.Pool, err error) {
	var out *model.Pool
	err = e.admin(ctx, "add_pool", caller, solana.PublicKey{}, params, func(now int64) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		addr, _, err := pda.Pool(e.cortex.ProgramID, params.Name)
		if err != nil {
			return err
		}
		if _, exists := e.pools[addr]; exists {
			return errcode.Wrap(errcode.ErrInvalidPoolConfig, "pool %q already exists", params.Name)
		}
		mint, _, err := pda.LpTokenMint(e.cortex.ProgramID, addr)
		if err != nil {
			return err
		}
		p := &model.Pool{
			Address:        addr,
			Name:           params.Name,
			LpTokenMint:    mint,
			AumSoftCapUsd:  params.AumSoftCapUsd,
			GenesisLpLimit: params.GenesisLpLimit,
			LiquidityState: model.GenesisLiquidity,
			InceptionTime:  now,
		}
		e.pools[addr] = &poolEntry{addr: addr, p: p}
		out = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withPoolConfig write-locks a pool for a configuration change.
func (e *Engine) withPoolConfig(addr solana.PublicKey, fn func(pe *poolEntry) error) error {
	pe, err := e.lookupPool(addr)
	if err != nil {
		return err
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return fn(pe)
}

// SetPoolLiquidityState moves a pool between genesis, idle and active.
func (e *Engine) SetPoolLiquidityState(ctx context.Context, caller, addr solana.PublicKey, state model.LiquidityState) error {
	return e.admin(ctx, "set_pool_liquidity_state", caller, addr, state, func(int64) error {
		if !state.Valid() {
			return errcode.Wrap(errcode.ErrInvalidArgument, "liquidity state %d", state)
		}
		return e.withPoolConfig(addr, func(pe *poolEntry) error {
			pe.p.LiquidityState = state
			return nil
		})
	})
}

// SetPoolAumSoftCap changes the deposit cap of a pool. Zero disables it.
func (e *Engine) SetPoolAumSoftCap(ctx context.Context, caller, addr solana.PublicKey, capUsd uint64) error {
	return e.admin(ctx, "set_pool_aum_soft_cap", caller, addr, capUsd, func(int64) error {
		return e.withPoolConfig(addr, func(pe *poolEntry) error {
			pe.p.AumSoftCapUsd = capUsd
			return nil
		})
	})
}

// SetPoolRatios replaces the ratio table; it must have one entry per
// custody.
func (e *Engine) SetPoolRatios(ctx context.Context, caller, addr solana.PublicKey, ratios []model.TokenRatios) error {
	return e.admin(ctx, "set_pool_ratios", caller, addr, ratios, func(int64) error {
		if err := pool.ValidateRatios(ratios); err != nil {
			return err
		}
		return e.withPoolConfig(addr, func(pe *poolEntry) error {
			if len(ratios) != len(pe.p.Custodies) {
				return errcode.Wrap(errcode.ErrInvalidPoolConfig,
					"%d ratios for %d custodies", len(ratios), len(pe.p.Custodies))
			}
			pe.p.Ratios = append([]model.TokenRatios(nil), ratios...)
			return nil
		})
	})
}

// --- Custodies ---

// AddCustody registers c in a pool. ratios is the pool's new ratio table,
// with the new custody last.
func (e *Engine) AddCustody(ctx context.Context, caller, poolAddr solana.PublicKey, c model.Custody, ratios []model.TokenRatios) (_ *model.Custody, err error) {
	var out *model.Custody
	err = e.admin(ctx, "add_custody", caller, poolAddr, c.Symbol, func(now int64) error {
		if err := custody.ValidateConfig(&c); err != nil {
			return err
		}
		if err := pool.ValidateRatios(ratios); err != nil {
			return err
		}
		return e.withPoolConfig(poolAddr, func(pe *poolEntry) error {
			p := pe.p
			if len(p.Custodies) >= model.MaxCustodies {
				return errcode.Wrap(errcode.ErrMaxCustodies, "pool %s", p.Name)
			}
			if len(ratios) != len(p.Custodies)+1 {
				return errcode.Wrap(errcode.ErrInvalidPoolConfig,
					"%d ratios for %d custodies", len(ratios), len(p.Custodies)+1)
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			addr, _, err := pda.Custody(e.cortex.ProgramID, p.Address, c.Mint)
			if err != nil {
				return err
			}
			if _, exists := e.custodies[addr]; exists {
				return errcode.Wrap(errcode.ErrInvalidCustodyConfig, "mint %s already in pool %s", c.Mint, p.Name)
			}
			rec := c
			rec.Address = addr
			rec.Pool = p.Address
			rec.Assets = model.Assets{}
			rec.LongPositions = model.PositionsAccounting{}
			rec.ShortPositions = model.PositionsAccounting{}
			rec.BorrowRateState = model.BorrowRateState{LastUpdate: now}
			if err := custody.RefreshBorrowRate(&rec); err != nil {
				return err
			}
			e.custodies[addr] = &custodyEntry{addr: addr, c: &rec}
			p.Custodies = append(p.Custodies, addr)
			p.Ratios = append([]model.TokenRatios(nil), ratios...)
			out = rec.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveCustody drops an unused custody from its pool. ratios is the
// pool's ratio table without it.
func (e *Engine) RemoveCustody(ctx context.Context, caller, addr solana.PublicKey, ratios []model.TokenRatios) error {
	return e.admin(ctx, "remove_custody", caller, addr, ratios, func(int64) error {
		if err := pool.ValidateRatios(ratios); err != nil {
			return err
		}
		ce, err := e.lookupCustody(addr)
		if err != nil {
			return err
		}
		pe, err := e.lookupPool(ce.c.Pool)
		if err != nil {
			return err
		}
		pe.mu.Lock()
		defer pe.mu.Unlock()
		unlock, err := lockCustodies(pe.p, ce)
		if err != nil {
			return err
		}
		defer unlock()

		c, p := ce.c, pe.p
		if c.LongPositions.OpenPositions > 0 || c.ShortPositions.OpenPositions > 0 ||
			c.Assets.Collateral > 0 || c.Assets.Locked > 0 || c.Assets.Owned > 0 {
			return errcode.Wrap(errcode.ErrCustodyInUse, "custody %s", addr)
		}
		if len(ratios) != len(p.Custodies)-1 {
			return errcode.Wrap(errcode.ErrInvalidPoolConfig,
				"%d ratios for %d custodies", len(ratios), len(p.Custodies)-1)
		}
		i := p.CustodyIndex(addr)
		p.Custodies = append(p.Custodies[:i:i], p.Custodies[i+1:]...)
		p.Ratios = append([]model.TokenRatios(nil), ratios...)
		e.mu.Lock()
		delete(e.custodies, addr)
		e.mu.Unlock()
		return nil
	})
}

// withCustodyConfig write-locks a custody for a configuration change. Its
// pool is held shared so the custody index is stable.
func (e *Engine) withCustodyConfig(addr solana.PublicKey, fn func(c *model.Custody) error) error {
	ce, err := e.lookupCustody(addr)
	if err != nil {
		return err
	}
	pe, err := e.lookupPool(ce.c.Pool)
	if err != nil {
		return err
	}
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	unlock, err := lockCustodies(pe.p, ce)
	if err != nil {
		return err
	}
	defer unlock()
	work := ce.c.Clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := custody.ValidateConfig(work); err != nil {
		return err
	}
	*ce.c = *work
	return nil
}

// SetCustodyFlags toggles swaps and trading on a custody.
func (e *Engine) SetCustodyFlags(ctx context.Context, caller, addr solana.PublicKey, flags CustodyFlags) error {
	return e.admin(ctx, "set_custody_flags", caller, addr, flags, func(int64) error {
		return e.withCustodyConfig(addr, func(c *model.Custody) error {
			c.AllowSwap = flags.AllowSwap
			c.AllowTrade = flags.AllowTrade
			return nil
		})
	})
}

// SetCustodyFees replaces a custody's fee schedule.
func (e *Engine) SetCustodyFees(ctx context.Context, caller, addr solana.PublicKey, f model.Fees) error {
	return e.admin(ctx, "set_custody_fees", caller, addr, f, func(int64) error {
		return e.withCustodyConfig(addr, func(c *model.Custody) error {
			c.Fees = f
			return nil
		})
	})
}

// SetCustodyPricing replaces a custody's trading limits.
func (e *Engine) SetCustodyPricing(ctx context.Context, caller, addr solana.PublicKey, p model.Pricing) error {
	return e.admin(ctx, "set_custody_pricing", caller, addr, p, func(int64) error {
		return e.withCustodyConfig(addr, func(c *model.Custody) error {
			c.Pricing = p
			return nil
		})
	})
}

// SetCustodyBorrowRate replaces the borrow curve. Interest is accrued at
// the old rate first.
func (e *Engine) SetCustodyBorrowRate(ctx context.Context, caller, addr solana.PublicKey, params model.BorrowRateParams) error {
	return e.admin(ctx, "set_custody_borrow_rate", caller, addr, params, func(now int64) error {
		return e.withCustodyConfig(addr, func(c *model.Custody) error {
			if _, err := custody.AccrueInterest(c, now); err != nil {
				return err
			}
			c.BorrowRate = params
			return custody.RefreshBorrowRate(c)
		})
	})
}
