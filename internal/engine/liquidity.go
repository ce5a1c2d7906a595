package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pool"
	"github.com/atmx/custody-engine/internal/swap"
)

// SwapRequest swaps tokens of ReceivingCustody for DispensingCustody.
type SwapRequest struct {
	Pool              solana.PublicKey `json:"pool"`
	ReceivingCustody  solana.PublicKey `json:"receiving_custody"`
	DispensingCustody solana.PublicKey `json:"dispensing_custody"`
	Owner             solana.PublicKey `json:"owner"`
	swap.SwapRequest
}

// LiquidityRequest deposits Amount tokens, or burns Amount LP tokens, of
// Custody's pool. MinOut bounds the LP minted or tokens returned.
type LiquidityRequest struct {
	Pool    solana.PublicKey `json:"pool"`
	Custody solana.PublicKey `json:"custody"`
	Owner   solana.PublicKey `json:"owner"`
	Amount  uint64           `json:"amount"`
	MinOut  uint64           `json:"min_out"`
}

// OpenWithSwapRequest swaps AmountIn of ReceivingCustody into the
// collateral custody and opens a position with the proceeds.
type OpenWithSwapRequest struct {
	OpenPositionRequest
	ReceivingCustody solana.PublicKey `json:"receiving_custody"`
	AmountIn         uint64           `json:"amount_in"`
	MinCollateralOut uint64           `json:"min_collateral_out"`
}

// SwapPayload is the event data of a swap.
type SwapPayload struct {
	Request SwapRequest     `json:"request"`
	Result  swap.SwapResult `json:"result"`
}

// LiquidityPayload is the event data of a liquidity operation.
type LiquidityPayload struct {
	Request LiquidityRequest     `json:"request"`
	Result  swap.LiquidityResult `json:"result"`
}

// AumPayload is the event data of an AUM refresh.
type AumPayload struct {
	AumUsd        uint64 `json:"aum_usd"`
	LpTokenSupply uint64 `json:"lp_token_supply"`
	LpTokenPrice  uint64 `json:"lp_token_price"`
}

// poolScope is a pool with every custody locked and priced.
type poolScope struct {
	acc     swap.Accounts
	entries []*custodyEntry
	now     int64
}

func (s *poolScope) custody(addr solana.PublicKey) (*model.Custody, error) {
	for _, ce := range s.entries {
		if ce.addr.Equals(addr) {
			return ce.c, nil
		}
	}
	return nil, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s not in pool %s", addr, s.acc.Pool.Name)
}

// withPool write-locks a pool and all its custodies, reads every price and
// runs fn.
func (e *Engine) withPool(addr solana.PublicKey, fn func(s *poolScope) error) error {
	poolE, err := e.lookupPool(addr)
	if err != nil {
		return err
	}
	poolE.mu.Lock()
	defer poolE.mu.Unlock()
	entries, err := e.poolCustodies(poolE.p)
	if err != nil {
		return err
	}
	unlock, err := lockCustodies(poolE.p, entries...)
	if err != nil {
		return err
	}
	defer unlock()

	now := e.clock.Now()
	assets := make([]pool.Asset, len(entries))
	for i, ce := range entries {
		p, err := e.price(ce.c, now)
		if err != nil {
			return err
		}
		assets[i] = pool.Asset{Custody: ce.c, Price: p}
	}
	return fn(&poolScope{acc: swap.Accounts{Pool: poolE.p, Assets: assets}, entries: entries, now: now})
}

func poolEvent(ev model.Event, p *model.Pool, custody, owner solana.PublicKey) model.Event {
	ev.Pool = p.Address
	ev.Custody = custody
	ev.Owner = owner
	return ev
}

func setAumGauge(p *model.Pool) {
	metrics.PoolAumUsd.WithLabelValues(p.Name).Set(float64(p.AumUsd.Low()) / float64(fixed.USDPower))
}

// --- Swap ---

// Swap exchanges tokens between two custodies of a pool.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (_ *swap.SwapResult, err error) {
	defer observe("swap", time.Now(), &err)
	defer e.shared()()
	var res *swap.SwapResult
	var ev model.Event
	err = e.withPool(req.Pool, func(s *poolScope) error {
		in, err := s.custody(req.ReceivingCustody)
		if err != nil {
			return err
		}
		out, err := s.custody(req.DispensingCustody)
		if err != nil {
			return err
		}
		if res, err = e.swaps.Swap(s.acc, in, out, req.SwapRequest, s.now); err != nil {
			return err
		}
		setAumGauge(s.acc.Pool)
		ev = poolEvent(e.event(model.EventSwap, s.now, SwapPayload{Request: req, Result: *res}), s.acc.Pool, in.Address, req.Owner)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordFee("swap", res.FeeInUsd+res.FeeOutUsd)
	e.logger.Info("swap", "pool", req.Pool, "owner", req.Owner,
		"amount_in", req.AmountIn, "amount_out", res.AmountOut)
	e.credit(ctx, res.LmRewardUsd, res.LpRewardUsd)
	e.emit(ctx, ev)
	return res, nil
}

// QuoteSwap computes a swap without executing it.
func (e *Engine) QuoteSwap(req SwapRequest) (res *swap.SwapResult, err error) {
	defer e.shared()()
	err = e.withPool(req.Pool, func(s *poolScope) error {
		in, err := s.custody(req.ReceivingCustody)
		if err != nil {
			return err
		}
		out, err := s.custody(req.DispensingCustody)
		if err != nil {
			return err
		}
		res, err = e.swaps.QuoteSwap(s.acc, in, out, req.SwapRequest, s.now)
		return err
	})
	return res, err
}

// --- Liquidity ---

// AddLiquidity deposits tokens and mints LP tokens.
func (e *Engine) AddLiquidity(ctx context.Context, req LiquidityRequest) (*swap.LiquidityResult, error) {
	return e.liquidity(ctx, "add_liquidity", model.EventAddLiquidity, req,
		func(s *poolScope, c *model.Custody) (*swap.LiquidityResult, error) {
			return e.swaps.AddLiquidity(s.acc, c, req.Amount, req.MinOut, s.now)
		})
}

// RemoveLiquidity burns LP tokens and pays out tokens.
func (e *Engine) RemoveLiquidity(ctx context.Context, req LiquidityRequest) (*swap.LiquidityResult, error) {
	return e.liquidity(ctx, "remove_liquidity", model.EventRemoveLiquidity, req,
		func(s *poolScope, c *model.Custody) (*swap.LiquidityResult, error) {
			return e.swaps.RemoveLiquidity(s.acc, c, req.Amount, req.MinOut, s.now)
		})
}

// AddGenesisLiquidity deposits during the genesis phase and records the
// owner's genesis lock.
func (e *Engine) AddGenesisLiquidity(ctx context.Context, req LiquidityRequest) (*swap.LiquidityResult, error) {
	return e.liquidity(ctx, "add_genesis_liquidity", model.EventAddGenesisLiquidity, req,
		func(s *poolScope, c *model.Custody) (*swap.LiquidityResult, error) {
			res, err := e.swaps.AddGenesisLiquidity(s.acc, c, req.Amount, req.MinOut, s.now)
			if err != nil {
				return nil, err
			}
			e.recordGenesis(req.Owner, s.acc.Pool.Address, res.LpAmount)
			return res, nil
		})
}

func (e *Engine) recordGenesis(owner, pool solana.PublicKey, lp uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.genesis {
		g := &e.genesis[i]
		if g.Owner.Equals(owner) && g.Pool.Equals(pool) {
			g.LpAmount += lp
			return
		}
	}
	e.genesis = append(e.genesis, model.GenesisLock{Owner: owner, Pool: pool, LpAmount: lp})
}

func (e *Engine) liquidity(ctx context.Context, name string, t model.EventType, req LiquidityRequest,
	run func(s *poolScope, c *model.Custody) (*swap.LiquidityResult, error)) (_ *swap.LiquidityResult, err error) {
	defer observe(name, time.Now(), &err)
	defer e.shared()()
	var res *swap.LiquidityResult
	var ev model.Event
	err = e.withPool(req.Pool, func(s *poolScope) error {
		c, err := s.custody(req.Custody)
		if err != nil {
			return err
		}
		if res, err = run(s, c); err != nil {
			return err
		}
		setAumGauge(s.acc.Pool)
		ev = poolEvent(e.event(t, s.now, LiquidityPayload{Request: req, Result: *res}), s.acc.Pool, c.Address, req.Owner)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordFee("liquidity", res.FeeUsd)
	e.logger.Info(name, "pool", req.Pool, "owner", req.Owner,
		"amount", res.Amount, "lp_amount", res.LpAmount, "aum_usd", res.AumUsd)
	e.credit(ctx, res.LmRewardUsd, res.LpRewardUsd)
	e.emit(ctx, ev)
	return res, nil
}

// QuoteAddLiquidity computes a deposit without executing it.
func (e *Engine) QuoteAddLiquidity(req LiquidityRequest) (res *swap.LiquidityResult, err error) {
	defer e.shared()()
	err = e.withPool(req.Pool, func(s *poolScope) error {
		c, err := s.custody(req.Custody)
		if err != nil {
			return err
		}
		res, err = e.swaps.QuoteAddLiquidity(s.acc, c, req.Amount, s.now)
		return err
	})
	return res, err
}

// QuoteRemoveLiquidity computes a withdrawal without executing it.
func (e *Engine) QuoteRemoveLiquidity(req LiquidityRequest) (res *swap.LiquidityResult, err error) {
	defer e.shared()()
	err = e.withPool(req.Pool, func(s *poolScope) error {
		c, err := s.custody(req.Custody)
		if err != nil {
			return err
		}
		res, err = e.swaps.QuoteRemoveLiquidity(s.acc, c, req.Amount, s.now)
		return err
	})
	return res, err
}

// --- AUM ---

// UpdatePoolAum recomputes and stores a pool's AUM.
func (e *Engine) UpdatePoolAum(ctx context.Context, addr solana.PublicKey) (_ *AumPayload, err error) {
	defer observe("update_pool_aum", time.Now(), &err)
	defer e.shared()()
	var out AumPayload
	var ev model.Event
	err = e.withPool(addr, func(s *poolScope) error {
		aum, err := pool.ComputeAUM(s.acc.Assets, pool.AumLast, s.now)
		if err != nil {
			return err
		}
		p := s.acc.Pool
		pool.UpdateAUM(p, aum, s.now)
		price, err := pool.LpTokenPrice(aum, p.LpTokenSupply)
		if err != nil {
			return err
		}
		out = AumPayload{AumUsd: aum, LpTokenSupply: p.LpTokenSupply, LpTokenPrice: price}
		setAumGauge(p)
		ev = poolEvent(e.event(model.EventUpdatePoolAum, s.now, out), p, solana.PublicKey{}, solana.PublicKey{})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return &out, nil
}

// --- Open with swap ---

// OpenPositionWithSwap swaps into the collateral custody and opens a
// position with the swapped tokens as collateral. Both steps commit
// together or not at all.
func (e *Engine) OpenPositionWithSwap(ctx context.Context, req OpenWithSwapRequest) (_ *model.Position, err error) {
	defer observe("open_position_with_swap", time.Now(), &err)
	defer e.shared()()
	var (
		out    *model.Position
		swapEv model.Event
		openEv model.Event
		res    *swap.SwapResult
	)
	err = e.withPool(req.Pool, func(s *poolScope) error {
		work := cloneAccounts(s.acc)
		find := func(addr solana.PublicKey) (*model.Custody, error) {
			for i, ce := range s.entries {
				if ce.addr.Equals(addr) {
					return work.Assets[i].Custody, nil
				}
			}
			return nil, errcode.Wrap(errcode.ErrCustodyNotFound, "custody %s not in pool %s", addr, s.acc.Pool.Name)
		}
		in, err := find(req.ReceivingCustody)
		if err != nil {
			return err
		}
		cc, err := find(req.CollateralCustody)
		if err != nil {
			return err
		}
		tc, err := find(req.Custody)
		if err != nil {
			return err
		}
		sreq := swap.SwapRequest{AmountIn: req.AmountIn, MinAmountOut: req.MinCollateralOut}
		if res, err = e.swaps.Swap(work, in, cc, sreq, s.now); err != nil {
			return err
		}

		acc, err := e.positionAccounts(tc, cc, s.now)
		if err != nil {
			return err
		}
		open := req.OpenPositionRequest
		open.Collateral = res.AmountOut
		pos, err := e.openLocked(acc, open, s.now)
		if err != nil {
			return err
		}
		commitAccounts(s.acc, work)
		setAumGauge(s.acc.Pool)

		out = pos.Clone()
		sw := SwapRequest{Pool: req.Pool, ReceivingCustody: req.ReceivingCustody,
			DispensingCustody: req.CollateralCustody, Owner: req.Owner, SwapRequest: sreq}
		swapEv = poolEvent(e.event(model.EventSwap, s.now, SwapPayload{Request: sw, Result: *res}), s.acc.Pool, req.ReceivingCustody, req.Owner)
		openEv = positionEvent(e.event(model.EventOpenPosition, s.now, out), out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordFee("swap", res.FeeInUsd+res.FeeOutUsd)
	e.logger.Info("position opened with swap",
		"position", out.Address, "owner", out.Owner, "amount_in", req.AmountIn,
		"collateral", out.CollateralAmount, "size_usd", out.SizeUsd)
	e.credit(ctx, res.LmRewardUsd, res.LpRewardUsd)
	e.emit(ctx, swapEv)
	e.emit(ctx, openEv)
	return out, nil
}

func cloneAccounts(a swap.Accounts) swap.Accounts {
	out := swap.Accounts{Pool: a.Pool.Clone(), Assets: make([]pool.Asset, len(a.Assets))}
	for i, as := range a.Assets {
		out.Assets[i] = pool.Asset{Custody: as.Custody.Clone(), Price: as.Price}
	}
	return out
}

func commitAccounts(dst, src swap.Accounts) {
	*dst.Pool = *src.Pool
	for i := range dst.Assets {
		*dst.Assets[i].Custody = *src.Assets[i].Custody
	}
}
