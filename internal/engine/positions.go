package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/pda"
	"github.com/atmx/custody-engine/internal/pool"
	"github.com/atmx/custody-engine/internal/position"
)

// OpenPositionRequest opens a position on Custody backed by
// CollateralCustody.
type OpenPositionRequest struct {
	Pool              solana.PublicKey `json:"pool"`
	Custody           solana.PublicKey `json:"custody"`
	CollateralCustody solana.PublicKey `json:"collateral_custody"`
	position.OpenRequest
}

// ClosePayload is the event data of a close or liquidation.
type ClosePayload struct {
	Position   model.Position      `json:"position"`
	Settlement position.Settlement `json:"settlement"`
	Caller     solana.PublicKey    `json:"caller"`
}

// CollateralPayload is the event data of a collateral change.
type CollateralPayload struct {
	Position model.Position `json:"position"`
	Amount   uint64         `json:"amount"`
	Usd      uint64         `json:"usd"`
}

func positionEvent(ev model.Event, p *model.Position) model.Event {
	ev.Owner = p.Owner
	ev.Pool = p.Pool
	ev.Custody = p.Custody
	ev.Position = p.Address
	return ev
}

// positionScope is a position with its records locked and priced.
type positionScope struct {
	pool *model.Pool
	acc  position.Accounts
	pos  *model.Position
	now  int64
}

// withPosition locks the pool (shared), both custodies and the position of
// addr, reads prices and runs fn. The locks are released when it returns.
func (e *Engine) withPosition(addr solana.PublicKey, fn func(s *positionScope) error) error {
	pe, err := e.lookupPosition(addr)
	if err != nil {
		return err
	}
	poolE, err := e.lookupPool(pe.pool)
	if err != nil {
		return err
	}
	tcE, err := e.lookupCustody(pe.custody)
	if err != nil {
		return err
	}
	ccE, err := e.lookupCustody(pe.collateral)
	if err != nil {
		return err
	}

	poolE.mu.RLock()
	defer poolE.mu.RUnlock()
	unlock, err := lockCustodies(poolE.p, tcE, ccE)
	if err != nil {
		return err
	}
	defer unlock()
	pe.mu.Lock()
	defer pe.mu.Unlock()

	now := e.clock.Now()
	acc, err := e.positionAccounts(tcE.c, ccE.c, now)
	if err != nil {
		return err
	}
	return fn(&positionScope{pool: poolE.p, acc: acc, pos: pe.p, now: now})
}

// --- Open ---

// OpenPosition opens a position at its program address. Only one position
// may exist per owner, custody pair and side; grow it with IncreasePosition.
func (e *Engine) OpenPosition(ctx context.Context, req OpenPositionRequest) (_ *model.Position, err error) {
	defer observe("open_position", time.Now(), &err)
	defer e.shared()()

	var (
		out *model.Position
		ev  model.Event
	)
	err = func() error {
		poolE, err := e.lookupPool(req.Pool)
		if err != nil {
			return err
		}
		tcE, err := e.lookupCustody(req.Custody)
		if err != nil {
			return err
		}
		ccE, err := e.lookupCustody(req.CollateralCustody)
		if err != nil {
			return err
		}
		poolE.mu.RLock()
		defer poolE.mu.RUnlock()
		if err := pool.RequireState(poolE.p, model.Active); err != nil {
			return err
		}
		unlock, err := lockCustodies(poolE.p, tcE, ccE)
		if err != nil {
			return err
		}
		defer unlock()

		now := e.clock.Now()
		acc, err := e.positionAccounts(tcE.c, ccE.c, now)
		if err != nil {
			return err
		}
		pos, err := e.openLocked(acc, req, now)
		if err != nil {
			return err
		}
		out = pos.Clone()
		ev = positionEvent(e.event(model.EventOpenPosition, now, out), out)
		return nil
	}()
	if err != nil {
		return nil, err
	}
	e.logger.Info("position opened",
		"position", out.Address, "owner", out.Owner, "side", out.Side,
		"size_usd", out.SizeUsd, "collateral_usd", out.CollateralUsd, "price", out.Price)
	e.emit(ctx, ev)
	return out, nil
}

// openLocked runs the open transition and registers the new record. The
// caller holds the pool and custody locks.
func (e *Engine) openLocked(acc position.Accounts, req OpenPositionRequest, now int64) (*model.Position, error) {
	e.mu.Lock()
	programID := e.cortex.ProgramID
	e.mu.Unlock()
	addr, _, err := pda.Position(programID, req.Owner, req.Pool, req.Custody, req.CollateralCustody, req.Side)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	_, exists := e.positions[addr]
	e.mu.Unlock()
	if exists {
		return nil, errcode.Wrap(errcode.ErrInvalidPositionState, "position %s is already open", addr)
	}

	pos, err := e.manager.Open(acc, req.OpenRequest, addr, 0, now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cortex.PositionIDCounter++
	pos.ID = e.cortex.PositionIDCounter
	e.positions[addr] = newPositionEntry(pos)
	e.mu.Unlock()
	metrics.OpenPositions.WithLabelValues(pos.Side.String()).Inc()
	return pos, nil
}

// --- Modify ---

// IncreasePosition adds size to an open position.
func (e *Engine) IncreasePosition(ctx context.Context, addr solana.PublicKey, caller solana.PublicKey, req position.IncreaseRequest) (_ *model.Position, err error) {
	defer observe("increase_position", time.Now(), &err)
	defer e.shared()()
	var out *model.Position
	var ev model.Event
	err = e.withPosition(addr, func(s *positionScope) error {
		if err := requireOwner(s.pos, caller); err != nil {
			return err
		}
		if err := pool.RequireState(s.pool, model.Active); err != nil {
			return err
		}
		if err := e.manager.Increase(s.acc, s.pos, req, s.now); err != nil {
			return err
		}
		out = s.pos.Clone()
		ev = positionEvent(e.event(model.EventIncreasePosition, s.now, out), out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("position increased", "position", addr, "size_usd", out.SizeUsd, "price", out.Price)
	e.emit(ctx, ev)
	return out, nil
}

// AddCollateral deposits collateral tokens into a position.
func (e *Engine) AddCollateral(ctx context.Context, addr, caller solana.PublicKey, amount uint64) (_ *model.Position, err error) {
	defer observe("add_collateral", time.Now(), &err)
	defer e.shared()()
	var out *model.Position
	var ev model.Event
	err = e.withPosition(addr, func(s *positionScope) error {
		if err := requireOwner(s.pos, caller); err != nil {
			return err
		}
		before := s.pos.CollateralUsd
		if err := e.manager.AddCollateral(s.acc, s.pos, amount, s.now); err != nil {
			return err
		}
		out = s.pos.Clone()
		ev = positionEvent(e.event(model.EventAddCollateral, s.now,
			CollateralPayload{Position: *out, Amount: amount, Usd: out.CollateralUsd - before}), out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("collateral added", "position", addr, "amount", amount, "collateral_usd", out.CollateralUsd)
	e.emit(ctx, ev)
	return out, nil
}

// RemoveCollateral withdraws collateralUsd worth of collateral and returns
// the token amount paid out.
func (e *Engine) RemoveCollateral(ctx context.Context, addr, caller solana.PublicKey, collateralUsd uint64) (_ uint64, err error) {
	defer observe("remove_collateral", time.Now(), &err)
	defer e.shared()()
	var amount uint64
	var ev model.Event
	err = e.withPosition(addr, func(s *positionScope) error {
		if err := requireOwner(s.pos, caller); err != nil {
			return err
		}
		var err error
		if amount, err = e.manager.RemoveCollateral(s.acc, s.pos, collateralUsd, s.now); err != nil {
			return err
		}
		out := s.pos.Clone()
		ev = positionEvent(e.event(model.EventRemoveCollateral, s.now,
			CollateralPayload{Position: *out, Amount: amount, Usd: collateralUsd}), out)
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("collateral removed", "position", addr, "amount", amount, "usd", collateralUsd)
	e.emit(ctx, ev)
	return amount, nil
}

func requireOwner(p *model.Position, caller solana.PublicKey) error {
	if !caller.Equals(p.Owner) {
		return errcode.Wrap(errcode.ErrUnauthorized, "position %s belongs to %s", p.Address, p.Owner)
	}
	return nil
}

// --- Close / liquidate ---

// ClosePosition settles a position. Of several racing closes and
// liquidations exactly one succeeds; the others fail with
// InvalidPositionState.
func (e *Engine) ClosePosition(ctx context.Context, addr solana.PublicKey, req position.CloseRequest) (_ *position.Settlement, err error) {
	defer observe("close_position", time.Now(), &err)
	defer e.shared()()
	return e.settle(ctx, addr, model.EventClosePosition, req.Caller, func(s *positionScope) (*position.Settlement, error) {
		return e.manager.Close(s.acc, s.pos, req, s.now)
	})
}

// LiquidatePosition liquidates a position in liquidation range and pays
// the liquidation fee to caller.
func (e *Engine) LiquidatePosition(ctx context.Context, addr, caller solana.PublicKey) (_ *position.Settlement, err error) {
	defer observe("liquidate_position", time.Now(), &err)
	defer e.shared()()
	return e.settle(ctx, addr, model.EventLiquidatePosition, caller, func(s *positionScope) (*position.Settlement, error) {
		return e.manager.Liquidate(s.acc, s.pos, s.now)
	})
}

func (e *Engine) settle(ctx context.Context, addr solana.PublicKey, t model.EventType, caller solana.PublicKey,
	run func(s *positionScope) (*position.Settlement, error)) (*position.Settlement, error) {
	var (
		res    *position.Settlement
		closed model.Position
		symbol string
		ev     model.Event
	)
	err := e.withPosition(addr, func(s *positionScope) error {
		var err error
		if res, err = run(s); err != nil {
			return err
		}
		e.mu.Lock()
		delete(e.positions, addr)
		e.mu.Unlock()
		closed = *s.pos.Clone()
		symbol = s.acc.Custody.Symbol
		ev = positionEvent(e.event(t, s.now, ClosePayload{Position: closed, Settlement: *res, Caller: caller}), &closed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenPositions.WithLabelValues(closed.Side.String()).Dec()
	recordFee("borrow", res.InterestUsd)
	if t == model.EventLiquidatePosition {
		metrics.Liquidations.WithLabelValues(symbol).Inc()
		recordFee("liquidation", res.ExitFeeUsd+res.LiquidationFeeUsd)
		e.logger.Warn("position liquidated",
			"position", addr, "owner", closed.Owner, "liquidator", caller,
			"loss_usd", res.LossUsd, "reward", res.LiquidatorReward)
	} else {
		recordFee("close", res.ExitFeeUsd)
		e.logger.Info("position closed",
			"position", addr, "owner", closed.Owner, "caller", caller,
			"profit_usd", res.ProfitUsd, "loss_usd", res.LossUsd, "amount_out", res.AmountOut)
	}
	e.credit(ctx, res.LmRewardUsd, res.LpRewardUsd)
	e.emit(ctx, ev)
	return res, nil
}

// --- Triggers ---

// SetTakeProfit stores a take-profit trigger on a position.
func (e *Engine) SetTakeProfit(ctx context.Context, addr, caller solana.PublicKey, price uint64) error {
	return e.trigger(ctx, "set_take_profit", addr, model.EventSetTakeProfit, func(s *positionScope) error {
		return e.manager.SetTakeProfit(s.pos, caller, price, s.now)
	})
}

// SetStopLoss stores a stop-loss trigger on a position.
func (e *Engine) SetStopLoss(ctx context.Context, addr, caller solana.PublicKey, price uint64) error {
	return e.trigger(ctx, "set_stop_loss", addr, model.EventSetStopLoss, func(s *positionScope) error {
		return e.manager.SetStopLoss(s.pos, caller, price, s.now)
	})
}

// CancelTakeProfit clears a position's take-profit trigger.
func (e *Engine) CancelTakeProfit(ctx context.Context, addr, caller solana.PublicKey) error {
	return e.trigger(ctx, "cancel_take_profit", addr, model.EventCancelTakeProfit, func(s *positionScope) error {
		return e.manager.CancelTakeProfit(s.pos, caller, s.now)
	})
}

// CancelStopLoss clears a position's stop-loss trigger.
func (e *Engine) CancelStopLoss(ctx context.Context, addr, caller solana.PublicKey) error {
	return e.trigger(ctx, "cancel_stop_loss", addr, model.EventCancelStopLoss, func(s *positionScope) error {
		return e.manager.CancelStopLoss(s.pos, caller, s.now)
	})
}

func (e *Engine) trigger(ctx context.Context, name string, addr solana.PublicKey, t model.EventType, fn func(s *positionScope) error) (err error) {
	defer observe(name, time.Now(), &err)
	defer e.shared()()
	var ev model.Event
	err = e.withPosition(addr, func(s *positionScope) error {
		if err := fn(s); err != nil {
			return err
		}
		out := s.pos.Clone()
		ev = positionEvent(e.event(t, s.now, out), out)
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(ctx, ev)
	return nil
}

// --- Read-only getters ---

// QuoteOpen returns the entry price and fees an open request would get.
func (e *Engine) QuoteOpen(req OpenPositionRequest) (*position.EntryQuote, error) {
	defer e.shared()()
	poolE, err := e.lookupPool(req.Pool)
	if err != nil {
		return nil, err
	}
	tcE, err := e.lookupCustody(req.Custody)
	if err != nil {
		return nil, err
	}
	ccE, err := e.lookupCustody(req.CollateralCustody)
	if err != nil {
		return nil, err
	}
	poolE.mu.RLock()
	defer poolE.mu.RUnlock()
	unlock, err := lockCustodies(poolE.p, tcE, ccE)
	if err != nil {
		return nil, err
	}
	defer unlock()
	acc, err := e.positionAccounts(tcE.c, ccE.c, e.clock.Now())
	if err != nil {
		return nil, err
	}
	return e.manager.QuoteEntry(acc, req.OpenRequest)
}

// QuoteExit returns what closing the position now would settle.
func (e *Engine) QuoteExit(addr solana.PublicKey) (q *position.Settlement, err error) {
	defer e.shared()()
	err = e.withPosition(addr, func(s *positionScope) error {
		q, err = e.manager.QuoteExit(s.acc, s.pos, s.now)
		return err
	})
	return q, err
}

// QuotePnL values the position at the current exit price.
func (e *Engine) QuotePnL(addr solana.PublicKey) (q *position.PnLQuote, err error) {
	defer e.shared()()
	err = e.withPosition(addr, func(s *positionScope) error {
		q, err = e.manager.QuotePnL(s.acc, s.pos, s.now)
		return err
	})
	return q, err
}

// QuoteLiquidationPrice solves the position's liquidation price after an
// optional collateral change.
func (e *Engine) QuoteLiquidationPrice(addr solana.PublicKey, change position.CollateralChange) (price uint64, err error) {
	defer e.shared()()
	err = e.withPosition(addr, func(s *positionScope) error {
		price, err = e.manager.QuoteLiquidationPrice(s.acc, s.pos, change, s.now)
		return err
	})
	return price, err
}

// QuoteLiquidationState reports whether the position can be liquidated now.
func (e *Engine) QuoteLiquidationState(addr solana.PublicKey) (ok bool, err error) {
	defer e.shared()()
	err = e.withPosition(addr, func(s *positionScope) error {
		ok, err = e.manager.QuoteLiquidationState(s.acc, s.pos, s.now)
		return err
	})
	return ok, err
}
