package engine

import (
	"context"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/staking"
)

// AddLockedStake locks amount governing tokens of owner for duration
// seconds.
func (e *Engine) AddLockedStake(ctx context.Context, owner solana.PublicKey, amount uint64, duration int64) (_ *model.LockedStake, err error) {
	defer observe("add_locked_stake", time.Now(), &err)
	defer e.shared()()

	e.stakeMu.Lock()
	now := e.clock.Now()
	e.mu.Lock()
	id := e.cortex.LockedStakeIDCounter + 1
	e.mu.Unlock()
	s, err := staking.NewLockedStake(ctx, e.gov, id, owner, amount, duration, now)
	if err != nil {
		e.stakeMu.Unlock()
		return nil, err
	}
	e.mu.Lock()
	e.cortex.LockedStakeIDCounter = id
	e.mu.Unlock()
	e.stakes[id] = s
	out := *s
	e.stakeMu.Unlock()

	e.logger.Info("stake locked", "id", id, "owner", owner, "amount", amount, "duration", duration)
	ev := e.event(model.EventAddLockedStake, now, out)
	ev.Owner = owner
	e.emit(ctx, ev)
	return &out, nil
}

// RemoveLockedStake releases a stake whose lock period has ended.
func (e *Engine) RemoveLockedStake(ctx context.Context, caller solana.PublicKey, id uint64) (_ *model.LockedStake, err error) {
	defer observe("remove_locked_stake", time.Now(), &err)
	defer e.shared()()

	e.stakeMu.Lock()
	s, ok := e.stakes[id]
	if !ok {
		e.stakeMu.Unlock()
		return nil, errcode.Wrap(errcode.ErrLockedStakeNotFound, "stake %d", id)
	}
	now := e.clock.Now()
	if err := staking.Release(ctx, e.gov, s, caller, now); err != nil {
		e.stakeMu.Unlock()
		return nil, err
	}
	delete(e.stakes, id)
	out := *s
	e.stakeMu.Unlock()

	e.logger.Info("stake released", "id", id, "owner", out.Owner, "amount", out.Amount)
	ev := e.event(model.EventRemoveLockedStake, now, out)
	ev.Owner = out.Owner
	e.emit(ctx, ev)
	return &out, nil
}

// LockedStakes lists the stakes of owner, or every stake when owner is
// zero, by id.
func (e *Engine) LockedStakes(owner solana.PublicKey) []model.LockedStake {
	defer e.shared()()
	e.stakeMu.Lock()
	defer e.stakeMu.Unlock()
	out := make([]model.LockedStake, 0, len(e.stakes))
	for _, s := range e.stakes {
		if owner.IsZero() || s.Owner.Equals(owner) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
