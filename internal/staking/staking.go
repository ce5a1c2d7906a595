// Package staking holds the narrow contracts the engine calls on the
// staking and governance programs, and the locked-stake rules.
package staking

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
)

// Reward vaults credited with the staking share of collected fees.
const (
	LmStakingRewardTokenVault = "lmStakingRewardTokenVault"
	LpStakingRewardTokenVault = "lpStakingRewardTokenVault"
)

// RewardRouter receives fee shares. Round resolution happens elsewhere.
type RewardRouter interface {
	CreditReward(ctx context.Context, vault string, amountUsd uint64) error
}

// GovernanceLock holds the governing tokens behind locked stakes.
type GovernanceLock interface {
	Deposit(ctx context.Context, owner solana.PublicKey, amount uint64) error
	Withdraw(ctx context.Context, owner solana.PublicKey, amount uint64) error
}

// Credit routes the LM and LP reward amounts to their vaults, skipping
// zero amounts.
func Credit(ctx context.Context, r RewardRouter, lmUsd, lpUsd uint64) error {
	if r == nil {
		return nil
	}
	if lmUsd > 0 {
		if err := r.CreditReward(ctx, LmStakingRewardTokenVault, lmUsd); err != nil {
			return err
		}
	}
	if lpUsd > 0 {
		if err := r.CreditReward(ctx, LpStakingRewardTokenVault, lpUsd); err != nil {
			return err
		}
	}
	return nil
}

// --- Locked stakes ---

// Lock bounds for a locked stake, in seconds.
const (
	MinLockDuration int64 = 30 * 24 * 3600
	MaxLockDuration int64 = 360 * 24 * 3600
)

// NewLockedStake validates a stake request and deposits amount with the
// governance lock.
func NewLockedStake(ctx context.Context, gov GovernanceLock, id uint64, owner solana.PublicKey, amount uint64, duration, now int64) (*model.LockedStake, error) {
	if amount == 0 {
		return nil, errcode.Wrap(errcode.ErrInvalidArgument, "stake amount must be positive")
	}
	if duration < MinLockDuration || duration > MaxLockDuration {
		return nil, errcode.Wrap(errcode.ErrInvalidArgument,
			"lock duration %ds outside [%d, %d]", duration, MinLockDuration, MaxLockDuration)
	}
	if err := gov.Deposit(ctx, owner, amount); err != nil {
		return nil, err
	}
	return &model.LockedStake{ID: id, Owner: owner, Amount: amount, StakeTime: now, LockDuration: duration}, nil
}

// Release withdraws a stake from the governance lock once its lock ended.
func Release(ctx context.Context, gov GovernanceLock, s *model.LockedStake, caller solana.PublicKey, now int64) error {
	if !caller.Equals(s.Owner) {
		return errcode.Wrap(errcode.ErrUnauthorized, "stake %d belongs to %s", s.ID, s.Owner)
	}
	if now < s.EndTime() {
		return errcode.Wrap(errcode.ErrLockedStakeNotReleasable, "stake %d locked until %d", s.ID, s.EndTime())
	}
	return gov.Withdraw(ctx, s.Owner, s.Amount)
}

// --- In-memory collaborator ---

// Ledger is an in-memory RewardRouter and GovernanceLock.
type Ledger struct {
	mu       sync.Mutex
	rewards  map[string]uint64
	balances map[solana.PublicKey]uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		rewards:  make(map[string]uint64),
		balances: make(map[solana.PublicKey]uint64),
	}
}

func (l *Ledger) CreditReward(_ context.Context, vault string, amountUsd uint64) error {
	if vault != LmStakingRewardTokenVault && vault != LpStakingRewardTokenVault {
		return errcode.Wrap(errcode.ErrInvalidArgument, "unknown vault %q", vault)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sum, err := fixed.Add(l.rewards[vault], amountUsd)
	if err != nil {
		return err
	}
	l.rewards[vault] = sum
	return nil
}

func (l *Ledger) Deposit(_ context.Context, owner solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum, err := fixed.Add(l.balances[owner], amount)
	if err != nil {
		return err
	}
	l.balances[owner] = sum
	return nil
}

func (l *Ledger) Withdraw(_ context.Context, owner solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[owner]
	if amount > bal {
		return errcode.Wrap(errcode.ErrInvalidArgument, "withdraw %d of %d", amount, bal)
	}
	l.balances[owner] = bal - amount
	return nil
}

// Rewards returns the total credited to vault.
func (l *Ledger) Rewards(vault string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rewards[vault]
}

// Balance returns owner's governance balance.
func (l *Ledger) Balance(owner solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}
