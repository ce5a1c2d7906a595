package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
)

// bootstrap creates the configured pools on an empty engine. Custodies are
// added one at a time, so every intermediate ratio table hands the newest
// custody whatever target share is left.
func bootstrap(ctx context.Context, eng *engine.Engine, admin solana.PublicKey, pools []config.PoolBootstrap, logger *slog.Logger) error {
	for _, pb := range pools {
		p, err := eng.AddPool(ctx, admin, pb.PoolParams)
		if err != nil {
			return fmt.Errorf("bootstrap pool %s: %w", pb.Name, err)
		}
		final := make([]model.TokenRatios, len(pb.Custodies))
		for i, cb := range pb.Custodies {
			final[i] = cb.Ratio
		}
		for i, cb := range pb.Custodies {
			c, err := cb.Custody()
			if err != nil {
				return err
			}
			if _, err := eng.AddCustody(ctx, admin, p.Address, c, interimRatios(final, i+1)); err != nil {
				return fmt.Errorf("bootstrap pool %s custody %s: %w", pb.Name, cb.Symbol, err)
			}
		}
		if pb.Active {
			if err := eng.SetPoolLiquidityState(ctx, admin, p.Address, model.Active); err != nil {
				return fmt.Errorf("bootstrap pool %s: %w", pb.Name, err)
			}
		}
		logger.Info("pool bootstrapped", "pool", p.Address, "name", pb.Name, "custodies", len(pb.Custodies))
	}
	return nil
}

// interimRatios is the table for the first n custodies of final.
func interimRatios(final []model.TokenRatios, n int) []model.TokenRatios {
	if n == len(final) {
		return final
	}
	out := make([]model.TokenRatios, n)
	copy(out, final[:n-1])
	var used uint16
	for _, r := range out[:n-1] {
		used += r.Target
	}
	out[n-1] = model.TokenRatios{Target: uint16(fixed.BpsPower) - used, Max: uint16(fixed.BpsPower)}
	return out
}
