package trade

import (
	"context"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
)

// Admin bodies carry the engine's native units: bps for fees, ratios and
// leverage, fixed-point integers for rates. Only the pool caps are decimal.

func (s *Service) adminRoutes(r chi.Router) {
	r.Put("/admin", s.SetAdmin)
	r.Put("/fee-recipient", s.SetProtocolFeeRecipient)
	r.Put("/fee-distribution", s.SetFeeDistribution)
	r.Post("/pools", s.AddPool)
	r.Put("/pools/{pool}/liquidity-state", s.SetPoolLiquidityState)
	r.Put("/pools/{pool}/aum-soft-cap", s.SetPoolAumSoftCap)
	r.Put("/pools/{pool}/ratios", s.SetPoolRatios)
	r.Post("/pools/{pool}/custodies", s.AddCustody)
	r.Delete("/custodies/{custody}", s.RemoveCustody)
	r.Put("/custodies/{custody}/flags", s.SetCustodyFlags)
	r.Put("/custodies/{custody}/fees", s.SetCustodyFees)
	r.Put("/custodies/{custody}/pricing", s.SetCustodyPricing)
	r.Put("/custodies/{custody}/borrow-rate", s.SetCustodyBorrowRate)
}

// AddressRequest carries a single address argument.
type AddressRequest struct {
	Caller  solana.PublicKey `json:"caller"`
	Address solana.PublicKey `json:"address"`
}

// AddPoolRequest is the JSON body for POST /admin/pools.
type AddPoolRequest struct {
	Caller         solana.PublicKey `json:"caller"`
	Name           string           `json:"name"`
	AumSoftCapUsd  decimal.Decimal  `json:"aum_soft_cap_usd"`
	GenesisLpLimit decimal.Decimal  `json:"genesis_lp_limit"`
}

// CustodyRequest is the JSON body for POST /admin/pools/{pool}/custodies.
// Ratios is the complete table with the new custody last.
type CustodyRequest struct {
	Caller  solana.PublicKey    `json:"caller"`
	Custody model.Custody       `json:"custody"`
	Ratios  []model.TokenRatios `json:"ratios"`
}

// RatiosRequest carries a replacement ratio table.
type RatiosRequest struct {
	Caller solana.PublicKey    `json:"caller"`
	Ratios []model.TokenRatios `json:"ratios"`
}

// adminBody is the generic shape of a single-value admin request.
type adminBody[T any] struct {
	Caller solana.PublicKey `json:"caller"`
	Value  T                `json:"value"`
}

// SetAdmin handles PUT /admin/admin
func (s *Service) SetAdmin(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.SetAdmin(r.Context(), req.Caller, req.Address))
}

// SetProtocolFeeRecipient handles PUT /admin/fee-recipient
func (s *Service) SetProtocolFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.SetProtocolFeeRecipient(r.Context(), req.Caller, req.Address))
}

// SetFeeDistribution handles PUT /admin/fee-distribution
func (s *Service) SetFeeDistribution(w http.ResponseWriter, r *http.Request) {
	var req adminBody[model.FeeDistribution]
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.SetFeeDistribution(r.Context(), req.Caller, req.Value))
}

// AddPool handles POST /admin/pools
func (s *Service) AddPool(w http.ResponseWriter, r *http.Request) {
	var req AddPoolRequest
	if !decode(w, r, &req) {
		return
	}
	softCap, err := toUSD(req.AumSoftCapUsd, "aum_soft_cap_usd")
	if err != nil {
		writeError(w, err)
		return
	}
	lpLimit, err := toFixed(req.GenesisLpLimit, fixed.LPDecimals, "genesis_lp_limit")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.engine.AddPool(r.Context(), req.Caller, engine.PoolParams{
		Name:           req.Name,
		AumSoftCapUsd:  softCap,
		GenesisLpLimit: lpLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("pool added", "pool", p.Address, "name", p.Name)
	writeJSON(w, http.StatusCreated, poolView(p))
}

// SetPoolLiquidityState handles PUT /admin/pools/{pool}/liquidity-state
func (s *Service) SetPoolLiquidityState(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	var req adminBody[model.LiquidityState]
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.SetPoolLiquidityState(r.Context(), req.Caller, addr, req.Value))
}

// SetPoolAumSoftCap handles PUT /admin/pools/{pool}/aum-soft-cap
func (s *Service) SetPoolAumSoftCap(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	var req adminBody[decimal.Decimal]
	if !decode(w, r, &req) {
		return
	}
	capUsd, err := toUSD(req.Value, "value")
	if err != nil {
		writeError(w, err)
		return
	}
	s.done(w, s.engine.SetPoolAumSoftCap(r.Context(), req.Caller, addr, capUsd))
}

// SetPoolRatios handles PUT /admin/pools/{pool}/ratios
func (s *Service) SetPoolRatios(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	var req RatiosRequest
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.SetPoolRatios(r.Context(), req.Caller, addr, req.Ratios))
}

// AddCustody handles POST /admin/pools/{pool}/custodies
func (s *Service) AddCustody(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	var req CustodyRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.engine.AddCustody(r.Context(), req.Caller, addr, req.Custody, req.Ratios)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("custody added", "pool", addr, "custody", c.Address, "symbol", c.Symbol)
	writeJSON(w, http.StatusCreated, custodyView(c))
}

// RemoveCustody handles DELETE /admin/custodies/{custody}. The body holds
// the pool's ratio table without the removed custody.
func (s *Service) RemoveCustody(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "custody")
	if !ok {
		return
	}
	var req RatiosRequest
	if !decode(w, r, &req) {
		return
	}
	s.done(w, s.engine.RemoveCustody(r.Context(), req.Caller, addr, req.Ratios))
}

// SetCustodyFlags handles PUT /admin/custodies/{custody}/flags
func (s *Service) SetCustodyFlags(w http.ResponseWriter, r *http.Request) {
	custodySetter(s, w, r, s.engine.SetCustodyFlags)
}

// SetCustodyFees handles PUT /admin/custodies/{custody}/fees
func (s *Service) SetCustodyFees(w http.ResponseWriter, r *http.Request) {
	custodySetter(s, w, r, s.engine.SetCustodyFees)
}

// SetCustodyPricing handles PUT /admin/custodies/{custody}/pricing
func (s *Service) SetCustodyPricing(w http.ResponseWriter, r *http.Request) {
	custodySetter(s, w, r, s.engine.SetCustodyPricing)
}

// SetCustodyBorrowRate handles PUT /admin/custodies/{custody}/borrow-rate
func (s *Service) SetCustodyBorrowRate(w http.ResponseWriter, r *http.Request) {
	custodySetter(s, w, r, s.engine.SetCustodyBorrowRate)
}

func custodySetter[T any](s *Service, w http.ResponseWriter, r *http.Request,
	set func(ctx context.Context, caller, addr solana.PublicKey, v T) error) {
	addr, ok := pathKey(w, r, "custody")
	if !ok {
		return
	}
	var req adminBody[T]
	if !decode(w, r, &req) {
		return
	}
	s.done(w, set(r.Context(), req.Caller, addr, req.Value))
}

func (s *Service) done(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
