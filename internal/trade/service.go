// Package trade provides the HTTP handlers for the custody engine: position
// lifecycle, swaps and liquidity, quotes, locked stakes, event history and
// the admin surface.
//
// USD amounts and prices cross the API as shopspring/decimal strings and
// are converted to the engine's fixed-point integers at the boundary. Token
// amounts are native integer units.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/errcode"
	"github.com/atmx/custody-engine/internal/fixed"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/position"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/swap"
)

// Service exposes the engine over HTTP. Concurrency control lives in the
// engine; handlers only translate requests.
type Service struct {
	engine *engine.Engine
	store  store.Store
	book   *oracle.Book // optional: enables POST /prices
	logger *slog.Logger
}

// NewService creates a new trade service. Pass a nil book to keep the
// price push endpoint disabled.
func NewService(eng *engine.Engine, st store.Store, book *oracle.Book, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: eng, store: st, book: book, logger: logger.With("component", "api")}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/cortex", s.GetCortex)
	r.Get("/errors", s.ListErrors)
	r.Get("/events", s.ListEvents)
	if s.book != nil {
		r.Post("/prices", s.PushPrice)
	}

	r.Route("/pools", func(r chi.Router) {
		r.Get("/", s.ListPools)
		r.Get("/{pool}", s.GetPool)
		r.Get("/{pool}/custodies", s.ListCustodies)
		r.Get("/{pool}/aum", s.GetAum)
		r.Post("/{pool}/aum", s.UpdateAum)
		r.Get("/{pool}/genesis-locks", s.ListGenesisLocks)
	})
	r.Get("/custodies/{custody}", s.GetCustody)

	r.Route("/positions", func(r chi.Router) {
		r.Get("/", s.ListPositions)
		r.Post("/", s.OpenPosition)
		r.Post("/swap", s.OpenPositionWithSwap)
		r.Get("/{position}", s.GetPosition)
		r.Post("/{position}/increase", s.IncreasePosition)
		r.Post("/{position}/collateral/add", s.AddCollateral)
		r.Post("/{position}/collateral/remove", s.RemoveCollateral)
		r.Post("/{position}/close", s.ClosePosition)
		r.Post("/{position}/liquidate", s.LiquidatePosition)
		r.Put("/{position}/take-profit", s.SetTakeProfit)
		r.Delete("/{position}/take-profit", s.CancelTakeProfit)
		r.Put("/{position}/stop-loss", s.SetStopLoss)
		r.Delete("/{position}/stop-loss", s.CancelStopLoss)
		r.Get("/{position}/quote/exit", s.QuoteExit)
		r.Get("/{position}/quote/pnl", s.QuotePnL)
		r.Get("/{position}/quote/liquidation-price", s.QuoteLiquidationPrice)
		r.Get("/{position}/quote/liquidation-state", s.QuoteLiquidationState)
	})

	r.Post("/swap", s.Swap)
	r.Post("/liquidity/add", s.AddLiquidity)
	r.Post("/liquidity/remove", s.RemoveLiquidity)
	r.Post("/liquidity/genesis", s.AddGenesisLiquidity)

	r.Route("/quote", func(r chi.Router) {
		r.Post("/open", s.QuoteOpen)
		r.Post("/swap", s.QuoteSwap)
		r.Post("/liquidity/add", s.QuoteAddLiquidity)
		r.Post("/liquidity/remove", s.QuoteRemoveLiquidity)
	})

	r.Route("/stakes", func(r chi.Router) {
		r.Get("/", s.ListStakes)
		r.Post("/", s.AddLockedStake)
		r.Delete("/{id}", s.RemoveLockedStake)
	})

	r.Route("/admin", s.adminRoutes)
}

// --- Request types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Pool              solana.PublicKey  `json:"pool"`
	Custody           solana.PublicKey  `json:"custody"`
	CollateralCustody solana.PublicKey  `json:"collateral_custody"`
	Owner             solana.PublicKey  `json:"owner"`
	Side              model.Side        `json:"side"`
	Price             decimal.Decimal   `json:"price"`      // worst accepted entry price
	Collateral        uint64            `json:"collateral"` // native units
	Leverage          decimal.Decimal   `json:"leverage"`   // e.g. "10" for 10x
	Referrer          *solana.PublicKey `json:"referrer,omitempty"`
}

func (req OpenPositionRequest) toEngine() (engine.OpenPositionRequest, error) {
	price, err := toPrice(req.Price, "price")
	if err != nil {
		return engine.OpenPositionRequest{}, err
	}
	lev, err := toLeverage(req.Leverage)
	if err != nil {
		return engine.OpenPositionRequest{}, err
	}
	if !req.Side.Valid() {
		return engine.OpenPositionRequest{}, errcode.Wrap(errcode.ErrInvalidArgument, "side must be long or short")
	}
	return engine.OpenPositionRequest{
		Pool:              req.Pool,
		Custody:           req.Custody,
		CollateralCustody: req.CollateralCustody,
		OpenRequest: position.OpenRequest{
			Owner:      req.Owner,
			Side:       req.Side,
			Price:      price,
			Collateral: req.Collateral,
			Leverage:   lev,
			Referrer:   req.Referrer,
		},
	}, nil
}

// OpenWithSwapRequest is the JSON body for POST /positions/swap. Collateral
// is ignored; the swap output is used instead.
type OpenWithSwapRequest struct {
	OpenPositionRequest
	ReceivingCustody solana.PublicKey `json:"receiving_custody"`
	AmountIn         uint64           `json:"amount_in"`
	MinCollateralOut uint64           `json:"min_collateral_out"`
}

// IncreaseRequest is the JSON body for POST /positions/{position}/increase.
type IncreaseRequest struct {
	Caller     solana.PublicKey `json:"caller"`
	Price      decimal.Decimal  `json:"price"`
	Collateral uint64           `json:"collateral"`
	Leverage   decimal.Decimal  `json:"leverage"`
}

// CollateralRequest is the JSON body of the collateral endpoints. Add takes
// a native Amount, remove takes a USD value.
type CollateralRequest struct {
	Caller solana.PublicKey `json:"caller"`
	Amount uint64           `json:"amount,omitempty"`
	Usd    decimal.Decimal  `json:"usd,omitempty"`
}

// CloseRequest is the JSON body for POST /positions/{position}/close. The
// owner may pass a worst exit price; anyone else must pass the stored
// take-profit or stop-loss price.
type CloseRequest struct {
	Caller solana.PublicKey `json:"caller"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

// CallerRequest identifies who submits an instruction.
type CallerRequest struct {
	Caller solana.PublicKey `json:"caller"`
}

// TriggerRequest is the JSON body of the take-profit and stop-loss setters.
type TriggerRequest struct {
	Caller solana.PublicKey `json:"caller"`
	Price  decimal.Decimal  `json:"price"`
}

// SwapRequest is the JSON body for POST /swap.
type SwapRequest struct {
	Pool              solana.PublicKey `json:"pool"`
	ReceivingCustody  solana.PublicKey `json:"receiving_custody"`
	DispensingCustody solana.PublicKey `json:"dispensing_custody"`
	Owner             solana.PublicKey `json:"owner"`
	AmountIn          uint64           `json:"amount_in"`
	MinAmountOut      uint64           `json:"min_amount_out"`
	ReferencePrice    *decimal.Decimal `json:"reference_price,omitempty"`
}

func (req SwapRequest) toEngine() (engine.SwapRequest, error) {
	ref, err := optPrice(req.ReferencePrice, "reference_price")
	if err != nil {
		return engine.SwapRequest{}, err
	}
	return engine.SwapRequest{
		Pool:              req.Pool,
		ReceivingCustody:  req.ReceivingCustody,
		DispensingCustody: req.DispensingCustody,
		Owner:             req.Owner,
		SwapRequest:       swap.SwapRequest{AmountIn: req.AmountIn, MinAmountOut: req.MinAmountOut, ReferencePrice: ref},
	}, nil
}

// LiquidityRequest is the JSON body of the liquidity endpoints. Deposits
// take a native Amount; withdrawals take LpAmount.
type LiquidityRequest struct {
	Pool     solana.PublicKey `json:"pool"`
	Custody  solana.PublicKey `json:"custody"`
	Owner    solana.PublicKey `json:"owner"`
	Amount   uint64           `json:"amount,omitempty"`
	LpAmount decimal.Decimal  `json:"lp_amount,omitempty"`
	MinOut   decimal.Decimal  `json:"min_out,omitempty"`
}

func (req LiquidityRequest) deposit() (engine.LiquidityRequest, error) {
	minLp, err := toFixed(req.MinOut, fixed.LPDecimals, "min_out")
	if err != nil {
		return engine.LiquidityRequest{}, err
	}
	return engine.LiquidityRequest{Pool: req.Pool, Custody: req.Custody, Owner: req.Owner, Amount: req.Amount, MinOut: minLp}, nil
}

func (req LiquidityRequest) withdrawal() (engine.LiquidityRequest, error) {
	lp, err := toFixed(req.LpAmount, fixed.LPDecimals, "lp_amount")
	if err != nil {
		return engine.LiquidityRequest{}, err
	}
	minOut, err := toFixed(req.MinOut, 0, "min_out")
	if err != nil {
		return engine.LiquidityRequest{}, err
	}
	return engine.LiquidityRequest{Pool: req.Pool, Custody: req.Custody, Owner: req.Owner, Amount: lp, MinOut: minOut}, nil
}

// StakeRequest is the JSON body for POST /stakes.
type StakeRequest struct {
	Owner               solana.PublicKey `json:"owner"`
	Amount              uint64           `json:"amount"`
	LockDurationSeconds int64            `json:"lock_duration_seconds"`
}

// --- Cortex, errors, events, prices ---

// GetCortex handles GET /cortex
func (s *Service) GetCortex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Cortex())
}

// ListErrors handles GET /errors and returns the error catalogue.
func (s *Service) ListErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, errcode.All())
}

// ListEvents handles GET /events?owner=&pool=&position=&type=&limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.EventFilter
	var err error
	if f.Owner, err = queryKey(q.Get("owner")); err != nil {
		writeError(w, err)
		return
	}
	if f.Pool, err = queryKey(q.Get("pool")); err != nil {
		writeError(w, err)
		return
	}
	if f.Position, err = queryKey(q.Get("position")); err != nil {
		writeError(w, err)
		return
	}
	f.Type = model.EventType(q.Get("type"))
	if l := q.Get("limit"); l != "" {
		if f.Limit, err = strconv.Atoi(l); err != nil {
			writeError(w, errcode.Wrap(errcode.ErrInvalidArgument, "limit %q", l))
			return
		}
	}

	events, err := s.store.ListEvents(r.Context(), f)
	if err != nil {
		s.logger.Error("list events", "err", err)
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// PushPrice handles POST /prices with a raw oracle observation.
func (s *Service) PushPrice(w http.ResponseWriter, r *http.Request) {
	var raw oracle.RawPrice
	if !decode(w, r, &raw) {
		return
	}
	if _, err := oracle.Normalize(raw); err != nil {
		writeError(w, err)
		return
	}
	s.book.Set(raw)
	w.WriteHeader(http.StatusNoContent)
}

// --- Pools and custodies ---

// ListPools handles GET /pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.engine.Pools()
	out := make([]PoolView, len(pools))
	for i := range pools {
		out[i] = poolView(&pools[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPool handles GET /pools/{pool}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	p, err := s.engine.Pool(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(p))
}

// ListCustodies handles GET /pools/{pool}/custodies
func (s *Service) ListCustodies(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	custodies, err := s.engine.Custodies(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]CustodyView, len(custodies))
	for i := range custodies {
		out[i] = custodyView(&custodies[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCustody handles GET /custodies/{custody}
func (s *Service) GetCustody(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "custody")
	if !ok {
		return
	}
	c, err := s.engine.Custody(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, custodyView(c))
}

// GetAum handles GET /pools/{pool}/aum: a read-only valuation.
func (s *Service) GetAum(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	aum, err := s.engine.PoolAum(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aumView(aum))
}

// UpdateAum handles POST /pools/{pool}/aum: recompute and store the AUM.
func (s *Service) UpdateAum(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	aum, err := s.engine.UpdatePoolAum(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aumView(aum))
}

// ListGenesisLocks handles GET /pools/{pool}/genesis-locks?owner=
func (s *Service) ListGenesisLocks(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "pool")
	if !ok {
		return
	}
	owner, err := queryKey(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := []model.GenesisLock{}
	for _, g := range s.engine.GenesisLocks(owner) {
		if g.Pool.Equals(addr) {
			out = append(out, g)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Positions ---

// ListPositions handles GET /positions?owner=
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := queryKey(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	positions := s.engine.Positions(owner)
	out := make([]PositionView, len(positions))
	for i := range positions {
		out[i] = positionView(&positions[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /positions/{position}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	p, err := s.engine.Position(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(p))
}

// OpenPosition handles POST /positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	open, err := req.toEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.engine.OpenPosition(r.Context(), open)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(p))
}

// OpenPositionWithSwap handles POST /positions/swap
func (s *Service) OpenPositionWithSwap(w http.ResponseWriter, r *http.Request) {
	var req OpenWithSwapRequest
	if !decode(w, r, &req) {
		return
	}
	open, err := req.OpenPositionRequest.toEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.engine.OpenPositionWithSwap(r.Context(), engine.OpenWithSwapRequest{
		OpenPositionRequest: open,
		ReceivingCustody:    req.ReceivingCustody,
		AmountIn:            req.AmountIn,
		MinCollateralOut:    req.MinCollateralOut,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(p))
}

// IncreasePosition handles POST /positions/{position}/increase
func (s *Service) IncreasePosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req IncreaseRequest
	if !decode(w, r, &req) {
		return
	}
	price, err := toPrice(req.Price, "price")
	if err != nil {
		writeError(w, err)
		return
	}
	lev, err := toLeverage(req.Leverage)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.engine.IncreasePosition(r.Context(), addr, req.Caller,
		position.IncreaseRequest{Price: price, Collateral: req.Collateral, Leverage: lev})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(p))
}

// AddCollateral handles POST /positions/{position}/collateral/add
func (s *Service) AddCollateral(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req CollateralRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.AddCollateral(r.Context(), addr, req.Caller, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(p))
}

// RemoveCollateral handles POST /positions/{position}/collateral/remove
func (s *Service) RemoveCollateral(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req CollateralRequest
	if !decode(w, r, &req) {
		return
	}
	usd, err := toUSD(req.Usd, "usd")
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.engine.RemoveCollateral(r.Context(), addr, req.Caller, usd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"amount_out": amount})
}

// ClosePosition handles POST /positions/{position}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}
	price, err := optPrice(req.Price, "price")
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.engine.ClosePosition(r.Context(), addr, position.CloseRequest{Caller: req.Caller, Price: price})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(st))
}

// LiquidatePosition handles POST /positions/{position}/liquidate
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.engine.LiquidatePosition(r.Context(), addr, req.Caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(st))
}

func (s *Service) setTrigger(w http.ResponseWriter, r *http.Request,
	set func(addr, caller solana.PublicKey, price uint64) error) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	price, err := toPrice(req.Price, "price")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := set(addr, req.Caller, price); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) cancelTrigger(w http.ResponseWriter, r *http.Request,
	cancel func(addr, caller solana.PublicKey) error) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := cancel(addr, req.Caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTakeProfit handles PUT /positions/{position}/take-profit
func (s *Service) SetTakeProfit(w http.ResponseWriter, r *http.Request) {
	s.setTrigger(w, r, func(addr, caller solana.PublicKey, price uint64) error {
		return s.engine.SetTakeProfit(r.Context(), addr, caller, price)
	})
}

// SetStopLoss handles PUT /positions/{position}/stop-loss
func (s *Service) SetStopLoss(w http.ResponseWriter, r *http.Request) {
	s.setTrigger(w, r, func(addr, caller solana.PublicKey, price uint64) error {
		return s.engine.SetStopLoss(r.Context(), addr, caller, price)
	})
}

// CancelTakeProfit handles DELETE /positions/{position}/take-profit
func (s *Service) CancelTakeProfit(w http.ResponseWriter, r *http.Request) {
	s.cancelTrigger(w, r, func(addr, caller solana.PublicKey) error {
		return s.engine.CancelTakeProfit(r.Context(), addr, caller)
	})
}

// CancelStopLoss handles DELETE /positions/{position}/stop-loss
func (s *Service) CancelStopLoss(w http.ResponseWriter, r *http.Request) {
	s.cancelTrigger(w, r, func(addr, caller solana.PublicKey) error {
		return s.engine.CancelStopLoss(r.Context(), addr, caller)
	})
}

// --- Quotes ---

// QuoteOpen handles POST /quote/open
func (s *Service) QuoteOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	open, err := req.toEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.engine.QuoteOpen(open)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryQuoteView(q))
}

// QuoteExit handles GET /positions/{position}/quote/exit
func (s *Service) QuoteExit(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	q, err := s.engine.QuoteExit(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(q))
}

// QuotePnL handles GET /positions/{position}/quote/pnl
func (s *Service) QuotePnL(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	q, err := s.engine.QuotePnL(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pnlView(q))
}

// QuoteLiquidationPrice handles
// GET /positions/{position}/quote/liquidation-price?add_usd=&remove_usd=
func (s *Service) QuoteLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	var change position.CollateralChange
	for field, dst := range map[string]*uint64{"add_usd": &change.AddUsd, "remove_usd": &change.RemoveUsd} {
		v := r.URL.Query().Get(field)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, errcode.Wrap(errcode.ErrInvalidArgument, "%s %q", field, v))
			return
		}
		if *dst, err = toUSD(d, field); err != nil {
			writeError(w, err)
			return
		}
	}
	price, err := s.engine.QuoteLiquidationPrice(addr, change)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"liquidation_price": priceDec(price)})
}

// QuoteLiquidationState handles GET /positions/{position}/quote/liquidation-state
func (s *Service) QuoteLiquidationState(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathKey(w, r, "position")
	if !ok {
		return
	}
	liquidatable, err := s.engine.QuoteLiquidationState(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"liquidatable": liquidatable})
}

// QuoteSwap handles POST /quote/swap
func (s *Service) QuoteSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	sreq, err := req.toEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.QuoteSwap(sreq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swapView(res))
}

// QuoteAddLiquidity handles POST /quote/liquidity/add
func (s *Service) QuoteAddLiquidity(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, LiquidityRequest.deposit, func(req engine.LiquidityRequest) (*swap.LiquidityResult, error) {
		return s.engine.QuoteAddLiquidity(req)
	})
}

// QuoteRemoveLiquidity handles POST /quote/liquidity/remove
func (s *Service) QuoteRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, LiquidityRequest.withdrawal, func(req engine.LiquidityRequest) (*swap.LiquidityResult, error) {
		return s.engine.QuoteRemoveLiquidity(req)
	})
}

// --- Swaps and liquidity ---

// Swap handles POST /swap
func (s *Service) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	sreq, err := req.toEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Swap(r.Context(), sreq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swapView(res))
}

// AddLiquidity handles POST /liquidity/add
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, LiquidityRequest.deposit, func(req engine.LiquidityRequest) (*swap.LiquidityResult, error) {
		return s.engine.AddLiquidity(r.Context(), req)
	})
}

// RemoveLiquidity handles POST /liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, LiquidityRequest.withdrawal, func(req engine.LiquidityRequest) (*swap.LiquidityResult, error) {
		return s.engine.RemoveLiquidity(r.Context(), req)
	})
}

// AddGenesisLiquidity handles POST /liquidity/genesis
func (s *Service) AddGenesisLiquidity(w http.ResponseWriter, r *http.Request) {
	s.liquidity(w, r, LiquidityRequest.deposit, func(req engine.LiquidityRequest) (*swap.LiquidityResult, error) {
		return s.engine.AddGenesisLiquidity(r.Context(), req)
	})
}

func (s *Service) liquidity(w http.ResponseWriter, r *http.Request,
	convert func(LiquidityRequest) (engine.LiquidityRequest, error),
	run func(engine.LiquidityRequest) (*swap.LiquidityResult, error)) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	ereq, err := convert(req)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := run(ereq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidityView(res))
}

// --- Locked stakes ---

// ListStakes handles GET /stakes?owner=
func (s *Service) ListStakes(w http.ResponseWriter, r *http.Request) {
	owner, err := queryKey(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.LockedStakes(owner))
}

// AddLockedStake handles POST /stakes
func (s *Service) AddLockedStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.engine.AddLockedStake(r.Context(), req.Owner, req.Amount, req.LockDurationSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// RemoveLockedStake handles DELETE /stakes/{id}
func (s *Service) RemoveLockedStake(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, errcode.Wrap(errcode.ErrInvalidArgument, "stake id %q", chi.URLParam(r, "id")))
		return
	}
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.engine.RemoveLockedStake(r.Context(), req.Caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Helpers ---

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
	Name  string `json:"name,omitempty"`
}

// statusFor maps an error family onto an HTTP status.
func statusFor(e *errcode.Error) int {
	switch e.Kind {
	case errcode.KindInput:
		return http.StatusBadRequest
	case errcode.KindAuth:
		return http.StatusForbidden
	case errcode.KindOracle:
		return http.StatusServiceUnavailable
	case errcode.KindRisk, errcode.KindArithmetic:
		return http.StatusUnprocessableEntity
	case errcode.KindState:
		switch e {
		case errcode.ErrPoolNotFound, errcode.ErrCustodyNotFound,
			errcode.ErrPositionNotFound, errcode.ErrLockedStakeNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusConflict
}

// writeError writes a JSON error response. Coded errors carry their code
// and name; anything else is an internal error.
func writeError(w http.ResponseWriter, err error) {
	if e, ok := errcode.As(err); ok {
		writeJSON(w, statusFor(e), ErrorResponse{Error: err.Error(), Code: e.Code, Name: e.Name})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads the JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errcode.Wrap(errcode.ErrInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func pathKey(w http.ResponseWriter, r *http.Request, name string) (solana.PublicKey, bool) {
	raw := chi.URLParam(r, name)
	k, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		writeError(w, errcode.Wrap(errcode.ErrInvalidArgument, "%s %q is not an address", name, raw))
		return solana.PublicKey{}, false
	}
	return k, true
}

// queryKey parses an optional address; empty means zero.
func queryKey(raw string) (solana.PublicKey, error) {
	if raw == "" {
		return solana.PublicKey{}, nil
	}
	k, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, errcode.Wrap(errcode.ErrInvalidArgument, "%q is not an address", raw)
	}
	return k, nil
}
