package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/trade"
)

type testClock struct{ now atomic.Int64 }

func (c *testClock) Now() int64 { return c.now.Load() }

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	eng    *engine.Engine
	clock  *testClock
	admin  solana.PublicKey
	owner  solana.PublicKey
	pool   solana.PublicKey
	sol    custodyInfo
	usdc   custodyInfo
}

type custodyInfo struct {
	Address solana.PublicKey `json:"address"`
	Oracle  solana.PublicKey `json:"oracle"`
	Owned   uint64           `json:"owned"`
	Locked  uint64           `json:"locked"`
}

type positionInfo struct {
	Address    solana.PublicKey `json:"address"`
	ID         uint64           `json:"id"`
	Side       string           `json:"side"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	SizeUsd    decimal.Decimal  `json:"size_usd"`
	Leverage   decimal.Decimal  `json:"leverage"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  uint32 `json:"code"`
	Name  string `json:"name"`
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, name string) {
	t.Helper()
	var body errorBody
	expect(t, w, status, &body)
	if body.Name != name {
		t.Fatalf("expected error %s, got %s (%s)", name, body.Name, body.Error)
	}
}

func (env *testEnv) pushPrice(t *testing.T, feed solana.PublicKey, dollars int64) {
	t.Helper()
	w := do(t, env.router, "POST", "/prices", oracle.RawPrice{
		Feed: feed, Price: dollars * 100_000_000, Exponent: -8, PublishTime: env.clock.Now(),
	})
	expect(t, w, http.StatusNoContent, nil)
}

func custodyBody(symbol string, decimals uint8, stable bool) model.Custody {
	return model.Custody{
		Mint:       solana.NewWallet().PublicKey(),
		Oracle:     solana.NewWallet().PublicKey(),
		Symbol:     symbol,
		Decimals:   decimals,
		IsStable:   stable,
		AllowSwap:  true,
		AllowTrade: true,
		Pricing: model.Pricing{
			MinInitialLeverage: 11_000,
			MaxInitialLeverage: 500_000,
			MaxLeverage:        1_000_000,
			MaxUtilization:     10_000,
		},
		Fees: model.Fees{SwapIn: 10, SwapOut: 10, StableSwapIn: 1, StableSwapOut: 1,
			AddLiquidity: 10, RemoveLiquidity: 10, ClosePosition: 10, Liquidation: 50, FeeMax: 100},
	}
}

// newTestEnv bootstraps an active SOL/USDC pool entirely through the API.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		clock: &testClock{},
		admin: solana.NewWallet().PublicKey(),
		owner: solana.NewWallet().PublicKey(),
	}
	env.clock.now.Store(1_700_000_000)
	book := oracle.NewBook()
	rec := trade.NewRecorder(env.store, nil, nil)
	env.eng = engine.New(model.Cortex{Admin: env.admin, ProgramID: solana.NewWallet().PublicKey()}, engine.DefaultConfig(), book,
		engine.WithClock(env.clock), engine.WithSink(rec))
	svc := trade.NewService(env.eng, env.store, book, nil)
	r := chi.NewRouter()
	svc.Routes(r)
	env.router = r

	var pool struct {
		Address solana.PublicKey `json:"address"`
	}
	expect(t, do(t, r, "POST", "/admin/pools", trade.AddPoolRequest{
		Caller: env.admin, Name: "main", GenesisLpLimit: decimal.NewFromInt(1_000_000),
	}), http.StatusCreated, &pool)
	env.pool = pool.Address

	custodies := "/admin/pools/" + env.pool.String() + "/custodies"
	expect(t, do(t, r, "POST", custodies, trade.CustodyRequest{
		Caller: env.admin, Custody: custodyBody("SOL", 9, false),
		Ratios: []model.TokenRatios{{Target: 10_000, Max: 10_000}},
	}), http.StatusCreated, &env.sol)
	expect(t, do(t, r, "POST", custodies, trade.CustodyRequest{
		Caller: env.admin, Custody: custodyBody("USDC", 6, true),
		Ratios: []model.TokenRatios{{Target: 5_000, Max: 10_000}, {Target: 5_000, Max: 10_000}},
	}), http.StatusCreated, &env.usdc)

	env.pushPrice(t, env.sol.Oracle, 100)
	env.pushPrice(t, env.usdc.Oracle, 1)

	for _, dep := range []trade.LiquidityRequest{
		{Pool: env.pool, Custody: env.sol.Address, Owner: env.owner, Amount: 1_000_000_000_000},
		{Pool: env.pool, Custody: env.usdc.Address, Owner: env.owner, Amount: 100_000_000_000},
	} {
		expect(t, do(t, r, "POST", "/liquidity/genesis", dep), http.StatusOK, nil)
	}
	expect(t, do(t, r, "PUT", "/admin/pools/"+env.pool.String()+"/liquidity-state",
		map[string]any{"caller": env.admin, "value": "active"}), http.StatusNoContent, nil)
	return env
}

func (env *testEnv) advance(t *testing.T, seconds int64) {
	t.Helper()
	env.clock.now.Add(seconds)
	env.pushPrice(t, env.sol.Oracle, 100)
	env.pushPrice(t, env.usdc.Oracle, 1)
}

func (env *testEnv) openLong(leverage string) trade.OpenPositionRequest {
	return trade.OpenPositionRequest{
		Pool: env.pool, Custody: env.sol.Address, CollateralCustody: env.sol.Address,
		Owner: env.owner, Side: model.SideLong,
		Price: decimal.NewFromInt(101), Collateral: 1_000_000_000,
		Leverage: decimal.RequireFromString(leverage),
	}
}

// --- Pool queries ---

func TestPoolQueries(t *testing.T) {
	env := newTestEnv(t)

	var pools []struct {
		Name           string          `json:"name"`
		LiquidityState string          `json:"liquidity_state"`
		LpTokenSupply  decimal.Decimal `json:"lp_token_supply"`
	}
	expect(t, do(t, env.router, "GET", "/pools/", nil), http.StatusOK, &pools)
	if len(pools) != 1 || pools[0].Name != "main" || pools[0].LiquidityState != "active" {
		t.Fatalf("unexpected pools: %+v", pools)
	}
	if !pools[0].LpTokenSupply.Equal(decimal.NewFromInt(200_000)) {
		t.Errorf("expected 200000 lp, got %s", pools[0].LpTokenSupply)
	}

	var custodies []custodyInfo
	expect(t, do(t, env.router, "GET", "/pools/"+env.pool.String()+"/custodies", nil), http.StatusOK, &custodies)
	if len(custodies) != 2 {
		t.Fatalf("expected 2 custodies, got %d", len(custodies))
	}

	var aum struct {
		AumUsd decimal.Decimal `json:"aum_usd"`
	}
	expect(t, do(t, env.router, "GET", "/pools/"+env.pool.String()+"/aum", nil), http.StatusOK, &aum)
	if !aum.AumUsd.Equal(decimal.NewFromInt(200_000)) {
		t.Errorf("expected aum 200000, got %s", aum.AumUsd)
	}

	var locks []model.GenesisLock
	expect(t, do(t, env.router, "GET", "/pools/"+env.pool.String()+"/genesis-locks?owner="+env.owner.String(), nil),
		http.StatusOK, &locks)
	if len(locks) != 1 {
		t.Errorf("expected one genesis lock, got %d", len(locks))
	}
}

func TestUnknownPoolIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := do(t, env.router, "GET", "/pools/"+solana.NewWallet().PublicKey().String(), nil)
	expectError(t, w, http.StatusNotFound, "PoolNotFound")

	w = do(t, env.router, "GET", "/pools/not-a-key", nil)
	expectError(t, w, http.StatusBadRequest, "InvalidArgument")
}

// --- Position lifecycle ---

func TestOpenAndClosePosition(t *testing.T) {
	env := newTestEnv(t)

	var pos positionInfo
	expect(t, do(t, env.router, "POST", "/positions/", env.openLong("10")), http.StatusCreated, &pos)
	if pos.Side != "long" || !pos.Leverage.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	path := "/positions/" + pos.Address.String()

	var listed []positionInfo
	expect(t, do(t, env.router, "GET", "/positions/?owner="+env.owner.String(), nil), http.StatusOK, &listed)
	if len(listed) != 1 || listed[0].Address != pos.Address {
		t.Fatalf("expected the open position in the owner list, got %+v", listed)
	}

	w := do(t, env.router, "POST", path+"/close", trade.CloseRequest{Caller: env.owner})
	expectError(t, w, http.StatusConflict, "PositionTooYoung")

	env.advance(t, 60)
	var quote trade.SettlementView
	expect(t, do(t, env.router, "GET", path+"/quote/exit", nil), http.StatusOK, &quote)

	var closed trade.SettlementView
	expect(t, do(t, env.router, "POST", path+"/close", trade.CloseRequest{Caller: env.owner}), http.StatusOK, &closed)
	if closed.AmountOut != quote.AmountOut {
		t.Errorf("exit quote %d != settled %d", quote.AmountOut, closed.AmountOut)
	}

	w = do(t, env.router, "GET", path, nil)
	expectError(t, w, http.StatusNotFound, "PositionNotFound")
}

func TestOpenRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	w := do(t, env.router, "POST", "/positions/", env.openLong("10.00001"))
	expectError(t, w, http.StatusBadRequest, "InvalidArgument")

	w = do(t, env.router, "POST", "/positions/", env.openLong("1000"))
	expectError(t, w, http.StatusUnprocessableEntity, "MaxLeverage")

	req := httptest.NewRequest("POST", "/positions/", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, "InvalidArgument")
}

func TestTakeProfitLifecycle(t *testing.T) {
	env := newTestEnv(t)
	var pos positionInfo
	expect(t, do(t, env.router, "POST", "/positions/", env.openLong("10")), http.StatusCreated, &pos)
	path := "/positions/" + pos.Address.String()

	stranger := solana.NewWallet().PublicKey()
	w := do(t, env.router, "PUT", path+"/take-profit", trade.TriggerRequest{Caller: stranger, Price: decimal.NewFromInt(110)})
	expectError(t, w, http.StatusForbidden, "Unauthorized")

	expect(t, do(t, env.router, "PUT", path+"/take-profit",
		trade.TriggerRequest{Caller: env.owner, Price: decimal.NewFromInt(110)}), http.StatusNoContent, nil)
	expect(t, do(t, env.router, "GET", path, nil), http.StatusOK, &pos)
	if pos.TakeProfit == nil || !pos.TakeProfit.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("expected take profit 110, got %v", pos.TakeProfit)
	}

	expect(t, do(t, env.router, "DELETE", path+"/take-profit", trade.CallerRequest{Caller: env.owner}),
		http.StatusNoContent, nil)
	pos = positionInfo{}
	expect(t, do(t, env.router, "GET", path, nil), http.StatusOK, &pos)
	if pos.TakeProfit != nil {
		t.Errorf("expected take profit cleared, got %v", pos.TakeProfit)
	}
}

func TestLiquidationState(t *testing.T) {
	env := newTestEnv(t)
	var pos positionInfo
	expect(t, do(t, env.router, "POST", "/positions/", env.openLong("10")), http.StatusCreated, &pos)
	path := "/positions/" + pos.Address.String()

	var state struct {
		Liquidatable bool `json:"liquidatable"`
	}
	expect(t, do(t, env.router, "GET", path+"/quote/liquidation-state", nil), http.StatusOK, &state)
	if state.Liquidatable {
		t.Fatal("fresh position should not be liquidatable")
	}
	w := do(t, env.router, "POST", path+"/liquidate", trade.CallerRequest{Caller: solana.NewWallet().PublicKey()})
	expectError(t, w, http.StatusUnprocessableEntity, "PositionNotInLiquidationRange")

	var liq struct {
		LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	}
	expect(t, do(t, env.router, "GET", path+"/quote/liquidation-price", nil), http.StatusOK, &liq)
	if !liq.LiquidationPrice.LessThan(decimal.NewFromInt(100)) || !liq.LiquidationPrice.IsPositive() {
		t.Errorf("unexpected liquidation price %s", liq.LiquidationPrice)
	}
}

// --- Swaps, liquidity and prices ---

func TestSwapAndQuoteAgree(t *testing.T) {
	env := newTestEnv(t)
	req := trade.SwapRequest{
		Pool: env.pool, ReceivingCustody: env.sol.Address, DispensingCustody: env.usdc.Address,
		Owner: env.owner, AmountIn: 1_000_000_000,
	}
	var quote, res trade.SwapView
	expect(t, do(t, env.router, "POST", "/quote/swap", req), http.StatusOK, &quote)
	expect(t, do(t, env.router, "POST", "/swap", req), http.StatusOK, &res)
	if quote.AmountOut != res.AmountOut || res.AmountOut == 0 {
		t.Errorf("quote %d, swap %d", quote.AmountOut, res.AmountOut)
	}

	req.MinAmountOut = 1_000_000_000_000
	w := do(t, env.router, "POST", "/swap", req)
	expectError(t, w, http.StatusUnprocessableEntity, "InsufficientAmountReturned")
}

func TestAddAndRemoveLiquidity(t *testing.T) {
	env := newTestEnv(t)
	var added trade.LiquidityView
	expect(t, do(t, env.router, "POST", "/liquidity/add", trade.LiquidityRequest{
		Pool: env.pool, Custody: env.usdc.Address, Owner: env.owner, Amount: 1_000_000_000,
	}), http.StatusOK, &added)
	if !added.LpAmount.IsPositive() {
		t.Fatalf("expected lp minted, got %s", added.LpAmount)
	}

	var removed trade.LiquidityView
	expect(t, do(t, env.router, "POST", "/liquidity/remove", trade.LiquidityRequest{
		Pool: env.pool, Custody: env.usdc.Address, Owner: env.owner, LpAmount: added.LpAmount,
	}), http.StatusOK, &removed)
	if removed.Amount == 0 || removed.Amount >= 1_000_000_000 {
		t.Errorf("expected a fee-reduced withdrawal, got %d", removed.Amount)
	}
}

func TestStalePriceIsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.clock.now.Add(3600)
	w := do(t, env.router, "POST", "/positions/", env.openLong("10"))
	expectError(t, w, http.StatusServiceUnavailable, "StaleOraclePrice")
}

// --- Admin ---

func TestAdminRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	stranger := solana.NewWallet().PublicKey()

	w := do(t, env.router, "POST", "/admin/pools", trade.AddPoolRequest{Caller: stranger, Name: "other"})
	expectError(t, w, http.StatusForbidden, "Unauthorized")

	w = do(t, env.router, "PUT", "/admin/custodies/"+env.sol.Address.String()+"/flags",
		map[string]any{"caller": env.admin, "value": engine.CustodyFlags{AllowSwap: false, AllowTrade: true}})
	expect(t, w, http.StatusNoContent, nil)

	req := trade.SwapRequest{
		Pool: env.pool, ReceivingCustody: env.sol.Address, DispensingCustody: env.usdc.Address,
		Owner: env.owner, AmountIn: 1_000_000,
	}
	w = do(t, env.router, "POST", "/swap", req)
	if w.Code < 400 {
		t.Fatalf("expected swap to be rejected once disabled, got %d", w.Code)
	}
}

// --- Stakes, events, catalogue ---

func TestLockedStakeEndpoints(t *testing.T) {
	env := newTestEnv(t)
	var st model.LockedStake
	expect(t, do(t, env.router, "POST", "/stakes/", trade.StakeRequest{
		Owner: env.owner, Amount: 1_000, LockDurationSeconds: 30 * 86_400,
	}), http.StatusCreated, &st)

	var stakes []model.LockedStake
	expect(t, do(t, env.router, "GET", "/stakes/?owner="+env.owner.String(), nil), http.StatusOK, &stakes)
	if len(stakes) != 1 || stakes[0].ID != st.ID {
		t.Fatalf("unexpected stakes: %+v", stakes)
	}

	w := do(t, env.router, "DELETE", "/stakes/"+itoa(st.ID), trade.CallerRequest{Caller: env.owner})
	expectError(t, w, http.StatusConflict, "LockedStakeNotReleasable")
}

func TestEventsArePersisted(t *testing.T) {
	env := newTestEnv(t)
	expect(t, do(t, env.router, "POST", "/positions/", env.openLong("10")), http.StatusCreated, nil)

	var events []model.Event
	expect(t, do(t, env.router, "GET", "/events?type=OpenPosition&owner="+env.owner.String(), nil), http.StatusOK, &events)
	if len(events) != 1 || events[0].Type != model.EventOpenPosition {
		t.Fatalf("expected one OpenPosition event, got %+v", events)
	}

	all, err := env.store.ListEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) < 5 {
		t.Errorf("expected the bootstrap events to be recorded, got %d", len(all))
	}
}

func TestErrorCatalogue(t *testing.T) {
	env := newTestEnv(t)
	var codes []errorBody
	expect(t, do(t, env.router, "GET", "/errors", nil), http.StatusOK, &codes)
	if len(codes) == 0 || codes[0].Code != 6000 {
		t.Fatalf("unexpected catalogue: %+v", codes)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	expect(t, do(t, env.router, "POST", "/positions/", env.openLong("10")), http.StatusCreated, nil)

	if err := trade.SaveSnapshot(ctx, env.eng, env.store); err != nil {
		t.Fatal(err)
	}
	fresh := engine.New(model.Cortex{}, engine.DefaultConfig(), oracle.NewBook(), engine.WithClock(env.clock))
	ok, err := trade.RestoreLatest(ctx, fresh, env.store)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if got := len(fresh.Positions(env.owner)); got != 1 {
		t.Errorf("expected 1 restored position, got %d", got)
	}

	ok, err = trade.RestoreLatest(ctx, fresh, store.NewMemoryStore())
	if err != nil || ok {
		t.Errorf("empty store should report no snapshot, got ok=%v err=%v", ok, err)
	}
}

func itoa(v uint64) string { return decimal.NewFromUint64(v).String() }
