package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/config"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeAccounts struct {
	snaps map[string]account.Snapshot
}

func (f *fakeAccounts) AccountIDs() []string {
	ids := make([]string, 0, len(f.snaps))
	for id := range f.snaps {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeAccounts) Snapshot(accountID string) (account.Snapshot, bool) {
	s, ok := f.snaps[accountID]
	return s, ok
}

func (f *fakeAccounts) Position(accountID, symbol string) (types.Position, bool) {
	s, ok := f.snaps[accountID]
	if !ok {
		return types.Position{}, false
	}
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return types.Position{}, false
}

type submission struct {
	accountID string
	symbol    string
	side      types.Side
	qty       int
	price     float64
	opts      orders.Options
}

type fakeOrderSvc struct {
	mu         sync.Mutex
	err        error
	markets    []submission
	limits     []submission
	stops      []submission
	cancelled  []string
	cancelAll  []string
	closed     []submission
	flattened  []string
	nextID     string
}

func (f *fakeOrderSvc) SubmitMarket(_ context.Context, accountID, symbol string, side types.Side, qty int, opts orders.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.markets = append(f.markets, submission{accountID, symbol, side, qty, 0, opts})
	return f.id(), nil
}

func (f *fakeOrderSvc) SubmitLimit(_ context.Context, accountID, symbol string, side types.Side, qty int, limitPrice float64, opts orders.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.limits = append(f.limits, submission{accountID, symbol, side, qty, limitPrice, opts})
	return f.id(), nil
}

func (f *fakeOrderSvc) SubmitStopEntry(_ context.Context, accountID, symbol string, side types.Side, qty int, stopPrice, _, _ float64, opts orders.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.stops = append(f.stops, submission{accountID, symbol, side, qty, stopPrice, opts})
	return f.id(), nil
}

func (f *fakeOrderSvc) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return f.err
}

func (f *fakeOrderSvc) CancelAll(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll = append(f.cancelAll, accountID)
	return f.err
}

func (f *fakeOrderSvc) ClosePosition(_ context.Context, accountID, symbol string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, submission{accountID: accountID, symbol: symbol, qty: qty})
	return f.err
}

func (f *fakeOrderSvc) FlattenAll(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattened = append(f.flattened, accountID)
	return f.err
}

func (f *fakeOrderSvc) id() string {
	if f.nextID == "" {
		return "ord-1"
	}
	return f.nextID
}

func (f *fakeOrderSvc) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markets) + len(f.limits) + len(f.stops)
}

type fakeStrategySvc struct {
	mu       sync.Mutex
	err      error
	states   []types.StrategyState
	started  []string
	stopped  []string
	configs  []types.StrategyConfig
	stats    types.StrategyStats
	forecast strategy.Forecast
}

func (f *fakeStrategySvc) Kinds() []string { return []string{"overnight_range"} }

func (f *fakeStrategySvc) States(string) []types.StrategyState { return f.states }

func (f *fakeStrategySvc) Start(name, accountID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, name+"|"+accountID)
	return nil
}

func (f *fakeStrategySvc) Stop(name, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name+"|"+accountID)
	return f.err
}

func (f *fakeStrategySvc) UpdateConfig(cfg types.StrategyConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return f.err
}

func (f *fakeStrategySvc) Config(string, string) (types.StrategyConfig, bool) {
	return types.StrategyConfig{}, false
}

func (f *fakeStrategySvc) Stats(string, string) (types.StrategyStats, error) {
	return f.stats, f.err
}

func (f *fakeStrategySvc) Verify(context.Context, string, string) (strategy.Forecast, error) {
	return f.forecast, f.err
}

type fakeRiskSvc struct {
	snap types.RiskSnapshot
}

func (f *fakeRiskSvc) Recompute(_ context.Context, accountID string) types.RiskSnapshot {
	s := f.snap
	s.AccountID = accountID
	return s
}

type fakeBarSvc struct {
	bars []types.Bar
	err  error
}

func (f *fakeBarSvc) GetRecentBars(context.Context, string, types.Timeframe, int, time.Time) ([]types.Bar, error) {
	return f.bars, f.err
}

type fakeContractSvc struct {
	tick float64
}

func (f *fakeContractSvc) GetContract(_ context.Context, symbol string) (*types.Contract, error) {
	return &types.Contract{
		Symbol: types.NormalizeSymbol(symbol), TickSize: f.tick, TickValue: 5, PointValue: 20,
	}, nil
}

type fakeControlStore struct {
	mu       sync.Mutex
	trades   []types.TradeRecord
	notifs   []types.Notification
	settings map[string]map[string]json.RawMessage
}

func newFakeControlStore() *fakeControlStore {
	return &fakeControlStore{settings: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeControlStore) ListTrades(string, string, int) ([]types.TradeRecord, error) {
	return f.trades, nil
}

func (f *fakeControlStore) ListNotifications(string, int) ([]types.Notification, error) {
	return f.notifs, nil
}

func (f *fakeControlStore) GetSettings(scope string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, v := range f.settings[scope] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeControlStore) SetSetting(scope, key string, value json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings[scope] == nil {
		f.settings[scope] = make(map[string]json.RawMessage)
	}
	f.settings[scope][key] = value
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

type testEnv struct {
	server     *Server
	ts         *httptest.Server
	accounts   *fakeAccounts
	orders     *fakeOrderSvc
	strategies *fakeStrategySvc
	store      *fakeControlStore
	events     *bus.Bus
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	accounts := &fakeAccounts{snaps: map[string]account.Snapshot{
		"ACC1": {
			Account: types.Account{ID: "ACC1", Name: "Eval 50K", Balance: 50000},
			Positions: []types.Position{
				{AccountID: "ACC1", Symbol: "NQ", Side: types.LONG, Quantity: 2, AvgEntryPrice: 25000},
			},
			Orders: []types.Order{
				{ID: "ord-9", AccountID: "ACC1", Symbol: "NQ", Side: types.SELL, Type: types.OrderLimit, Status: types.OrderWorking},
			},
		},
	}}
	ord := &fakeOrderSvc{}
	strat := &fakeStrategySvc{
		states: []types.StrategyState{{Name: "overnight_range", AccountID: "ACC1", Status: types.StrategyDisabled}},
	}
	st := newFakeControlStore()
	events := bus.New(logger)
	clk := &clock.Fake{T: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}

	handlers := NewHandlers(accounts, ord, strat, &fakeRiskSvc{snap: types.RiskSnapshot{Compliance: true}},
		&fakeBarSvc{}, &fakeContractSvc{tick: 0.25}, st, clk, logger)
	server := NewServer(config.HTTPConfig{ListenAddr: ":0", AuthToken: authToken}, handlers, events, logger)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: server, ts: ts, accounts: accounts, orders: ord,
		strategies: strat, store: st, events: events}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

// ————————————————————————————————————————————————————————————————————————
// Order placement
// ————————————————————————————————————————————————————————————————————————

func TestPlaceOrderMisalignedLimitRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "NQ", Side: "BUY", Quantity: 1, OrderType: "limit",
		LimitPrice: 25000.13, AccountID: "ACC1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env1 := decodeEnvelope(t, resp)
	assert.Equal(t, string(types.KindInvalidPrice), env1.Code)
	assert.Zero(t, env.orders.submissions(), "misaligned price must never reach the broker")
}

func TestPlaceOrderMarketWithTickBracket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "MNQ", Side: "BUY", Quantity: 2, OrderType: "market",
		StopLossTicks: 40, TakeProfitTicks: 80, EnableBracket: true, AccountID: "ACC1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["order_id"])

	require.Len(t, env.orders.markets, 1)
	sub := env.orders.markets[0]
	assert.Equal(t, "MNQ", sub.symbol)
	assert.Equal(t, types.BUY, sub.side)
	assert.Equal(t, 2, sub.qty)
	require.NotNil(t, sub.opts.Bracket)
	assert.Equal(t, 40, sub.opts.Bracket.StopTicks)
	assert.Equal(t, 80, sub.opts.Bracket.TargetTicks)
}

func TestPlaceOrderTicksAndPricesExclusive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "NQ", Side: "BUY", Quantity: 1, OrderType: "market",
		StopLossTicks: 40, StopLossPrice: 24990, EnableBracket: true, AccountID: "ACC1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(types.KindInvalidInput), decodeEnvelope(t, resp).Code)
	assert.Zero(t, env.orders.submissions())
}

func TestPlaceOrderStopBracketNeedsAbsolutePrices(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "NQ", Side: "BUY", Quantity: 1, OrderType: "stop", StopPrice: 25100,
		StopLossTicks: 40, TakeProfitTicks: 80, EnableBracket: true, AccountID: "ACC1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.orders.submissions())
}

func TestPlaceOrderRiskVetoMapsTo403(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.orders.err = types.E(types.KindRiskVeto, "daily loss limit violated for account ACC1")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "NQ", Side: "SELL", Quantity: 1, OrderType: "market", AccountID: "ACC1",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(types.KindRiskVeto), decodeEnvelope(t, resp).Code)
}

func TestPlaceOrderBadSide(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/orders/place", placeOrderRequest{
		Symbol: "NQ", Side: "HOLD", Quantity: 1, OrderType: "market", AccountID: "ACC1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodDelete, "/api/orders/ord-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ord-9"}, env.orders.cancelled)

	resp = env.do(t, http.MethodDelete, "/api/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ACC1"}, env.orders.cancelAll)
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and positions
// ————————————————————————————————————————————————————————————————————————

func TestAccountRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accounts []types.Account
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "ACC1", accounts[0].ID)

	resp = env.do(t, http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSwitchAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/accounts/ACC9/switch", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/accounts/ACC1/switch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	saved, err := env.store.GetSettings(settingsScopeDashboard)
	require.NoError(t, err)
	assert.JSONEq(t, `"ACC1"`, string(saved["active_account"]))
}

func TestClosePositionRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/positions/NQ/close", map[string]int{"quantity": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.orders.closed, 1)
	assert.Equal(t, 1, env.orders.closed[0].qty)

	resp = env.do(t, http.MethodPost, "/api/positions/ES/close", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/positions/flatten", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"ACC1"}, env.orders.flattened)
}

// ————————————————————————————————————————————————————————————————————————
// Strategies, risk, data
// ————————————————————————————————————————————————————————————————————————

func TestStrategyRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/strategies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var states []types.StrategyState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, types.StrategyDisabled, states[0].Status)

	resp = env.do(t, http.MethodPost, "/api/strategies/overnight_range/start",
		map[string]any{"account_id": "ACC1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"overnight_range|ACC1"}, env.strategies.started)

	resp = env.do(t, http.MethodPost, "/api/strategies/overnight_range/stop",
		map[string]any{"account_id": "ACC1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"overnight_range|ACC1"}, env.strategies.stopped)
}

func TestStrategyStartUnknownMapsTo400(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.strategies.err = types.E(types.KindInvalidInput, "unknown strategy momentum")

	resp := env.do(t, http.MethodPost, "/api/strategies/momentum/start",
		map[string]any{"account_id": "ACC1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRiskRoute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/risk", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap types.RiskSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.Compliance)
	assert.Equal(t, "ACC1", snap.AccountID)
}

func TestTradesExportCSV(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.store.trades = []types.TradeRecord{{
		ID: "t1", AccountID: "ACC1", Symbol: "NQ", Side: types.BUY, Quantity: 1,
		EntryPrice: 25000, ExitPrice: 25010, NetPnL: 200,
	}}

	resp := env.do(t, http.MethodGet, "/api/trades/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "header plus one trade")
	assert.Contains(t, lines[1], "t1")
	assert.Contains(t, lines[1], "25010")
}

func TestHistoricalDataValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/historical-data?timeframe=5m", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/historical-data?symbol=NQ&timeframe=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/historical-data?symbol=NQ&timeframe=5m&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/settings", map[string]any{
		"scope":  "charts",
		"values": map[string]any{"default_timeframe": "5m"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/settings/charts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.JSONEq(t, `"5m"`, string(got["default_timeframe"]))
}

// ————————————————————————————————————————————————————————————————————————
// Auth
// ————————————————————————————————————————————————————————————————————————

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "sekrit")

	resp := env.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/accounts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Probes stay open.
	health := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
