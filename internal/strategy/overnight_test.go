package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/orders"
	"topstepx-engine/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Shared fakes
// ————————————————————————————————————————————————————————————————————————

type fakeBars struct {
	rangeBars  []types.Bar // served from GetBars
	recentBars []types.Bar // served from GetRecentBars
}

func (f *fakeBars) GetBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error) {
	return f.rangeBars, nil
}

func (f *fakeBars) GetRecentBars(ctx context.Context, symbol string, tf types.Timeframe, n int, end time.Time) ([]types.Bar, error) {
	return f.recentBars, nil
}

type stopEntryCall struct {
	accountID string
	symbol    string
	side      types.Side
	qty       int
	stop      float64
	sl        float64
	tp        float64
	opts      orders.Options
}

type marketCall struct {
	accountID string
	symbol    string
	side      types.Side
	qty       int
	opts      orders.Options
}

type fakeOrders struct {
	mu          sync.Mutex
	stopEntries []stopEntryCall
	markets     []marketCall
	sessionOpen map[string]float64
	breakevens  int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{sessionOpen: make(map[string]float64)}
}

func (f *fakeOrders) SubmitMarket(ctx context.Context, accountID, symbol string, side types.Side, qty int, opts orders.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, marketCall{accountID, symbol, side, qty, opts})
	return "mkt-1", nil
}

func (f *fakeOrders) SubmitStopEntry(ctx context.Context, accountID, symbol string, side types.Side, qty int, stopPrice, slPrice, tpPrice float64, opts orders.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopEntries = append(f.stopEntries, stopEntryCall{accountID, symbol, side, qty, stopPrice, slPrice, tpPrice, opts})
	return "stop-1", nil
}

func (f *fakeOrders) SetSessionOpen(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionOpen[symbol] = price
}

func (f *fakeOrders) CheckBreakeven(ctx context.Context, accountID, symbol string, triggerPoints float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakevens++
	return nil
}

type fakeContracts struct{}

func (fakeContracts) GetContract(ctx context.Context, symbol string) (*types.Contract, error) {
	return &types.Contract{
		Symbol: types.NormalizeSymbol(symbol), ContractID: "CON." + symbol,
		TickSize: 0.25, TickValue: 5, PointValue: 20,
	}, nil
}

type fakePositions struct {
	open map[string]types.Position // accountID|symbol
}

func (f *fakePositions) Position(accountID, symbol string) (types.Position, bool) {
	p, ok := f.open[accountID+"|"+types.NormalizeSymbol(symbol)]
	return p, ok
}

func testDeps(t *testing.T, bars *fakeBars, ord *fakeOrders, now time.Time) Deps {
	t.Helper()
	cal, err := clock.NewCalendar("America/Chicago")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return Deps{
		Bars:      bars,
		Orders:    ord,
		Contracts: fakeContracts{},
		Positions: &fakePositions{open: map[string]types.Position{}},
		Clock:     &clock.Fake{T: now},
		Calendar:  cal,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// flatBars builds n identical bars whose true range is high-low.
func flatBars(n int, open, high, low, close float64, start time.Time, tf types.Timeframe) []types.Bar {
	out := make([]types.Bar, n)
	for i := range out {
		out[i] = types.Bar{
			Symbol:    "NQ",
			Timeframe: tf,
			OpenTime:  start.Add(time.Duration(i) * tf.Duration()),
			Open:      open, High: high, Low: low, Close: close,
			Volume: 100,
		}
	}
	return out
}

func overnightConfig(t *testing.T, p OvernightRangeParams) types.StrategyConfig {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return types.StrategyConfig{
		Name:         "overnight_range",
		AccountID:    "ACC1",
		Enabled:      true,
		Symbols:      []string{"NQ"},
		PositionSize: 1,
		Params:       raw,
	}
}

// chicagoOpen is Monday 2026-03-02 08:30 exchange-local.
func chicagoOpen(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return time.Date(2026, 3, 2, 8, 30, 0, 0, loc)
}

// ————————————————————————————————————————————————————————————————————————
// Overnight range breakout
// ————————————————————————————————————————————————————————————————————————

func TestOvernightBreakoutBracketMath(t *testing.T) {
	t.Parallel()
	now := chicagoOpen(t)

	// Overnight range 24980..25100; ATR bars give a constant true range of 20
	// and a last close of 25050, the session open proxy.
	bars := &fakeBars{
		rangeBars:  flatBars(20, 25040, 25100, 24980, 25040, now.Add(-15*time.Hour), types.TF5m),
		recentBars: flatBars(45, 25050, 25060, 25040, 25050, now.Add(-45*5*time.Minute), types.TF5m),
	}
	ord := newFakeOrders()
	s := NewOvernightRange(testDeps(t, bars, ord, now))

	cfg := overnightConfig(t, OvernightRangeParams{
		OvernightStartTime: "17:00",
		OvernightEndTime:   "08:30",
		MarketOpenTime:     "08:30",
		ATRPeriod:          14,
		ATRTimeframe:       "5m",
		StopATRMultiplier:  1.25,
		TPATRMultiplier:    2.0,
		RangeBreakOffset:   0.25,
	})

	if err := s.ExecuteCycle(context.Background(), cfg); err != nil {
		t.Fatalf("ExecuteCycle: %v", err)
	}

	if len(ord.stopEntries) != 2 {
		t.Fatalf("stop entries = %d, want a long/short OCO pair", len(ord.stopEntries))
	}
	long, short := ord.stopEntries[0], ord.stopEntries[1]
	if long.side != types.BUY || short.side != types.SELL {
		t.Fatalf("sides = %v/%v, want BUY then SELL", long.side, short.side)
	}

	// ATR=20, stop mult 1.25, tp mult 2.0. The ATR zones around the 25050
	// open all sit inside the range, so both targets fall back to 2 ATR.
	if long.stop != 25100.25 {
		t.Errorf("long entry = %v, want 25100.25", long.stop)
	}
	if long.sl != 25075.25 {
		t.Errorf("long SL = %v, want 25075.25", long.sl)
	}
	if long.tp != 25140.25 {
		t.Errorf("long TP = %v, want 25140.25", long.tp)
	}
	if short.stop != 24979.75 {
		t.Errorf("short entry = %v, want 24979.75", short.stop)
	}
	if short.sl != 25004.75 {
		t.Errorf("short SL = %v, want 25004.75", short.sl)
	}
	if short.tp != 24939.75 {
		t.Errorf("short TP = %v, want 24939.75", short.tp)
	}

	if long.opts.OCOGroup == "" || long.opts.OCOGroup != short.opts.OCOGroup {
		t.Error("both legs must share one OCO group")
	}
	if got := ord.sessionOpen["NQ"]; got != 25050 {
		t.Errorf("session open = %v, want 25050", got)
	}
}

func TestOvernightSkipsWhenPositionOpen(t *testing.T) {
	t.Parallel()
	now := chicagoOpen(t)
	bars := &fakeBars{
		rangeBars:  flatBars(20, 25040, 25100, 24980, 25040, now.Add(-15*time.Hour), types.TF5m),
		recentBars: flatBars(45, 25050, 25060, 25040, 25050, now.Add(-45*5*time.Minute), types.TF5m),
	}
	ord := newFakeOrders()
	deps := testDeps(t, bars, ord, now)
	deps.Positions = &fakePositions{open: map[string]types.Position{
		"ACC1|NQ": {AccountID: "ACC1", Symbol: "NQ", Side: types.LONG, Quantity: 1},
	}}
	s := NewOvernightRange(deps)

	if err := s.ExecuteCycle(context.Background(), overnightConfig(t, defaultOvernightParams())); err != nil {
		t.Fatalf("ExecuteCycle: %v", err)
	}
	if len(ord.stopEntries) != 0 {
		t.Errorf("stop entries = %d, want none while a position is open", len(ord.stopEntries))
	}
}

func TestOvernightNoBarsNoTrade(t *testing.T) {
	t.Parallel()
	now := chicagoOpen(t)
	ord := newFakeOrders()
	s := NewOvernightRange(testDeps(t, &fakeBars{}, ord, now))

	forecast, err := s.Analyze(context.Background(), overnightConfig(t, defaultOvernightParams()))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if forecast.WillTrade {
		t.Error("forecast must not trade without overnight bars")
	}
}

func TestOvernightZoneTargetBeyondRange(t *testing.T) {
	t.Parallel()
	now := chicagoOpen(t)

	// Narrow range 25048..25052 around a 25050 open with ATR=20: the near
	// upper zone boundary 25055 lies beyond the range high and becomes the
	// long target instead of the 2-ATR fallback.
	bars := &fakeBars{
		rangeBars:  flatBars(20, 25050, 25052, 25048, 25050, now.Add(-15*time.Hour), types.TF5m),
		recentBars: flatBars(45, 25050, 25060, 25040, 25050, now.Add(-45*5*time.Minute), types.TF5m),
	}
	ord := newFakeOrders()
	s := NewOvernightRange(testDeps(t, bars, ord, now))

	cfg := overnightConfig(t, OvernightRangeParams{
		OvernightStartTime: "17:00",
		OvernightEndTime:   "08:30",
		MarketOpenTime:     "08:30",
		ATRPeriod:          14,
		ATRTimeframe:       "5m",
		StopATRMultiplier:  1.25,
		TPATRMultiplier:    2.0,
		RangeBreakOffset:   0.25,
	})
	forecast, err := s.Analyze(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !forecast.WillTrade || len(forecast.Orders) != 2 {
		t.Fatalf("forecast = %+v, want two planned orders", forecast)
	}
	long := forecast.Orders[0]
	if long.TakeProfit != 25055.00 {
		t.Errorf("long TP = %v, want the near zone boundary 25055.00", long.TakeProfit)
	}
}

func TestOvernightNextExecutionSkipsWeekend(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/Chicago")
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, loc)

	ord := newFakeOrders()
	s := NewOvernightRange(testDeps(t, &fakeBars{}, ord, saturday))

	next, err := s.NextExecution(overnightConfig(t, defaultOvernightParams()), saturday)
	if err != nil {
		t.Fatalf("NextExecution: %v", err)
	}
	want := time.Date(2026, 3, 9, 8, 30, 0, 0, loc) // Monday cash open
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestOvernightOnBarChecksBreakeven(t *testing.T) {
	t.Parallel()
	now := chicagoOpen(t)
	ord := newFakeOrders()
	s := NewOvernightRange(testDeps(t, &fakeBars{}, ord, now))

	p := defaultOvernightParams()
	p.BreakevenEnabled = true
	p.BreakevenProfitPoints = 5
	cfg := overnightConfig(t, p)

	s.OnBar(context.Background(), cfg, types.Bar{Symbol: "NQ", Close: 25010})
	s.OnBar(context.Background(), cfg, types.Bar{Symbol: "ES", Close: 6400})

	if ord.breakevens != 1 {
		t.Errorf("breakeven checks = %d, want 1 (only the watched symbol)", ord.breakevens)
	}
}

func TestOvernightUnknownParamKeysSurvive(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"atr_period": 7, "future_knob": "kept"}`)
	cfg := types.StrategyConfig{Name: "overnight_range", AccountID: "ACC1", Params: raw}

	p := defaultOvernightParams()
	if err := decodeParams(cfg, &p); err != nil {
		t.Fatalf("decodeParams: %v", err)
	}
	if p.ATRPeriod != 7 {
		t.Errorf("atr_period = %d, want 7", p.ATRPeriod)
	}
	if p.StopATRMultiplier != 1.25 {
		t.Errorf("defaults must survive a partial override, got %v", p.StopATRMultiplier)
	}
	// The raw config is what gets persisted, unknown keys included.
	var keys map[string]any
	if err := json.Unmarshal(cfg.Params, &keys); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if keys["future_knob"] != "kept" {
		t.Error("unknown key dropped from the raw params")
	}
}

func TestSessionOpenPrice(t *testing.T) {
	t.Parallel()
	openAt := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := []types.Bar{
		{OpenTime: openAt.Add(-5 * time.Minute), Open: 25040, Close: 25045},
		{OpenTime: openAt, Open: 25050, Close: 25052},
	}
	if got := sessionOpenPrice(bars, openAt); got != 25050 {
		t.Errorf("open = %v, want the opening print 25050", got)
	}
	// Without an aligned bar, the latest close stands in.
	if got := sessionOpenPrice(bars[:1], openAt); got != 25045 {
		t.Errorf("open = %v, want fallback close 25045", got)
	}
	if got := sessionOpenPrice(nil, openAt); got != 0 {
		t.Errorf("open = %v, want 0 for an empty tape", got)
	}
}
