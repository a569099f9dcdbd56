package store

import (
	"encoding/json"
	"testing"
	"time"

	"topstepx-engine/pkg/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBar(symbol string, open time.Time, close float64) types.Bar {
	return types.Bar{
		Symbol:    symbol,
		Timeframe: types.TF1m,
		OpenTime:  open,
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 3,
		Close:     close,
		Volume:    10,
	}
}

func TestUpsertBarsReplacesOnKey(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	open := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	if err := s.UpsertBars([]types.Bar{mkBar("NQ", open, 25000)}); err != nil {
		t.Fatalf("UpsertBars: %v", err)
	}
	// Same (symbol, timeframe, open_time) must replace, not duplicate.
	if err := s.UpsertBars([]types.Bar{mkBar("NQ", open, 25010)}); err != nil {
		t.Fatalf("UpsertBars replace: %v", err)
	}

	bars, err := s.GetBars("NQ", types.TF1m, open.Add(-time.Minute), open.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Close != 25010 {
		t.Errorf("Close = %v, want 25010", bars[0].Close)
	}
}

func TestGetRecentBarsAscendingWindow(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, mkBar("ES", base.Add(time.Duration(i)*time.Minute), 5000+float64(i)))
	}
	if err := s.UpsertBars(bars); err != nil {
		t.Fatalf("UpsertBars: %v", err)
	}

	got, err := s.GetRecentBars("ES", types.TF1m, 3, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("GetRecentBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d bars, want 3", len(got))
	}
	// Newest 3, returned ascending.
	for i := 1; i < len(got); i++ {
		if !got[i].OpenTime.After(got[i-1].OpenTime) {
			t.Fatalf("bars not ascending at %d: %v then %v", i, got[i-1].OpenTime, got[i].OpenTime)
		}
	}
	if got[2].Close != 5004 {
		t.Errorf("last Close = %v, want 5004", got[2].Close)
	}
}

func TestDeleteBarsBefore(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	err := s.UpsertBars([]types.Bar{
		mkBar("NQ", base, 25000),
		mkBar("NQ", base.AddDate(0, 0, 40), 25100),
	})
	if err != nil {
		t.Fatalf("UpsertBars: %v", err)
	}

	n, err := s.DeleteBarsBefore(base.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("DeleteBarsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}

func TestAccountStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	missing, err := s.LoadAccountState("nope")
	if err != nil {
		t.Fatalf("LoadAccountState: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for an unknown account")
	}

	st := AccountState{
		AccountID:         "ACC1",
		Balance:           50250.5,
		Equity:            50300,
		DLLUsed:           120,
		MLLUsed:           340,
		StartOfDayBalance: 50000,
		HighWaterMark:     50500,
		UpdatedAt:         time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	if err := s.SaveAccountState(st); err != nil {
		t.Fatalf("SaveAccountState: %v", err)
	}
	st.Balance = 50100
	if err := s.SaveAccountState(st); err != nil {
		t.Fatalf("SaveAccountState upsert: %v", err)
	}

	loaded, err := s.LoadAccountState("ACC1")
	if err != nil {
		t.Fatalf("LoadAccountState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadAccountState returned nil")
	}
	if loaded.Balance != 50100 {
		t.Errorf("Balance = %v, want 50100", loaded.Balance)
	}
	if loaded.HighWaterMark != 50500 {
		t.Errorf("HighWaterMark = %v, want 50500", loaded.HighWaterMark)
	}
}

func TestStrategyConfigPreservesRawParams(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	cfg := types.StrategyConfig{
		Name:         "overnight_range",
		AccountID:    "ACC1",
		Enabled:      true,
		Symbols:      []string{"NQ", "MNQ"},
		PositionSize: 2,
		MaxPositions: 1,
		Params:       json.RawMessage(`{"zone_count":4,"future_knob":"kept"}`),
	}
	if err := s.SaveStrategyConfig(cfg); err != nil {
		t.Fatalf("SaveStrategyConfig: %v", err)
	}

	configs, err := s.LoadStrategyConfigs()
	if err != nil {
		t.Fatalf("LoadStrategyConfigs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("got %d configs, want 1", len(configs))
	}
	got := configs[0]
	if got.Name != cfg.Name || got.AccountID != cfg.AccountID || !got.Enabled {
		t.Errorf("config row mismatch: %+v", got)
	}
	if len(got.Symbols) != 2 || got.Symbols[1] != "MNQ" {
		t.Errorf("Symbols = %v", got.Symbols)
	}

	// Unknown keys must survive the round trip verbatim.
	var params map[string]any
	if err := json.Unmarshal(got.Params, &params); err != nil {
		t.Fatalf("params unmarshal: %v", err)
	}
	if params["future_knob"] != "kept" {
		t.Errorf("future_knob = %v, want kept", params["future_knob"])
	}
}

func TestStrategyStatsUpsert(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	zero, err := s.LoadStrategyStats("ACC1", "trend_following")
	if err != nil {
		t.Fatalf("LoadStrategyStats: %v", err)
	}
	if zero.TotalTrades != 0 {
		t.Errorf("expected zero stats, got %+v", zero)
	}

	st := types.StrategyStats{TotalTrades: 10, Winning: 6, WinRate: 0.6, TotalPnL: 1250, MaxDrawdown: 400}
	if err := s.SaveStrategyStats("ACC1", "trend_following", st); err != nil {
		t.Fatalf("SaveStrategyStats: %v", err)
	}
	st.TotalTrades = 11
	if err := s.SaveStrategyStats("ACC1", "trend_following", st); err != nil {
		t.Fatalf("SaveStrategyStats upsert: %v", err)
	}

	got, err := s.LoadStrategyStats("ACC1", "trend_following")
	if err != nil {
		t.Fatalf("LoadStrategyStats: %v", err)
	}
	if got.TotalTrades != 11 || got.TotalPnL != 1250 {
		t.Errorf("stats = %+v", got)
	}
}

func TestListTradesFiltersAndOrders(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	trades := []types.TradeRecord{
		{ID: "t1", AccountID: "ACC1", StrategyName: "mean_reversion", Symbol: "NQ", Side: types.BUY,
			Quantity: 1, EntryPrice: 25000, ExitPrice: 25010, EntryTime: base, ExitTime: base.Add(5 * time.Minute),
			GrossPnL: 200, Fees: 4, NetPnL: 196},
		{ID: "t2", AccountID: "ACC1", StrategyName: "trend_following", Symbol: "ES", Side: types.SELL,
			Quantity: 2, EntryPrice: 5000, ExitPrice: 4990, EntryTime: base.Add(time.Hour), ExitTime: base.Add(2 * time.Hour),
			GrossPnL: 1000, Fees: 8, NetPnL: 992},
		{ID: "t3", AccountID: "ACC2", Symbol: "NQ", Side: types.BUY, Quantity: 1,
			EntryTime: base, ExitTime: base.Add(time.Minute)},
	}
	for _, tr := range trades {
		if err := s.InsertTrade(tr); err != nil {
			t.Fatalf("InsertTrade %s: %v", tr.ID, err)
		}
	}

	all, err := s.ListTrades("ACC1", "", 10)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d trades, want 2", len(all))
	}
	if all[0].ID != "t2" {
		t.Errorf("first trade = %s, want t2 (newest first)", all[0].ID)
	}

	filtered, err := s.ListTrades("ACC1", "mean_reversion", 10)
	if err != nil {
		t.Fatalf("ListTrades filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "t1" {
		t.Errorf("filtered = %+v", filtered)
	}
	if filtered[0].NetPnL != 196 {
		t.Errorf("NetPnL = %v, want 196", filtered[0].NetPnL)
	}
}

func TestNotificationsRetention(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	notifs := []types.Notification{
		{ID: "n1", AccountID: "ACC1", Timestamp: now.AddDate(0, 0, -10), Level: types.LevelInfo, Message: "old"},
		{ID: "n2", AccountID: "ACC1", Timestamp: now, Level: types.LevelWarning, Message: "risk warning",
			Meta: map[string]any{"dll_used": 800.0}},
	}
	for _, n := range notifs {
		if err := s.InsertNotification(n); err != nil {
			t.Fatalf("InsertNotification %s: %v", n.ID, err)
		}
	}

	deleted, err := s.DeleteNotificationsBefore(now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("DeleteNotificationsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}

	list, err := s.ListNotifications("ACC1", 0)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 || list[0].ID != "n2" {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Level != types.LevelWarning {
		t.Errorf("Level = %s, want warning", list[0].Level)
	}
	if list[0].Meta["dll_used"] != 800.0 {
		t.Errorf("Meta = %v", list[0].Meta)
	}
}

func TestSettingsScopedUpsert(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	if err := s.SetSetting("dashboard", "active_account", json.RawMessage(`"ACC1"`)); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("dashboard", "active_account", json.RawMessage(`"ACC2"`)); err != nil {
		t.Fatalf("SetSetting upsert: %v", err)
	}
	if err := s.SetSetting("other", "theme", json.RawMessage(`"dark"`)); err != nil {
		t.Fatalf("SetSetting other scope: %v", err)
	}

	got, err := s.GetSettings("dashboard")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d keys, want 1", len(got))
	}
	if string(got["active_account"]) != `"ACC2"` {
		t.Errorf("active_account = %s", got["active_account"])
	}
}
