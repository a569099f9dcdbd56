// Package store provides durable persistence on SQLite.
//
// One database holds the historical-bar cache, per-account state, strategy
// configuration and stats, the consolidated trade log, notifications, and
// free-form settings. The connection runs in WAL mode and hot-path inserts
// (bars, notifications, trades) go through prepared statements so batch
// upserts avoid SQL parsing per row.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"topstepx-engine/pkg/types"
)

// Store is the SQLite-backed durable store. Safe for concurrent use; SQLite
// serializes writers and the driver pools readers.
type Store struct {
	db *sql.DB

	stmtBar   *sql.Stmt
	stmtTrade *sql.Stmt
	stmtNotif *sql.Stmt
}

// Open opens (or creates) the database at url. ":memory:" is supported for
// tests. File databases get WAL journaling and a busy timeout.
func Open(url string) (*Store, error) {
	dsn := url
	if url != ":memory:" && !strings.Contains(url, "?") {
		dsn = url + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if s.stmtBar, err = db.Prepare(upsertBarQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare bar statement: %w", err)
	}
	if s.stmtTrade, err = db.Prepare(insertTradeQuery); err != nil {
		_ = s.stmtBar.Close()
		_ = db.Close()
		return nil, fmt.Errorf("prepare trade statement: %w", err)
	}
	if s.stmtNotif, err = db.Prepare(insertNotificationQuery); err != nil {
		_ = s.stmtBar.Close()
		_ = s.stmtTrade.Close()
		_ = db.Close()
		return nil, fmt.Errorf("prepare notification statement: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and the connection.
func (s *Store) Close() error {
	if s.stmtBar != nil {
		_ = s.stmtBar.Close()
	}
	if s.stmtTrade != nil {
		_ = s.stmtTrade.Close()
	}
	if s.stmtNotif != nil {
		_ = s.stmtNotif.Close()
	}
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Historical bars
// ————————————————————————————————————————————————————————————————————————

// UpsertBars writes bars in a single transaction, replacing rows that share
// the (symbol, timeframe, open_time) key. Closed bars are immutable upstream,
// so a replace only ever refreshes an identical or partially-built row.
func (s *Store) UpsertBars(bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt := tx.Stmt(s.stmtBar)
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(
			b.Symbol, b.Timeframe.Value, string(b.Timeframe.Unit),
			b.OpenTime.UTC().Unix(), b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert bar %s/%s/%s: %w", b.Symbol, b.Timeframe, b.OpenTime, err)
		}
	}
	return tx.Commit()
}

// GetBars returns bars in [from, to] sorted ascending by open_time.
func (s *Store) GetBars(symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	rows, err := s.db.Query(`
		SELECT open_time, o, h, l, c, v FROM historical_bars
		WHERE symbol = ? AND timeframe_value = ? AND timeframe_unit = ?
		  AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`,
		symbol, tf.Value, string(tf.Unit), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows, symbol, tf)
}

// GetRecentBars returns up to limit bars ending at or before end, ascending.
func (s *Store) GetRecentBars(symbol string, tf types.Timeframe, limit int, end time.Time) ([]types.Bar, error) {
	rows, err := s.db.Query(`
		SELECT open_time, o, h, l, c, v FROM (
			SELECT open_time, o, h, l, c, v FROM historical_bars
			WHERE symbol = ? AND timeframe_value = ? AND timeframe_unit = ?
			  AND open_time <= ?
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`,
		symbol, tf.Value, string(tf.Unit), end.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows, symbol, tf)
}

func scanBars(rows *sql.Rows, symbol string, tf types.Timeframe) ([]types.Bar, error) {
	var out []types.Bar
	for rows.Next() {
		var ts int64
		b := types.Bar{Symbol: symbol, Timeframe: tf}
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.OpenTime = time.Unix(ts, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBarsBefore removes bars older than cutoff (30-day retention sweep).
func (s *Store) DeleteBarsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM historical_bars WHERE open_time < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("delete bars: %w", err)
	}
	return res.RowsAffected()
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// AccountState is the durable per-account risk bookkeeping row.
type AccountState struct {
	AccountID         string
	Balance           float64
	Equity            float64
	DLLUsed           float64
	MLLUsed           float64
	StartOfDayBalance float64
	HighWaterMark     float64
	UpdatedAt         time.Time
}

// SaveAccountState upserts the row for one account.
func (s *Store) SaveAccountState(st AccountState) error {
	_, err := s.db.Exec(`
		INSERT INTO account_state
			(account_id, balance, equity, dll_used, mll_used, start_of_day_balance, high_water_mark, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = excluded.balance,
			equity = excluded.equity,
			dll_used = excluded.dll_used,
			mll_used = excluded.mll_used,
			start_of_day_balance = excluded.start_of_day_balance,
			high_water_mark = excluded.high_water_mark,
			updated_at = excluded.updated_at`,
		st.AccountID, st.Balance, st.Equity, st.DLLUsed, st.MLLUsed,
		st.StartOfDayBalance, st.HighWaterMark, st.UpdatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save account state: %w", err)
	}
	return nil
}

// LoadAccountState returns the row for an account, or nil when absent.
func (s *Store) LoadAccountState(accountID string) (*AccountState, error) {
	row := s.db.QueryRow(`
		SELECT account_id, balance, equity, dll_used, mll_used, start_of_day_balance, high_water_mark, updated_at
		FROM account_state WHERE account_id = ?`, accountID)
	var st AccountState
	var ts int64
	err := row.Scan(&st.AccountID, &st.Balance, &st.Equity, &st.DLLUsed, &st.MLLUsed,
		&st.StartOfDayBalance, &st.HighWaterMark, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account state: %w", err)
	}
	st.UpdatedAt = time.Unix(ts, 0).UTC()
	return &st, nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy configuration and stats
// ————————————————————————————————————————————————————————————————————————

// SaveStrategyConfig writes through one (account, strategy) config row.
func (s *Store) SaveStrategyConfig(cfg types.StrategyConfig) error {
	symbols, err := json.Marshal(cfg.Symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}
	params := cfg.Params
	if params == nil {
		params = json.RawMessage("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO strategy_config
			(account_id, name, enabled, symbols_json, position_size, max_positions, params_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			enabled = excluded.enabled,
			symbols_json = excluded.symbols_json,
			position_size = excluded.position_size,
			max_positions = excluded.max_positions,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at`,
		cfg.AccountID, cfg.Name, cfg.Enabled, string(symbols),
		cfg.PositionSize, cfg.MaxPositions, string(params), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save strategy config: %w", err)
	}
	return nil
}

// LoadStrategyConfigs returns every persisted config row.
func (s *Store) LoadStrategyConfigs() ([]types.StrategyConfig, error) {
	rows, err := s.db.Query(`
		SELECT account_id, name, enabled, symbols_json, position_size, max_positions, params_json
		FROM strategy_config`)
	if err != nil {
		return nil, fmt.Errorf("query strategy configs: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyConfig
	for rows.Next() {
		var cfg types.StrategyConfig
		var symbolsJSON, paramsJSON string
		if err := rows.Scan(&cfg.AccountID, &cfg.Name, &cfg.Enabled, &symbolsJSON,
			&cfg.PositionSize, &cfg.MaxPositions, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scan strategy config: %w", err)
		}
		if err := json.Unmarshal([]byte(symbolsJSON), &cfg.Symbols); err != nil {
			return nil, fmt.Errorf("unmarshal symbols for %s/%s: %w", cfg.AccountID, cfg.Name, err)
		}
		cfg.Params = json.RawMessage(paramsJSON)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// SaveStrategyStats upserts the stats row for one (account, strategy).
func (s *Store) SaveStrategyStats(accountID, name string, st types.StrategyStats) error {
	_, err := s.db.Exec(`
		INSERT INTO strategy_stats
			(account_id, name, total_trades, winning, total_pnl, max_drawdown, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning = excluded.winning,
			total_pnl = excluded.total_pnl,
			max_drawdown = excluded.max_drawdown,
			updated_at = excluded.updated_at`,
		accountID, name, st.TotalTrades, st.Winning, st.TotalPnL, st.MaxDrawdown,
		time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save strategy stats: %w", err)
	}
	return nil
}

// LoadStrategyStats returns stats for one (account, strategy), zero when absent.
func (s *Store) LoadStrategyStats(accountID, name string) (types.StrategyStats, error) {
	row := s.db.QueryRow(`
		SELECT total_trades, winning, total_pnl, max_drawdown
		FROM strategy_stats WHERE account_id = ? AND name = ?`, accountID, name)
	var st types.StrategyStats
	err := row.Scan(&st.TotalTrades, &st.Winning, &st.TotalPnL, &st.MaxDrawdown)
	if err == sql.ErrNoRows {
		return types.StrategyStats{}, nil
	}
	if err != nil {
		return types.StrategyStats{}, fmt.Errorf("load strategy stats: %w", err)
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Winning) / float64(st.TotalTrades)
	}
	return st, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade history
// ————————————————————————————————————————————————————————————————————————

// InsertTrade appends one consolidated trade.
func (s *Store) InsertTrade(t types.TradeRecord) error {
	_, err := s.stmtTrade.Exec(
		t.ID, t.AccountID, nullStr(t.StrategyName), t.Symbol, string(t.Side),
		t.EntryPrice, t.ExitPrice, t.EntryTime.UTC().Unix(), t.ExitTime.UTC().Unix(),
		t.Quantity, t.GrossPnL, t.Fees, t.NetPnL)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns the newest trades for an account, newest first.
// strategyName filters when non-empty.
func (s *Store) ListTrades(accountID, strategyName string, limit int) ([]types.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, COALESCE(strategy_name, ''), symbol, side,
		       entry_price, exit_price, entry_time, exit_time, qty, gross_pnl, fees, net_pnl
		FROM trade_history WHERE account_id = ?`
	args := []any{accountID}
	if strategyName != "" {
		query += ` AND strategy_name = ?`
		args = append(args, strategyName)
	}
	query += ` ORDER BY exit_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var side string
		var entryTS, exitTS int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.StrategyName, &t.Symbol, &side,
			&t.EntryPrice, &t.ExitPrice, &entryTS, &exitTS, &t.Quantity,
			&t.GrossPnL, &t.Fees, &t.NetPnL); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = types.Side(side)
		t.EntryTime = time.Unix(entryTS, 0).UTC()
		t.ExitTime = time.Unix(exitTS, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Notifications
// ————————————————————————————————————————————————————————————————————————

// InsertNotification persists one notification.
func (s *Store) InsertNotification(n types.Notification) error {
	meta := "{}"
	if n.Meta != nil {
		b, err := json.Marshal(n.Meta)
		if err != nil {
			return fmt.Errorf("marshal notification meta: %w", err)
		}
		meta = string(b)
	}
	_, err := s.stmtNotif.Exec(n.ID, n.AccountID, n.Timestamp.UTC().Unix(),
		string(n.Level), n.Message, meta)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest notifications for an account.
func (s *Store) ListNotifications(accountID string, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, account_id, ts, level, message, meta_json
		FROM notifications WHERE account_id = ?
		ORDER BY ts DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []types.Notification
	for rows.Next() {
		var n types.Notification
		var ts int64
		var level, meta string
		if err := rows.Scan(&n.ID, &n.AccountID, &ts, &level, &n.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Timestamp = time.Unix(ts, 0).UTC()
		n.Level = types.NotificationLevel(level)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &n.Meta)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNotificationsBefore removes notifications older than cutoff (7-day sweep).
func (s *Store) DeleteNotificationsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM notifications WHERE ts < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return res.RowsAffected()
}

// ————————————————————————————————————————————————————————————————————————
// Settings
// ————————————————————————————————————————————————————————————————————————

// SetSetting upserts one (scope, key) setting with a JSON value.
func (s *Store) SetSetting(scope, key string, value json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (scope, key, value_json) VALUES (?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value_json = excluded.value_json`,
		scope, key, string(value))
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// GetSettings returns all settings under a scope as key → raw JSON.
func (s *Store) GetSettings(scope string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`SELECT key, value_json FROM settings WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
