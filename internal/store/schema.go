package store

const schema = `
CREATE TABLE IF NOT EXISTS historical_bars (
	symbol          TEXT    NOT NULL,
	timeframe_value INTEGER NOT NULL,
	timeframe_unit  TEXT    NOT NULL,
	open_time       INTEGER NOT NULL,
	o REAL NOT NULL, h REAL NOT NULL, l REAL NOT NULL, c REAL NOT NULL,
	v REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, timeframe_value, timeframe_unit, open_time)
);
CREATE INDEX IF NOT EXISTS idx_bars_coverage
	ON historical_bars (symbol, timeframe_value, timeframe_unit, open_time DESC);

CREATE TABLE IF NOT EXISTS account_state (
	account_id           TEXT PRIMARY KEY,
	balance              REAL NOT NULL,
	equity               REAL NOT NULL,
	dll_used             REAL NOT NULL DEFAULT 0,
	mll_used             REAL NOT NULL DEFAULT 0,
	start_of_day_balance REAL NOT NULL,
	high_water_mark      REAL NOT NULL DEFAULT 0,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_config (
	account_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 0,
	symbols_json  TEXT NOT NULL DEFAULT '[]',
	position_size INTEGER NOT NULL DEFAULT 1,
	max_positions INTEGER NOT NULL DEFAULT 1,
	params_json   TEXT NOT NULL DEFAULT '{}',
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (account_id, name)
);

CREATE TABLE IF NOT EXISTS strategy_stats (
	account_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	total_trades INTEGER NOT NULL DEFAULT 0,
	winning      INTEGER NOT NULL DEFAULT 0,
	total_pnl    REAL NOT NULL DEFAULT 0,
	max_drawdown REAL NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (account_id, name)
);

CREATE TABLE IF NOT EXISTS trade_history (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	strategy_name TEXT,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	entry_price   REAL NOT NULL,
	exit_price    REAL NOT NULL,
	entry_time    INTEGER NOT NULL,
	exit_time     INTEGER NOT NULL,
	qty           INTEGER NOT NULL,
	gross_pnl     REAL NOT NULL,
	fees          REAL NOT NULL DEFAULT 0,
	net_pnl       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account
	ON trade_history (account_id, exit_time DESC);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	meta_json  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_notifications_account
	ON notifications (account_id, ts DESC);

CREATE TABLE IF NOT EXISTS settings (
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value_json TEXT NOT NULL,
	PRIMARY KEY (scope, key)
);
`

const upsertBarQuery = `
INSERT INTO historical_bars (symbol, timeframe_value, timeframe_unit, open_time, o, h, l, c, v)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, timeframe_value, timeframe_unit, open_time) DO UPDATE SET
	o = excluded.o, h = excluded.h, l = excluded.l, c = excluded.c, v = excluded.v`

const insertTradeQuery = `
INSERT INTO trade_history
	(id, account_id, strategy_name, symbol, side, entry_price, exit_price,
	 entry_time, exit_time, qty, gross_pnl, fees, net_pnl)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertNotificationQuery = `
INSERT INTO notifications (id, account_id, ts, level, message, meta_json)
VALUES (?, ?, ?, ?, ?, ?)`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
