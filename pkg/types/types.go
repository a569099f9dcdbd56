// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — contracts, accounts,
// orders, positions, bars, fills, strategy configuration, and risk snapshots.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Sign returns +1 for BUY and -1 for SELL, for directional price math.
func (s Side) Sign() float64 {
	if s == BUY {
		return 1
	}
	return -1
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (p PositionSide) Sign() float64 {
	if p == LONG {
		return 1
	}
	return -1
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the lifecycle state of an order. Terminal states are sticky:
// once an order reaches FILLED, CANCELLED, or REJECTED it never transitions
// again.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderWorking   OrderStatus = "WORKING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// BracketRole identifies an order's role within a bracket tree.
type BracketRole string

const (
	RoleEntry  BracketRole = "ENTRY"
	RoleStop   BracketRole = "STOP"
	RoleTarget BracketRole = "TARGET"
)

// ————————————————————————————————————————————————————————————————————————
// Timeframes
// ————————————————————————————————————————————————————————————————————————

// TimeframeUnit is the unit component of a bar timeframe.
type TimeframeUnit string

const (
	UnitSecond TimeframeUnit = "second"
	UnitMinute TimeframeUnit = "minute"
	UnitHour   TimeframeUnit = "hour"
	UnitDay    TimeframeUnit = "day"
	UnitWeek   TimeframeUnit = "week"
	UnitMonth  TimeframeUnit = "month"
)

// Timeframe is a bar interval, e.g. {5, minute} for 5m bars.
type Timeframe struct {
	Value int           `json:"value"`
	Unit  TimeframeUnit `json:"unit"`
}

// Common timeframes.
var (
	TF1m  = Timeframe{1, UnitMinute}
	TF5m  = Timeframe{5, UnitMinute}
	TF15m = Timeframe{15, UnitMinute}
	TF1h  = Timeframe{1, UnitHour}
	TF1d  = Timeframe{1, UnitDay}
)

// Duration returns the wall-clock length of one bar. Only meaningful for
// sub-daily units; day/week/month return calendar approximations and callers
// that need session alignment must go through the Calendar instead.
func (tf Timeframe) Duration() time.Duration {
	switch tf.Unit {
	case UnitSecond:
		return time.Duration(tf.Value) * time.Second
	case UnitMinute:
		return time.Duration(tf.Value) * time.Minute
	case UnitHour:
		return time.Duration(tf.Value) * time.Hour
	case UnitDay:
		return time.Duration(tf.Value) * 24 * time.Hour
	case UnitWeek:
		return time.Duration(tf.Value) * 7 * 24 * time.Hour
	case UnitMonth:
		return time.Duration(tf.Value) * 30 * 24 * time.Hour
	}
	return 0
}

// SubDaily reports whether the timeframe aligns to the UTC epoch (seconds,
// minutes, hours) rather than to exchange session boundaries.
func (tf Timeframe) SubDaily() bool {
	switch tf.Unit {
	case UnitSecond, UnitMinute, UnitHour:
		return true
	}
	return false
}

// String renders the compact form used in APIs and cache keys: "5m", "1h", "1d".
func (tf Timeframe) String() string {
	suffix := map[TimeframeUnit]string{
		UnitSecond: "s", UnitMinute: "m", UnitHour: "h",
		UnitDay: "d", UnitWeek: "w", UnitMonth: "M",
	}[tf.Unit]
	return fmt.Sprintf("%d%s", tf.Value, suffix)
}

// ParseTimeframe parses the compact form: "30s", "5m", "1h", "1d", "1w", "1M".
func ParseTimeframe(s string) (Timeframe, error) {
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	unit, ok := map[byte]TimeframeUnit{
		's': UnitSecond, 'm': UnitMinute, 'h': UnitHour,
		'd': UnitDay, 'w': UnitWeek, 'M': UnitMonth,
	}[s[len(s)-1]]
	if !ok {
		return Timeframe{}, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	v, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || v <= 0 {
		return Timeframe{}, fmt.Errorf("invalid timeframe value in %q", s)
	}
	return Timeframe{Value: v, Unit: unit}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Contract describes a tradeable futures contract. Loaded on startup from the
// broker and cached indefinitely until an explicit refresh.
type Contract struct {
	Symbol      string  `json:"symbol"`      // root symbol, e.g. "MNQ"
	ContractID  string  `json:"contract_id"` // broker contract identifier
	TickSize    float64 `json:"tick_size"`   // minimum price increment
	TickValue   float64 `json:"tick_value"`  // dollar value of one tick
	PointValue  float64 `json:"point_value"` // dollar value of one point
	Exchange    string  `json:"exchange"`
	Description string  `json:"description"`
}

// Account is the broker account projection. Reconciled every 60s and mutated
// by fills and broker-pushed updates in between.
type Account struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Balance           float64 `json:"balance"` // realized cash
	Equity            float64 `json:"equity"`
	Currency          string  `json:"currency"`
	Status            string  `json:"status"`
	StartOfDayBalance float64 `json:"start_of_day_balance"`
	AccountType       string  `json:"account_type"`
}

// Position is one open position. A given (account, symbol) pair has at most
// one open position; opposing fills net down.
type Position struct {
	AccountID      string       `json:"account_id"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Quantity       int          `json:"quantity"`
	AvgEntryPrice  float64      `json:"avg_entry_price"`
	CurrentPrice   float64      `json:"current_price"`
	RealizedPnL    float64      `json:"realized_pnl"`
	UnrealizedPnL  float64      `json:"unrealized_pnl"`
	OpenedAt       time.Time    `json:"opened_at"`
	LinkedOrderIDs []string     `json:"linked_order_ids,omitempty"`
}

// Order is the engine's view of a broker order. Brackets form a tree of size
// ≤3 sharing ParentID = the entry order's ID.
type Order struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    int         `json:"quantity"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	StopPrice   float64     `json:"stop_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ReduceOnly  bool        `json:"reduce_only,omitempty"`
	Status      OrderStatus `json:"status"`
	ParentID    string      `json:"parent_id,omitempty"`
	BracketRole BracketRole `json:"bracket_role,omitempty"`
	CustomTag   string      `json:"custom_tag,omitempty"` // client idempotency key
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is one OHLCV candle. Uniqueness key: (symbol, timeframe, open_time).
// Closed bars are immutable once their window ends.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a top-of-book tick. Not persisted; consumed by the bar aggregator
// and the position mark-to-market path.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
}

// Mid returns the quote midpoint, falling back to Last when one side is empty.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// ————————————————————————————————————————————————————————————————————————
// Fills and trades
// ————————————————————————————————————————————————————————————————————————

// Fill is a single execution. (OrderID, ExecSeq) uniquely identifies a fill;
// the order manager deduplicates on that pair when the same execution arrives
// over both the stream and the reconciliation pull.
type Fill struct {
	OrderID   string    `json:"order_id"`
	ExecSeq   int64     `json:"exec_seq"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Fees      float64   `json:"fees"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeRecord is a round-trip trade derived by FIFO consolidation of fills.
type TradeRecord struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	StrategyName string    `json:"strategy_name,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"` // side of the opening fill
	Quantity     int       `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	GrossPnL     float64   `json:"gross_pnl"`
	Fees         float64   `json:"fees"`
	NetPnL       float64   `json:"net_pnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy configuration and state
// ————————————————————————————————————————————————————————————————————————

// StrategyConfig is the persisted per-account configuration of one strategy.
// Params is strategy-specific and kept as raw JSON so unknown keys survive
// round trips across schema changes; each strategy decodes its own tagged
// parameter struct from it.
type StrategyConfig struct {
	Name         string          `json:"name"`
	AccountID    string          `json:"account_id"`
	Enabled      bool            `json:"enabled"`
	Symbols      []string        `json:"symbols"`
	PositionSize int             `json:"position_size"`
	MaxPositions int             `json:"max_positions"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// StrategyStatus is the runtime lifecycle state of a (strategy, account) pair.
type StrategyStatus string

const (
	StrategyDisabled    StrategyStatus = "DISABLED"
	StrategyEnabledIdle StrategyStatus = "ENABLED_IDLE"
	StrategyRunning     StrategyStatus = "RUNNING"
	StrategyStopped     StrategyStatus = "STOPPED"
	StrategyError       StrategyStatus = "ERROR"
)

// StrategyStats summarizes performance, projected from the trade log.
type StrategyStats struct {
	TotalTrades int     `json:"total_trades"`
	Winning     int     `json:"winning"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// StrategyState is the live view of one (strategy, account) pair.
type StrategyState struct {
	Name            string         `json:"name"`
	AccountID       string         `json:"account_id"`
	Status          StrategyStatus `json:"status"`
	IsRunning       bool           `json:"is_running"`
	LastTick        time.Time      `json:"last_tick,omitempty"`
	Stats           StrategyStats  `json:"stats"`
	NextExecutionAt *time.Time     `json:"next_execution_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// LossLimit is the state of one loss rule (DLL or MLL).
type LossLimit struct {
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining"`
	Pct       float64 `json:"pct"`
	Violated  bool    `json:"violated"`
}

// RiskSnapshot is the per-account risk view published on risk_update and
// served from GET /api/risk.
type RiskSnapshot struct {
	AccountID    string      `json:"account_id"`
	Balance      float64     `json:"balance"`
	StartBalance float64     `json:"start_balance"`
	TotalPnL     float64     `json:"total_pnl"`
	DLL          LossLimit   `json:"dll"`
	MLL          LossLimit   `json:"mll"`
	TrailingLoss float64     `json:"trailing_loss"`
	Compliance   bool        `json:"compliance"`
	Events       []RiskEvent `json:"events,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// RiskEvent records a risk rule transition for the notifications feed.
type RiskEvent struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     NotificationLevel `json:"level"`
	Message   string            `json:"message"`
	Meta      map[string]any    `json:"meta,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Notifications
// ————————————————————————————————————————————————————————————————————————

// NotificationLevel is the severity of a notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
	LevelSuccess NotificationLevel = "success"
)

// Notification is a user-facing event, kept in a bounded per-account ring and
// persisted for 7 days.
type Notification struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     NotificationLevel `json:"level"`
	Message   string            `json:"message"`
	Meta      map[string]any    `json:"meta,omitempty"`
}

// NormalizeSymbol uppercases and trims a user-supplied symbol root.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
