// Package strategy implements the autonomous trading strategies and the
// runtime that schedules them per account.
//
// Three strategies ship: an overnight range breakout that brackets the globex
// range at the cash open, an RSI mean reversion, and an SMA-cross trend
// follower. Each decodes its own tagged parameter struct from the persisted
// raw JSON, so unknown keys survive config round trips.
//
// The runtime owns the lifecycle of every (strategy, account) pair and runs
// cycles under the priority scheduler; strategies themselves are stateless
// between cycles and act only through the order manager.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/orders"
	"topstepx-engine/pkg/types"
)

// BarSource serves historical bars. *market.History satisfies it.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error)
	GetRecentBars(ctx context.Context, symbol string, tf types.Timeframe, n int, end time.Time) ([]types.Bar, error)
}

// OrderSubmitter is the slice of the order manager strategies act through.
type OrderSubmitter interface {
	SubmitMarket(ctx context.Context, accountID, symbol string, side types.Side, qty int, opts orders.Options) (string, error)
	SubmitStopEntry(ctx context.Context, accountID, symbol string, side types.Side, qty int, stopPrice, slPrice, tpPrice float64, opts orders.Options) (string, error)
	SetSessionOpen(symbol string, price float64)
	CheckBreakeven(ctx context.Context, accountID, symbol string, triggerPoints float64) error
}

// ContractSource resolves contract metadata. The broker client satisfies it.
type ContractSource interface {
	GetContract(ctx context.Context, symbol string) (*types.Contract, error)
}

// PositionSource answers whether an account already holds a symbol.
type PositionSource interface {
	Position(accountID, symbol string) (types.Position, bool)
}

// Deps bundles the services a strategy needs. One value is shared by every
// strategy instance; strategies hold no other references.
type Deps struct {
	Bars      BarSource
	Orders    OrderSubmitter
	Contracts ContractSource
	Positions PositionSource
	Clock     clock.Clock
	Calendar  *clock.Calendar
	Logger    *slog.Logger
}

// Strategy is one tradable algorithm. Implementations are registered with the
// runtime by name and configured per account.
type Strategy interface {
	Name() string

	// DefaultConfig returns the config used when an account enables the
	// strategy without a persisted row.
	DefaultConfig(accountID string) types.StrategyConfig

	// NextExecution returns the first instant at or after now when the
	// strategy wants a cycle.
	NextExecution(cfg types.StrategyConfig, now time.Time) (time.Time, error)

	// ExecuteCycle runs one scheduled cycle: analyze and, when a setup is
	// present, submit orders.
	ExecuteCycle(ctx context.Context, cfg types.StrategyConfig) error

	// Analyze produces the will-trade forecast without touching the broker.
	Analyze(ctx context.Context, cfg types.StrategyConfig) (Forecast, error)
}

// FillHandler is implemented by strategies that react to their own fills.
type FillHandler interface {
	OnFill(ctx context.Context, cfg types.StrategyConfig, f types.Fill)
}

// BarHandler is implemented by strategies that react to closed bars between
// cycles (breakeven management, trailing logic).
type BarHandler interface {
	OnBar(ctx context.Context, cfg types.StrategyConfig, b types.Bar)
}

// PlannedOrder is one order a strategy would submit, as predicted by Analyze.
type PlannedOrder struct {
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side"`
	Type       types.OrderType `json:"type"`
	Quantity   int             `json:"quantity"`
	EntryPrice float64         `json:"entry_price,omitempty"`
	StopLoss   float64         `json:"stop_loss,omitempty"`
	TakeProfit float64         `json:"take_profit,omitempty"`
}

// Forecast is the outcome of Analyze, served from the verify endpoint.
type Forecast struct {
	WillTrade bool           `json:"will_trade"`
	Reason    string         `json:"reason"`
	Orders    []PlannedOrder `json:"orders,omitempty"`
}
