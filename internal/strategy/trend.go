package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"topstepx-engine/internal/orders"
	"topstepx-engine/pkg/types"
)

// TrendFollowingParams configures the SMA-cross trend follower.
type TrendFollowingParams struct {
	Timeframe         string  `json:"timeframe"`
	FastPeriod        int     `json:"fast_period"`
	SlowPeriod        int     `json:"slow_period"`
	ATRPeriod         int     `json:"atr_period"`
	StopATRMultiplier float64 `json:"stop_atr_multiplier"`
	TPATRMultiplier   float64 `json:"tp_atr_multiplier"`
}

func defaultTrendParams() TrendFollowingParams {
	return TrendFollowingParams{
		Timeframe:         "15m",
		FastPeriod:        20,
		SlowPeriod:        50,
		ATRPeriod:         14,
		StopATRMultiplier: 2.0,
		TPATRMultiplier:   3.0,
	}
}

// TrendFollowing trades SMA crossovers: long when the fast average crosses
// above the slow one on the last closed bar, short on the inverse cross.
type TrendFollowing struct {
	deps Deps
}

// NewTrendFollowing builds the strategy.
func NewTrendFollowing(deps Deps) *TrendFollowing {
	deps.Logger = deps.Logger.With("strategy", "trend_following")
	return &TrendFollowing{deps: deps}
}

func (s *TrendFollowing) Name() string { return "trend_following" }

func (s *TrendFollowing) DefaultConfig(accountID string) types.StrategyConfig {
	raw, _ := json.Marshal(defaultTrendParams())
	return types.StrategyConfig{
		Name:         s.Name(),
		AccountID:    accountID,
		Symbols:      []string{"NQ"},
		PositionSize: 1,
		MaxPositions: 1,
		Params:       raw,
	}
}

// NextExecution returns the next bar boundary of the configured timeframe.
func (s *TrendFollowing) NextExecution(cfg types.StrategyConfig, now time.Time) (time.Time, error) {
	p := defaultTrendParams()
	if err := decodeParams(cfg, &p); err != nil {
		return time.Time{}, err
	}
	tf, err := types.ParseTimeframe(p.Timeframe)
	if err != nil {
		return time.Time{}, types.E(types.KindInvalidInput, "timeframe: %v", err)
	}
	return now.UTC().Truncate(tf.Duration()).Add(tf.Duration()), nil
}

func (s *TrendFollowing) ExecuteCycle(ctx context.Context, cfg types.StrategyConfig) error {
	forecast, err := s.Analyze(ctx, cfg)
	if err != nil {
		return err
	}
	if !forecast.WillTrade {
		return nil
	}
	for _, o := range forecast.Orders {
		opts := orders.Options{
			StrategyName: s.Name(),
			TimeInForce:  types.TIFDay,
			Bracket:      &orders.Bracket{StopPrice: o.StopLoss, TargetPrice: o.TakeProfit},
		}
		id, err := s.deps.Orders.SubmitMarket(ctx, cfg.AccountID, o.Symbol, o.Side, o.Quantity, opts)
		if err != nil {
			return fmt.Errorf("submit trend entry: %w", err)
		}
		s.deps.Logger.Info("trend entry placed",
			"account_id", cfg.AccountID,
			"symbol", o.Symbol,
			"side", o.Side,
			"order_id", id,
			"stop", o.StopLoss,
			"target", o.TakeProfit,
		)
	}
	return nil
}

func (s *TrendFollowing) Analyze(ctx context.Context, cfg types.StrategyConfig) (Forecast, error) {
	p := defaultTrendParams()
	if err := decodeParams(cfg, &p); err != nil {
		return Forecast{}, err
	}
	tf, err := types.ParseTimeframe(p.Timeframe)
	if err != nil {
		return Forecast{}, types.E(types.KindInvalidInput, "timeframe: %v", err)
	}
	now := s.deps.Clock.Now()
	if !s.deps.Calendar.IsOpen(now) {
		return Forecast{Reason: "market closed"}, nil
	}

	var planned []PlannedOrder
	for _, symbol := range cfg.Symbols {
		if _, open := s.deps.Positions.Position(cfg.AccountID, symbol); open {
			continue
		}
		lookback := p.SlowPeriod * 2
		bars, err := s.deps.Bars.GetRecentBars(ctx, symbol, tf, lookback, now)
		if err != nil {
			return Forecast{}, err
		}
		fast := SMA(bars, p.FastPeriod)
		slow := SMA(bars, p.SlowPeriod)
		atr := Last(ATR(bars, p.ATRPeriod))
		n := len(bars)
		if n < 2 || math.IsNaN(atr) || atr <= 0 ||
			math.IsNaN(fast[n-1]) || math.IsNaN(slow[n-1]) ||
			math.IsNaN(fast[n-2]) || math.IsNaN(slow[n-2]) {
			continue
		}

		var side types.Side
		switch {
		case fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]:
			side = types.BUY
		case fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]:
			side = types.SELL
		default:
			continue
		}

		contract, err := s.deps.Contracts.GetContract(ctx, symbol)
		if err != nil {
			return Forecast{}, err
		}
		qty := cfg.PositionSize
		if qty <= 0 {
			qty = 1
		}
		last := bars[n-1].Close
		sign := side.Sign()
		planned = append(planned, PlannedOrder{
			Symbol:     contract.Symbol,
			Side:       side,
			Type:       types.OrderMarket,
			Quantity:   qty,
			StopLoss:   orders.RoundToTick(last-sign*atr*p.StopATRMultiplier, contract.TickSize),
			TakeProfit: orders.RoundToTick(last+sign*atr*p.TPATRMultiplier, contract.TickSize),
		})
		s.deps.Logger.Debug("sma cross", "symbol", symbol,
			"fast", fast[n-1], "slow", slow[n-1], "side", side)
	}
	if len(planned) == 0 {
		return Forecast{Reason: "no crossover on the last closed bar"}, nil
	}
	return Forecast{WillTrade: true, Reason: "sma crossover", Orders: planned}, nil
}
