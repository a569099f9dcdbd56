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

// MeanReversionParams configures the RSI mean reversion strategy.
type MeanReversionParams struct {
	Timeframe         string  `json:"timeframe"`
	RSIPeriod         int     `json:"rsi_period"`
	OversoldLevel     float64 `json:"oversold_level"`
	OverboughtLevel   float64 `json:"overbought_level"`
	ATRPeriod         int     `json:"atr_period"`
	StopATRMultiplier float64 `json:"stop_atr_multiplier"`
	TPATRMultiplier   float64 `json:"tp_atr_multiplier"`
}

func defaultMeanRevParams() MeanReversionParams {
	return MeanReversionParams{
		Timeframe:         "5m",
		RSIPeriod:         14,
		OversoldLevel:     30,
		OverboughtLevel:   70,
		ATRPeriod:         14,
		StopATRMultiplier: 1.5,
		TPATRMultiplier:   1.0,
	}
}

// MeanReversion fades RSI extremes on intraday bars: long when oversold,
// short when overbought, with ATR-scaled brackets. Cycles run on each bar
// boundary during regular trading hours.
type MeanReversion struct {
	deps Deps
}

// NewMeanReversion builds the strategy.
func NewMeanReversion(deps Deps) *MeanReversion {
	deps.Logger = deps.Logger.With("strategy", "mean_reversion")
	return &MeanReversion{deps: deps}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) DefaultConfig(accountID string) types.StrategyConfig {
	raw, _ := json.Marshal(defaultMeanRevParams())
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
// Cycles outside RTH no-op, so boundaries are not skipped here.
func (s *MeanReversion) NextExecution(cfg types.StrategyConfig, now time.Time) (time.Time, error) {
	p := defaultMeanRevParams()
	if err := decodeParams(cfg, &p); err != nil {
		return time.Time{}, err
	}
	tf, err := types.ParseTimeframe(p.Timeframe)
	if err != nil {
		return time.Time{}, types.E(types.KindInvalidInput, "timeframe: %v", err)
	}
	return now.UTC().Truncate(tf.Duration()).Add(tf.Duration()), nil
}

func (s *MeanReversion) ExecuteCycle(ctx context.Context, cfg types.StrategyConfig) error {
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
			return fmt.Errorf("submit mean reversion entry: %w", err)
		}
		s.deps.Logger.Info("mean reversion entry placed",
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

func (s *MeanReversion) Analyze(ctx context.Context, cfg types.StrategyConfig) (Forecast, error) {
	p := defaultMeanRevParams()
	if err := decodeParams(cfg, &p); err != nil {
		return Forecast{}, err
	}
	tf, err := types.ParseTimeframe(p.Timeframe)
	if err != nil {
		return Forecast{}, types.E(types.KindInvalidInput, "timeframe: %v", err)
	}
	now := s.deps.Clock.Now()
	if !s.deps.Calendar.IsRTH(now) {
		return Forecast{Reason: "outside regular trading hours"}, nil
	}

	var planned []PlannedOrder
	for _, symbol := range cfg.Symbols {
		if _, open := s.deps.Positions.Position(cfg.AccountID, symbol); open {
			continue
		}
		lookback := p.RSIPeriod * 3
		if p.ATRPeriod*3 > lookback {
			lookback = p.ATRPeriod * 3
		}
		bars, err := s.deps.Bars.GetRecentBars(ctx, symbol, tf, lookback, now)
		if err != nil {
			return Forecast{}, err
		}
		rsi := Last(RSI(bars, p.RSIPeriod))
		atr := Last(ATR(bars, p.ATRPeriod))
		if math.IsNaN(rsi) || math.IsNaN(atr) || atr <= 0 {
			continue
		}

		var side types.Side
		switch {
		case rsi < p.OversoldLevel:
			side = types.BUY
		case rsi > p.OverboughtLevel:
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
		last := bars[len(bars)-1].Close
		sign := side.Sign()
		planned = append(planned, PlannedOrder{
			Symbol:     contract.Symbol,
			Side:       side,
			Type:       types.OrderMarket,
			Quantity:   qty,
			StopLoss:   orders.RoundToTick(last-sign*atr*p.StopATRMultiplier, contract.TickSize),
			TakeProfit: orders.RoundToTick(last+sign*atr*p.TPATRMultiplier, contract.TickSize),
		})
		s.deps.Logger.Debug("rsi signal", "symbol", symbol, "rsi", rsi, "atr", atr, "side", side)
	}
	if len(planned) == 0 {
		return Forecast{Reason: "rsi inside neutral band"}, nil
	}
	return Forecast{WillTrade: true, Reason: "rsi extreme", Orders: planned}, nil
}
