package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/orders"
	"topstepx-engine/pkg/types"
)

// OvernightRangeParams configures the overnight range breakout. Times are
// exchange-local "HH:MM"; range_break_offset is in price points.
type OvernightRangeParams struct {
	OvernightStartTime    string  `json:"overnight_start_time"`
	OvernightEndTime      string  `json:"overnight_end_time"`
	MarketOpenTime        string  `json:"market_open_time"`
	ATRPeriod             int     `json:"atr_period"`
	ATRTimeframe          string  `json:"atr_timeframe"`
	StopATRMultiplier     float64 `json:"stop_atr_multiplier"`
	TPATRMultiplier       float64 `json:"tp_atr_multiplier"`
	BreakevenEnabled      bool    `json:"breakeven_enabled"`
	BreakevenProfitPoints float64 `json:"breakeven_profit_points"`
	RangeBreakOffset      float64 `json:"range_break_offset"`
}

func defaultOvernightParams() OvernightRangeParams {
	return OvernightRangeParams{
		OvernightStartTime: "17:00",
		OvernightEndTime:   "08:30",
		MarketOpenTime:     "08:30",
		ATRPeriod:          14,
		ATRTimeframe:       "5m",
		StopATRMultiplier:  1.25,
		TPATRMultiplier:    2.0,
		RangeBreakOffset:   0.25,
	}
}

// decodeParams overlays the persisted raw params onto defaults. The raw JSON
// is kept verbatim in the config, so keys this build does not know survive.
func decodeParams(cfg types.StrategyConfig, into any) error {
	if len(cfg.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(cfg.Params, into); err != nil {
		return types.WrapErr(types.KindInvalidInput, err, "decode %s params", cfg.Name)
	}
	return nil
}

// OvernightRange brackets the globex overnight range at the cash open: a long
// stop entry above the range high and a short stop entry below the range low,
// as an OCO pair with ATR-scaled protective stops.
type OvernightRange struct {
	deps Deps
}

// NewOvernightRange builds the strategy.
func NewOvernightRange(deps Deps) *OvernightRange {
	deps.Logger = deps.Logger.With("strategy", "overnight_range")
	return &OvernightRange{deps: deps}
}

func (s *OvernightRange) Name() string { return "overnight_range" }

func (s *OvernightRange) DefaultConfig(accountID string) types.StrategyConfig {
	raw, _ := json.Marshal(defaultOvernightParams())
	return types.StrategyConfig{
		Name:         s.Name(),
		AccountID:    accountID,
		Symbols:      []string{"NQ"},
		PositionSize: 1,
		MaxPositions: 1,
		Params:       raw,
	}
}

// NextExecution returns the next weekday cash open.
func (s *OvernightRange) NextExecution(cfg types.StrategyConfig, now time.Time) (time.Time, error) {
	p := defaultOvernightParams()
	if err := decodeParams(cfg, &p); err != nil {
		return time.Time{}, err
	}
	next, err := s.deps.Calendar.NextLocalTime(now, p.MarketOpenTime)
	if err != nil {
		return time.Time{}, err
	}
	for i := 0; i < 7 && !s.deps.Calendar.IsRTH(next); i++ {
		next, err = s.deps.Calendar.NextLocalTime(next.Add(24*time.Hour), p.MarketOpenTime)
		if err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}

// breakoutPlan is one symbol's computed setup.
type breakoutPlan struct {
	symbol      string
	sessionOpen float64
	rangeHigh   float64
	rangeLow    float64
	atr         float64
	long        PlannedOrder
	short       PlannedOrder
}

func (s *OvernightRange) ExecuteCycle(ctx context.Context, cfg types.StrategyConfig) error {
	p := defaultOvernightParams()
	if err := decodeParams(cfg, &p); err != nil {
		return err
	}
	now := s.deps.Clock.Now()

	for _, symbol := range cfg.Symbols {
		if _, open := s.deps.Positions.Position(cfg.AccountID, symbol); open {
			s.deps.Logger.Info("position already open, skipping cycle",
				"account_id", cfg.AccountID, "symbol", symbol)
			continue
		}
		plan, err := s.plan(ctx, cfg, p, symbol, now)
		if err != nil {
			return err
		}
		if plan == nil {
			continue
		}
		if err := s.submit(ctx, cfg, p, plan); err != nil {
			return err
		}
	}
	return nil
}

func (s *OvernightRange) Analyze(ctx context.Context, cfg types.StrategyConfig) (Forecast, error) {
	p := defaultOvernightParams()
	if err := decodeParams(cfg, &p); err != nil {
		return Forecast{}, err
	}
	now := s.deps.Clock.Now()

	var planned []PlannedOrder
	for _, symbol := range cfg.Symbols {
		plan, err := s.plan(ctx, cfg, p, symbol, now)
		if err != nil {
			return Forecast{}, err
		}
		if plan == nil {
			continue
		}
		planned = append(planned, plan.long, plan.short)
	}
	if len(planned) == 0 {
		return Forecast{Reason: "no overnight range setup"}, nil
	}
	return Forecast{
		WillTrade: true,
		Reason:    "overnight range bracket at the cash open",
		Orders:    planned,
	}, nil
}

// plan computes the breakout setup for one symbol, or nil when the data does
// not support a trade.
func (s *OvernightRange) plan(ctx context.Context, cfg types.StrategyConfig, p OvernightRangeParams, symbol string, now time.Time) (*breakoutPlan, error) {
	intradayTF, err := types.ParseTimeframe(p.ATRTimeframe)
	if err != nil {
		return nil, types.E(types.KindInvalidInput, "atr_timeframe: %v", err)
	}

	rangeEnd, err := s.deps.Calendar.SameLocalDayAt(now, p.OvernightEndTime)
	if err != nil {
		return nil, err
	}
	if rangeEnd.After(now) {
		rangeEnd = now
	}
	rangeStart, err := s.deps.Calendar.SameLocalDayAt(now, p.OvernightStartTime)
	if err != nil {
		return nil, err
	}
	if !rangeStart.Before(rangeEnd) {
		rangeStart = rangeStart.AddDate(0, 0, -1)
	}

	rangeBars, err := s.deps.Bars.GetBars(ctx, symbol, intradayTF, rangeStart, rangeEnd, 0)
	if err != nil {
		return nil, err
	}
	if len(rangeBars) == 0 {
		s.deps.Logger.Warn("no overnight bars", "symbol", symbol)
		return nil, nil
	}
	high, low := rangeBars[0].High, rangeBars[0].Low
	for _, b := range rangeBars[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}

	atrBars, err := s.deps.Bars.GetRecentBars(ctx, symbol, intradayTF, p.ATRPeriod*3, now)
	if err != nil {
		return nil, err
	}
	atr := Last(ATR(atrBars, p.ATRPeriod))
	if math.IsNaN(atr) || atr <= 0 {
		s.deps.Logger.Warn("not enough bars for ATR", "symbol", symbol, "bars", len(atrBars))
		return nil, nil
	}

	marketOpen, err := s.deps.Calendar.SameLocalDayAt(now, p.MarketOpenTime)
	if err != nil {
		return nil, err
	}
	sessionOpen := sessionOpenPrice(atrBars, marketOpen)
	if sessionOpen <= 0 {
		return nil, nil
	}

	contract, err := s.deps.Contracts.GetContract(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tick := contract.TickSize
	qty := cfg.PositionSize
	if qty <= 0 {
		qty = 1
	}

	longEntry := orders.RoundToTick(high+p.RangeBreakOffset, tick)
	shortEntry := orders.RoundToTick(low-p.RangeBreakOffset, tick)

	plan := &breakoutPlan{
		symbol:      contract.Symbol,
		sessionOpen: sessionOpen,
		rangeHigh:   high,
		rangeLow:    low,
		atr:         atr,
		long: PlannedOrder{
			Symbol:     contract.Symbol,
			Side:       types.BUY,
			Type:       types.OrderStop,
			Quantity:   qty,
			EntryPrice: longEntry,
			StopLoss:   orders.RoundToTick(longEntry-atr*p.StopATRMultiplier, tick),
			TakeProfit: orders.RoundToTick(s.takeProfit(types.BUY, longEntry, sessionOpen, high, low, atr, p), tick),
		},
		short: PlannedOrder{
			Symbol:     contract.Symbol,
			Side:       types.SELL,
			Type:       types.OrderStop,
			Quantity:   qty,
			EntryPrice: shortEntry,
			StopLoss:   orders.RoundToTick(shortEntry+atr*p.StopATRMultiplier, tick),
			TakeProfit: orders.RoundToTick(s.takeProfit(types.SELL, shortEntry, sessionOpen, high, low, atr, p), tick),
		},
	}
	return plan, nil
}

// takeProfit picks the nearer ATR-zone boundary beyond the overnight range.
// When no boundary lies beyond the range, it falls back to a full ATR
// multiple from the entry.
func (s *OvernightRange) takeProfit(side types.Side, entry, open, high, low, atr float64, p OvernightRangeParams) float64 {
	half := atr / 2
	if side == types.BUY {
		for _, zone := range []float64{open + half*0.5, open + half*0.68} {
			if zone > high {
				return zone
			}
		}
		return entry + atr*p.TPATRMultiplier
	}
	for _, zone := range []float64{open - half*0.5, open - half*0.68} {
		if zone < low {
			return zone
		}
	}
	return entry - atr*p.TPATRMultiplier
}

// sessionOpenPrice resolves O_open from the bar tape: the open of the bar
// starting at the cash open when present, otherwise the latest close.
func sessionOpenPrice(bars []types.Bar, openAt time.Time) float64 {
	if len(bars) == 0 {
		return 0
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].OpenTime.Equal(openAt) {
			return bars[i].Open
		}
	}
	return bars[len(bars)-1].Close
}

func (s *OvernightRange) submit(ctx context.Context, cfg types.StrategyConfig, p OvernightRangeParams, plan *breakoutPlan) error {
	s.deps.Orders.SetSessionOpen(plan.symbol, plan.sessionOpen)
	group := uuid.NewString()

	bePoints := 0.0
	if p.BreakevenEnabled {
		bePoints = p.BreakevenProfitPoints
	}

	for _, leg := range []PlannedOrder{plan.long, plan.short} {
		opts := orders.Options{
			StrategyName: s.Name(),
			TimeInForce:  types.TIFDay,
			OCOGroup:     group,
			Bracket:      &orders.Bracket{BreakevenPoints: bePoints},
		}
		id, err := s.deps.Orders.SubmitStopEntry(ctx, cfg.AccountID, plan.symbol, leg.Side, leg.Quantity,
			leg.EntryPrice, leg.StopLoss, leg.TakeProfit, opts)
		if err != nil {
			return fmt.Errorf("submit %s breakout entry: %w", leg.Side, err)
		}
		s.deps.Logger.Info("breakout entry placed",
			"account_id", cfg.AccountID,
			"symbol", plan.symbol,
			"side", leg.Side,
			"order_id", id,
			"entry", leg.EntryPrice,
			"stop", leg.StopLoss,
			"target", leg.TakeProfit,
			"range_high", plan.rangeHigh,
			"range_low", plan.rangeLow,
			"atr", plan.atr,
		)
	}
	return nil
}

// OnFill logs the activated side; sibling cancellation and child placement
// are the order manager's job.
func (s *OvernightRange) OnFill(ctx context.Context, cfg types.StrategyConfig, f types.Fill) {
	s.deps.Logger.Info("breakout entry filled",
		"account_id", f.AccountID, "symbol", f.Symbol, "side", f.Side, "price", f.Price)
}

// OnBar drives breakeven management between cycles.
func (s *OvernightRange) OnBar(ctx context.Context, cfg types.StrategyConfig, b types.Bar) {
	p := defaultOvernightParams()
	if err := decodeParams(cfg, &p); err != nil {
		return
	}
	if !p.BreakevenEnabled || p.BreakevenProfitPoints <= 0 {
		return
	}
	for _, symbol := range cfg.Symbols {
		if types.NormalizeSymbol(symbol) != b.Symbol {
			continue
		}
		if err := s.deps.Orders.CheckBreakeven(ctx, cfg.AccountID, b.Symbol, p.BreakevenProfitPoints); err != nil {
			s.deps.Logger.Warn("breakeven check failed", "symbol", b.Symbol, "error", err)
		}
	}
}
