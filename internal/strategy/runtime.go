package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/internal/sched"
	"topstepx-engine/pkg/types"
)

const (
	runtimeTickInterval = 1 * time.Second
	errorRetryDelay     = 60 * time.Second
	statsTradeWindow    = 500
)

// configStore is the persistence slice the runtime uses. *store.Store
// satisfies it.
type configStore interface {
	SaveStrategyConfig(cfg types.StrategyConfig) error
	LoadStrategyConfigs() ([]types.StrategyConfig, error)
	SaveStrategyStats(accountID, name string, st types.StrategyStats) error
	ListTrades(accountID, strategyName string, limit int) ([]types.TradeRecord, error)
}

// instance is the live state of one (strategy, account) pair.
type instance struct {
	cfg        types.StrategyConfig
	status     types.StrategyStatus
	nextExec   time.Time
	lastTick   time.Time
	lastErr    string
	retried    bool                  // the single post-ERROR retry was used
	pendingCfg *types.StrategyConfig // config replace deferred past RUNNING
}

// Runtime owns every (strategy, account) pair: lifecycle, scheduling,
// persistence, and the fill/bar fan-out. Cycles execute under the priority
// scheduler at normal priority.
type Runtime struct {
	store  configStore
	events *bus.Bus
	sched  *sched.Scheduler
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	strategies map[string]Strategy  // by name
	instances  map[string]*instance // by name|account
}

// NewRuntime builds an empty runtime; register strategies before Run.
func NewRuntime(st configStore, events *bus.Bus, sc *sched.Scheduler, clk clock.Clock, logger *slog.Logger) *Runtime {
	return &Runtime{
		store:      st,
		events:     events,
		sched:      sc,
		clk:        clk,
		logger:     logger.With("component", "strategy_runtime"),
		strategies: make(map[string]Strategy),
		instances:  make(map[string]*instance),
	}
}

// Register adds a strategy kind to the registry.
func (r *Runtime) Register(s Strategy) {
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()
}

// Kinds lists the registered strategy names.
func (r *Runtime) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}

func key(name, accountID string) string { return name + "|" + accountID }

// LoadPersisted restores strategy configs from the store and auto-enables
// every row persisted with enabled=true.
func (r *Runtime) LoadPersisted() error {
	configs, err := r.store.LoadStrategyConfigs()
	if err != nil {
		return fmt.Errorf("load strategy configs: %w", err)
	}
	for _, cfg := range configs {
		r.mu.Lock()
		s, known := r.strategies[cfg.Name]
		r.mu.Unlock()
		if !known {
			r.logger.Warn("persisted config for unknown strategy", "name", cfg.Name)
			continue
		}
		if !cfg.Enabled {
			r.setInstance(cfg, types.StrategyDisabled, time.Time{})
			continue
		}
		next, err := s.NextExecution(cfg, r.clk.Now())
		if err != nil {
			r.logger.Error("next execution failed on restore",
				"name", cfg.Name, "account_id", cfg.AccountID, "error", err)
			r.setInstance(cfg, types.StrategyError, time.Time{})
			continue
		}
		r.setInstance(cfg, types.StrategyEnabledIdle, next)
		r.logger.Info("strategy restored",
			"name", cfg.Name, "account_id", cfg.AccountID, "next_execution", next)
	}
	return nil
}

func (r *Runtime) setInstance(cfg types.StrategyConfig, status types.StrategyStatus, next time.Time) {
	r.mu.Lock()
	r.instances[key(cfg.Name, cfg.AccountID)] = &instance{
		cfg:      cfg,
		status:   status,
		nextExec: next,
	}
	r.mu.Unlock()
	r.publishState(cfg.Name, cfg.AccountID)
}

// Start enables a strategy for an account, persisting the config. A nil
// symbols slice keeps the current (or default) symbol set.
func (r *Runtime) Start(name, accountID string, symbols []string) error {
	r.mu.Lock()
	s, known := r.strategies[name]
	if !known {
		r.mu.Unlock()
		return types.E(types.KindInvalidInput, "unknown strategy %q", name)
	}
	inst := r.instances[key(name, accountID)]
	var cfg types.StrategyConfig
	if inst != nil {
		cfg = inst.cfg
	} else {
		cfg = s.DefaultConfig(accountID)
	}
	r.mu.Unlock()

	if len(symbols) > 0 {
		cfg.Symbols = symbols
	}
	cfg.Enabled = true

	next, err := s.NextExecution(cfg, r.clk.Now())
	if err != nil {
		return err
	}
	if err := r.store.SaveStrategyConfig(cfg); err != nil {
		return fmt.Errorf("persist strategy config: %w", err)
	}

	r.mu.Lock()
	r.instances[key(name, accountID)] = &instance{
		cfg:      cfg,
		status:   types.StrategyEnabledIdle,
		nextExec: next,
	}
	r.mu.Unlock()

	r.logger.Info("strategy enabled", "name", name, "account_id", accountID, "next_execution", next)
	r.publishState(name, accountID)
	return nil
}

// Stop disables a strategy for an account and persists enabled=false. A
// RUNNING cycle finishes; no further cycle is scheduled.
func (r *Runtime) Stop(name, accountID string) error {
	r.mu.Lock()
	inst := r.instances[key(name, accountID)]
	if inst == nil {
		r.mu.Unlock()
		return types.E(types.KindInvalidInput, "strategy %q not configured for account %s", name, accountID)
	}
	inst.cfg.Enabled = false
	inst.status = types.StrategyStopped
	inst.nextExec = time.Time{}
	cfg := inst.cfg
	r.mu.Unlock()

	if err := r.store.SaveStrategyConfig(cfg); err != nil {
		return fmt.Errorf("persist strategy config: %w", err)
	}
	r.logger.Info("strategy stopped", "name", name, "account_id", accountID)
	r.publishState(name, accountID)
	return nil
}

// DisableAccount stops every strategy of one account. The risk monitor calls
// this on a compliance violation.
func (r *Runtime) DisableAccount(accountID string) {
	r.mu.Lock()
	var stopped []types.StrategyConfig
	for _, inst := range r.instances {
		if inst.cfg.AccountID != accountID || inst.status == types.StrategyStopped {
			continue
		}
		inst.cfg.Enabled = false
		inst.status = types.StrategyStopped
		inst.nextExec = time.Time{}
		stopped = append(stopped, inst.cfg)
	}
	r.mu.Unlock()

	for _, cfg := range stopped {
		if err := r.store.SaveStrategyConfig(cfg); err != nil {
			r.logger.Error("persist disabled config failed",
				"name", cfg.Name, "account_id", accountID, "error", err)
		}
		r.publishState(cfg.Name, accountID)
	}
	if len(stopped) > 0 {
		r.logger.Warn("all strategies disabled", "account_id", accountID, "count", len(stopped))
	}
}

// UpdateConfig atomically replaces a strategy's config. While the strategy is
// RUNNING, the replacement is deferred until the cycle ends. The persisted
// row is written through immediately either way.
func (r *Runtime) UpdateConfig(cfg types.StrategyConfig) error {
	r.mu.Lock()
	s, known := r.strategies[cfg.Name]
	if !known {
		r.mu.Unlock()
		return types.E(types.KindInvalidInput, "unknown strategy %q", cfg.Name)
	}
	inst := r.instances[key(cfg.Name, cfg.AccountID)]
	running := inst != nil && inst.status == types.StrategyRunning
	if running {
		pending := cfg
		inst.pendingCfg = &pending
	}
	r.mu.Unlock()

	if err := r.store.SaveStrategyConfig(cfg); err != nil {
		return fmt.Errorf("persist strategy config: %w", err)
	}
	if running {
		r.logger.Info("config update deferred until cycle end",
			"name", cfg.Name, "account_id", cfg.AccountID)
		return nil
	}

	next := time.Time{}
	status := types.StrategyDisabled
	if cfg.Enabled {
		var err error
		next, err = s.NextExecution(cfg, r.clk.Now())
		if err != nil {
			return err
		}
		status = types.StrategyEnabledIdle
	}
	r.mu.Lock()
	r.instances[key(cfg.Name, cfg.AccountID)] = &instance{
		cfg:      cfg,
		status:   status,
		nextExec: next,
	}
	r.mu.Unlock()
	r.publishState(cfg.Name, cfg.AccountID)
	return nil
}

// Config returns the current config of one pair.
func (r *Runtime) Config(name, accountID string) (types.StrategyConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.instances[key(name, accountID)]
	if inst == nil {
		return types.StrategyConfig{}, false
	}
	return inst.cfg, true
}

// States reports the live view of every known pair, plus DISABLED stubs for
// registered strategies nobody configured yet.
func (r *Runtime) States(accountID string) []types.StrategyState {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var out []types.StrategyState
	for _, inst := range r.instances {
		if accountID != "" && inst.cfg.AccountID != accountID {
			continue
		}
		seen[inst.cfg.Name] = true
		out = append(out, r.stateLocked(inst))
	}
	for name := range r.strategies {
		if !seen[name] {
			out = append(out, types.StrategyState{
				Name:      name,
				AccountID: accountID,
				Status:    types.StrategyDisabled,
			})
		}
	}
	return out
}

func (r *Runtime) stateLocked(inst *instance) types.StrategyState {
	st := types.StrategyState{
		Name:      inst.cfg.Name,
		AccountID: inst.cfg.AccountID,
		Status:    inst.status,
		IsRunning: inst.status == types.StrategyRunning,
		LastTick:  inst.lastTick,
		LastError: inst.lastErr,
	}
	if !inst.nextExec.IsZero() {
		next := inst.nextExec
		st.NextExecutionAt = &next
	}
	return st
}

// Stats projects performance from the trade log and writes the row through.
func (r *Runtime) Stats(name, accountID string) (types.StrategyStats, error) {
	trades, err := r.store.ListTrades(accountID, name, statsTradeWindow)
	if err != nil {
		return types.StrategyStats{}, err
	}
	st := projectStats(trades)
	if err := r.store.SaveStrategyStats(accountID, name, st); err != nil {
		r.logger.Warn("persist stats failed", "name", name, "account_id", accountID, "error", err)
	}
	return st, nil
}

func projectStats(trades []types.TradeRecord) types.StrategyStats {
	var st types.StrategyStats
	var equity, peak, maxDD float64
	for _, t := range trades {
		st.TotalTrades++
		if t.NetPnL > 0 {
			st.Winning++
		}
		st.TotalPnL += t.NetPnL
		equity += t.NetPnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Winning) / float64(st.TotalTrades)
	}
	st.MaxDrawdown = maxDD
	return st
}

// Verify runs the strategy's analysis without submitting orders.
func (r *Runtime) Verify(ctx context.Context, name, accountID string) (Forecast, error) {
	r.mu.Lock()
	s, known := r.strategies[name]
	inst := r.instances[key(name, accountID)]
	r.mu.Unlock()
	if !known {
		return Forecast{}, types.E(types.KindInvalidInput, "unknown strategy %q", name)
	}
	cfg := s.DefaultConfig(accountID)
	if inst != nil {
		cfg = inst.cfg
	}
	return s.Analyze(ctx, cfg)
}

// OnFill fans a fill out to the owning account's strategies.
func (r *Runtime) OnFill(ctx context.Context, f types.Fill) {
	r.mu.Lock()
	type target struct {
		h   FillHandler
		cfg types.StrategyConfig
	}
	var targets []target
	for _, inst := range r.instances {
		if inst.cfg.AccountID != f.AccountID || inst.status == types.StrategyDisabled {
			continue
		}
		if h, ok := r.strategies[inst.cfg.Name].(FillHandler); ok {
			targets = append(targets, target{h, inst.cfg})
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.h.OnFill(ctx, t.cfg, f)
	}
}

// OnBar fans a closed bar out to every enabled strategy watching the symbol.
func (r *Runtime) OnBar(ctx context.Context, b types.Bar) {
	r.mu.Lock()
	type target struct {
		h   BarHandler
		cfg types.StrategyConfig
	}
	var targets []target
	for _, inst := range r.instances {
		if inst.status == types.StrategyDisabled || inst.status == types.StrategyStopped {
			continue
		}
		if h, ok := r.strategies[inst.cfg.Name].(BarHandler); ok {
			targets = append(targets, target{h, inst.cfg})
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.h.OnBar(ctx, t.cfg, b)
	}
}

// Run drives the scheduling tick until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(runtimeTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick moves due ENABLED_IDLE instances into RUNNING and submits their
// cycles to the scheduler.
func (r *Runtime) tick(ctx context.Context) {
	now := r.clk.Now()

	r.mu.Lock()
	type due struct {
		k   string
		s   Strategy
		cfg types.StrategyConfig
	}
	var dues []due
	for k, inst := range r.instances {
		if inst.status != types.StrategyEnabledIdle && inst.status != types.StrategyError {
			continue
		}
		if inst.nextExec.IsZero() || now.Before(inst.nextExec) {
			continue
		}
		inst.status = types.StrategyRunning
		inst.lastTick = now
		dues = append(dues, due{k, r.strategies[inst.cfg.Name], inst.cfg})
	}
	r.mu.Unlock()

	for _, d := range dues {
		d := d
		r.publishState(d.cfg.Name, d.cfg.AccountID)
		if r.sched == nil {
			r.finishCycle(d.k, d.s, d.s.ExecuteCycle(ctx, d.cfg))
			continue
		}
		taskName := "strategy-cycle-" + d.cfg.Name
		err := r.sched.Submit(taskName, sched.Normal, func(taskCtx context.Context) error {
			cycleErr := d.s.ExecuteCycle(taskCtx, d.cfg)
			r.finishCycle(d.k, d.s, cycleErr)
			return nil
		})
		if err != nil {
			r.finishCycle(d.k, d.s, err)
		}
	}
}

// finishCycle records the outcome and schedules what comes next: the next
// window on success, a single 60s retry on the first error, STOPPED after
// the retry also fails.
func (r *Runtime) finishCycle(k string, s Strategy, cycleErr error) {
	now := r.clk.Now()

	r.mu.Lock()
	inst := r.instances[k]
	if inst == nil {
		r.mu.Unlock()
		return
	}
	if inst.pendingCfg != nil {
		inst.cfg = *inst.pendingCfg
		inst.pendingCfg = nil
	}
	stopped := !inst.cfg.Enabled

	switch {
	case stopped:
		inst.status = types.StrategyStopped
		inst.nextExec = time.Time{}
	case cycleErr != nil && types.KindOf(cycleErr) == types.KindCancelled:
		inst.status = types.StrategyEnabledIdle
	case cycleErr != nil && !inst.retried:
		inst.status = types.StrategyError
		inst.lastErr = cycleErr.Error()
		inst.retried = true
		inst.nextExec = now.Add(errorRetryDelay)
	case cycleErr != nil:
		inst.status = types.StrategyStopped
		inst.lastErr = cycleErr.Error()
		inst.nextExec = time.Time{}
	default:
		inst.status = types.StrategyEnabledIdle
		inst.lastErr = ""
		inst.retried = false
		next, err := s.NextExecution(inst.cfg, now)
		if err != nil {
			inst.status = types.StrategyError
			inst.lastErr = err.Error()
			inst.nextExec = time.Time{}
		} else {
			inst.nextExec = next
		}
	}
	name, accountID := inst.cfg.Name, inst.cfg.AccountID
	status := inst.status
	r.mu.Unlock()

	outcome := "ok"
	if cycleErr != nil {
		outcome = "error"
		r.logger.Error("strategy cycle failed",
			"name", name, "account_id", accountID, "status", status, "error", cycleErr)
	}
	metrics.StrategyCycles.WithLabelValues(name, outcome).Inc()
	r.publishState(name, accountID)
}

func (r *Runtime) publishState(name, accountID string) {
	r.mu.Lock()
	inst := r.instances[key(name, accountID)]
	var st types.StrategyState
	if inst != nil {
		st = r.stateLocked(inst)
	} else {
		st = types.StrategyState{Name: name, AccountID: accountID, Status: types.StrategyDisabled}
	}
	r.mu.Unlock()
	r.events.Publish(bus.TopicStrategyUpdate, st)
}
