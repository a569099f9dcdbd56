// Package risk enforces the prop-firm loss rules per account.
//
// The monitor recomputes each account's risk state on every fill, on every
// balance update, and on a 15s timer:
//
//   - Daily loss limit (DLL): realized loss versus the start-of-day balance.
//   - Maximum loss limit (MLL): drawdown from a high-water mark that ratchets
//     up until the balance clears initial + trail threshold, then freezes
//     (the trailing rule converts into a fixed floor).
//
// Every trade intent must pass Evaluate before submission; any violated rule
// vetoes. On transition to non-compliance the monitor publishes a risk event,
// optionally flattens the account, and disables its strategies.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/pkg/types"
)

const (
	checkInterval  = 15 * time.Second
	eventRingLimit = 50
)

// Intent is the pre-trade question put to the gate.
type Intent struct {
	AccountID string
	Symbol    string
	Side      types.Side
	Quantity  int
}

// Gate is the pre-trade check surface the order manager and strategy runtime
// depend on. A nil error allows the intent.
type Gate interface {
	Evaluate(intent Intent) error
}

// Flattener closes everything for an account. The order manager satisfies it.
type Flattener interface {
	FlattenAll(ctx context.Context, accountID string) error
}

// Disabler turns an account's strategies off. The strategy runtime satisfies
// it.
type Disabler interface {
	DisableAccount(accountID string)
}

// ConsistencyPolicy decides whether an account breaks the firm's consistency
// rule. The default policy never trips.
type ConsistencyPolicy interface {
	Violated(snap account.Snapshot) bool
}

type noConsistency struct{}

func (noConsistency) Violated(account.Snapshot) bool { return false }

// Limits configures the loss rules.
type Limits struct {
	DailyLoss      float64 // DLL budget, e.g. 1000
	MaxLoss        float64 // MLL budget from the high-water mark, e.g. 2000
	TrailThreshold float64 // profit above initial at which the HWM freezes
	AutoFlatten    bool    // flatten on violation
}

type accountRisk struct {
	initial       float64 // balance when first observed
	highWaterMark float64
	hwmFrozen     bool
	violated      bool
	events        []types.RiskEvent
	snapshot      types.RiskSnapshot
}

// Monitor implements Gate over the account projection.
type Monitor struct {
	accounts    *account.Store
	events      *bus.Bus
	limits      Limits
	clk         clock.Clock
	consistency ConsistencyPolicy
	logger      *slog.Logger

	mu        sync.Mutex
	state     map[string]*accountRisk
	flattener Flattener
	disabler  Disabler
}

// NewMonitor creates the monitor. Flattener and Disabler are attached later
// via Bind, after the order manager and strategy runtime exist.
func NewMonitor(accounts *account.Store, events *bus.Bus, limits Limits, clk clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		accounts:    accounts,
		events:      events,
		limits:      limits,
		clk:         clk,
		consistency: noConsistency{},
		logger:      logger.With("component", "risk"),
		state:       make(map[string]*accountRisk),
	}
}

// Bind attaches the violation reactions. Either may be nil.
func (m *Monitor) Bind(f Flattener, d Disabler) {
	m.mu.Lock()
	m.flattener = f
	m.disabler = d
	m.mu.Unlock()
}

// SetConsistencyPolicy replaces the default always-compliant policy.
func (m *Monitor) SetConsistencyPolicy(p ConsistencyPolicy) {
	m.mu.Lock()
	m.consistency = p
	m.mu.Unlock()
}

// Evaluate is the pre-trade gate. Violated accounts veto every intent.
func (m *Monitor) Evaluate(intent Intent) error {
	if intent.Quantity <= 0 {
		return types.E(types.KindInvalidInput, "intent quantity must be positive")
	}

	snap := m.Recompute(context.Background(), intent.AccountID)
	if !snap.Compliance {
		reason := "loss limit violated"
		switch {
		case snap.DLL.Violated:
			reason = "daily loss limit violated"
		case snap.MLL.Violated:
			reason = "maximum loss limit violated"
		}
		metrics.RiskVetoes.WithLabelValues(reason).Inc()
		return types.E(types.KindRiskVeto, "%s for account %s", reason, intent.AccountID)
	}
	return nil
}

// Snapshot returns the last computed risk view for an account.
func (m *Monitor) Snapshot(accountID string) (types.RiskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[accountID]
	if !ok {
		return types.RiskSnapshot{}, false
	}
	return st.snapshot, true
}

// OnFill triggers a recompute after a fill lands.
func (m *Monitor) OnFill(ctx context.Context, accountID string) {
	m.Recompute(ctx, accountID)
}

// OnBalanceUpdate triggers a recompute after a pushed account update.
func (m *Monitor) OnBalanceUpdate(ctx context.Context, accountID string) {
	m.Recompute(ctx, accountID)
}

// Run drives the periodic check until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range m.accounts.AccountIDs() {
				m.Recompute(ctx, id)
			}
		}
	}
}

// Recompute rebuilds one account's risk state and reacts to compliance
// transitions. Returns the fresh snapshot.
func (m *Monitor) Recompute(ctx context.Context, accountID string) types.RiskSnapshot {
	snap, ok := m.accounts.Snapshot(accountID)
	if !ok {
		return types.RiskSnapshot{AccountID: accountID, Compliance: true}
	}

	var unrealized float64
	for _, p := range snap.Positions {
		unrealized += p.UnrealizedPnL
	}

	m.mu.Lock()
	st, ok := m.state[accountID]
	if !ok {
		st = &accountRisk{
			initial:       snap.Account.Balance,
			highWaterMark: snap.Account.Balance,
		}
		m.state[accountID] = st
	}

	balance := snap.Account.Balance
	startOfDay := snap.Account.StartOfDayBalance
	if startOfDay == 0 {
		startOfDay = st.initial
	}

	// High-water mark ratchets until the trail threshold is cleared, then
	// freezes at initial + threshold (the fixed floor form of the rule).
	if !st.hwmFrozen {
		if balance > st.highWaterMark {
			st.highWaterMark = balance
		}
		if balance >= st.initial+m.limits.TrailThreshold {
			st.highWaterMark = st.initial + m.limits.TrailThreshold
			st.hwmFrozen = true
		}
	}

	realizedToday := balance - startOfDay
	totalPnL := realizedToday + unrealized

	dll := lossLimit(m.limits.DailyLoss, max0(-realizedToday))
	mll := lossLimit(m.limits.MaxLoss, max0(st.highWaterMark-balance))

	consistencyViolated := m.consistency.Violated(snap)
	compliance := !dll.Violated && !mll.Violated && !consistencyViolated

	rs := types.RiskSnapshot{
		AccountID:    accountID,
		Balance:      balance,
		StartBalance: startOfDay,
		TotalPnL:     totalPnL,
		DLL:          dll,
		MLL:          mll,
		TrailingLoss: st.highWaterMark - balance,
		Compliance:   compliance,
		Events:       append([]types.RiskEvent(nil), st.events...),
		UpdatedAt:    m.clk.Now(),
	}
	st.snapshot = rs

	turnedViolated := !compliance && !st.violated
	st.violated = !compliance
	if turnedViolated {
		limit := "mll"
		if dll.Violated {
			limit = "dll"
		}
		metrics.RiskViolations.WithLabelValues(limit).Inc()
		evt := types.RiskEvent{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Timestamp: m.clk.Now(),
			Level:     types.LevelError,
			Message:   "account non-compliant: " + limit + " violated",
			Meta: map[string]any{
				"balance":  balance,
				"dll_used": dll.Used,
				"mll_used": mll.Used,
			},
		}
		st.events = append(st.events, evt)
		if len(st.events) > eventRingLimit {
			st.events = st.events[len(st.events)-eventRingLimit:]
		}
		rs.Events = append(rs.Events, evt)
		st.snapshot = rs
	}
	flattener := m.flattener
	disabler := m.disabler
	m.mu.Unlock()

	m.events.Publish(bus.TopicRiskUpdate, rs)

	if turnedViolated {
		m.logger.Error("risk violation",
			"account_id", accountID,
			"dll_used", dll.Used,
			"mll_used", mll.Used,
			"balance", balance,
		)
		m.events.Publish(bus.TopicNotification, types.Notification{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Timestamp: m.clk.Now(),
			Level:     types.LevelError,
			Message:   "risk violation: trading halted",
		})
		if disabler != nil {
			disabler.DisableAccount(accountID)
		}
		if m.limits.AutoFlatten && flattener != nil {
			if err := flattener.FlattenAll(ctx, accountID); err != nil {
				m.logger.Error("auto-flatten failed", "account_id", accountID, "error", err)
			}
		}
	}
	return rs
}

func lossLimit(limit, used float64) types.LossLimit {
	ll := types.LossLimit{Limit: limit, Used: used, Remaining: limit - used}
	if limit > 0 {
		ll.Pct = used / limit * 100
		ll.Violated = used >= limit
	}
	if ll.Remaining < 0 {
		ll.Remaining = 0
	}
	return ll
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
