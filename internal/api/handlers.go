// Package api is the REST/WebSocket control surface: account and position
// views, manual order entry, strategy lifecycle control, risk and trade
// reporting, and the push stream that mirrors the event bus.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/types"
)

const settingsScopeDashboard = "dashboard"

// accountReader is the projection view the handlers read. *account.Store
// satisfies it.
type accountReader interface {
	AccountIDs() []string
	Snapshot(accountID string) (account.Snapshot, bool)
	Position(accountID, symbol string) (types.Position, bool)
}

// orderService is the manual-trading surface. *orders.Manager satisfies it.
type orderService interface {
	SubmitMarket(ctx context.Context, accountID, symbol string, side types.Side, qty int, opts orders.Options) (string, error)
	SubmitLimit(ctx context.Context, accountID, symbol string, side types.Side, qty int, limitPrice float64, opts orders.Options) (string, error)
	SubmitStopEntry(ctx context.Context, accountID, symbol string, side types.Side, qty int, stopPrice, slPrice, tpPrice float64, opts orders.Options) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context, accountID string) error
	ClosePosition(ctx context.Context, accountID, symbol string, qty int) error
	FlattenAll(ctx context.Context, accountID string) error
}

// strategyService is the runtime control surface. *strategy.Runtime satisfies
// it.
type strategyService interface {
	Kinds() []string
	States(accountID string) []types.StrategyState
	Start(name, accountID string, symbols []string) error
	Stop(name, accountID string) error
	UpdateConfig(cfg types.StrategyConfig) error
	Config(name, accountID string) (types.StrategyConfig, bool)
	Stats(name, accountID string) (types.StrategyStats, error)
	Verify(ctx context.Context, name, accountID string) (strategy.Forecast, error)
}

// riskReader serves risk snapshots. *risk.Monitor satisfies it.
type riskReader interface {
	Recompute(ctx context.Context, accountID string) types.RiskSnapshot
}

// barReader resolves historical bars. *market.History satisfies it.
type barReader interface {
	GetRecentBars(ctx context.Context, symbol string, tf types.Timeframe, n int, end time.Time) ([]types.Bar, error)
}

// contractReader resolves contract metadata for price validation.
// broker.Interface satisfies it.
type contractReader interface {
	GetContract(ctx context.Context, symbol string) (*types.Contract, error)
}

// controlStore is the durable surface behind trades, notifications, and
// settings. *store.Store satisfies it.
type controlStore interface {
	ListTrades(accountID, strategyName string, limit int) ([]types.TradeRecord, error)
	ListNotifications(accountID string, limit int) ([]types.Notification, error)
	GetSettings(scope string) (map[string]json.RawMessage, error)
	SetSetting(scope, key string, value json.RawMessage) error
}

// Handlers carries every control-surface dependency plus the selected-account
// context.
type Handlers struct {
	accounts   accountReader
	orders     orderService
	strategies strategyService
	riskView   riskReader
	bars       barReader
	contracts  contractReader
	store      controlStore
	clk        clock.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	active string // selected account ID
}

// NewHandlers wires the handler set. The selected account persists across
// restarts through the settings table.
func NewHandlers(accounts accountReader, ord orderService, strat strategyService,
	riskView riskReader, bars barReader, contracts contractReader,
	st controlStore, clk clock.Clock, logger *slog.Logger) *Handlers {
	h := &Handlers{
		accounts:   accounts,
		orders:     ord,
		strategies: strat,
		riskView:   riskView,
		bars:       bars,
		contracts:  contracts,
		store:      st,
		clk:        clk,
		logger:     logger.With("component", "api"),
	}
	if settings, err := st.GetSettings(settingsScopeDashboard); err == nil {
		var id string
		if raw, ok := settings["active_account"]; ok && json.Unmarshal(raw, &id) == nil {
			h.active = id
		}
	}
	return h
}

// accountFor resolves the account a request targets: explicit ?account_id=
// wins, then the switched-to account, then the first known account.
func (h *Handlers) accountFor(r *http.Request) string {
	if id := r.URL.Query().Get("account_id"); id != "" {
		return id
	}
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if active != "" {
		return active
	}
	ids := h.accounts.AccountIDs()
	sort.Strings(ids)
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ids := h.accounts.AccountIDs()
	sort.Strings(ids)
	out := make([]types.Account, 0, len(ids))
	for _, id := range ids {
		if snap, ok := h.accounts.Snapshot(id); ok {
			out = append(out, snap.Account)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.accounts.Snapshot(id); !ok {
		writeNotFound(w, "unknown account "+id)
		return
	}
	h.mu.Lock()
	h.active = id
	h.mu.Unlock()

	raw, _ := json.Marshal(id)
	if err := h.store.SetSetting(settingsScopeDashboard, "active_account", raw); err != nil {
		h.logger.Warn("active account persist failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_account": id})
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := h.accountFor(r)
	snap, ok := h.accounts.Snapshot(id)
	if !ok {
		writeNotFound(w, "no account selected")
		return
	}
	writeJSON(w, http.StatusOK, snap.Account)
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.accounts.Snapshot(h.accountFor(r))
	if !ok {
		writeJSON(w, http.StatusOK, []types.Position{})
		return
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].Symbol < snap.Positions[j].Symbol
	})
	writeJSON(w, http.StatusOK, snap.Positions)
}

func (h *Handlers) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := types.NormalizeSymbol(mux.Vars(r)["id"])
	accountID := h.accountFor(r)

	var body struct {
		Quantity int `json:"quantity"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body = full close
	}

	if _, ok := h.accounts.Position(accountID, symbol); !ok {
		writeNotFound(w, "no open position in "+symbol)
		return
	}
	if err := h.orders.ClosePosition(r.Context(), accountID, symbol, body.Quantity); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

func (h *Handlers) handleFlatten(w http.ResponseWriter, r *http.Request) {
	accountID := h.accountFor(r)
	if err := h.orders.FlattenAll(r.Context(), accountID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("manual flatten", "account_id", accountID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "flattened"})
}
