package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"topstepx-engine/pkg/types"
)

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListTrades(h.accountFor(r),
		r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handlers) handleTradesExport(w http.ResponseWriter, r *http.Request) {
	accountID := h.accountFor(r)
	trades, err := h.store.ListTrades(accountID, r.URL.Query().Get("type"), queryInt(r, "limit", 1000))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		`attachment; filename="trades-`+accountID+`-`+h.clk.Now().UTC().Format("20060102")+`.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"id", "account_id", "strategy", "symbol", "side", "quantity",
		"entry_price", "exit_price", "entry_time", "exit_time",
		"gross_pnl", "fees", "net_pnl",
	})
	for _, t := range trades {
		_ = cw.Write([]string{
			t.ID, t.AccountID, t.StrategyName, t.Symbol, string(t.Side),
			strconv.Itoa(t.Quantity),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			t.EntryTime.UTC().Format(time.RFC3339),
			t.ExitTime.UTC().Format(time.RFC3339),
			strconv.FormatFloat(t.GrossPnL, 'f', 2, 64),
			strconv.FormatFloat(t.Fees, 'f', 2, 64),
			strconv.FormatFloat(t.NetPnL, 'f', 2, 64),
		})
	}
	cw.Flush()
}

func (h *Handlers) handleHistoricalData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeBadRequest(w, types.KindInvalidInput, "symbol is required")
		return
	}
	tf, err := types.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeBadRequest(w, types.KindInvalidInput, err.Error())
		return
	}

	end := h.clk.Now()
	if raw := q.Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, types.KindInvalidInput, "end must be RFC3339")
			return
		}
	}

	bars, err := h.bars.GetRecentBars(r.Context(), symbol, tf, queryInt(r, "limit", 500), end)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if bars == nil {
		bars = []types.Bar{}
	}
	writeJSON(w, http.StatusOK, bars)
}

func (h *Handlers) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifs, err := h.store.ListNotifications(h.accountFor(r), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if notifs == nil {
		notifs = []types.Notification{}
	}
	writeJSON(w, http.StatusOK, notifs)
}

func (h *Handlers) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(mux.Vars(r)["scope"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handlers) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope  string                     `json:"scope"`
		Values map[string]json.RawMessage `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, types.KindInvalidInput, "malformed settings body: "+err.Error())
		return
	}
	if body.Scope == "" || len(body.Values) == 0 {
		writeBadRequest(w, types.KindInvalidInput, "scope and values are required")
		return
	}
	for key, value := range body.Values {
		if err := h.store.SetSetting(body.Scope, key, value); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
