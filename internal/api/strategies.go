package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"topstepx-engine/pkg/types"
)

func (h *Handlers) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.strategies.States(h.accountFor(r)))
}

func (h *Handlers) handleStrategyStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		AccountID string   `json:"account_id"`
		Symbols   []string `json:"symbols,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, types.KindInvalidInput, "malformed body: "+err.Error())
		return
	}
	if body.AccountID == "" {
		body.AccountID = h.accountFor(r)
	}
	if err := h.strategies.Start(name, body.AccountID, body.Symbols); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("strategy started", "strategy", name, "account_id", body.AccountID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) handleStrategyStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, types.KindInvalidInput, "malformed body: "+err.Error())
		return
	}
	if body.AccountID == "" {
		body.AccountID = h.accountFor(r)
	}
	if err := h.strategies.Stop(name, body.AccountID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("strategy stopped", "strategy", name, "account_id", body.AccountID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) handleStrategyConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, types.KindInvalidInput, "malformed config: "+err.Error())
		return
	}
	cfg.Name = name
	if cfg.AccountID == "" {
		cfg.AccountID = h.accountFor(r)
	}
	if err := h.strategies.UpdateConfig(cfg); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.strategies.Stats(mux.Vars(r)["name"], h.accountFor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) handleStrategyVerify(w http.ResponseWriter, r *http.Request) {
	forecast, err := h.strategies.Verify(r.Context(), mux.Vars(r)["name"], h.accountFor(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

func (h *Handlers) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.riskView.Recompute(r.Context(), h.accountFor(r)))
}
