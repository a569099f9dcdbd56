package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"topstepx-engine/internal/orders"
	"topstepx-engine/pkg/types"
)

// placeOrderRequest is the manual order-entry schema. Bracket legs come either
// as tick offsets from the fill or as absolute prices, never both.
type placeOrderRequest struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"` // market | limit | stop
	LimitPrice      float64 `json:"limit_price,omitempty"`
	StopPrice       float64 `json:"stop_price,omitempty"`
	StopLossTicks   int     `json:"stop_loss_ticks,omitempty"`
	TakeProfitTicks int     `json:"take_profit_ticks,omitempty"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	EnableBracket   bool    `json:"enable_bracket,omitempty"`
	EnableBreakeven bool    `json:"enable_breakeven,omitempty"`
	BreakevenPoints float64 `json:"breakeven_points,omitempty"`
	ReduceOnly      bool    `json:"reduce_only,omitempty"`
	TimeInForce     string  `json:"time_in_force,omitempty"`
	AccountID       string  `json:"account_id,omitempty"`
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.accounts.Snapshot(h.accountFor(r))
	if !ok {
		writeJSON(w, http.StatusOK, []types.Order{})
		return
	}
	sort.Slice(snap.Orders, func(i, j int) bool {
		return snap.Orders[i].CreatedAt.Before(snap.Orders[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, snap.Orders)
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, types.KindInvalidInput, "malformed order body: "+err.Error())
		return
	}
	if req.AccountID == "" {
		req.AccountID = h.accountFor(r)
	}
	if msg := validateOrderShape(req); msg != "" {
		writeBadRequest(w, types.KindInvalidInput, msg)
		return
	}

	symbol := types.NormalizeSymbol(req.Symbol)
	contract, err := h.contracts.GetContract(r.Context(), symbol)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if msg := validatePriceGrid(req, contract.TickSize); msg != "" {
		writeBadRequest(w, types.KindInvalidPrice, msg)
		return
	}

	opts := orders.Options{
		TimeInForce: types.TimeInForce(req.TimeInForce),
		ReduceOnly:  req.ReduceOnly,
	}
	if req.EnableBracket {
		b := &orders.Bracket{
			StopTicks:   req.StopLossTicks,
			TargetTicks: req.TakeProfitTicks,
			StopPrice:   req.StopLossPrice,
			TargetPrice: req.TakeProfitPrice,
		}
		if req.EnableBreakeven {
			b.BreakevenPoints = breakevenTrigger(req, contract.TickSize)
			if b.BreakevenPoints <= 0 {
				writeBadRequest(w, types.KindInvalidInput,
					"breakeven_points required when the stop distance cannot be derived")
				return
			}
		}
		opts.Bracket = b
	}

	side := types.Side(req.Side)
	var orderID string
	switch req.OrderType {
	case "market":
		orderID, err = h.orders.SubmitMarket(r.Context(), req.AccountID, symbol, side, req.Quantity, opts)
	case "limit":
		orderID, err = h.orders.SubmitLimit(r.Context(), req.AccountID, symbol, side, req.Quantity, req.LimitPrice, opts)
	case "stop":
		orderID, err = h.orders.SubmitStopEntry(r.Context(), req.AccountID, symbol, side, req.Quantity,
			req.StopPrice, req.StopLossPrice, req.TakeProfitPrice, opts)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("manual order placed",
		"account_id", req.AccountID,
		"symbol", symbol,
		"side", req.Side,
		"type", req.OrderType,
		"quantity", req.Quantity,
		"order_id", orderID,
	)
	writeJSON(w, http.StatusCreated, map[string]string{"order_id": orderID})
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.CancelOrder(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handlers) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.CancelAll(r.Context(), h.accountFor(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// validateOrderShape checks everything that needs no contract metadata.
// Returns an empty string when the request is well-formed.
func validateOrderShape(req placeOrderRequest) string {
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.AccountID == "" {
		return "account_id is required"
	}
	if req.Quantity < 1 {
		return "quantity must be >= 1"
	}
	switch types.Side(req.Side) {
	case types.BUY, types.SELL:
	default:
		return "side must be BUY or SELL"
	}
	switch req.OrderType {
	case "market":
	case "limit":
		if req.LimitPrice <= 0 {
			return "limit orders require limit_price"
		}
	case "stop":
		if req.StopPrice <= 0 {
			return "stop orders require stop_price"
		}
	default:
		return "order_type must be market, limit, or stop"
	}
	switch types.TimeInForce(req.TimeInForce) {
	case "", types.TIFDay, types.TIFGTC:
	default:
		return "time_in_force must be DAY or GTC"
	}

	ticks := req.StopLossTicks > 0 || req.TakeProfitTicks > 0
	absolute := req.StopLossPrice > 0 || req.TakeProfitPrice > 0
	if ticks && absolute {
		return "tick offsets and absolute bracket prices are mutually exclusive"
	}
	if req.EnableBracket {
		if !ticks && !absolute {
			return "enable_bracket requires stop/target ticks or prices"
		}
		if req.OrderType == "stop" && !absolute {
			return "stop-entry brackets require absolute stop_loss_price and take_profit_price"
		}
	}
	if (ticks || absolute) && !req.EnableBracket {
		return "bracket legs given without enable_bracket"
	}
	return ""
}

// validatePriceGrid rejects any price not on the contract's tick grid before
// the order reaches the broker.
func validatePriceGrid(req placeOrderRequest, tick float64) string {
	check := func(name string, p float64) string {
		if p > 0 && !orders.AlignedToTick(p, tick) {
			return name + " is not aligned to the tick size"
		}
		return ""
	}
	for _, c := range []struct {
		name string
		p    float64
	}{
		{"limit_price", req.LimitPrice},
		{"stop_price", req.StopPrice},
		{"stop_loss_price", req.StopLossPrice},
		{"take_profit_price", req.TakeProfitPrice},
	} {
		if msg := check(c.name, c.p); msg != "" {
			return msg
		}
	}
	return ""
}

// breakevenTrigger resolves the profit (in points) at which the stop moves to
// entry: explicit breakeven_points wins, otherwise half the stop distance.
func breakevenTrigger(req placeOrderRequest, tick float64) float64 {
	if req.BreakevenPoints > 0 {
		return req.BreakevenPoints
	}
	if req.StopLossTicks > 0 {
		return float64(req.StopLossTicks) * tick / 2
	}
	entryRef := req.LimitPrice
	if req.OrderType == "stop" {
		entryRef = req.StopPrice
	}
	if entryRef > 0 && req.StopLossPrice > 0 {
		d := entryRef - req.StopLossPrice
		if d < 0 {
			d = -d
		}
		return d / 2
	}
	return 0
}
