// Package orders composes trading intent into broker calls: bracket trees,
// OCO stop entries with locally queued children, breakeven management, EOD
// flatten, and fill-driven bookkeeping.
//
// Every submission passes the risk gate first and carries a client-generated
// customTag so a retried write cannot double-fill. Fills arrive twice — from
// the user hub continuously and from a 30s REST sweep — and are deduplicated
// on (order_id, exec_seq) before anything downstream sees them.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/internal/risk"
	"topstepx-engine/pkg/types"
)

const fillSweepInterval = 30 * time.Second

// Options carries optional submission behavior.
type Options struct {
	StrategyName string
	TimeInForce  types.TimeInForce
	Bracket      *Bracket
	OCOGroup     string // entries sharing a group cancel each other on fill
	ReduceOnly   bool
}

// Bracket declares protective children placed once the entry fills. Absolute
// prices and tick offsets are mutually exclusive per leg; offsets resolve
// against the actual fill price.
type Bracket struct {
	StopPrice       float64 // protective stop
	TargetPrice     float64 // take-profit limit
	StopTicks       int     // stop distance in ticks from the fill
	TargetTicks     int     // target distance in ticks from the fill
	BreakevenPoints float64 // 0 disables breakeven management
}

// pendingBracket tracks an entry whose children are queued locally.
type pendingBracket struct {
	accountID    string
	symbol       string
	side         types.Side
	quantity     int
	entryPrice   float64 // stop trigger for stop entries, 0 for market
	stop         float64
	target       float64
	stopTicks    int
	targetTicks  int
	tickSize     float64
	breakevenPts float64
	strategyName string
	ocoGroup     string
	childStopID  string
	childTgtID   string
	filled       bool
	lost         bool // cancelled as an OCO loser; a racing fill gets unwound
}

// Manager is the order orchestration layer.
type Manager struct {
	broker   broker.Interface
	accounts *account.Store
	gate     risk.Gate
	events   *bus.Bus
	clk      clock.Clock
	cal      *clock.Calendar
	trades   tradeSink
	logger   *slog.Logger

	mu            sync.Mutex
	brackets      map[string]*pendingBracket // by entry order ID
	ocoGroups     map[string][]string        // group → entry order IDs
	sessionOpen   map[string]float64         // symbol → session open price, for the tie-break
	seenFills     map[string]bool            // order_id|exec_seq
	sweepFilled   map[string]bool            // order IDs whose fill was synthesized by the sweep
	breakevenDone map[string]bool            // account|symbol|openedAt
	fillLog       map[string][]types.Fill    // account|symbol → fills for FIFO consolidation
}

// tradeSink persists consolidated trades. *store.Store satisfies it.
type tradeSink interface {
	InsertTrade(t types.TradeRecord) error
}

// NewManager wires the order manager.
func NewManager(br broker.Interface, accounts *account.Store, gate risk.Gate, events *bus.Bus,
	clk clock.Clock, cal *clock.Calendar, trades tradeSink, logger *slog.Logger) *Manager {
	return &Manager{
		broker:        br,
		accounts:      accounts,
		gate:          gate,
		events:        events,
		clk:           clk,
		cal:           cal,
		trades:        trades,
		logger:        logger.With("component", "orders"),
		brackets:      make(map[string]*pendingBracket),
		ocoGroups:     make(map[string][]string),
		sessionOpen:   make(map[string]float64),
		seenFills:     make(map[string]bool),
		sweepFilled:   make(map[string]bool),
		breakevenDone: make(map[string]bool),
		fillLog:       make(map[string][]types.Fill),
	}
}

// SetSessionOpen records the session open price used by the OCO tie-break.
func (m *Manager) SetSessionOpen(symbol string, price float64) {
	m.mu.Lock()
	m.sessionOpen[types.NormalizeSymbol(symbol)] = price
	m.mu.Unlock()
}

// SubmitMarket places a MARKET order, optionally with a bracket whose
// children are placed on fill.
func (m *Manager) SubmitMarket(ctx context.Context, accountID, symbol string, side types.Side, qty int, opts Options) (string, error) {
	if err := m.gate.Evaluate(risk.Intent{AccountID: accountID, Symbol: symbol, Side: side, Quantity: qty}); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	contract, err := m.broker.GetContract(ctx, symbol)
	if err != nil {
		return "", err
	}

	req := broker.PlaceOrderRequest{
		AccountID:   accountID,
		Symbol:      contract.Symbol,
		Side:        side,
		Type:        types.OrderMarket,
		Quantity:    qty,
		TimeInForce: tifOrDay(opts.TimeInForce),
		ReduceOnly:  opts.ReduceOnly,
		CustomTag:   uuid.NewString(),
	}
	orderID, err := m.broker.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(contract.Symbol, string(side)).Inc()

	if opts.Bracket != nil {
		m.trackBracket(orderID, accountID, contract, side, qty, 0, opts)
	}
	m.publishOrder(accountID, orderID, contract.Symbol, side, types.OrderMarket, qty)
	return orderID, nil
}

// SubmitLimit places a LIMIT order, optionally with a bracket whose children
// are placed on fill.
func (m *Manager) SubmitLimit(ctx context.Context, accountID, symbol string, side types.Side, qty int, limitPrice float64, opts Options) (string, error) {
	if err := m.gate.Evaluate(risk.Intent{AccountID: accountID, Symbol: symbol, Side: side, Quantity: qty}); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	contract, err := m.broker.GetContract(ctx, symbol)
	if err != nil {
		return "", err
	}
	limitPrice = RoundToTick(limitPrice, contract.TickSize)

	req := broker.PlaceOrderRequest{
		AccountID:   accountID,
		Symbol:      contract.Symbol,
		Side:        side,
		Type:        types.OrderLimit,
		Quantity:    qty,
		LimitPrice:  limitPrice,
		TimeInForce: tifOrDay(opts.TimeInForce),
		ReduceOnly:  opts.ReduceOnly,
		CustomTag:   uuid.NewString(),
	}
	orderID, err := m.broker.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(contract.Symbol, string(side)).Inc()

	if opts.Bracket != nil {
		m.trackBracket(orderID, accountID, contract, side, qty, limitPrice, opts)
	}
	m.publishOrder(accountID, orderID, contract.Symbol, side, types.OrderLimit, qty)
	return orderID, nil
}

// SubmitStopEntry places a STOP entry with pre-declared protective children.
// Children stay local until the entry fills. Entries sharing opts.OCOGroup
// cancel each other when one fills.
func (m *Manager) SubmitStopEntry(ctx context.Context, accountID, symbol string, side types.Side, qty int,
	stopPrice, slPrice, tpPrice float64, opts Options) (string, error) {
	if err := m.gate.Evaluate(risk.Intent{AccountID: accountID, Symbol: symbol, Side: side, Quantity: qty}); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	contract, err := m.broker.GetContract(ctx, symbol)
	if err != nil {
		return "", err
	}

	tick := contract.TickSize
	stopPrice = RoundToTick(stopPrice, tick)
	slPrice = RoundToTick(slPrice, tick)
	tpPrice = RoundToTick(tpPrice, tick)

	req := broker.PlaceOrderRequest{
		AccountID:   accountID,
		Symbol:      contract.Symbol,
		Side:        side,
		Type:        types.OrderStop,
		Quantity:    qty,
		StopPrice:   stopPrice,
		TimeInForce: tifOrDay(opts.TimeInForce),
		ReduceOnly:  opts.ReduceOnly,
		CustomTag:   uuid.NewString(),
	}
	orderID, err := m.broker.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(types.KindOf(err))).Inc()
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(contract.Symbol, string(side)).Inc()

	if opts.Bracket == nil {
		opts.Bracket = &Bracket{}
	}
	opts.Bracket.StopPrice = slPrice
	opts.Bracket.TargetPrice = tpPrice
	m.trackBracket(orderID, accountID, contract, side, qty, stopPrice, opts)

	m.publishOrder(accountID, orderID, contract.Symbol, side, types.OrderStop, qty)
	return orderID, nil
}

func (m *Manager) trackBracket(orderID, accountID string, contract *types.Contract, side types.Side, qty int, entryPrice float64, opts Options) {
	b := &pendingBracket{
		accountID:    accountID,
		symbol:       contract.Symbol,
		side:         side,
		quantity:     qty,
		entryPrice:   entryPrice,
		stop:         RoundToTick(opts.Bracket.StopPrice, contract.TickSize),
		target:       RoundToTick(opts.Bracket.TargetPrice, contract.TickSize),
		stopTicks:    opts.Bracket.StopTicks,
		targetTicks:  opts.Bracket.TargetTicks,
		tickSize:     contract.TickSize,
		breakevenPts: opts.Bracket.BreakevenPoints,
		strategyName: opts.StrategyName,
		ocoGroup:     opts.OCOGroup,
	}
	m.mu.Lock()
	m.brackets[orderID] = b
	if b.ocoGroup != "" {
		m.ocoGroups[b.ocoGroup] = append(m.ocoGroups[b.ocoGroup], orderID)
	}
	m.mu.Unlock()
}

// ModifyOrder patches a working order's price or quantity.
func (m *Manager) ModifyOrder(ctx context.Context, orderID string, patch broker.OrderPatch) error {
	return m.broker.ModifyOrder(ctx, orderID, patch)
}

// CancelOrder cancels a working order and forgets any queued children.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	m.mu.Lock()
	m.forgetEntryLocked(orderID)
	m.mu.Unlock()
	return nil
}

// CancelAll cancels every working order for an account.
func (m *Manager) CancelAll(ctx context.Context, accountID string) error {
	if err := m.broker.CancelAllForAccount(ctx, accountID); err != nil {
		return err
	}
	m.mu.Lock()
	for id, b := range m.brackets {
		if b.accountID == accountID && !b.filled {
			m.forgetEntryLocked(id)
		}
	}
	m.mu.Unlock()
	return nil
}

// FlattenSymbol closes the position in one symbol at market.
func (m *Manager) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	return m.broker.FlattenSymbol(ctx, accountID, symbol)
}

// ClosePosition reduces an open position at market. qty <= 0 or qty >= the
// open quantity closes it entirely. The risk gate is not consulted: a close
// only ever reduces exposure.
func (m *Manager) ClosePosition(ctx context.Context, accountID, symbol string, qty int) error {
	p, ok := m.accounts.Position(accountID, symbol)
	if !ok || p.Quantity == 0 {
		return types.E(types.KindStateConflict, "no open position in %s for account %s", symbol, accountID)
	}
	if qty <= 0 || qty >= p.Quantity {
		return m.broker.FlattenSymbol(ctx, accountID, symbol)
	}

	exit := types.SELL
	if p.Side == types.SHORT {
		exit = types.BUY
	}
	orderID, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
		AccountID:   accountID,
		Symbol:      types.NormalizeSymbol(symbol),
		Side:        exit,
		Type:        types.OrderMarket,
		Quantity:    qty,
		TimeInForce: types.TIFDay,
		ReduceOnly:  true,
		CustomTag:   uuid.NewString(),
	})
	if err != nil {
		return err
	}
	m.publishOrder(accountID, orderID, types.NormalizeSymbol(symbol), exit, types.OrderMarket, qty)
	return nil
}

// FlattenAll cancels all working orders then closes every open position.
func (m *Manager) FlattenAll(ctx context.Context, accountID string) error {
	if err := m.CancelAll(ctx, accountID); err != nil {
		m.logger.Warn("cancel-all before flatten failed", "account_id", accountID, "error", err)
	}
	snap, ok := m.accounts.Snapshot(accountID)
	if !ok {
		return nil
	}
	var firstErr error
	for _, p := range snap.Positions {
		if err := m.broker.FlattenSymbol(ctx, accountID, p.Symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlattenEOD performs the end-of-day teardown for one account: cancel
// working orders, then market-close all positions.
func (m *Manager) FlattenEOD(ctx context.Context, accountID string) error {
	m.logger.Info("EOD flatten", "account_id", accountID)
	return m.FlattenAll(ctx, accountID)
}

// ————————————————————————————————————————————————————————————————————————
// Fill handling
// ————————————————————————————————————————————————————————————————————————

// OnFill processes one fill exactly once per (order_id, exec_seq): publishes
// the fill, triggers bracket children or sibling cancellation, and feeds the
// trade log.
func (m *Manager) OnFill(ctx context.Context, f types.Fill) {
	key := fmt.Sprintf("%s|%d", f.OrderID, f.ExecSeq)

	m.mu.Lock()
	// A broker fill for an order the sweep already synthesized would count
	// the same execution twice; the sweep booked the full quantity.
	if m.seenFills[key] || (f.ExecSeq > 0 && m.sweepFilled[f.OrderID]) {
		m.mu.Unlock()
		return
	}
	m.seenFills[key] = true
	logKey := f.AccountID + "|" + types.NormalizeSymbol(f.Symbol)
	m.fillLog[logKey] = append(m.fillLog[logKey], f)
	b := m.brackets[f.OrderID]
	m.mu.Unlock()

	metrics.Fills.WithLabelValues(types.NormalizeSymbol(f.Symbol)).Inc()
	m.events.Publish(bus.TopicTradeFill, f)

	if b != nil {
		m.onEntryFill(ctx, f, b)
	} else {
		m.onChildFill(ctx, f.OrderID)
	}

	m.consolidate(ctx, f.AccountID, f.Symbol)
}

// OnOrderUpdate forgets the bracket of an entry the broker terminated without
// a fill (cancelled from the dashboard, Day-TIF expiry, rejection), so the
// fill sweep cannot mistake its disappearance for a fill.
func (m *Manager) OnOrderUpdate(o types.Order) {
	if !o.Status.Terminal() || o.Status == types.OrderFilled {
		return
	}
	m.mu.Lock()
	if b, ok := m.brackets[o.ID]; ok && !b.filled {
		m.logger.Info("entry terminated without fill, dropping bracket",
			"order_id", o.ID, "status", string(o.Status))
		m.forgetEntryLocked(o.ID)
	}
	m.mu.Unlock()
}

// onEntryFill submits the protective children and resolves the OCO group.
func (m *Manager) onEntryFill(ctx context.Context, f types.Fill, b *pendingBracket) {
	entryID := f.OrderID
	m.mu.Lock()
	if b.filled {
		m.mu.Unlock()
		return
	}
	b.filled = true
	weLost := b.lost
	var loser string
	if !weLost {
		loser = m.resolveOCOLocked(entryID, b)
	}
	m.mu.Unlock()

	if weLost {
		// The sibling entry already won this OCO group, so this fill arrived
		// after (or raced) the cancel. Unwind it instead of bracketing it.
		m.logger.Warn("OCO loser filled, flattening",
			"order_id", entryID, "symbol", b.symbol)
		if err := m.broker.FlattenSymbol(ctx, b.accountID, b.symbol); err != nil {
			m.logger.Error("tie-break flatten failed", "order_id", entryID, "error", err)
		}
		m.mu.Lock()
		m.forgetEntryLocked(entryID)
		m.mu.Unlock()
		return
	}

	if loser != "" {
		m.logger.Info("cancelling OCO sibling", "winner", entryID, "loser", loser)
		if err := m.broker.CancelOrder(ctx, loser); err != nil {
			m.logger.Error("sibling cancel failed", "order_id", loser, "error", err)
		}
	}

	// Tick-offset legs resolve against the fill price, absolute legs were
	// snapped to the grid at submission.
	stop, target := b.stop, b.target
	if fillPrice := f.Price; fillPrice > 0 && b.tickSize > 0 {
		if b.stopTicks > 0 {
			stop = RoundToTick(fillPrice-float64(b.stopTicks)*b.tickSize*b.side.Sign(), b.tickSize)
		}
		if b.targetTicks > 0 {
			target = RoundToTick(fillPrice+float64(b.targetTicks)*b.tickSize*b.side.Sign(), b.tickSize)
		}
	}

	exit := b.side.Opposite()
	if stop > 0 {
		stopID, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID:   b.accountID,
			Symbol:      b.symbol,
			Side:        exit,
			Type:        types.OrderStop,
			Quantity:    b.quantity,
			StopPrice:   stop,
			TimeInForce: types.TIFGTC,
			ReduceOnly:  true,
			CustomTag:   uuid.NewString(),
		})
		if err != nil {
			m.logger.Error("protective stop placement failed",
				"entry_id", entryID, "error", err)
		} else {
			m.mu.Lock()
			b.childStopID = stopID
			m.mu.Unlock()
		}
	}
	if target > 0 {
		tgtID, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID:     b.accountID,
			Symbol:        b.symbol,
			Side:          exit,
			Type:          types.OrderLimit,
			Quantity:      b.quantity,
			LimitPrice:    target,
			TimeInForce:   types.TIFGTC,
			ReduceOnly:    true,
			CustomTag:     uuid.NewString(),
			LinkedOrderID: b.childStopID,
		})
		if err != nil {
			m.logger.Error("target placement failed", "entry_id", entryID, "error", err)
		} else {
			m.mu.Lock()
			b.childTgtID = tgtID
			m.mu.Unlock()
		}
	}
}

// resolveOCOLocked picks the unfilled sibling of a just-filled entry for
// cancellation and marks it lost. The loser's bracket stays tracked: the
// gateway treats a cancel of an already-filled order as terminal, so a fill
// racing the cancel still arrives and must be unwound, not bracketed.
func (m *Manager) resolveOCOLocked(filledID string, b *pendingBracket) (loser string) {
	if b.ocoGroup == "" {
		return ""
	}
	group := m.ocoGroups[b.ocoGroup]
	delete(m.ocoGroups, b.ocoGroup)

	for _, id := range group {
		if id == filledID {
			continue
		}
		if sib := m.brackets[id]; sib != nil && !sib.filled {
			sib.lost = true
			loser = id
		}
	}
	return loser
}

// onChildFill cancels the surviving OCO child when its sibling fills.
func (m *Manager) onChildFill(ctx context.Context, childID string) {
	m.mu.Lock()
	var sibling string
	for entryID, b := range m.brackets {
		switch childID {
		case b.childStopID:
			sibling = b.childTgtID
		case b.childTgtID:
			sibling = b.childStopID
		default:
			continue
		}
		delete(m.brackets, entryID)
		break
	}
	m.mu.Unlock()

	if sibling != "" {
		if err := m.broker.CancelOrder(ctx, sibling); err != nil {
			m.logger.Error("child sibling cancel failed", "order_id", sibling, "error", err)
		}
	}
}

func (m *Manager) forgetEntryLocked(orderID string) {
	b, ok := m.brackets[orderID]
	if !ok {
		return
	}
	delete(m.brackets, orderID)
	if b.ocoGroup != "" {
		ids := m.ocoGroups[b.ocoGroup]
		for i, id := range ids {
			if id == orderID {
				m.ocoGroups[b.ocoGroup] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// consolidate folds the account/symbol fill log into trade records once the
// position returns flat, persisting and publishing them.
func (m *Manager) consolidate(ctx context.Context, accountID, symbol string) {
	logKey := accountID + "|" + types.NormalizeSymbol(symbol)

	m.mu.Lock()
	fills := m.fillLog[logKey]
	if OpenInterest(fills) != 0 {
		m.mu.Unlock()
		return
	}
	delete(m.fillLog, logKey)
	m.mu.Unlock()

	if len(fills) == 0 {
		return
	}
	contract, err := m.broker.GetContract(ctx, symbol)
	pointValue := 1.0
	if err == nil && contract.PointValue > 0 {
		pointValue = contract.PointValue
	}

	strategy := ""
	m.mu.Lock()
	for _, b := range m.brackets {
		if b.accountID == accountID && b.symbol == types.NormalizeSymbol(symbol) {
			strategy = b.strategyName
			break
		}
	}
	m.mu.Unlock()

	for _, tr := range ConsolidateFIFO(fills, pointValue, strategy) {
		if m.trades != nil {
			if err := m.trades.InsertTrade(tr); err != nil {
				m.logger.Error("trade persist failed", "trade_id", tr.ID, "error", err)
			}
		}
		m.events.Publish(bus.TopicTradeRecord, tr)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Breakeven and background loops
// ————————————————————————————————————————————————————————————————————————

// CheckBreakeven moves the protective stop to entry ± 1 tick once the
// position is ahead by triggerPoints, at most once per position.
func (m *Manager) CheckBreakeven(ctx context.Context, accountID, symbol string, triggerPoints float64) error {
	if triggerPoints <= 0 {
		return nil
	}
	p, ok := m.accounts.Position(accountID, symbol)
	if !ok || p.CurrentPrice <= 0 {
		return nil
	}
	profit := (p.CurrentPrice - p.AvgEntryPrice) * p.Side.Sign()
	if profit < triggerPoints {
		return nil
	}

	beKey := fmt.Sprintf("%s|%s|%d", accountID, types.NormalizeSymbol(symbol), p.OpenedAt.Unix())
	m.mu.Lock()
	if m.breakevenDone[beKey] {
		m.mu.Unlock()
		return nil
	}
	var stopID string
	for _, b := range m.brackets {
		if b.accountID == accountID && b.symbol == types.NormalizeSymbol(symbol) && b.childStopID != "" {
			stopID = b.childStopID
			break
		}
	}
	m.mu.Unlock()

	if stopID == "" {
		return nil
	}
	contract, err := m.broker.GetContract(ctx, symbol)
	if err != nil {
		return err
	}
	tick := contract.TickSize

	// One tick into profit so a stop-out costs nothing.
	newStop := RoundToTick(p.AvgEntryPrice+tick*p.Side.Sign(), tick)
	if err := m.broker.ModifyOrder(ctx, stopID, broker.OrderPatch{StopPrice: &newStop}); err != nil {
		return err
	}

	m.mu.Lock()
	m.breakevenDone[beKey] = true
	m.mu.Unlock()

	m.logger.Info("breakeven stop moved",
		"account_id", accountID,
		"symbol", symbol,
		"new_stop", newStop,
	)
	return nil
}

// SweepBreakevens runs the breakeven check for every live bracket that
// requested it. Strategies drive CheckBreakeven from their own bar events;
// this covers manually placed brackets.
func (m *Manager) SweepBreakevens(ctx context.Context) {
	type watch struct {
		accountID, symbol string
		pts               float64
	}
	m.mu.Lock()
	seen := make(map[string]bool)
	var watches []watch
	for _, b := range m.brackets {
		if b.breakevenPts <= 0 || b.childStopID == "" {
			continue
		}
		k := b.accountID + "|" + b.symbol
		if seen[k] {
			continue
		}
		seen[k] = true
		watches = append(watches, watch{b.accountID, b.symbol, b.breakevenPts})
	}
	m.mu.Unlock()

	for _, w := range watches {
		if err := m.CheckBreakeven(ctx, w.accountID, w.symbol, w.pts); err != nil {
			m.logger.Warn("breakeven sweep failed",
				"account_id", w.accountID, "symbol", w.symbol, "error", err)
		}
	}
}

// Run drives the 30s REST fill sweep: entries we still track but the broker
// no longer lists as open are presumed filled and replayed through OnFill
// (deduplication makes the replay harmless when the stream already saw it).
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(fillSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepFills(ctx)
		}
	}
}

func (m *Manager) sweepFills(ctx context.Context) {
	type candidate struct {
		id   string
		dist float64 // trigger distance from the session open
	}
	m.mu.Lock()
	byAccount := make(map[string][]candidate)
	for id, b := range m.brackets {
		if b.filled || b.lost {
			continue
		}
		byAccount[b.accountID] = append(byAccount[b.accountID], candidate{
			id:   id,
			dist: distance(b.entryPrice, m.sessionOpen[b.symbol]),
		})
	}
	m.mu.Unlock()

	for accountID, entries := range byAccount {
		open, err := m.broker.GetOrders(ctx, accountID)
		if err != nil {
			m.logger.Warn("fill sweep failed", "account_id", accountID, "error", err)
			continue
		}
		openSet := make(map[string]bool, len(open))
		for _, o := range open {
			openSet[o.ID] = true
		}
		// When both legs of an OCO group vanish in the same sweep, the
		// trigger closer to the session open is treated as the first fill
		// and wins the group.
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].dist < entries[j].dist })
		for _, e := range entries {
			id := e.id
			if openSet[id] {
				continue
			}
			m.mu.Lock()
			b := m.brackets[id]
			m.mu.Unlock()
			if b == nil || b.filled || b.lost {
				continue
			}
			// Market entries carry no trigger price; the position's average
			// entry is the broker's word on where the fill happened. Without
			// either, wait for the position snapshot rather than booking a
			// zero-price fill.
			price := b.entryPrice
			if price <= 0 {
				if p, ok := m.accounts.Position(b.accountID, b.symbol); ok && p.AvgEntryPrice > 0 {
					price = p.AvgEntryPrice
				}
			}
			if price <= 0 {
				m.logger.Warn("sweep found fill but no price yet, deferring", "order_id", id)
				continue
			}
			m.mu.Lock()
			m.sweepFilled[id] = true
			m.mu.Unlock()
			m.logger.Info("sweep detected fill", "order_id", id)
			m.OnFill(ctx, types.Fill{
				OrderID:   id,
				ExecSeq:   0,
				AccountID: b.accountID,
				Symbol:    b.symbol,
				Side:      b.side,
				Quantity:  b.quantity,
				Price:     price,
				Timestamp: m.clk.Now(),
			})
		}
	}
}

func (m *Manager) publishOrder(accountID, orderID, symbol string, side types.Side, typ types.OrderType, qty int) {
	m.events.Publish(bus.TopicOrderUpdate, types.Order{
		ID:        orderID,
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Status:    types.OrderWorking,
		CreatedAt: m.clk.Now(),
	})
}

func tifOrDay(tif types.TimeInForce) types.TimeInForce {
	if tif == "" {
		return types.TIFDay
	}
	return tif
}

func distance(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
