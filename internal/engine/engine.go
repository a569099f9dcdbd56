// Package engine is the composition root of the trading engine.
//
// It wires together all subsystems:
//
//  1. Broker REST client plus two hub feeds (market data, user events).
//  2. Bar aggregator turning quote ticks into gapless OHLCV series.
//  3. Account projection, risk monitor, and order manager.
//  4. Strategy runtime executing cycles under the priority scheduler.
//  5. Event bus feeding the REST/WebSocket control surface.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"topstepx-engine/internal/account"
	"topstepx-engine/internal/api"
	"topstepx-engine/internal/broker"
	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/config"
	"topstepx-engine/internal/market"
	"topstepx-engine/internal/notify"
	"topstepx-engine/internal/orders"
	"topstepx-engine/internal/risk"
	"topstepx-engine/internal/sched"
	"topstepx-engine/internal/store"
	"topstepx-engine/internal/strategy"
	"topstepx-engine/pkg/types"
)

const (
	barRetention          = 30 * 24 * time.Hour
	notificationRetention = 7 * 24 * time.Hour
	retentionInterval     = time.Hour
	breakevenSweepEvery   = 15 * time.Second
	metricsPublishEvery   = 10 * time.Second
	shutdownCancelWait    = 10 * time.Second
	busDrainWait          = 5 * time.Second
)

// Engine owns every subsystem and the goroutines that connect them.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	clk clock.Clock
	cal *clock.Calendar

	st        *store.Store
	broker    *broker.Client
	marketHub *broker.HubFeed
	userHub   *broker.HubFeed

	agg      *market.Aggregator
	history  *market.History
	accounts *account.Store
	riskMon  *risk.Monitor
	orders   *orders.Manager
	runtime  *strategy.Runtime
	sched    *sched.Scheduler
	events   *bus.Bus
	server   *api.Server
	discord  *notify.Discord // nil when no webhook is configured

	// pointValues caches contract point values for mark-to-market; filled
	// at startup from contract metadata, read-only afterwards.
	pointValues map[string]float64

	barCh chan market.BarEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all engine components. Nothing touches the network until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	cal, err := clock.NewCalendar(cfg.Trading.ExchangeTZ)
	if err != nil {
		return nil, err
	}
	clk := clock.System{}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	br := broker.NewClient(*cfg, logger)
	marketHub := br.MarketHub(cfg.Broker.MarketHubURL, logger)
	userHub := br.UserHub(cfg.Broker.UserHubURL, logger)

	events := bus.New(logger)
	scheduler := sched.New(cfg.Scheduler.MaxConcurrentTasks, cfg.Scheduler.QueueCapacity, logger)

	agg := market.NewAggregator(clk, cal, logger)
	history := market.NewHistory(st, br, clk, cal,
		cfg.Cache.BarTTLRTH, cfg.Cache.BarTTLOff, cfg.Cache.MaxRanges, logger)

	accounts := account.NewStore(br, 0, logger)
	riskMon := risk.NewMonitor(accounts, events, risk.Limits{
		DailyLoss:      cfg.Risk.DailyLossLimit,
		MaxLoss:        cfg.Risk.MaxLossLimit,
		TrailThreshold: cfg.Risk.TrailThreshold,
		AutoFlatten:    cfg.Risk.AutoFlattenOnViolation,
	}, clk, logger)

	om := orders.NewManager(br, accounts, riskMon, events, clk, cal, st, logger)

	runtime := strategy.NewRuntime(st, events, scheduler, clk, logger)
	deps := strategy.Deps{
		Bars:      history,
		Orders:    om,
		Contracts: br,
		Positions: accounts,
		Clock:     clk,
		Calendar:  cal,
		Logger:    logger,
	}
	runtime.Register(strategy.NewOvernightRange(deps))
	runtime.Register(strategy.NewMeanReversion(deps))
	runtime.Register(strategy.NewTrendFollowing(deps))

	// Violations flatten through the order manager and disable the
	// account's strategies.
	riskMon.Bind(om, runtime)

	handlers := api.NewHandlers(accounts, om, runtime, riskMon, history, br, st, clk, logger)
	server := api.NewServer(cfg.HTTP, handlers, events, logger)

	var discord *notify.Discord
	if cfg.Discord.WebhookURL != "" {
		discord = notify.NewDiscord(cfg.Discord.WebhookURL, events, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		clk:         clk,
		cal:         cal,
		st:          st,
		broker:      br,
		marketHub:   marketHub,
		userHub:     userHub,
		agg:         agg,
		history:     history,
		accounts:    accounts,
		riskMon:     riskMon,
		orders:      om,
		runtime:     runtime,
		sched:       scheduler,
		events:      events,
		server:      server,
		discord:     discord,
		pointValues: make(map[string]float64),
		barCh:       make(chan market.BarEvent, 256),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start authenticates, loads initial broker state, and launches every
// background goroutine. Returns once the engine is running.
func (e *Engine) Start() error {
	startCtx, cancel := context.WithTimeout(e.ctx, 60*time.Second)
	defer cancel()

	if err := e.broker.Authenticate(startCtx); err != nil {
		return err
	}

	// Prime the contract cache and record point values for mark-to-market.
	for _, symbol := range e.cfg.Trading.Symbols {
		contract, err := e.broker.GetContract(startCtx, symbol)
		if err != nil {
			return err
		}
		e.pointValues[types.NormalizeSymbol(symbol)] = contract.PointValue
	}

	// Authoritative account state before anything trades.
	if err := e.accounts.ReconcileAll(startCtx); err != nil {
		return err
	}
	accountIDs := e.accounts.AccountIDs()
	e.logger.Info("accounts loaded", "count", len(accountIDs))

	if err := e.runtime.LoadPersisted(); err != nil {
		e.logger.Error("loading persisted strategy configs failed", "error", err)
	}

	// Subscriptions are replayed on every hub (re)connect.
	if err := e.marketHub.Subscribe(e.cfg.Trading.Symbols); err != nil {
		e.logger.Warn("market hub subscribe deferred", "error", err)
	}
	if err := e.userHub.Subscribe(accountIDs); err != nil {
		e.logger.Warn("user hub subscribe deferred", "error", err)
	}

	for _, symbol := range e.cfg.Trading.Symbols {
		e.agg.Subscribe(symbol, types.TF1m, e.barCh)
	}

	e.spawn(func() { e.runOrLog(e.sched.Run, "scheduler") })
	e.spawn(func() { e.runOrLog(e.marketHub.Run, "market hub") })
	e.spawn(func() { e.runOrLog(e.userHub.Run, "user hub") })
	e.spawn(func() { e.runOrLog(e.agg.Run, "aggregator") })
	e.spawn(func() { e.runOrLog(e.accounts.Run, "account reconcile") })
	e.spawn(func() { e.runOrLog(e.riskMon.Run, "risk monitor") })
	e.spawn(func() { e.runOrLog(e.orders.Run, "order manager") })
	e.spawn(func() { e.runOrLog(e.runtime.Run, "strategy runtime") })

	e.spawn(e.pumpQuotes)
	e.spawn(e.pumpUserEvents)
	e.spawn(e.pumpResyncs)
	e.spawn(e.pumpBars)
	e.spawn(e.persistNotifications)
	e.spawn(e.eodFlattenLoop)
	e.spawn(e.retentionLoop)
	e.spawn(e.breakevenLoop)
	e.spawn(e.metricsLoop)
	if e.discord != nil {
		e.spawn(func() { e.runOrLog(e.discord.Run, "discord notifier") })
	}

	e.spawn(func() {
		if err := e.server.Start(); err != nil {
			e.logger.Error("api server error", "error", err)
		}
	})

	e.logger.Info("engine started",
		"symbols", e.cfg.Trading.Symbols,
		"accounts", accountIDs,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop shuts down in order: stop intake, cancel running work, safety-net
// cancel of working orders, drain the bus, then close resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if err := e.server.Stop(); err != nil {
		e.logger.Error("api server stop failed", "error", err)
	}

	accountIDs := e.accounts.AccountIDs()
	e.cancel()

	// Safety net: no working orders survive the process.
	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownCancelWait)
	defer cancelCancel()
	for _, id := range accountIDs {
		if err := e.broker.CancelAllForAccount(cancelCtx, id); err != nil {
			e.logger.Error("shutdown cancel-all failed", "account_id", id, "error", err)
		}
	}

	if !e.events.Drain(busDrainWait) {
		e.logger.Warn("event bus did not drain in time")
	}

	e.wg.Wait()

	e.marketHub.Close()
	e.userHub.Close()
	if err := e.st.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// runOrLog adapts the Run(ctx) error convention; context cancellation on
// shutdown is not an error.
func (e *Engine) runOrLog(run func(context.Context) error, what string) {
	if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
		e.logger.Error(what+" stopped", "error", err)
	}
}

// pumpQuotes feeds market ticks into the bar aggregator and marks open
// positions to market.
func (e *Engine) pumpQuotes() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case q := <-e.marketHub.Quotes():
			e.agg.OnTick(q)
			if price := q.Mid(); price > 0 {
				e.accounts.MarkToMarket(q.Symbol, price, e.pointValues[types.NormalizeSymbol(q.Symbol)])
			}
		}
	}
}

// pumpUserEvents applies account/order/position deltas to the projection and
// routes fills to the order manager, risk monitor, and strategy runtime.
func (e *Engine) pumpUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case a := <-e.userHub.Accounts():
			e.accounts.ApplyAccount(a)
			e.riskMon.OnBalanceUpdate(e.ctx, a.ID)
			e.events.Publish(bus.TopicAccountUpdate, a)

		case p := <-e.userHub.Positions():
			e.accounts.ApplyPosition(p)
			e.events.Publish(bus.TopicPositionUpdate, p)

		case o := <-e.userHub.Orders():
			e.accounts.ApplyOrder(o)
			e.orders.OnOrderUpdate(o)
			e.events.Publish(bus.TopicOrderUpdate, o)

		case f := <-e.userHub.Fills():
			// The order manager publishes on trade_fill itself, after
			// deduplicating by (order_id, exec_seq).
			e.orders.OnFill(e.ctx, f)
			e.riskMon.OnFill(e.ctx, f.AccountID)
			e.runtime.OnFill(e.ctx, f)
		}
	}
}

// pumpResyncs reacts to stream sequence gaps: user-side gaps trigger a REST
// reconciliation, market-side gaps invalidate the affected bar cache.
func (e *Engine) pumpResyncs() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case req := <-e.userHub.Resyncs():
			e.logger.Warn("user stream gap, reconciling",
				"topic", req.Topic, "expected", req.Expected, "got", req.Got)
			e.submitReconcile(resyncKey(req.Topic))
		case req := <-e.marketHub.Resyncs():
			e.logger.Warn("market stream gap", "topic", req.Topic)
			e.history.Invalidate(resyncKey(req.Topic))
		}
	}
}

// resyncKey extracts the subject from a gap topic like "order:ACC123".
func resyncKey(topic string) string {
	if _, after, ok := strings.Cut(topic, ":"); ok {
		return after
	}
	return topic
}

func (e *Engine) submitReconcile(accountID string) {
	err := e.sched.Submit("resync-reconcile", sched.Low, func(ctx context.Context) error {
		snap, ok := e.accounts.Snapshot(accountID)
		if !ok {
			return e.accounts.ReconcileAll(ctx)
		}
		return e.accounts.Reconcile(ctx, snap.Account)
	})
	if err != nil {
		e.logger.Error("reconcile submit failed", "account_id", accountID, "error", err)
	}
}

// pumpBars persists closed bars and fans them out to the strategy runtime
// and the push stream.
func (e *Engine) pumpBars() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.barCh:
			if evt.Type == market.BarClosed {
				if err := e.st.UpsertBars([]types.Bar{evt.Bar}); err != nil {
					e.logger.Error("bar persist failed",
						"symbol", evt.Bar.Symbol, "error", err)
				}
				e.runtime.OnBar(e.ctx, evt.Bar)
			}
			e.events.Publish(bus.TopicMarketUpdate, evt.Bar)
		}
	}
}

// persistNotifications makes every bus notification durable.
func (e *Engine) persistNotifications() {
	sub := e.events.Subscribe(128, bus.TopicNotification)
	defer sub.Close()

	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			n, valid := evt.Data.(types.Notification)
			if !valid {
				continue
			}
			if err := e.st.InsertNotification(n); err != nil {
				e.logger.Error("notification persist failed", "id", n.ID, "error", err)
			}
		}
	}
}

// eodFlattenLoop cancels and flattens every account at the configured
// exchange-local time each trading day.
func (e *Engine) eodFlattenLoop() {
	for {
		next, err := e.cal.NextLocalTime(e.clk.Now(), e.cfg.Trading.EODFlattenLocalTime)
		if err != nil {
			e.logger.Error("bad EOD flatten time, loop disabled",
				"value", e.cfg.Trading.EODFlattenLocalTime, "error", err)
			return
		}

		timer := time.NewTimer(next.Sub(e.clk.Now()))
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		for _, id := range e.accounts.AccountIDs() {
			accountID := id
			err := e.sched.Submit("eod-flatten", sched.Critical, func(ctx context.Context) error {
				return e.orders.FlattenEOD(ctx, accountID)
			})
			if err != nil {
				e.logger.Error("EOD flatten submit failed", "account_id", accountID, "error", err)
			}
		}

		// Step past the boundary so the next iteration targets tomorrow.
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

// retentionLoop prunes old bars and notifications on a low-priority cadence.
func (e *Engine) retentionLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			err := e.sched.Submit("retention-sweep", sched.Background, func(context.Context) error {
				now := e.clk.Now()
				if n, err := e.st.DeleteBarsBefore(now.Add(-barRetention)); err != nil {
					return err
				} else if n > 0 {
					e.logger.Info("pruned bars", "rows", n)
				}
				if n, err := e.st.DeleteNotificationsBefore(now.Add(-notificationRetention)); err != nil {
					return err
				} else if n > 0 {
					e.logger.Info("pruned notifications", "rows", n)
				}
				return nil
			})
			if err != nil {
				e.logger.Error("retention submit failed", "error", err)
			}
		}
	}
}

// metricsLoop projects engine health onto the metrics_update topic so stream
// consumers see it without scraping /metrics.
func (e *Engine) metricsLoop() {
	ticker := time.NewTicker(metricsPublishEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			queued := 0
			for p := sched.Critical; p <= sched.Background; p++ {
				queued += e.sched.QueueDepth(p)
			}
			e.events.Publish(bus.TopicMetricsUpdate, map[string]any{
				"market_hub_connected": e.marketHub.Connected(),
				"user_hub_connected":   e.userHub.Connected(),
				"scheduler_queued":     queued,
				"scheduler_running":    e.sched.Running(),
				"bus_subscribers":      e.events.SubscriberCount(),
			})
		}
	}
}

// breakevenLoop periodically sweeps bracket positions for breakeven
// adjustment; strategies additionally trigger checks from their own bars.
func (e *Engine) breakevenLoop() {
	ticker := time.NewTicker(breakevenSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.orders.SweepBreakevens(e.ctx)
		}
	}
}
