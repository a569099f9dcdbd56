package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"topstepx-engine/internal/bus"
	"topstepx-engine/internal/config"
	"topstepx-engine/internal/metrics"
)

// Server runs the HTTP control surface and the push stream.
type Server struct {
	cfg      config.HTTPConfig
	handlers *Handlers
	hub      *Hub
	events   *bus.Bus
	server   *http.Server
	logger   *slog.Logger

	cancelHub context.CancelFunc
	sub       *bus.Subscription
}

// NewServer wires the router. Auth covers everything under /api; /health and
// /metrics stay open for probes and scrapers.
func NewServer(cfg config.HTTPConfig, handlers *Handlers, events *bus.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      NewHub(logger),
		events:   events,
		logger:   logger.With("component", "api-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	h := handlers
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/accounts", h.handleListAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/switch", h.handleSwitchAccount).Methods(http.MethodPost)
	api.HandleFunc("/account", h.handleAccount).Methods(http.MethodGet)

	api.HandleFunc("/positions", h.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/flatten", h.handleFlatten).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/close", h.handleClosePosition).Methods(http.MethodPost)

	api.HandleFunc("/orders", h.handleOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/place", h.handlePlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", h.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders", h.handleCancelAll).Methods(http.MethodDelete)

	api.HandleFunc("/trades", h.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/export", h.handleTradesExport).Methods(http.MethodGet)
	api.HandleFunc("/historical-data", h.handleHistoricalData).Methods(http.MethodGet)

	api.HandleFunc("/strategies", h.handleStrategies).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{name}/start", h.handleStrategyStart).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{name}/stop", h.handleStrategyStop).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{name}/config", h.handleStrategyConfig).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{name}/stats", h.handleStrategyStats).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{name}/verify", h.handleStrategyVerify).Methods(http.MethodGet)

	api.HandleFunc("/risk", h.handleRisk).Methods(http.MethodGet)
	api.HandleFunc("/notifications", h.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/settings/{scope}", h.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", h.handleSetSettings).Methods(http.MethodPost)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the hub, the bus relay, and the listener. Blocks until Stop.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	s.sub = s.events.Subscribe(256)

	go s.hub.Run(ctx)
	go s.relayEvents()

	s.logger.Info("control surface starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully and detaches from the bus.
func (s *Server) Stop() error {
	s.logger.Info("stopping control surface")
	if s.sub != nil {
		s.sub.Close()
	}
	if s.cancelHub != nil {
		s.cancelHub()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// relayEvents forwards every bus event to the stream hub until the
// subscription closes.
func (s *Server) relayEvents() {
	for evt := range s.sub.C {
		s.hub.BroadcastEvent(evt)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("stream upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn)
}

// authMiddleware enforces the bearer token on /api. Browser WebSocket clients
// cannot set headers, so /api/stream also accepts ?token=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.AuthToken {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
