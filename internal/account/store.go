// Package account maintains the in-memory projection of broker state:
// accounts, open positions, and working orders.
//
// Two write paths feed the projection. Stream deltas apply immediately and
// optimistically. A reconciliation loop pulls authoritative state over REST
// every 60s (or on demand, e.g. after a stream sequence gap) and replaces a
// shard atomically when divergence exceeds tolerance: any position quantity
// mismatch, any order status mismatch, or a balance drift beyond one
// tick-value.
//
// Shards are per account with a single writer each; readers get snapshot
// copies.
package account

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"topstepx-engine/pkg/types"
)

const reconcileInterval = 60 * time.Second

// defaultBalanceTolerance is the reconciliation balance drift allowed before
// a shard is replaced, when no per-contract tick value is known.
const defaultBalanceTolerance = 5.0

// brokerReader is the REST surface reconciliation needs. broker.Interface
// satisfies it.
type brokerReader interface {
	ListAccounts(ctx context.Context) ([]types.Account, error)
	GetPositions(ctx context.Context, accountID string) ([]types.Position, error)
	GetOrders(ctx context.Context, accountID string) ([]types.Order, error)
}

// Snapshot is a point-in-time copy of one account's projection.
type Snapshot struct {
	Account   types.Account
	Positions []types.Position
	Orders    []types.Order
	AsOf      time.Time
}

type shard struct {
	mu        sync.RWMutex
	account   types.Account
	positions map[string]types.Position // by symbol
	orders    map[string]types.Order    // by order ID
	updatedAt time.Time
}

// Store is the sharded account/position/order projection.
type Store struct {
	broker    brokerReader
	logger    *slog.Logger
	tolerance float64

	mu     sync.RWMutex
	shards map[string]*shard
}

// NewStore creates an empty projection. balanceTolerance <= 0 falls back to
// the default.
func NewStore(br brokerReader, balanceTolerance float64, logger *slog.Logger) *Store {
	if balanceTolerance <= 0 {
		balanceTolerance = defaultBalanceTolerance
	}
	return &Store{
		broker:    br,
		logger:    logger.With("component", "account_store"),
		tolerance: balanceTolerance,
		shards:    make(map[string]*shard),
	}
}

func (s *Store) shardFor(accountID string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[accountID]
	if !ok {
		sh = &shard{
			positions: make(map[string]types.Position),
			orders:    make(map[string]types.Order),
		}
		s.shards[accountID] = sh
	}
	return sh
}

// AccountIDs lists every account the projection tracks.
func (s *Store) AccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of one account's state. ok=false if the account is
// unknown.
func (s *Store) Snapshot(accountID string) (Snapshot, bool) {
	s.mu.RLock()
	sh, ok := s.shards[accountID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	snap := Snapshot{
		Account:   sh.account,
		Positions: make([]types.Position, 0, len(sh.positions)),
		Orders:    make([]types.Order, 0, len(sh.orders)),
		AsOf:      sh.updatedAt,
	}
	for _, p := range sh.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, o := range sh.orders {
		snap.Orders = append(snap.Orders, o)
	}
	return snap, true
}

// Position returns one open position by symbol.
func (s *Store) Position(accountID, symbol string) (types.Position, bool) {
	s.mu.RLock()
	sh, ok := s.shards[accountID]
	s.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.positions[types.NormalizeSymbol(symbol)]
	return p, ok
}

// Order returns one tracked order by ID.
func (s *Store) Order(accountID, orderID string) (types.Order, bool) {
	s.mu.RLock()
	sh, ok := s.shards[accountID]
	s.mu.RUnlock()
	if !ok {
		return types.Order{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	o, ok := sh.orders[orderID]
	return o, ok
}

// ————————————————————————————————————————————————————————————————————————
// Stream path (optimistic)
// ————————————————————————————————————————————————————————————————————————

// ApplyAccount applies a pushed account update.
func (s *Store) ApplyAccount(a types.Account) {
	sh := s.shardFor(a.ID)
	sh.mu.Lock()
	sh.account = a
	sh.updatedAt = time.Now()
	sh.mu.Unlock()
}

// ApplyPosition applies a pushed position delta. Zero quantity removes the
// position.
func (s *Store) ApplyPosition(p types.Position) {
	sh := s.shardFor(p.AccountID)
	symbol := types.NormalizeSymbol(p.Symbol)
	sh.mu.Lock()
	if p.Quantity == 0 {
		delete(sh.positions, symbol)
	} else {
		p.Symbol = symbol
		sh.positions[symbol] = p
	}
	sh.updatedAt = time.Now()
	sh.mu.Unlock()
}

// ApplyOrder applies a pushed order event in arrival order. Terminal orders
// are dropped from the working set.
func (s *Store) ApplyOrder(o types.Order) {
	sh := s.shardFor(o.AccountID)
	sh.mu.Lock()
	if o.Status.Terminal() {
		delete(sh.orders, o.ID)
	} else {
		sh.orders[o.ID] = o
	}
	sh.updatedAt = time.Now()
	sh.mu.Unlock()
}

// MarkToMarket refreshes unrealized PnL for every position in a symbol.
func (s *Store) MarkToMarket(symbol string, price, pointValue float64) {
	symbol = types.NormalizeSymbol(symbol)
	if price <= 0 || pointValue <= 0 {
		return
	}

	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	for _, sh := range shards {
		sh.mu.Lock()
		if p, ok := sh.positions[symbol]; ok {
			sign := 1.0
			if p.Side == types.SHORT {
				sign = -1.0
			}
			p.CurrentPrice = price
			p.UnrealizedPnL = (price - p.AvgEntryPrice) * sign * float64(p.Quantity) * pointValue
			sh.positions[symbol] = p
		}
		sh.mu.Unlock()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation path (authoritative)
// ————————————————————————————————————————————————————————————————————————

// Run drives the periodic reconciliation loop until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	// Prime the projection so strategies see accounts before the first tick.
	if err := s.ReconcileAll(ctx); err != nil {
		s.logger.Warn("initial reconcile failed", "error", err)
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ReconcileAll(ctx); err != nil {
				s.logger.Warn("reconcile failed", "error", err)
			}
		}
	}
}

// ReconcileAll pulls fresh broker state for every account.
func (s *Store) ReconcileAll(ctx context.Context) error {
	accounts, err := s.broker.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := s.Reconcile(ctx, a); err != nil {
			s.logger.Warn("account reconcile failed", "account_id", a.ID, "error", err)
		}
	}
	return nil
}

// Reconcile pulls one account's authoritative state and replaces the shard
// if it diverged beyond tolerance.
func (s *Store) Reconcile(ctx context.Context, a types.Account) error {
	positions, err := s.broker.GetPositions(ctx, a.ID)
	if err != nil {
		return err
	}
	orders, err := s.broker.GetOrders(ctx, a.ID)
	if err != nil {
		return err
	}

	freshPositions := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		p.Symbol = types.NormalizeSymbol(p.Symbol)
		freshPositions[p.Symbol] = p
	}
	freshOrders := make(map[string]types.Order, len(orders))
	for _, o := range orders {
		freshOrders[o.ID] = o
	}

	sh := s.shardFor(a.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if !s.divergedLocked(sh, a, freshPositions, freshOrders) {
		// Keep the optimistic state; only refresh balances, which the
		// stream may lag on.
		sh.account = a
		sh.updatedAt = time.Now()
		return nil
	}

	s.logger.Info("projection diverged, replacing shard",
		"account_id", a.ID,
		"positions", len(freshPositions),
		"orders", len(freshOrders),
	)

	// Preserve marks that the fresh REST rows don't carry.
	for sym, fresh := range freshPositions {
		if prev, ok := sh.positions[sym]; ok {
			fresh.CurrentPrice = prev.CurrentPrice
			fresh.UnrealizedPnL = prev.UnrealizedPnL
			freshPositions[sym] = fresh
		}
	}

	sh.account = a
	sh.positions = freshPositions
	sh.orders = freshOrders
	sh.updatedAt = time.Now()
	return nil
}

// divergedLocked reports whether the optimistic shard disagrees with broker
// truth beyond tolerance.
func (s *Store) divergedLocked(sh *shard, a types.Account, positions map[string]types.Position, orders map[string]types.Order) bool {
	if sh.account.ID == "" {
		return true // first fill-in
	}
	if math.Abs(sh.account.Balance-a.Balance) > s.tolerance {
		return true
	}
	if len(sh.positions) != len(positions) || len(sh.orders) != len(orders) {
		return true
	}
	for sym, fresh := range positions {
		local, ok := sh.positions[sym]
		if !ok || local.Quantity != fresh.Quantity || local.Side != fresh.Side {
			return true
		}
	}
	for id, fresh := range orders {
		local, ok := sh.orders[id]
		if !ok || local.Status != fresh.Status {
			return true
		}
	}
	return false
}
