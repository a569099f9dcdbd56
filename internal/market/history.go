// history.go resolves historical bar requests through three tiers:
//
//  1. in-memory LRU keyed by the exact (symbol, timeframe, range) fingerprint,
//     with a short TTL during regular trading hours and a longer one off-hours
//  2. the durable store, when it holds contiguous coverage of the range
//  3. the broker REST history endpoint for whatever is missing, written back
//     into both lower tiers
//
// Concurrent requests for the same fingerprint collapse into a single
// upstream fetch via singleflight.
package market

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"topstepx-engine/internal/clock"
	"topstepx-engine/pkg/types"
)

const (
	defaultTTLRTH  = 30 * time.Second
	defaultTTLOff  = 10 * time.Minute
	defaultRanges  = 256
	defaultBarsCap = 5000
)

// barStore is the durable tier. *store.Store satisfies it.
type barStore interface {
	GetBars(symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)
	UpsertBars(bars []types.Bar) error
}

// barFetcher is the upstream tier. broker.Interface satisfies it.
type barFetcher interface {
	GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error)
}

type cacheEntry struct {
	key     string
	bars    []types.Bar
	stored  time.Time
	element *list.Element
}

// History is the three-tier historical bar resolver.
type History struct {
	store   barStore
	broker  barFetcher
	clk     clock.Clock
	cal     *clock.Calendar
	logger  *slog.Logger
	ttlRTH  time.Duration
	ttlOff  time.Duration
	maxKeys int

	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used
}

// NewHistory builds the resolver. Zero TTLs and maxRanges fall back to
// defaults (30s RTH, 10m off-hours, 256 cached ranges).
func NewHistory(st barStore, br barFetcher, clk clock.Clock, cal *clock.Calendar,
	ttlRTH, ttlOff time.Duration, maxRanges int, logger *slog.Logger) *History {
	if ttlRTH <= 0 {
		ttlRTH = defaultTTLRTH
	}
	if ttlOff <= 0 {
		ttlOff = defaultTTLOff
	}
	if maxRanges <= 0 {
		maxRanges = defaultRanges
	}
	return &History{
		store:   st,
		broker:  br,
		clk:     clk,
		cal:     cal,
		logger:  logger.With("component", "history"),
		ttlRTH:  ttlRTH,
		ttlOff:  ttlOff,
		maxKeys: maxRanges,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

// GetBars resolves bars for [from, to] ascending, deduplicated on open_time,
// at most limit rows (0 = default cap).
func (h *History) GetBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error) {
	if to.Before(from) {
		return nil, types.E(types.KindInvalidInput, "history range end %v before start %v", to, from)
	}
	if limit <= 0 {
		limit = defaultBarsCap
	}
	symbol = types.NormalizeSymbol(symbol)
	key := fingerprint(symbol, tf, from, to, limit)

	if bars, ok := h.cacheGet(key); ok {
		return bars, nil
	}

	v, err, _ := h.flight.Do(key, func() (any, error) {
		// Double-check under the flight: a concurrent caller may have
		// populated the entry while we queued.
		if bars, ok := h.cacheGet(key); ok {
			return bars, nil
		}
		bars, err := h.resolve(ctx, symbol, tf, from, to, limit)
		if err != nil {
			return nil, err
		}
		h.cachePut(key, bars)
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Bar), nil
}

// GetRecentBars resolves the latest n closed bars ending at end.
func (h *History) GetRecentBars(ctx context.Context, symbol string, tf types.Timeframe, n int, end time.Time) ([]types.Bar, error) {
	if n <= 0 {
		return nil, types.E(types.KindInvalidInput, "bar count must be positive, got %d", n)
	}
	// Over-fetch the window to survive weekends and holidays, then trim.
	span := tf.Duration() * time.Duration(n) * 3
	if span < 24*time.Hour {
		span = 24 * time.Hour
	}
	bars, err := h.GetBars(ctx, symbol, tf, end.Add(-span), end, 0)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// Invalidate drops every cached range for a symbol, e.g. after a late
// correction lands in the store.
func (h *History) Invalidate(symbol string) {
	symbol = types.NormalizeSymbol(symbol)
	prefix := symbol + "|"

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, e := range h.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			h.lru.Remove(e.element)
			delete(h.entries, key)
		}
	}
}

func (h *History) resolve(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error) {
	stored, err := h.store.GetBars(symbol, tf, from, to)
	if err != nil {
		h.logger.Warn("store read failed, falling through to broker", "error", err)
		stored = nil
	}

	missFrom, missTo, full := missingSlice(stored, tf, from, to)
	if full {
		return trim(stored, limit), nil
	}

	fetched, err := h.broker.GetHistoricalBars(ctx, symbol, tf, missFrom, missTo, limit)
	if err != nil {
		// Serve a partial store answer over nothing only when the store
		// actually had rows; otherwise surface the failure.
		if len(stored) > 0 && types.IsTransient(err) {
			h.logger.Warn("broker history fetch failed, serving store coverage",
				"symbol", symbol, "error", err)
			return trim(stored, limit), nil
		}
		return nil, err
	}
	if len(fetched) > 0 {
		if err := h.store.UpsertBars(fetched); err != nil {
			h.logger.Warn("history write-back failed", "symbol", symbol, "error", err)
		}
	}

	return trim(merge(stored, fetched), limit), nil
}

// ————————————————————————————————————————————————————————————————————————
// LRU tier
// ————————————————————————————————————————————————————————————————————————

func (h *History) cacheGet(key string) ([]types.Bar, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[key]
	if !ok {
		return nil, false
	}
	if h.clk.Now().Sub(e.stored) > h.ttl() {
		h.lru.Remove(e.element)
		delete(h.entries, key)
		return nil, false
	}
	h.lru.MoveToFront(e.element)
	return e.bars, true
}

func (h *History) cachePut(key string, bars []types.Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.entries[key]; ok {
		e.bars = bars
		e.stored = h.clk.Now()
		h.lru.MoveToFront(e.element)
		return
	}
	e := &cacheEntry{key: key, bars: bars, stored: h.clk.Now()}
	e.element = h.lru.PushFront(e)
	h.entries[key] = e

	for h.lru.Len() > h.maxKeys {
		oldest := h.lru.Back()
		h.lru.Remove(oldest)
		delete(h.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (h *History) ttl() time.Duration {
	if h.cal != nil && h.cal.IsRTH(h.clk.Now()) {
		return h.ttlRTH
	}
	return h.ttlOff
}

// ————————————————————————————————————————————————————————————————————————
// Range helpers
// ————————————————————————————————————————————————————————————————————————

func fingerprint(symbol string, tf types.Timeframe, from, to time.Time, limit int) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", symbol, tf.String(), from.Unix(), to.Unix(), limit)
}

// missingSlice reports what part of [from, to] the stored rows do not cover.
// full=true means coverage is contiguous. An internal gap widens the refetch
// to the whole range so the store self-heals.
func missingSlice(stored []types.Bar, tf types.Timeframe, from, to time.Time) (time.Time, time.Time, bool) {
	if len(stored) == 0 {
		return from, to, false
	}
	step := tf.Duration()
	for i := 1; i < len(stored); i++ {
		if stored[i].OpenTime.Sub(stored[i-1].OpenTime) > step {
			// Session breaks (evening close, weekend) are legitimate gaps for
			// sub-daily frames; anything under 3 days passes.
			if tf.SubDaily() && stored[i].OpenTime.Sub(stored[i-1].OpenTime) < 72*time.Hour {
				continue
			}
			return from, to, false
		}
	}
	headOK := !stored[0].OpenTime.After(from.Add(step))
	tailOK := !stored[len(stored)-1].OpenTime.Before(to.Add(-2 * step))
	switch {
	case headOK && tailOK:
		return time.Time{}, time.Time{}, true
	case headOK:
		return stored[len(stored)-1].OpenTime.Add(step), to, false
	case tailOK:
		return from, stored[0].OpenTime, false
	}
	return from, to, false
}

// merge combines two ascending slices, deduplicating on open_time with the
// fetched (fresher) side winning.
func merge(stored, fetched []types.Bar) []types.Bar {
	byOpen := make(map[int64]types.Bar, len(stored)+len(fetched))
	for _, b := range stored {
		byOpen[b.OpenTime.Unix()] = b
	}
	for _, b := range fetched {
		byOpen[b.OpenTime.Unix()] = b
	}
	out := make([]types.Bar, 0, len(byOpen))
	for _, b := range byOpen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// trim keeps the newest limit rows.
func trim(bars []types.Bar, limit int) []types.Bar {
	if limit > 0 && len(bars) > limit {
		return bars[len(bars)-limit:]
	}
	return bars
}
