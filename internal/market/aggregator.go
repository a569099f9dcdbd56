// Package market builds OHLCV bars out of live quote ticks and resolves
// historical bar requests through a layered cache.
//
// The aggregator maps (symbol, timeframe) to a bar builder. Ticks advance the
// open bar; crossing a boundary closes it and emits BarClosed. Intervals that
// elapsed without a tick are emitted as filled bars (O=H=L=C=previous close,
// zero volume) so every series is gapless and strictly monotonic in
// open_time. BarUpdated events are coalesced to at most one per 250ms per
// series.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/clock"
	"topstepx-engine/internal/metrics"
	"topstepx-engine/pkg/types"
)

const (
	updateCoalesce = 250 * time.Millisecond
	sinkWarnEvery  = time.Minute
)

// BarEventType distinguishes in-progress updates from boundary closes.
type BarEventType string

const (
	BarUpdated BarEventType = "bar_updated"
	BarClosed  BarEventType = "bar_closed"
)

// BarEvent is delivered to aggregator subscribers.
type BarEvent struct {
	Type BarEventType
	Bar  types.Bar
}

type seriesKey struct {
	symbol string
	tf     types.Timeframe
}

type subscriber struct {
	id   string
	sink chan<- BarEvent
}

// barBuilder holds the open bar of one series. All fields are guarded by the
// aggregator mutex.
type barBuilder struct {
	cur      types.Bar
	boundary time.Time // close time of cur
	started  bool
	dirty    bool // an update is pending coalesced emission
	lastWarn time.Time
	subs     []subscriber
}

// Aggregator fans ticks out into per-series bar builders. Multiple
// subscribers to the same (symbol, timeframe) share a single builder.
type Aggregator struct {
	clk    clock.Clock
	cal    *clock.Calendar
	logger *slog.Logger

	mu       sync.Mutex
	series   map[seriesKey]*barBuilder
	subIndex map[string]seriesKey
}

// NewAggregator creates an aggregator aligned by the exchange calendar for
// daily and longer frames.
func NewAggregator(clk clock.Clock, cal *clock.Calendar, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		clk:      clk,
		cal:      cal,
		logger:   logger.With("component", "aggregator"),
		series:   make(map[seriesKey]*barBuilder),
		subIndex: make(map[string]seriesKey),
	}
}

// Subscribe registers a sink for a series and returns the subscription ID.
// The series builder is created on first subscription.
func (a *Aggregator) Subscribe(symbol string, tf types.Timeframe, sink chan<- BarEvent) string {
	key := seriesKey{types.NormalizeSymbol(symbol), tf}
	id := uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.series[key]
	if !ok {
		b = &barBuilder{}
		a.series[key] = b
	}
	b.subs = append(b.subs, subscriber{id: id, sink: sink})
	a.subIndex[id] = key
	return id
}

// Unsubscribe removes a subscription. The last unsubscribe tears the series
// builder down.
func (a *Aggregator) Unsubscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.subIndex[id]
	if !ok {
		return
	}
	delete(a.subIndex, id)

	b := a.series[key]
	if b == nil {
		return
	}
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if len(b.subs) == 0 {
		delete(a.series, key)
	}
}

// CurrentBar returns a copy of the open bar for a series, if one has started.
func (a *Aggregator) CurrentBar(symbol string, tf types.Timeframe) (types.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.series[seriesKey{types.NormalizeSymbol(symbol), tf}]
	if !ok || !b.started {
		return types.Bar{}, false
	}
	return b.cur, true
}

// OnTick routes one quote into every series of its symbol.
func (a *Aggregator) OnTick(q types.Quote) {
	price := q.Mid()
	if price <= 0 {
		return
	}
	t := q.Timestamp
	if t.IsZero() {
		t = a.clk.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, b := range a.series {
		if key.symbol != types.NormalizeSymbol(q.Symbol) {
			continue
		}
		a.advanceLocked(key, b, t)

		if !b.started {
			a.openBarLocked(key, b, t, price)
		}
		if price > b.cur.High {
			b.cur.High = price
		}
		if price < b.cur.Low {
			b.cur.Low = price
		}
		b.cur.Close = price
		b.cur.Volume += q.Volume
		b.dirty = true
	}
}

// Run drives the coalesced-update flusher and the boundary sweep. Bars close
// on time even when no tick arrives. Blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(updateCoalesce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := a.clk.Now()
			a.mu.Lock()
			for key, b := range a.series {
				a.advanceLocked(key, b, now)
				if b.dirty {
					b.dirty = false
					a.emitLocked(b, BarEvent{Type: BarUpdated, Bar: b.cur})
				}
			}
			a.mu.Unlock()
		}
	}
}

// openBarLocked starts the first bar of a series at the boundary containing t.
func (a *Aggregator) openBarLocked(key seriesKey, b *barBuilder, t time.Time, price float64) {
	open := a.floorBoundary(t, key.tf)
	b.cur = types.Bar{
		Symbol:    key.symbol,
		Timeframe: key.tf,
		OpenTime:  open,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
	b.boundary = a.nextBoundary(open, key.tf)
	b.started = true
}

// advanceLocked closes bars for every boundary elapsed up to t. Intermediate
// intervals with no ticks become filled bars carrying the previous close.
func (a *Aggregator) advanceLocked(key seriesKey, b *barBuilder, t time.Time) {
	for b.started && !t.Before(b.boundary) {
		closed := b.cur
		b.dirty = false
		a.emitLocked(b, BarEvent{Type: BarClosed, Bar: closed})

		open := b.boundary
		b.cur = types.Bar{
			Symbol:    key.symbol,
			Timeframe: key.tf,
			OpenTime:  open,
			Open:      closed.Close,
			High:      closed.Close,
			Low:       closed.Close,
			Close:     closed.Close,
		}
		b.boundary = a.nextBoundary(open, key.tf)
	}
}

func (a *Aggregator) emitLocked(b *barBuilder, evt BarEvent) {
	if evt.Type == BarClosed {
		metrics.BarsClosed.WithLabelValues(evt.Bar.Symbol, evt.Bar.Timeframe.String()).Inc()
	}
	for _, s := range b.subs {
		select {
		case s.sink <- evt:
		default:
			if now := a.clk.Now(); now.Sub(b.lastWarn) > sinkWarnEvery {
				b.lastWarn = now
				a.logger.Warn("subscriber sink full, dropping bar event",
					"symbol", evt.Bar.Symbol,
					"timeframe", evt.Bar.Timeframe.String(),
				)
			}
		}
	}
}

// floorBoundary returns the open time of the interval containing t.
// Sub-daily frames align to the UTC epoch; daily and longer align to the
// exchange session close.
func (a *Aggregator) floorBoundary(t time.Time, tf types.Timeframe) time.Time {
	if tf.SubDaily() {
		return t.UTC().Truncate(tf.Duration())
	}
	return a.sessionFloor(t)
}

// nextBoundary returns the close time of the interval opening at open.
func (a *Aggregator) nextBoundary(open time.Time, tf types.Timeframe) time.Time {
	if tf.SubDaily() {
		return open.Add(tf.Duration())
	}
	switch tf.Unit {
	case types.UnitDay:
		return a.cal.NextSessionClose(open.Add(time.Minute))
	case types.UnitWeek:
		// Weekly bars close at the Friday session close.
		t := open.Add(time.Minute)
		for {
			sc := a.cal.NextSessionClose(t)
			if sc.In(a.cal.Location()).Weekday() == time.Friday {
				return sc
			}
			t = sc.Add(time.Minute)
		}
	case types.UnitMonth:
		// Monthly bars close at the last session close of the month.
		loc := a.cal.Location()
		local := open.In(loc)
		firstOfNext := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
		return a.cal.SessionClose(firstOfNext)
	}
	return open.Add(tf.Duration())
}

// sessionFloor is the session close at or before t, i.e. the open of the
// daily+ bar containing t.
func (a *Aggregator) sessionFloor(t time.Time) time.Time {
	sc := a.cal.SessionClose(t)
	if sc.After(t) {
		sc = a.cal.SessionClose(t.AddDate(0, 0, -1))
	}
	return sc
}
