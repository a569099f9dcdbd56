package market

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"topstepx-engine/internal/clock"
	"topstepx-engine/pkg/types"
)

func testAggregator(t *testing.T, at time.Time) (*Aggregator, *clock.Fake) {
	t.Helper()
	cal, err := clock.NewCalendar("America/Chicago")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	fake := &clock.Fake{T: at}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAggregator(fake, cal, logger), fake
}

func tick(sym string, at time.Time, price, vol float64) types.Quote {
	return types.Quote{Symbol: sym, Timestamp: at, Bid: price, Ask: price, Volume: vol}
}

func drainClosed(sink chan BarEvent) []types.Bar {
	var closed []types.Bar
	for {
		select {
		case evt := <-sink:
			if evt.Type == BarClosed {
				closed = append(closed, evt.Bar)
			}
		default:
			return closed
		}
	}
}

func TestAggregatorBuildsOHLCV(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 64)
	agg.Subscribe("NQ", types.TF1m, sink)

	agg.OnTick(tick("NQ", base.Add(5*time.Second), 25000, 2))
	agg.OnTick(tick("NQ", base.Add(20*time.Second), 25010, 1))
	agg.OnTick(tick("NQ", base.Add(40*time.Second), 24995, 3))

	bar, ok := agg.CurrentBar("NQ", types.TF1m)
	if !ok {
		t.Fatal("expected an open bar")
	}
	if bar.Open != 25000 || bar.High != 25010 || bar.Low != 24995 || bar.Close != 24995 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 25000/25010/24995/24995",
			bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume != 6 {
		t.Errorf("Volume = %v, want 6", bar.Volume)
	}
	if !bar.OpenTime.Equal(base) {
		t.Errorf("OpenTime = %v, want %v (UTC-aligned)", bar.OpenTime, base)
	}
}

func TestAggregatorOneCloseAtBoundary(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 64)
	agg.Subscribe("NQ", types.TF1m, sink)

	agg.OnTick(tick("NQ", base.Add(10*time.Second), 25000, 1))
	agg.OnTick(tick("NQ", base.Add(65*time.Second), 25005, 1))

	closed := drainClosed(sink)
	if len(closed) != 1 {
		t.Fatalf("closed bars = %d, want exactly 1", len(closed))
	}
	if closed[0].Close != 25000 {
		t.Errorf("closed bar Close = %v, want 25000", closed[0].Close)
	}
	if !closed[0].OpenTime.Equal(base) {
		t.Errorf("closed bar OpenTime = %v, want %v", closed[0].OpenTime, base)
	}
}

func TestAggregatorFillsGaps(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 64)
	agg.Subscribe("NQ", types.TF1m, sink)

	agg.OnTick(tick("NQ", base.Add(10*time.Second), 25000, 1))
	// Next tick lands three intervals later: the 15:00 bar closes normally,
	// 15:01 and 15:02 must come out as filled bars.
	agg.OnTick(tick("NQ", base.Add(3*time.Minute+5*time.Second), 25020, 1))

	closed := drainClosed(sink)
	if len(closed) != 3 {
		t.Fatalf("closed bars = %d, want 3", len(closed))
	}

	for i, bar := range closed {
		want := base.Add(time.Duration(i) * time.Minute)
		if !bar.OpenTime.Equal(want) {
			t.Errorf("bar[%d].OpenTime = %v, want %v", i, bar.OpenTime, want)
		}
	}
	for _, bar := range closed[1:] {
		if bar.Open != 25000 || bar.High != 25000 || bar.Low != 25000 || bar.Close != 25000 {
			t.Errorf("filled bar OHLC = %v/%v/%v/%v, want all 25000",
				bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.Volume != 0 {
			t.Errorf("filled bar Volume = %v, want 0", bar.Volume)
		}
	}
}

func TestAggregatorMonotonicOpenTimes(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 256)
	agg.Subscribe("NQ", types.TF1m, sink)

	for i := 0; i < 600; i += 37 {
		agg.OnTick(tick("NQ", base.Add(time.Duration(i)*time.Second), 25000+float64(i), 1))
	}

	closed := drainClosed(sink)
	for i := 1; i < len(closed); i++ {
		if !closed[i].OpenTime.After(closed[i-1].OpenTime) {
			t.Fatalf("open times not strictly increasing at %d: %v then %v",
				i, closed[i-1].OpenTime, closed[i].OpenTime)
		}
	}
}

func TestAggregatorSharedBuilderFanOut(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sinkA := make(chan BarEvent, 16)
	sinkB := make(chan BarEvent, 16)
	agg.Subscribe("NQ", types.TF1m, sinkA)
	idB := agg.Subscribe("NQ", types.TF1m, sinkB)

	agg.OnTick(tick("NQ", base.Add(time.Second), 25000, 1))
	agg.OnTick(tick("NQ", base.Add(61*time.Second), 25001, 1))

	if got := len(drainClosed(sinkA)); got != 1 {
		t.Errorf("sink A closed bars = %d, want 1", got)
	}
	if got := len(drainClosed(sinkB)); got != 1 {
		t.Errorf("sink B closed bars = %d, want 1", got)
	}

	agg.Unsubscribe(idB)
	agg.OnTick(tick("NQ", base.Add(125*time.Second), 25002, 1))
	if got := len(drainClosed(sinkB)); got != 0 {
		t.Errorf("unsubscribed sink got %d events, want 0", got)
	}
}

func TestAggregatorIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 16)
	agg.Subscribe("NQ", types.TF1m, sink)

	agg.OnTick(tick("ES", base.Add(time.Second), 5000, 1))
	if _, ok := agg.CurrentBar("NQ", types.TF1m); ok {
		t.Error("ES tick must not open an NQ bar")
	}
}

func TestAggregatorDailyAlignsToSessionClose(t *testing.T) {
	t.Parallel()
	// Tuesday 2026-03-03 10:00 Chicago = 16:00 UTC.
	base := time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC)
	agg, _ := testAggregator(t, base)

	sink := make(chan BarEvent, 16)
	agg.Subscribe("NQ", types.TF1d, sink)

	agg.OnTick(tick("NQ", base, 25000, 1))
	bar, ok := agg.CurrentBar("NQ", types.TF1d)
	if !ok {
		t.Fatal("expected an open daily bar")
	}

	chi, _ := time.LoadLocation("America/Chicago")
	open := bar.OpenTime.In(chi)
	if open.Hour() != 16 || open.Minute() != 0 {
		t.Errorf("daily bar opens at %v local, want the 16:00 session close", open)
	}
	if !open.Before(base.In(chi)) {
		t.Errorf("daily bar open %v must precede the tick time", open)
	}
}
