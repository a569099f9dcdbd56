package sched

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"topstepx-engine/pkg/types"
)

func testScheduler(maxConcurrent, queueCap int) *Scheduler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(maxConcurrent, queueCap, logger)
}

func TestTasksExecute(t *testing.T) {
	t.Parallel()
	s := testScheduler(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var done sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 10; i++ {
		done.Add(1)
		err := s.Submit("work", Normal, func(ctx context.Context) error {
			defer done.Done()
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	done.Wait()
	if count.Load() != 10 {
		t.Errorf("executed = %d, want 10", count.Load())
	}
}

func TestHigherPriorityStartsFirst(t *testing.T) {
	t.Parallel()
	s := testScheduler(1, 100) // single worker serializes starts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	started := make(chan string, 8)

	// Occupy the only worker, then queue low before high.
	s.Submit("blocker", Critical, func(ctx context.Context) error {
		<-block
		return nil
	})
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the blocker start

	s.Submit("low", Low, func(ctx context.Context) error {
		started <- "low"
		return nil
	})
	s.Submit("high", High, func(ctx context.Context) error {
		started <- "high"
		return nil
	})
	close(block)

	first := <-started
	if first != "high" {
		t.Errorf("first started = %q, want high before waiting low", first)
	}
}

func TestSamePriorityFIFO(t *testing.T) {
	t.Parallel()
	s := testScheduler(1, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	order := make(chan int, 8)

	s.Submit("blocker", Critical, func(ctx context.Context) error {
		<-block
		return nil
	})
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		n := i
		s.Submit("fifo", Normal, func(ctx context.Context) error {
			order <- n
			return nil
		})
	}
	close(block)

	for want := 0; want < 5; want++ {
		if got := <-order; got != want {
			t.Fatalf("execution order: got %d, want %d", got, want)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()
	s := testScheduler(3, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var inFlight, peak atomic.Int64
	var done sync.WaitGroup
	for i := 0; i < 12; i++ {
		done.Add(1)
		s.Submit("cap", Normal, func(ctx context.Context) error {
			defer done.Done()
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	}
	done.Wait()
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestQueueFullRejects(t *testing.T) {
	t.Parallel()
	s := testScheduler(1, 2)
	// Not running: everything stays queued.
	s.Submit("a", Normal, func(ctx context.Context) error { return nil })
	s.Submit("b", Normal, func(ctx context.Context) error { return nil })

	err := s.Submit("c", Normal, func(ctx context.Context) error { return nil })
	if types.KindOf(err) != types.KindRateLimited {
		t.Errorf("kind = %v, want RateLimited", types.KindOf(err))
	}
}

func TestTransientRetries(t *testing.T) {
	t.Parallel()
	s := testScheduler(2, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var attempts atomic.Int64
	succeeded := make(chan struct{})
	s.Submit("flaky", High, func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return types.E(types.KindTransient, "blip")
		}
		close(succeeded)
		return nil
	})

	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried")
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestNonTransientNotRetried(t *testing.T) {
	t.Parallel()
	s := testScheduler(2, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var attempts atomic.Int64
	ran := make(chan struct{}, 1)
	s.Submit("fatal", High, func(ctx context.Context) error {
		attempts.Add(1)
		ran <- struct{}{}
		return types.E(types.KindBrokerRejected, "no")
	})

	<-ran
	time.Sleep(100 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts.Load())
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	t.Parallel()
	s := testScheduler(1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := s.Submit("late", Normal, func(ctx context.Context) error { return nil })
	if types.KindOf(err) != types.KindCancelled {
		t.Errorf("kind = %v, want Cancelled", types.KindOf(err))
	}
}
