// Package sched runs engine work through a bounded priority scheduler.
//
// One queue, five priority levels. Among waiting tasks, a higher-priority
// task always starts before a lower-priority one; tasks at the same level run
// FIFO. At most C_max tasks execute concurrently. Each level carries its own
// execution timeout; transient failures are retried up to three attempts with
// 2s/4s/8s delays, every other failure surfaces once and stops.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"topstepx-engine/internal/metrics"
	"topstepx-engine/pkg/types"
)

// Priority orders task execution. Lower value runs first.
type Priority int

const (
	Critical Priority = iota // risk actions, flatten, cancels
	High                     // order submission, fill handling
	Normal                   // strategy cycles
	Low                      // history prefetch, reconcile
	Background               // retention sweeps, stats
	numLevels
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	}
	return "unknown"
}

// timeout returns the execution deadline for a level; 0 means none.
func (p Priority) timeout() time.Duration {
	switch p {
	case Critical:
		return 30 * time.Second
	case High:
		return 60 * time.Second
	case Normal:
		return 120 * time.Second
	case Low:
		return 300 * time.Second
	}
	return 0
}

const (
	maxRetries     = 3 // delays 2s, 4s, 8s
	retryBaseDelay = 2 * time.Second

	defaultMaxConcurrent = 20
	defaultQueueCap      = 1000
)

// Func is one unit of scheduled work.
type Func func(ctx context.Context) error

type task struct {
	name     string
	priority Priority
	fn       Func
	attempt  int
}

// Scheduler dispatches tasks respecting priority, concurrency, and retry
// policy.
type Scheduler struct {
	logger        *slog.Logger
	maxConcurrent int
	queueCap      int

	mu      sync.Mutex
	queues  [numLevels][]*task
	queued  int
	running int
	closed  bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. Non-positive limits fall back to C_max=20 and
// queue cap 1000.
func New(maxConcurrent, queueCap int, logger *slog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	return &Scheduler{
		logger:        logger.With("component", "scheduler"),
		maxConcurrent: maxConcurrent,
		queueCap:      queueCap,
		wake:          make(chan struct{}, 1),
	}
}

// Submit enqueues a task. A full queue or a closed scheduler rejects
// immediately.
func (s *Scheduler) Submit(name string, priority Priority, fn Func) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.E(types.KindCancelled, "scheduler stopped")
	}
	if s.queued >= s.queueCap {
		s.mu.Unlock()
		return types.E(types.KindRateLimited, "scheduler queue full (%d)", s.queueCap)
	}
	s.enqueueLocked(&task{name: name, priority: priority, fn: fn})
	s.mu.Unlock()

	s.kick()
	return nil
}

// Run dispatches until ctx is cancelled, then waits for in-flight tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			dropped := s.queued
			for i := range s.queues {
				s.queues[i] = nil
			}
			s.queued = 0
			s.mu.Unlock()
			if dropped > 0 {
				s.logger.Info("dropping queued tasks on shutdown", "count", dropped)
			}
			s.wg.Wait()
			return ctx.Err()
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// QueueDepth reports waiting tasks at one level.
func (s *Scheduler) QueueDepth(p Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[p])
}

// Running reports in-flight tasks.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) enqueueLocked(t *task) {
	s.queues[t.priority] = append(s.queues[t.priority], t)
	s.queued++
	metrics.SchedulerQueueDepth.WithLabelValues(t.priority.String()).Set(float64(len(s.queues[t.priority])))
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch starts as many tasks as capacity allows, highest priority first.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.running >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		t := s.popLocked()
		if t == nil {
			s.mu.Unlock()
			return
		}
		s.running++
		metrics.SchedulerRunning.Set(float64(s.running))
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(ctx, t)
	}
}

func (s *Scheduler) popLocked() *task {
	for level := range s.queues {
		if len(s.queues[level]) == 0 {
			continue
		}
		t := s.queues[level][0]
		s.queues[level] = s.queues[level][1:]
		s.queued--
		metrics.SchedulerQueueDepth.WithLabelValues(Priority(level).String()).Set(float64(len(s.queues[level])))
		return t
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	defer s.wg.Done()

	runCtx := ctx
	if d := t.priority.timeout(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := t.fn(runCtx)

	s.mu.Lock()
	s.running--
	metrics.SchedulerRunning.Set(float64(s.running))
	s.mu.Unlock()
	s.kick()

	switch {
	case err == nil:
	case types.IsTransient(err) && t.attempt < maxRetries:
		t.attempt++
		delay := retryBaseDelay << (t.attempt - 1)
		s.logger.Warn("task failed, retrying",
			"task", t.name,
			"attempt", t.attempt,
			"delay", delay,
			"error", err,
		)
		time.AfterFunc(delay, func() {
			s.mu.Lock()
			if s.closed || s.queued >= s.queueCap {
				s.mu.Unlock()
				return
			}
			s.enqueueLocked(t)
			s.mu.Unlock()
			s.kick()
		})
	default:
		s.logger.Error("task failed",
			"task", t.name,
			"priority", t.priority.String(),
			"attempts", t.attempt+1,
			"error", err,
		)
	}
}
