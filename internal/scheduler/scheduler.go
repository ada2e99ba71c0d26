// Package scheduler runs the periodic loops: jittered intervals, and
// single-flight ticks where an overlapping fire is skipped, never queued.
// Every skipped or successfully completed fire is recorded as a tick event so
// "skipped because still running" and "completed with zero work" stay
// distinguishable; a failed tick is logged and records no tick event.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mlm/internal/logging"
	"mlm/internal/store"
)

// Task is one periodic loop. Run returns how many units of work the tick
// performed (grabs, links) so zero-work ticks are visible.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler owns the periodic tasks for the daemon's lifetime.
type Scheduler struct {
	store  *store.Store
	logger *slog.Logger
	tasks  []Task

	wg sync.WaitGroup
}

// New constructs a scheduler. The store is used for tick events and may be
// nil in tests.
func New(st *store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{store: st, logger: logger.With(logging.String(logging.FieldComponent, "scheduler"))}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(task Task) {
	s.tasks = append(s.tasks, task)
}

// Run fires every task once immediately, then on its jittered interval until
// the context is cancelled. Blocks until all tasks have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	for i := range s.tasks {
		task := s.tasks[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(ctx, task)
		}()
	}
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	var running atomic.Bool
	logger := s.logger.With(logging.String(logging.FieldTask, task.Name))

	fire := func() {
		if !running.CompareAndSwap(false, true) {
			logger.Debug("tick skipped, previous still running")
			s.recordTick(ctx, task.Name, true, 0)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer running.Store(false)
			started := time.Now()
			worked, err := task.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("tick failed", logging.Error(err))
				return
			}
			logger.Debug("tick completed",
				logging.Int("work", worked),
				logging.Duration("elapsed", time.Since(started)),
			)
			s.recordTick(ctx, task.Name, false, worked)
		}()
	}

	fire()
	for {
		timer := time.NewTimer(jitter(task.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fire()
		}
	}
}

func (s *Scheduler) recordTick(ctx context.Context, name string, skipped bool, worked int) {
	if s.store == nil {
		return
	}
	event := store.NewEvent(store.EventTick, "", 0, map[string]any{
		"task":    name,
		"skipped": skipped,
		"work":    worked,
	})
	if err := s.store.AppendEvent(ctx, event); err != nil && ctx.Err() == nil {
		s.logger.Warn("tick event write failed", logging.Error(err))
	}
}

// jitter spreads fires by ±10% so loops never synchronize into bursts.
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return time.Minute
	}
	spread := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(interval) * spread)
}
