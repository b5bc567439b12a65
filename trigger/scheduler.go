package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valetbot/valet/task"
)

// DefaultPollInterval is how often the scheduler checks for due tasks.
const DefaultPollInterval = 30 * time.Second

// Scheduler polls the task store for due scheduled tasks and dispatches
// them through the Executor. It implements Source and is registered as a
// builtin with the Manager.
type Scheduler struct {
	store    task.Store
	exec     *Executor
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	polling bool
}

// NewScheduler creates a Scheduler polling at the given interval, or
// DefaultPollInterval when zero.
func NewScheduler(store task.Store, exec *Executor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, exec: exec, interval: interval, logger: logger}
}

// Start launches the poll loop. Ticks never overlap: a tick that fires
// while the previous poll is still running is skipped, not queued.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the poll loop and waits for an in-flight poll to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick runs one poll pass immediately. Exposed for tests and for manual
// "check now" operation; the loop calls the same path.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	due, err := s.store.DueScheduled(time.Now())
	if err != nil {
		s.logger.Error("due-task query failed", "err", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, t)
	}
}

// dispatch claims one due task and runs it. The claim transition is what
// makes dispatch idempotent: a task is moved away from pending before the
// callback runs, so an overlapping poll or a concurrent cancel never
// produces a second dispatch for the same due occurrence.
func (s *Scheduler) dispatch(ctx context.Context, t *task.Task) {
	if err := s.store.TransitionStatus(t.ID, task.StatusPending, task.StatusInProgress); err != nil {
		if !errors.Is(err, task.ErrStatusConflict) {
			s.logger.Error("task claim failed", "task", t.ID, "err", err)
		}
		return
	}

	s.logger.Info("dispatching scheduled task", "task", t.ID, "title", t.Title)

	result, err := s.exec.Execute(ctx, Event{
		Source:       "scheduler",
		Prompt:       t.Prompt,
		Context:      map[string]string{"task_id": t.ID},
		NotifyOwner:  true,
		Preview:      fmt.Sprintf("Running task [%s]: %s", t.ID, t.Title),
		ResultPrefix: fmt.Sprintf("Result [%s]:", t.ID),
	})
	if err != nil {
		s.logger.Error("task dispatch failed", "task", t.ID, "err", err)
		// Back to pending, unchanged, so the next poll retries. A task
		// cancelled mid-flight stays cancelled.
		if err := s.store.TransitionStatus(t.ID, task.StatusInProgress, task.StatusPending); err != nil && !errors.Is(err, task.ErrStatusConflict) {
			s.logger.Error("task release failed", "task", t.ID, "err", err)
		}
		return
	}

	s.rearmOrComplete(t, result)
}

func (s *Scheduler) rearmOrComplete(t *task.Task, result string) {
	rec, err := task.ParseRecurrence(t.Recurrence)
	if err != nil || rec.None() {
		if err := s.store.Complete(t.ID, result); err != nil {
			if errors.Is(err, task.ErrStatusConflict) {
				// Cancelled while the dispatch was in flight; result discarded.
				s.logger.Info("dispatch result discarded", "task", t.ID)
				return
			}
			s.logger.Error("task completion failed", "task", t.ID, "err", err)
		}
		return
	}

	after := time.Now()
	if t.ScheduleAt != nil && t.ScheduleAt.After(after) {
		after = *t.ScheduleAt
	}
	next := rec.Next(after)
	if err := s.store.Rearm(t.ID, next); err != nil {
		if errors.Is(err, task.ErrStatusConflict) {
			s.logger.Info("dispatch result discarded", "task", t.ID)
			return
		}
		s.logger.Error("task rearm failed", "task", t.ID, "err", err)
		return
	}
	s.logger.Info("task rearmed", "task", t.ID, "next", next)
}
