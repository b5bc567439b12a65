package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valetbot/valet/session"
	"github.com/valetbot/valet/task"
)

// SilentMarker is the response marker meaning "nothing to report"; a
// heartbeat turn containing it is never delivered to the owner.
const SilentMarker = "HEARTBEAT_OK"

// DefaultHeartbeatInterval is the pause between heartbeat checks.
const DefaultHeartbeatInterval = 30 * time.Minute

// DefaultResumeConcurrency bounds parallel task-session resumption.
const DefaultResumeConcurrency = 4

const heartbeatPrompt = `This is a periodic check-in. Review your active tasks,
reminders, and anything time-sensitive. If something needs the owner's
attention, say so. Otherwise reply with exactly ` + SilentMarker + `.`

// Heartbeat wakes the agent on a fixed interval for proactive checks, and
// on each tick resumes every active task-bound session so multi-step tasks
// make progress without user interaction. Implements Source.
type Heartbeat struct {
	exec        *Executor
	tasks       task.Store
	registry    *session.Registry
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a Heartbeat. Zero interval and concurrency fall
// back to the defaults.
func NewHeartbeat(exec *Executor, tasks task.Store, registry *session.Registry, interval time.Duration, concurrency int, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if concurrency <= 0 {
		concurrency = DefaultResumeConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		exec:        exec,
		tasks:       tasks,
		registry:    registry,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the heartbeat loop. The first check fires one full
// interval after start, not immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return fmt.Errorf("heartbeat already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Tick(ctx)
			}
		}
	}()
	h.logger.Info("heartbeat started", "interval", h.interval)
	return nil
}

// Stop halts the loop and waits for an in-flight check to finish.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	h.logger.Info("heartbeat stopped")
	return nil
}

// Tick runs one heartbeat check immediately: the owner-session check-in
// plus parallel resumption of active task sessions.
func (h *Heartbeat) Tick(ctx context.Context) {
	if _, err := h.exec.Execute(ctx, Event{
		Source:       "heartbeat",
		Prompt:       heartbeatPrompt,
		NotifyOwner:  true,
		SilentMarker: SilentMarker,
	}); err != nil {
		h.logger.Error("heartbeat check failed", "err", err)
	}

	h.resumeActiveTasks(ctx)
}

// resumeActiveTasks feeds each in-progress task's stored next_step into
// its bound session. Tasks are independent, so resumption is parallel
// with bounded concurrency and per-task failure isolation.
func (h *Heartbeat) resumeActiveTasks(ctx context.Context) {
	status := task.StatusInProgress
	active, err := h.tasks.List(task.Filter{Status: &status})
	if err != nil {
		h.logger.Error("active-task query failed", "err", err)
		return
	}

	sem := make(chan struct{}, h.concurrency)
	var wg sync.WaitGroup
	for _, t := range active {
		if t.NextStep == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t *task.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			key := session.TaskKey(t.ID)
			res, err := h.registry.Submit(ctx, key,
				fmt.Sprintf("[Continuing task %s]\n%s", t.ID, t.NextStep))
			if err != nil {
				h.logger.Error("task resume failed", "task", t.ID, "err", err)
				return
			}
			if res.Buffered {
				return
			}
			h.logger.Debug("task resumed", "task", t.ID)
		}(t)
	}
	wg.Wait()
}
