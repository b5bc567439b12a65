package trigger

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valetbot/valet/invoke"
	"github.com/valetbot/valet/invoke/mock"
	"github.com/valetbot/valet/task"
)

func newHeartbeatEnv(t *testing.T, inv invoke.Invoker) (*Heartbeat, *task.SQLiteStore, *testEnv) {
	t.Helper()
	env := newTestEnv(t, inv)
	tasks, err := task.NewSQLiteStore(env.db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	hb := NewHeartbeat(env.exec, tasks, env.registry, time.Minute, 2, nil)
	return hb, tasks, env
}

func TestHeartbeat_SilentWhenNothingToReport(t *testing.T) {
	inv := mock.New(SilentMarker)
	hb, _, env := newHeartbeatEnv(t, inv)

	hb.Tick(context.Background())

	if inv.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", inv.Calls())
	}
	if msgs := ownerMessages(env); len(msgs) != 0 {
		t.Errorf("silent heartbeat delivered %v", msgs)
	}
}

func TestHeartbeat_AlertDelivered(t *testing.T) {
	inv := mock.New("your flight leaves in two hours")
	hb, _, env := newHeartbeatEnv(t, inv)

	hb.Tick(context.Background())

	msgs := ownerMessages(env)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "flight") {
		t.Errorf("owner messages = %v", msgs)
	}
}

func TestHeartbeat_ResumesActiveTaskSessions(t *testing.T) {
	inv := mock.New(SilentMarker)
	hb, tasks, _ := newHeartbeatEnv(t, inv)

	mk := func(title, nextStep string, status task.Status) string {
		id, err := tasks.Create(&task.Task{Kind: task.KindAdhoc, Title: title, NextStep: nextStep})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if status != task.StatusPending {
			if err := tasks.TransitionStatus(id, task.StatusPending, status); err != nil {
				t.Fatalf("TransitionStatus: %v", err)
			}
		}
		return id
	}

	active := mk("research", "summarize the findings", task.StatusInProgress)
	mk("no hint", "", task.StatusInProgress)
	mk("not started", "do something", task.StatusPending)

	hb.Tick(context.Background())

	// One heartbeat check plus one resumption for the only in-progress
	// task that carries a continuation hint.
	if inv.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", inv.Calls())
	}
	var found bool
	for _, req := range inv.Requests() {
		if strings.Contains(req.Prompt, "summarize the findings") &&
			strings.Contains(req.Prompt, active) {
			found = true
		}
	}
	if !found {
		t.Error("active task was not resumed with its next step")
	}
}

func TestHeartbeat_ResumptionFailureIsolated(t *testing.T) {
	var calls int32
	inv := invoke.Func(func(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
		atomic.AddInt32(&calls, 1)
		if strings.Contains(req.Prompt, "poison") {
			return nil, errProviderDown
		}
		return &invoke.Result{Text: SilentMarker}, nil
	})
	hb, tasks, _ := newHeartbeatEnv(t, inv)

	for _, step := range []string{"poison pill", "healthy step one", "healthy step two"} {
		id, err := tasks.Create(&task.Task{Kind: task.KindAdhoc, Title: step, NextStep: step})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := tasks.TransitionStatus(id, task.StatusPending, task.StatusInProgress); err != nil {
			t.Fatalf("TransitionStatus: %v", err)
		}
	}

	hb.Tick(context.Background())

	// Heartbeat check plus all three resumptions ran despite one failing.
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestHeartbeat_StartStop(t *testing.T) {
	inv := mock.New(SilentMarker)
	env := newTestEnv(t, inv)
	tasks, err := task.NewSQLiteStore(env.db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	hb := NewHeartbeat(env.exec, tasks, env.registry, 10*time.Millisecond, 2, nil)
	if err := hb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return inv.Calls() >= 1 })
	if err := hb.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := hb.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
