package trigger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/valetbot/valet/invoke"
	"github.com/valetbot/valet/invoke/mock"
	"github.com/valetbot/valet/task"
)

func newSchedulerEnv(t *testing.T, inv invoke.Invoker) (*Scheduler, *task.SQLiteStore, *testEnv) {
	t.Helper()
	env := newTestEnv(t, inv)
	tasks, err := task.NewSQLiteStore(env.db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	sched := NewScheduler(tasks, env.exec, time.Minute, nil)
	return sched, tasks, env
}

func createScheduled(t *testing.T, store *task.SQLiteStore, title, recurrence string, due time.Time) string {
	t.Helper()
	id, err := store.Create(&task.Task{
		Kind:       task.KindScheduled,
		Title:      title,
		Prompt:     "run " + title,
		ScheduleAt: &due,
		Recurrence: recurrence,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestScheduler_NonRecurringCompletesOnce(t *testing.T) {
	inv := mock.New("report done")
	sched, tasks, _ := newSchedulerEnv(t, inv)
	id := createScheduled(t, tasks, "daily report", "", time.Now().Add(-time.Minute))

	sched.Tick(context.Background())

	got, err := tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if !strings.Contains(got.Result, "report done") {
		t.Errorf("result = %q", got.Result)
	}

	calls := inv.Calls()
	sched.Tick(context.Background())
	if inv.Calls() != calls {
		t.Error("completed task was re-dispatched")
	}
}

func TestScheduler_RecurringRearmsStrictlyAfter(t *testing.T) {
	inv := mock.New("done")
	sched, tasks, _ := newSchedulerEnv(t, inv)
	due := time.Now().Add(-time.Minute)
	id := createScheduled(t, tasks, "standup ping", "daily:09:00", due)

	sched.Tick(context.Background())

	got, err := tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.ScheduleAt == nil || !got.ScheduleAt.After(due) {
		t.Errorf("rearmed to %v, want strictly after %v", got.ScheduleAt, due)
	}
	if !got.ScheduleAt.After(time.Now()) {
		t.Errorf("rearmed to %v, which is already due", got.ScheduleAt)
	}
}

func TestScheduler_FutureTasksNotDispatched(t *testing.T) {
	inv := mock.New()
	sched, tasks, _ := newSchedulerEnv(t, inv)
	createScheduled(t, tasks, "later", "", time.Now().Add(time.Hour))

	sched.Tick(context.Background())
	if inv.Calls() != 0 {
		t.Error("future task was dispatched")
	}
}

func TestScheduler_CancelledNeverDispatched(t *testing.T) {
	inv := mock.New()
	sched, tasks, _ := newSchedulerEnv(t, inv)
	id := createScheduled(t, tasks, "doomed", "", time.Now().Add(-time.Minute))

	if err := tasks.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	sched.Tick(context.Background())
	if inv.Calls() != 0 {
		t.Error("cancelled task was dispatched")
	}
}

func TestScheduler_FailureLeavesPendingForRetry(t *testing.T) {
	failing := mock.New().WithError(errProviderDown)
	sched, tasks, _ := newSchedulerEnv(t, failing)
	id := createScheduled(t, tasks, "flaky", "", time.Now().Add(-time.Minute))

	sched.Tick(context.Background())

	got, err := tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending for retry", got.Status)
	}

	calls := failing.Calls()
	sched.Tick(context.Background())
	if failing.Calls() != calls+1 {
		t.Error("failed task was not retried on the next poll")
	}
}

func TestScheduler_ConcurrentCancelDiscardsResult(t *testing.T) {
	var tasks *task.SQLiteStore
	var id string

	// Cancel the task while its dispatch is in flight.
	inv := invoke.Func(func(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
		if err := tasks.Cancel(id); err != nil {
			t.Errorf("mid-flight Cancel: %v", err)
		}
		return &invoke.Result{Text: "too late"}, nil
	})

	sched, store, _ := newSchedulerEnv(t, inv)
	tasks = store
	id = createScheduled(t, store, "racy", "", time.Now().Add(-time.Minute))

	sched.Tick(context.Background())

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.Result != "" {
		t.Errorf("cancelled task kept result %q", got.Result)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	inv := mock.New("done")
	sched, tasks, _ := newSchedulerEnv(t, inv)
	createScheduled(t, tasks, "quick", "", time.Now().Add(-time.Minute))

	fast := NewScheduler(tasks, sched.exec, 10*time.Millisecond, nil)
	if err := fast.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return inv.Calls() >= 1 })
	if err := fast.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := fast.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

var errProviderDown = errors.New("provider down")

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
