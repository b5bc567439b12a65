package task

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/valetbot/valet/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "valet-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)

	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	task := &Task{
		Kind:       KindScheduled,
		Title:      "Morning digest",
		Prompt:     "Summarize overnight messages",
		ScheduleAt: &due,
		Recurrence: "daily:09:00",
		Context:    map[string]string{"origin": "owner"},
	}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" || task.ID != id {
		t.Fatalf("Create returned id %q, task.ID %q", id, task.ID)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Recurrence != "daily:09:00" {
		t.Errorf("Recurrence = %q", got.Recurrence)
	}
	if got.ScheduleAt == nil || !got.ScheduleAt.Equal(due) {
		t.Errorf("ScheduleAt = %v, want %v", got.ScheduleAt, due)
	}
	if got.Context["origin"] != "owner" {
		t.Errorf("Context = %v", got.Context)
	}
}

func TestSQLiteStore_CreateRejectsBadRecurrence(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(&Task{Title: "x", Recurrence: "hourly"}); err == nil {
		t.Fatal("Create with bad recurrence succeeded")
	}
}

func TestSQLiteStore_DueScheduled(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(title string, at time.Time, status Status) string {
		t.Helper()
		task := &Task{Kind: KindScheduled, Title: title, ScheduleAt: &at}
		id, err := store.Create(task)
		if err != nil {
			t.Fatalf("Create %s: %v", title, err)
		}
		if status != StatusPending {
			task.Status = status
			if err := store.Update(task); err != nil {
				t.Fatalf("Update %s: %v", title, err)
			}
		}
		return id
	}

	dueID := mk("due", past, StatusPending)
	mk("future", future, StatusPending)
	mk("done", past, StatusCompleted)
	mk("cancelled", past, StatusCancelled)

	due, err := store.DueScheduled(now)
	if err != nil {
		t.Fatalf("DueScheduled: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueID {
		t.Fatalf("DueScheduled = %v, want only %s", due, dueID)
	}
}

func TestSQLiteStore_TransitionStatus(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Create(&Task{Kind: KindScheduled, Title: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.TransitionStatus(id, StatusPending, StatusInProgress); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	// Claiming again must fail: no double dispatch for one occurrence.
	err = store.TransitionStatus(id, StatusPending, StatusInProgress)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second transition = %v, want ErrStatusConflict", err)
	}

	err = store.TransitionStatus("missing", StatusPending, StatusInProgress)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("transition missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Cancel(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(&Task{Kind: KindScheduled, Title: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.Get(id)
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// Cancel is idempotent.
	if err := store.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	// A completed task cannot be cancelled.
	doneID, _ := store.Create(&Task{Title: "done"})
	if err := store.TransitionStatus(doneID, StatusPending, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	err = store.Cancel(doneID)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("Cancel completed = %v, want ErrStatusConflict", err)
	}
	got, _ = store.Get(doneID)
	if got.Status != StatusCompleted {
		t.Errorf("completed task status changed to %q", got.Status)
	}
}

func TestSQLiteStore_ListHidesTerminal(t *testing.T) {
	store := newTestStore(t)

	activeID, _ := store.Create(&Task{Title: "active"})
	doneID, _ := store.Create(&Task{Title: "done"})
	if err := store.TransitionStatus(doneID, StatusPending, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != activeID {
		t.Fatalf("List = %v, want only %s", got, activeID)
	}

	all, err := store.List(Filter{IncludeTerminal: true})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List all: got %d, want 2", len(all))
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("FormatContext(nil) = %q, want empty", got)
	}
	tasks := []*Task{{ID: "ab12", Title: "Reply to invoice", Status: StatusPending}}
	got := FormatContext(tasks)
	if got == "" {
		t.Fatal("FormatContext returned empty for non-empty tasks")
	}
	for _, want := range []string{"ab12", "Reply to invoice", "pending"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatContext missing %q in %q", want, got)
		}
	}
}
