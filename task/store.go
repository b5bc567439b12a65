package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrStatusConflict is returned by TransitionStatus when the task is not in
// the expected source status, and by Cancel for already-completed tasks.
var ErrStatusConflict = errors.New("task status conflict")

// ErrNotFound is returned when no task exists for the given ID.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL,
	prompt      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	schedule_at DATETIME,
	recurrence  TEXT NOT NULL DEFAULT '',
	next_step   TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	requester   TEXT NOT NULL DEFAULT '',
	assignee    TEXT NOT NULL DEFAULT '',
	context     TEXT NOT NULL DEFAULT '{}',
	result      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(kind, status, schedule_at);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the tasks table exists on the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
// The recurrence rule is validated before the write.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if _, err := ParseRecurrence(t.Recurrence); err != nil {
		return "", err
	}
	if t.Kind == "" {
		t.Kind = KindAdhoc
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.ID = uuid.NewString()[:8]
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	ctx, _ := json.Marshal(t.Context)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, kind, title, prompt, status, schedule_at, recurrence, next_step,
			 session_id, requester, assignee, context, result, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Kind), t.Title, t.Prompt, string(t.Status),
		nullTime(t.ScheduleAt), t.Recurrence, t.NextStep,
		t.SessionID, t.Requester, t.Assignee,
		string(ctx), t.Result, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	ctx, _ := json.Marshal(t.Context)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			kind=?, title=?, prompt=?, status=?, schedule_at=?, recurrence=?,
			next_step=?, session_id=?, requester=?, assignee=?, context=?,
			result=?, updated_at=?
		WHERE id=?`,
		string(t.Kind), t.Title, t.Prompt, string(t.Status),
		nullTime(t.ScheduleAt), t.Recurrence,
		t.NextStep, t.SessionID, t.Requester, t.Assignee, string(ctx),
		t.Result, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, t.ID)
}

// List returns tasks matching the filter. Terminal tasks are hidden unless
// the filter asks for them or names a status explicitly.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Kind != "" {
		q.WriteString(" AND kind=?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	} else if !filter.IncludeTerminal {
		q.WriteString(" AND status NOT IN ('completed','cancelled','failed')")
	}
	if filter.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, filter.Assignee)
	}
	q.WriteString(" ORDER BY created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueScheduled returns pending scheduled tasks whose due time is at or
// before the given instant, oldest first.
func (s *SQLiteStore) DueScheduled(before time.Time) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT * FROM tasks
		WHERE kind = ? AND status = ? AND schedule_at IS NOT NULL AND schedule_at <= ?
		ORDER BY schedule_at ASC`,
		string(KindScheduled), string(StatusPending), before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionStatus atomically moves a task from one status to another.
// The conditional update is what makes scheduled dispatch idempotent: the
// scheduler claims a task by moving it away from pending before invoking
// the dispatch callback, and a concurrent cancel wins the race because the
// follow-up transition finds the task no longer in_progress.
func (s *SQLiteStore) TransitionStatus(id string, from, to Status) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not %s", ErrStatusConflict, id, from)
	}
	return nil
}

// Rearm returns a dispatched recurring task to pending with its next due
// time. The in_progress condition means a task cancelled while its dispatch
// was in flight stays cancelled; the caller sees ErrStatusConflict and
// discards the dispatch result.
func (s *SQLiteStore) Rearm(id string, next time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, schedule_at=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusPending), next.UTC(), time.Now().UTC(), id, string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("rearm task %s: %w", id, err)
	}
	return requireInProgress(s, res, id)
}

// Complete finishes a dispatched task and records its result, conditional
// on the task still being in_progress.
func (s *SQLiteStore) Complete(id, result string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, result=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusCompleted), result, time.Now().UTC(), id, string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return requireInProgress(s, res, id)
}

func requireInProgress(s *SQLiteStore, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not %s", ErrStatusConflict, id, StatusInProgress)
	}
	return nil
}

// Cancel moves a task to cancelled regardless of prior status, except a
// completed task which stays completed.
func (s *SQLiteStore) Cancel(id string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status NOT IN (?, ?)`,
		string(StatusCancelled), time.Now().UTC(), id,
		string(StatusCompleted), string(StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		t, err := s.Get(id)
		if err != nil {
			return err
		}
		if t.Status == StatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: %s already completed", ErrStatusConflict, id)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var kind, status, contextJSON string
	var scheduleAt sql.NullTime

	err := s.Scan(
		&t.ID, &kind, &t.Title, &t.Prompt, &status,
		&scheduleAt, &t.Recurrence, &t.NextStep,
		&t.SessionID, &t.Requester, &t.Assignee,
		&contextJSON, &t.Result,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = Kind(kind)
	t.Status = Status(status)
	_ = json.Unmarshal([]byte(contextJSON), &t.Context)
	if scheduleAt.Valid {
		t.ScheduleAt = &scheduleAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
