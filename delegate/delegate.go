// Package delegate implements cross-session conversation delegation: a
// requester session asks a target session to accomplish something, with
// the request and its result carried as system-authored records rather
// than raw message forwards, so role boundaries stay intact.
package delegate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a delegation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ErrStateConflict is returned for attempts to mutate a terminal
// delegation. The stored result is left unchanged.
var ErrStateConflict = errors.New("delegation state conflict")

// ErrNotFound is returned when no delegation exists for the given ID.
var ErrNotFound = errors.New("delegation not found")

// Delegation records one cross-session request.
type Delegation struct {
	ID        string            `json:"id"`
	Requester string            `json:"requester"`
	Target    string            `json:"target"`
	TaskType  string            `json:"task_type"`
	Context   map[string]string `json:"context,omitempty"`
	Status    Status            `json:"status"`
	Result    string            `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

const delegationSchema = `
CREATE TABLE IF NOT EXISTS delegations (
	id         TEXT PRIMARY KEY,
	requester  TEXT NOT NULL,
	target     TEXT NOT NULL,
	task_type  TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL,
	result     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delegations_target ON delegations(target, status);
`

// Store persists delegations in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore ensures the delegations table exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(delegationSchema); err != nil {
		return nil, fmt.Errorf("create delegations schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create persists a new pending delegation and returns it.
func (s *Store) Create(requester, target, taskType string, context map[string]string) (*Delegation, error) {
	now := time.Now().UTC()
	d := &Delegation{
		ID:        uuid.NewString()[:8],
		Requester: requester,
		Target:    target,
		TaskType:  taskType,
		Context:   context,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, _ := json.Marshal(context)
	_, err := s.db.Exec(`
		INSERT INTO delegations (id, requester, target, task_type, context, status, result, created_at, updated_at)
		VALUES (?,?,?,?,?,?,'',?,?)`,
		d.ID, d.Requester, d.Target, d.TaskType, string(ctx), string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert delegation: %w", err)
	}
	return d, nil
}

// Get retrieves a delegation by ID.
func (s *Store) Get(id string) (*Delegation, error) {
	row := s.db.QueryRow(`
		SELECT id, requester, target, task_type, context, status, result, created_at, updated_at
		FROM delegations WHERE id = ?`, id)

	var d Delegation
	var ctxJSON, status string
	err := row.Scan(&d.ID, &d.Requester, &d.Target, &d.TaskType, &ctxJSON,
		&status, &d.Result, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation %s: %w", id, err)
	}
	d.Status = Status(status)
	_ = json.Unmarshal([]byte(ctxJSON), &d.Context)
	return &d, nil
}

// Update moves a delegation to a new status, optionally recording a
// result. The conditional write excludes terminal rows, so a completed or
// cancelled delegation can never be retroactively mutated.
func (s *Store) Update(id string, status Status, result string) error {
	res, err := s.db.Exec(`
		UPDATE delegations SET status=?, result=?, updated_at=?
		WHERE id=? AND status NOT IN (?, ?)`,
		string(status), result, time.Now().UTC(), id,
		string(StatusCompleted), string(StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is terminal", ErrStateConflict, id)
	}
	return nil
}

// ListFor returns non-terminal delegations targeting the given identity,
// oldest first.
func (s *Store) ListFor(target string) ([]*Delegation, error) {
	return s.list(`
		SELECT id, requester, target, task_type, context, status, result, created_at, updated_at
		FROM delegations WHERE target = ? AND status IN (?, ?) ORDER BY created_at ASC`,
		target, string(StatusPending), string(StatusInProgress))
}

// ListAll returns every delegation, oldest first.
func (s *Store) ListAll() ([]*Delegation, error) {
	return s.list(`
		SELECT id, requester, target, task_type, context, status, result, created_at, updated_at
		FROM delegations ORDER BY created_at ASC`)
}

func (s *Store) list(query string, args ...any) ([]*Delegation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		var d Delegation
		var ctxJSON, status string
		if err := rows.Scan(&d.ID, &d.Requester, &d.Target, &d.TaskType, &ctxJSON,
			&status, &d.Result, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = Status(status)
		_ = json.Unmarshal([]byte(ctxJSON), &d.Context)
		out = append(out, &d)
	}
	return out, rows.Err()
}
