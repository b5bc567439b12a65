// Package task defines the task model, recurrence rules, and persistence
// for scheduled and delegated work items.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies how a task came to exist and how it is dispatched.
type Kind string

const (
	KindScheduled    Kind = "scheduled"    // dispatched by the scheduler at ScheduleAt
	KindConversation Kind = "conversation" // created by cross-session delegation
	KindAdhoc        Kind = "adhoc"        // plain tracked work item
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
// A terminal task is never re-dispatched.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Task is a unit of scheduled or delegated work. Tasks are never deleted,
// only cancelled.
type Task struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Title      string            `json:"title"`
	Prompt     string            `json:"prompt,omitempty"`
	Status     Status            `json:"status"`
	ScheduleAt *time.Time        `json:"schedule_at,omitempty"`
	Recurrence string            `json:"recurrence,omitempty"` // see ParseRecurrence
	NextStep   string            `json:"next_step,omitempty"`  // continuation hint consumed by heartbeat
	SessionID  string            `json:"session_id,omitempty"` // bound task session, if any
	Requester  string            `json:"requester,omitempty"`
	Assignee   string            `json:"assignee,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Result     string            `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task.
	Update(t *Task) error

	// List returns tasks matching the given filter.
	List(filter Filter) ([]*Task, error)

	// DueScheduled returns pending scheduled tasks due at or before t.
	DueScheduled(t time.Time) ([]*Task, error)

	// TransitionStatus atomically moves a task from one status to another.
	// It returns ErrStatusConflict if the task is not in the from status,
	// which arbitrates dispatch-vs-cancel races.
	TransitionStatus(id string, from, to Status) error

	// Rearm moves a dispatched recurring task back to pending with a new
	// due time. Conditional on in_progress so a concurrent cancel wins.
	Rearm(id string, next time.Time) error

	// Complete finishes a dispatched task and records its result.
	// Conditional on in_progress so a concurrent cancel wins.
	Complete(id, result string) error

	// Cancel moves a non-completed task to cancelled.
	Cancel(id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Kind            Kind    `json:"kind,omitempty"`
	Status          *Status `json:"status,omitempty"`
	Assignee        string  `json:"assignee,omitempty"`
	IncludeTerminal bool    `json:"include_terminal,omitempty"`
	Limit           int     `json:"limit,omitempty"`
}

// FormatContext renders the active tasks assigned to an identity as a
// context block injected at the start of that identity's turns.
func FormatContext(tasks []*Task) string {
	if len(tasks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Active tasks:]\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s)", t.ID, t.Title, t.Status)
		if t.ScheduleAt != nil {
			fmt.Fprintf(&b, " due %s", t.ScheduleAt.Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}
	b.WriteString("[End of tasks]")
	return b.String()
}
