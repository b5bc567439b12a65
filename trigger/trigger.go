// Package trigger turns external and periodic event sources into agent
// dispatches. Builtin sources (scheduler, heartbeat) run as fixed-interval
// loops owned by the Manager; dynamic sources are created from persisted
// subscriptions at runtime. Every source funnels through Executor.Execute,
// so triggers share the same busy/buffering semantics as user messages.
package trigger

import (
	"context"
	"time"
)

// Event is a normalized occurrence from any trigger source.
type Event struct {
	// Source tags the producer, such as "scheduler" or "channel:@news".
	Source string

	// Prompt is the instruction dispatched into the agent session.
	Prompt string

	// Context carries source-specific metadata. A "task_id" entry routes
	// the event into that task's bound session instead of the owner's.
	Context map[string]string

	// NotifyOwner controls whether the result is delivered to the owner.
	NotifyOwner bool

	// Preview, when set, is sent to the owner before the turn starts.
	Preview string

	// SilentMarker, when present in the response, suppresses delivery.
	SilentMarker string

	// ResultPrefix is prepended to the delivered response.
	ResultPrefix string
}

// Subscription is a durable binding of a dynamic trigger type to a
// source-specific configuration. Restored into the Manager at startup.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Config    map[string]string `json:"config,omitempty"`
	Prompt    string            `json:"prompt"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
}

// Source is any event producer. Start must not block; it launches the
// source's own goroutines and returns. Stop tears them down.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
}

// Factory builds a Source for a dynamic subscription. The source fires
// events by calling exec.Execute.
type Factory func(exec *Executor, config map[string]string, prompt string) (Source, error)
