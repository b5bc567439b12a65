// Package invoke defines the agent-invocation collaborator contract.
// The engine treats an invocation as an opaque asynchronous call: it may
// fail or hang, and the session registry owns the wall-clock timeout.
package invoke

import "context"

// Request describes one turn submitted to the agent collaborator.
type Request struct {
	// Handle is the resumable conversation token from a previous turn,
	// or empty for a fresh conversation.
	Handle string

	// Tools is the set of tool names the turn may invoke, materialized
	// from the session's role at creation time.
	Tools []string

	// SystemPrompt frames the session's role. Set once per session.
	SystemPrompt string

	// Prompt is the merged input for this turn.
	Prompt string
}

// Result is the outcome of a completed turn.
type Result struct {
	// Handle resumes the conversation on the next turn. Persisted by the
	// session registry after every successful turn.
	Handle string

	// Text is the agent's final textual response.
	Text string
}

// Invoker runs one agent turn. Implementations should honor ctx
// cancellation to avoid leaking work; the session registry abandons
// turns that exceed its timeout either way.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
