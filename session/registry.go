// Package session maps inbound events onto long-lived, resumable,
// role-scoped conversational sessions. At most one turn executes per
// session at any time; concurrent submissions are buffered and merged
// into the in-flight or next turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valetbot/valet/invoke"
	"github.com/valetbot/valet/policy"
)

// ErrTimeout reports a turn that exceeded the wall-clock bound. The
// session is released; the caller may resubmit.
var ErrTimeout = errors.New("turn timed out")

// ErrRoleMismatch reports a Resolve whose role disagrees with the role
// the session was created under. Capability sets are materialized once
// per session, so the same channel and identity cannot serve two roles.
var ErrRoleMismatch = errors.New("session role mismatch")

// DefaultTurnTimeout bounds a single turn's wall-clock time.
const DefaultTurnTimeout = 5 * time.Minute

// Session is a long-lived conversational context. All mutable state is
// guarded by mu; the busy flag is the per-session mutual-exclusion token.
type Session struct {
	key    Key
	caps   policy.Set
	system string

	mu     sync.Mutex
	busy   bool
	handle string
	inbox  []string
	last   time.Time
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

// Capabilities returns the immutable capability set materialized at creation.
func (s *Session) Capabilities() policy.Set { return s.caps }

// Result is the outcome of a Submit call.
type Result struct {
	// Buffered is true when the message was appended to a busy session's
	// inbox instead of starting a turn. Text is empty in that case.
	Buffered bool
	Text     string
}

// Config assembles a Registry.
type Config struct {
	Invoker invoke.Invoker
	Store   *HandleStore
	Logger  *slog.Logger

	// Timeout bounds each turn; DefaultTurnTimeout when zero.
	Timeout time.Duration

	// SystemPrompt frames a new session for its key. Optional.
	SystemPrompt func(Key) string

	// TurnContext returns extra context prepended to every turn for the
	// key, such as the identity's active-task block. Optional.
	TurnContext func(Key) string
}

// Registry creates, looks up, and persists sessions.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry from the given config.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("session: invoker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: handle store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTurnTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// Resolve returns the in-memory session for key, rehydrating persisted
// state or creating a fresh session as needed. Resolution for a given key
// is single-flight: the registry lock covers lookup and creation.
func (r *Registry) Resolve(key Key) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key.String()]; ok {
		if s.key.Role != key.Role {
			return nil, fmt.Errorf("resolve %s as %s (created as %s): %w",
				key, key.Role, s.key.Role, ErrRoleMismatch)
		}
		return s, nil
	}

	caps, err := policy.ForRole(key.Role)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}

	handle, inbox, err := r.cfg.Store.Load(key.String())
	if err != nil {
		return nil, err
	}

	s := &Session{
		key:    key,
		caps:   caps,
		handle: handle,
		inbox:  inbox,
	}
	if r.cfg.SystemPrompt != nil {
		s.system = r.cfg.SystemPrompt(key)
	}
	r.sessions[key.String()] = s

	r.cfg.Logger.Debug("session created",
		"key", key.String(), "role", string(key.Role), "resumed", handle != "")
	return s, nil
}

// Evict removes a session from the in-memory registry. Its durable state
// is untouched; the next Resolve rehydrates it.
func (r *Registry) Evict(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key.String())
}

// Reset clears a session's conversation handle and buffered inbox, both
// in memory and in durable storage.
func (r *Registry) Reset(key Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key.String()]
	if ok {
		delete(r.sessions, key.String())
	}
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.handle = ""
		s.inbox = nil
		s.mu.Unlock()
	}
	return r.cfg.Store.Reset(key.String())
}

// Buffer appends text to the session's durable inbox without starting a
// turn. The content is merged into the session's next turn, preserving
// context for output produced outside the conversation, such as background
// task results delivered over the transport.
func (r *Registry) Buffer(key Key, text string) error {
	s, err := r.Resolve(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inbox = append(s.inbox, text)
	inbox := append([]string(nil), s.inbox...)
	s.mu.Unlock()
	return r.cfg.Store.SaveInbox(key.String(), inbox)
}

// Submit delivers a message into the session for key. If the session is
// idle, the message plus any buffered inbox content starts a turn and
// Submit blocks until the turn (including follow-ups for messages that
// arrive mid-turn) completes or times out. If the session is busy, the
// message is appended to the durable inbox and Submit returns immediately
// with a buffered Result; busy is absorbed here, never surfaced as an
// error.
func (r *Registry) Submit(ctx context.Context, key Key, text string) (*Result, error) {
	s, err := r.Resolve(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.busy {
		s.inbox = append(s.inbox, text)
		inbox := append([]string(nil), s.inbox...)
		s.mu.Unlock()
		if err := r.cfg.Store.SaveInbox(key.String(), inbox); err != nil {
			r.cfg.Logger.Warn("persist inbox", "key", key.String(), "err", err)
		}
		r.cfg.Logger.Debug("message buffered", "key", key.String())
		return &Result{Buffered: true}, nil
	}
	s.busy = true
	prompt := r.buildPrompt(s, text)
	s.mu.Unlock()

	return r.runTurns(ctx, s, prompt)
}

// buildPrompt merges turn context, drained inbox content, and the new
// message, in that order. Caller holds s.mu.
func (r *Registry) buildPrompt(s *Session, text string) string {
	var parts []string
	if r.cfg.TurnContext != nil {
		if tc := r.cfg.TurnContext(s.key); tc != "" {
			parts = append(parts, tc)
		}
	}
	if buffered := s.drainInboxLocked(); buffered != "" {
		parts = append(parts, buffered)
	}
	if text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}

// drainInboxLocked consumes the inbox and returns it as one block.
// Caller holds s.mu and is responsible for clearing the durable copy.
func (s *Session) drainInboxLocked() string {
	if len(s.inbox) == 0 {
		return ""
	}
	lines := append([]string{"[Incoming messages:]"}, s.inbox...)
	lines = append(lines, "[End of incoming]")
	s.inbox = nil
	return strings.Join(lines, "\n")
}

// runTurns executes one turn and then follow-up turns for any messages
// buffered while the previous turn was in flight. The session is released
// on every exit path.
func (r *Registry) runTurns(ctx context.Context, s *Session, prompt string) (*Result, error) {
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.last = time.Now()
		s.mu.Unlock()
	}()

	// Inbox content was merged into the prompt; clear the durable copy so
	// a crash mid-turn re-delivers nothing twice at worst, not forever.
	if err := r.cfg.Store.SaveInbox(s.key.String(), nil); err != nil {
		r.cfg.Logger.Warn("clear inbox", "key", s.key.String(), "err", err)
	}

	var lastText string
	for {
		res, err := r.invokeOnce(ctx, s, prompt)
		if err != nil {
			return nil, err
		}
		lastText = res.Text

		s.mu.Lock()
		followup := s.drainInboxLocked()
		s.mu.Unlock()
		if followup == "" {
			return &Result{Text: lastText}, nil
		}
		if err := r.cfg.Store.SaveInbox(s.key.String(), nil); err != nil {
			r.cfg.Logger.Warn("clear inbox", "key", s.key.String(), "err", err)
		}
		r.cfg.Logger.Debug("follow-up turn", "key", s.key.String())
		prompt = followup + "\n[Continue, taking the new messages into account.]"
	}
}

// invokeOnce runs a single bounded invocation and persists the handle on
// success. An aborted turn persists nothing. The wall-clock bound is
// enforced here, not delegated to the invoker: on expiry the in-flight
// call is abandoned and any late result is discarded, so a hung
// collaborator cannot hold the session busy.
func (r *Registry) invokeOnce(ctx context.Context, s *Session, prompt string) (*invoke.Result, error) {
	s.mu.Lock()
	req := invoke.Request{
		Handle:       s.handle,
		Tools:        s.caps.Names(),
		SystemPrompt: s.system,
		Prompt:       prompt,
	}
	s.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type outcome struct {
		res *invoke.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.cfg.Invoker.Invoke(tctx, req)
		done <- outcome{res, err}
	}()

	var res *invoke.Result
	var err error
	select {
	case out := <-done:
		res, err = out.res, out.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session %s: turn: %w", s.key, ctx.Err())
		}
		r.cfg.Logger.Error("turn timeout", "key", s.key.String(), "timeout", r.cfg.Timeout)
		return nil, fmt.Errorf("session %s: %w", s.key, ErrTimeout)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.cfg.Logger.Error("turn timeout", "key", s.key.String(), "timeout", r.cfg.Timeout)
			return nil, fmt.Errorf("session %s: %w", s.key, ErrTimeout)
		}
		r.cfg.Logger.Error("turn failed", "key", s.key.String(), "err", err)
		return nil, fmt.Errorf("session %s: turn: %w", s.key, err)
	}

	if res.Handle != "" {
		s.mu.Lock()
		s.handle = res.Handle
		s.mu.Unlock()
		if err := r.cfg.Store.SaveHandle(s.key.String(), res.Handle); err != nil {
			r.cfg.Logger.Warn("persist handle", "key", s.key.String(), "err", err)
		}
	}
	return res, nil
}
