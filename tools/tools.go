// Package tools is the role-gated operation surface the agent invokes
// during a turn. Every call is validated against the calling session's
// capability set at this boundary; the invocation layer is never trusted
// to self-restrict.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/valetbot/valet/policy"
)

// ErrCapabilityDenied is returned when a tool is invoked outside the
// caller's allowed set. It is fatal to the single call only; the turn
// receives it as a refusal.
var ErrCapabilityDenied = errors.New("capability denied")

// ErrUnknownTool is returned for a tool name with no registration.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one invocable operation guarded by a capability.
type Tool struct {
	Name        string
	Description string
	Capability  policy.Capability
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the registered tools and enforces capability checks.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A duplicate name replaces the previous entry.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Invoke runs the named tool on behalf of a session holding caps. The
// capability check happens here, at the tool boundary, for every call.
func (r *Registry) Invoke(ctx context.Context, caps policy.Set, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !caps.Has(t.Capability) {
		return "", fmt.Errorf("%w: %s requires %s", ErrCapabilityDenied, name, t.Capability)
	}
	return t.Run(ctx, args)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allowed returns the tool names a capability set may invoke, sorted.
func (r *Registry) Allowed(caps policy.Set) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, t := range r.tools {
		if caps.Has(t.Capability) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func mapArg(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
