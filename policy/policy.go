// Package policy maps session roles to their allowed capability sets.
package policy

import "fmt"

// Role identifies the permission scope of a session.
type Role string

const (
	RoleOwner    Role = "owner"    // full capability set
	RoleExternal Role = "external" // status/report only
	RoleGroup    Role = "group"    // shell/files, no scheduling or delegation
	RoleTask     Role = "task"     // owner-equivalent, bound to one task
)

// Capability names a single invocable operation.
type Capability string

const (
	CapScheduleTask       Capability = "schedule_task"
	CapCancelTask         Capability = "cancel_task"
	CapListTasks          Capability = "list_tasks"
	CapUpdateTask         Capability = "update_task"
	CapSubscribeTrigger   Capability = "subscribe_trigger"
	CapUnsubscribeTrigger Capability = "unsubscribe_trigger"
	CapListTriggers       Capability = "list_triggers"
	CapStartConversation  Capability = "start_conversation"
	CapUpdateConversation Capability = "update_conversation"
	CapSendMessage        Capability = "send_message"
	CapMemory             Capability = "memory"
	CapShell              Capability = "shell"
	CapFiles              Capability = "files"
)

// Set is an immutable collection of capabilities materialized at session creation.
type Set map[Capability]struct{}

// Has reports whether the set contains cap.
func (s Set) Has(cap Capability) bool {
	_, ok := s[cap]
	return ok
}

// Names returns the capability names in the set.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, string(c))
	}
	return names
}

func newSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

var ownerCaps = newSet(
	CapScheduleTask, CapCancelTask, CapListTasks, CapUpdateTask,
	CapSubscribeTrigger, CapUnsubscribeTrigger, CapListTriggers,
	CapStartConversation, CapUpdateConversation,
	CapSendMessage, CapMemory, CapShell, CapFiles,
)

var roleCaps = map[Role]Set{
	RoleOwner:    ownerCaps,
	RoleExternal: newSet(CapListTasks, CapUpdateTask, CapUpdateConversation, CapSendMessage),
	RoleGroup:    newSet(CapShell, CapFiles, CapSendMessage),
	RoleTask:     ownerCaps,
}

// ForRole returns the capability set for the given role. The mapping is
// total over the known roles; an unknown role is a configuration error,
// never a silent full or empty grant.
func ForRole(role Role) (Set, error) {
	caps, ok := roleCaps[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return caps, nil
}
