package session

import (
	"fmt"

	"github.com/valetbot/valet/policy"
)

// Key identifies a session by transport channel, identity, role, and scope.
// The string form is stable and used as the persistence key.
type Key struct {
	Channel  string
	Identity string
	Role     policy.Role
	scope    string
}

// PrivateKey returns the key for a 1:1 session with an identity on a channel.
func PrivateKey(channel, identity string, role policy.Role) Key {
	return Key{
		Channel:  channel,
		Identity: identity,
		Role:     role,
		scope:    fmt.Sprintf("%s:%s", channel, identity),
	}
}

// GroupKey returns the key for a group-chat session, keyed by chat id.
func GroupKey(channel, chatID string) Key {
	return Key{
		Channel:  channel,
		Identity: chatID,
		Role:     policy.RoleGroup,
		scope:    fmt.Sprintf("group:%s:%s", channel, chatID),
	}
}

// TaskKey returns the key for a session bound to a task's lifetime.
func TaskKey(taskID string) Key {
	return Key{
		Identity: taskID,
		Role:     policy.RoleTask,
		scope:    "task:" + taskID,
	}
}

// String returns the stable persistence key.
func (k Key) String() string { return k.scope }
