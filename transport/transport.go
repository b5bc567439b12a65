// Package transport defines the message-transport collaborator boundary
// and an in-process bus used for tests and loopback wiring.
package transport

import (
	"context"
	"time"
)

// Incoming is a message delivered by a chat transport.
type Incoming struct {
	Channel  string    `json:"channel"`  // transport channel tag, e.g. "bot"
	Identity string    `json:"identity"` // sender identity on that channel
	RoleHint string    `json:"role_hint,omitempty"`
	Text     string    `json:"text"`
	Received time.Time `json:"received"`
}

// Outgoing is a message to be delivered to an identity on a channel.
type Outgoing struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

// Handler processes messages delivered to a subscribed identity.
type Handler func(ctx context.Context, msg Outgoing) error

// Transport delivers outbound messages. Implementations wrap a concrete
// chat protocol; the engine never sees wire formats.
type Transport interface {
	// Send delivers text to the given identity on the given channel.
	Send(ctx context.Context, channel, identity, text string) error
}
