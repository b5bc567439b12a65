package transport

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBus is a thread-safe in-process transport. Deliveries invoke the
// handlers subscribed to the target identity; a bounded history of recent
// messages is kept for inspection.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // identity -> handlers
	history  []Outgoing
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-message history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  1000,
	}
}

// Send delivers text to every handler subscribed to the identity.
func (b *InMemoryBus) Send(ctx context.Context, channel, identity, text string) error {
	msg := Outgoing{Channel: channel, Identity: identity, Text: text}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	var targets []Handler
	for _, e := range b.handlers[identity] {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for messages addressed to identity.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(identity string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[identity] = append(b.handlers[identity], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[identity]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, identity)
		} else {
			b.handlers[identity] = filtered
		}
	}
}

// History returns the most recent limit messages sent to identity, in
// chronological order. A limit of 0 returns all of them.
func (b *InMemoryBus) History(identity string, limit int) []Outgoing {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Outgoing
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].Identity == identity {
			result = append(result, b.history[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}
