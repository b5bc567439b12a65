// Package mock provides a scripted agent invoker for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valetbot/valet/invoke"
)

const defaultResponse = "Acknowledged."

// Invoker implements invoke.Invoker for testing. It returns scripted
// responses, can simulate slow turns, and records every request it sees.
type Invoker struct {
	mu        sync.Mutex
	responses []string
	idx       int
	delay     time.Duration
	err       error
	requests  []invoke.Request
}

// New creates an Invoker that cycles through the given responses.
func New(responses ...string) *Invoker {
	return &Invoker{responses: responses}
}

// WithDelay makes every turn take at least d before responding, honoring
// context cancellation. Useful for exercising busy/buffer and timeout paths.
func (m *Invoker) WithDelay(d time.Duration) *Invoker {
	m.delay = d
	return m
}

// WithError makes every turn fail with err.
func (m *Invoker) WithError(err error) *Invoker {
	m.err = err
	return m
}

// Invoke returns the next scripted response. The returned handle encodes
// the turn count so tests can assert handle persistence.
func (m *Invoker) Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	delay := m.delay
	err := m.err
	var text string
	if len(m.responses) == 0 {
		text = defaultResponse
	} else {
		text = m.responses[m.idx%len(m.responses)]
		m.idx++
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &invoke.Result{
		Handle: fmt.Sprintf("conv-%d", n),
		Text:   text,
	}, nil
}

// Requests returns a copy of every request received so far.
func (m *Invoker) Requests() []invoke.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]invoke.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of turns invoked so far.
func (m *Invoker) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
