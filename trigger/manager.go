package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// MaxDynamicSubscriptions caps how many dynamic triggers may exist at once.
const MaxDynamicSubscriptions = 20

var (
	// ErrSubscriptionLimit is returned when the dynamic subscription cap
	// is reached.
	ErrSubscriptionLimit = errors.New("subscription limit reached")

	// ErrDuplicateSubscription is returned for a subscribe matching an
	// existing subscription's type and config.
	ErrDuplicateSubscription = errors.New("duplicate subscription")

	// ErrUnknownTriggerType is returned for a type with no registered
	// factory.
	ErrUnknownTriggerType = errors.New("unknown trigger type")
)

type builtin struct {
	name   string
	source Source
}

// Manager owns every trigger source. Builtin sources (scheduler,
// heartbeat) always run; dynamic sources are created from persisted
// subscriptions, capped and deduplicated.
type Manager struct {
	store  *SubscriptionStore
	exec   *Executor
	logger *slog.Logger

	mu        sync.Mutex
	builtins  []builtin
	dynamic   map[string]Source
	factories map[string]Factory
	started   bool
}

// NewManager creates a Manager over the given subscription store.
func NewManager(store *SubscriptionStore, exec *Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		exec:      exec,
		logger:    logger,
		dynamic:   make(map[string]Source),
		factories: make(map[string]Factory),
	}
}

// RegisterBuiltin adds an always-on source. Must be called before StartAll.
func (m *Manager) RegisterBuiltin(name string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtins = append(m.builtins, builtin{name: name, source: src})
	m.logger.Debug("builtin trigger registered", "name", name)
}

// RegisterType adds a factory for a dynamic trigger type.
func (m *Manager) RegisterType(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
	m.logger.Debug("trigger type registered", "type", name)
}

// StartAll starts every builtin, then restores persisted subscriptions.
// Restore happens before StartAll returns, so no event can be dispatched
// ahead of a re-armed subscription. A subscription whose source fails to
// start is logged and skipped, never dropped from storage.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("trigger manager already started")
	}
	m.started = true
	builtins := append([]builtin(nil), m.builtins...)
	m.mu.Unlock()

	for _, b := range builtins {
		if err := b.source.Start(ctx); err != nil {
			return fmt.Errorf("start builtin %s: %w", b.name, err)
		}
		m.logger.Info("builtin trigger started", "name", b.name)
	}

	subs, err := m.store.ListActive()
	if err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := m.startSubscription(ctx, sub); err != nil {
			m.logger.Error("subscription restore failed", "id", sub.ID, "type", sub.Type, "err", err)
		}
	}

	m.mu.Lock()
	dynamicCount := len(m.dynamic)
	m.mu.Unlock()
	m.logger.Info("trigger manager started",
		"builtins", len(builtins), "dynamic", dynamicCount)
	return nil
}

// StopAll stops every source: dynamic first, then builtins in reverse
// registration order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	dynamic := m.dynamic
	m.dynamic = make(map[string]Source)
	builtins := append([]builtin(nil), m.builtins...)
	m.started = false
	m.mu.Unlock()

	for id, src := range dynamic {
		m.safeStop(src, "dynamic:"+id)
	}
	for i := len(builtins) - 1; i >= 0; i-- {
		m.safeStop(builtins[i].source, "builtin:"+builtins[i].name)
	}
	m.logger.Info("trigger manager stopped")
}

// Subscribe creates a persisted subscription and starts its source. The
// durable record is written first; if the source then fails to start, the
// record is rolled back so storage never holds a subscription that was
// reported as failed.
func (m *Manager) Subscribe(ctx context.Context, typ string, config map[string]string, prompt string) (*Subscription, error) {
	m.mu.Lock()
	_, known := m.factories[typ]
	count := len(m.dynamic)
	m.mu.Unlock()

	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTriggerType, typ)
	}
	if count >= MaxDynamicSubscriptions {
		return nil, fmt.Errorf("%w (%d)", ErrSubscriptionLimit, MaxDynamicSubscriptions)
	}

	existing, err := m.store.ListActive()
	if err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	for _, s := range existing {
		if s.Type == typ && maps.Equal(s.Config, config) {
			return nil, fmt.Errorf("%w: %s [%s]", ErrDuplicateSubscription, typ, s.ID)
		}
	}

	sub, err := m.store.Create(typ, config, prompt)
	if err != nil {
		return nil, err
	}

	if err := m.startSubscription(ctx, sub); err != nil {
		if delErr := m.store.Delete(sub.ID); delErr != nil {
			m.logger.Error("subscription rollback failed", "id", sub.ID, "err", delErr)
		}
		return nil, fmt.Errorf("start trigger %s: %w", typ, err)
	}

	m.logger.Info("subscribed", "id", sub.ID, "type", typ)
	return sub, nil
}

// Unsubscribe stops a dynamic source and deletes its subscription.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	src, ok := m.dynamic[id]
	delete(m.dynamic, id)
	m.mu.Unlock()

	if ok {
		m.safeStop(src, "dynamic:"+id)
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.logger.Info("unsubscribed", "id", id)
	return nil
}

// Subscriptions returns all active subscriptions.
func (m *Manager) Subscriptions() ([]*Subscription, error) {
	return m.store.ListActive()
}

func (m *Manager) startSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	factory, ok := m.factories[sub.Type]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTriggerType, sub.Type)
	}

	src, err := factory(m.exec, sub.Config, sub.Prompt)
	if err != nil {
		return err
	}
	if err := src.Start(ctx); err != nil {
		return err
	}

	// The cap is re-checked here, under the same lock as the insert, so
	// racing Subscribe calls that all passed the early check cannot push
	// the dynamic count past the limit.
	m.mu.Lock()
	if len(m.dynamic) >= MaxDynamicSubscriptions {
		m.mu.Unlock()
		m.safeStop(src, "dynamic:"+sub.ID)
		return fmt.Errorf("%w (%d)", ErrSubscriptionLimit, MaxDynamicSubscriptions)
	}
	m.dynamic[sub.ID] = src
	m.mu.Unlock()
	m.logger.Info("dynamic trigger started", "id", sub.ID, "type", sub.Type)
	return nil
}

func (m *Manager) safeStop(src Source, label string) {
	if err := src.Stop(); err != nil {
		m.logger.Error("trigger stop failed", "source", label, "err", err)
	}
}
