package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/valetbot/valet/policy"
	"github.com/valetbot/valet/session"
)

// Manager coordinates delegations between sessions. Every notification is
// written to the store before the counterpart session hears about it, so
// a session is never told about a delegation that is not durably recorded.
type Manager struct {
	store    *Store
	registry *session.Registry
	logger   *slog.Logger

	channel       string
	ownerIdentity string
}

// NewManager creates a Manager delivering notifications on the given
// transport channel. The owner identity resolves to the owner role;
// every other identity resolves to the external role.
func NewManager(store *Store, registry *session.Registry, channel, ownerIdentity string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         store,
		registry:      registry,
		logger:        logger,
		channel:       channel,
		ownerIdentity: ownerIdentity,
	}
}

// StartConversation creates a pending delegation and notifies the target
// session with a system-authored context block. The durable write happens
// first; a busy target simply buffers the notification for its next turn.
func (m *Manager) StartConversation(ctx context.Context, requester, target, taskType string, dctx map[string]string) (string, error) {
	d, err := m.store.Create(requester, target, taskType, dctx)
	if err != nil {
		return "", err
	}

	res, err := m.registry.Submit(ctx, m.keyFor(target), m.requestBlock(d))
	if err != nil {
		// The record is durable; the target picks it up via ListFor or a
		// later notification even though this delivery failed.
		m.logger.Error("delegation notify failed", "delegation", d.ID, "target", target, "err", err)
		return d.ID, nil
	}
	if res.Buffered {
		m.logger.Debug("delegation buffered into busy target", "delegation", d.ID, "target", target)
	}

	m.logger.Info("conversation started", "delegation", d.ID,
		"requester", requester, "target", target, "type", taskType)
	return d.ID, nil
}

// UpdateConversation records progress or completion on a delegation.
// Terminal delegations reject all mutation with ErrStateConflict.
func (m *Manager) UpdateConversation(ctx context.Context, id string, status Status, result string) error {
	switch status {
	case StatusInProgress, StatusCompleted, StatusCancelled:
	default:
		return fmt.Errorf("invalid delegation status %q", status)
	}
	if err := m.store.Update(id, status, result); err != nil {
		return err
	}
	m.logger.Info("delegation updated", "delegation", id, "status", string(status))

	if status == StatusCompleted {
		return m.NotifyRequester(ctx, id)
	}
	return nil
}

// NotifyRequester dispatches the delegation's current state into the
// requester session using the same trusted-context framing as the
// original request.
func (m *Manager) NotifyRequester(ctx context.Context, id string) error {
	d, err := m.store.Get(id)
	if err != nil {
		return err
	}

	res, err := m.registry.Submit(ctx, m.keyFor(d.Requester), m.resultBlock(d))
	if err != nil {
		return fmt.Errorf("notify requester of %s: %w", id, err)
	}
	if res.Buffered {
		m.logger.Debug("requester notification buffered", "delegation", id)
	}
	return nil
}

// PendingContext renders the open delegations targeting an identity as a
// context block for that identity's next turn.
func (m *Manager) PendingContext(target string) (string, error) {
	open, err := m.store.ListFor(target)
	if err != nil {
		return "", err
	}
	if len(open) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("[Open delegations:]\n")
	for _, d := range open {
		fmt.Fprintf(&b, "- [%s] %s from %s (%s)\n", d.ID, d.TaskType, d.Requester, d.Status)
	}
	b.WriteString("[End of delegations]")
	return b.String(), nil
}

func (m *Manager) keyFor(identity string) session.Key {
	role := policy.RoleExternal
	if identity == m.ownerIdentity {
		role = policy.RoleOwner
	}
	return session.PrivateKey(m.channel, identity, role)
}

// requestBlock is the system-authored framing for a new delegation. It is
// distinct from user content so the target cannot be tricked by
// conversational input into believing a different origin.
func (m *Manager) requestBlock(d *Delegation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[delegation %s from %s]\n", d.ID, d.Requester)
	fmt.Fprintf(&b, "Task type: %s\n", d.TaskType)
	if len(d.Context) > 0 {
		b.WriteString("Context:\n")
		for _, k := range sortedKeys(d.Context) {
			fmt.Fprintf(&b, "  %s: %s\n", k, d.Context[k])
		}
	}
	b.WriteString("Work with the counterpart to accomplish this, then report back with update_conversation.")
	return b.String()
}

func (m *Manager) resultBlock(d *Delegation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[delegation %s update from %s]\n", d.ID, d.Target)
	fmt.Fprintf(&b, "Status: %s\n", d.Status)
	if d.Result != "" {
		fmt.Fprintf(&b, "Result:\n%s", d.Result)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
