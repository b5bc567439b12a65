package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/valetbot/valet/policy"
	"github.com/valetbot/valet/session"
	"github.com/valetbot/valet/transport"
)

// maxMessageLength bounds a single delivered result.
const maxMessageLength = 4000

// Executor is the single entry point all trigger sources funnel through.
// It normalizes an Event into a session turn and delivers the result to
// the owner over the transport.
type Executor struct {
	registry  *session.Registry
	transport transport.Transport
	logger    *slog.Logger

	ownerChannel  string
	ownerIdentity string
}

// NewExecutor creates an Executor delivering to the given owner identity.
func NewExecutor(registry *session.Registry, tr transport.Transport, ownerChannel, ownerIdentity string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:      registry,
		transport:     tr,
		logger:        logger,
		ownerChannel:  ownerChannel,
		ownerIdentity: ownerIdentity,
	}
}

// Execute runs one trigger event end to end: preview, agent turn, silent
// marker check, result delivery. Events carrying a "task_id" context entry
// run in that task's bound session; everything else runs in the owner
// session, subject to the same busy/buffering semantics as user messages.
// Returns the delivered text, or empty when the event was silent or
// absorbed into a busy session's inbox.
func (e *Executor) Execute(ctx context.Context, ev Event) (string, error) {
	e.logger.Debug("executing trigger event", "source", ev.Source)

	if ev.Preview != "" && ev.NotifyOwner {
		// Preview is a notification only, never buffered into the session.
		e.sendToOwner(ctx, ev.Preview, false)
	}

	key := e.sessionKey(ev)
	res, err := e.registry.Submit(ctx, key, ev.Prompt)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", ev.Source, err)
	}
	if res.Buffered {
		e.logger.Debug("trigger event buffered into busy session",
			"source", ev.Source, "key", key.String())
		return "", nil
	}

	content := strings.TrimSpace(res.Text)
	if ev.SilentMarker != "" {
		if strings.Contains(content, ev.SilentMarker) {
			e.logger.Debug("trigger silent", "source", ev.Source, "marker", ev.SilentMarker)
			return "", nil
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, ev.SilentMarker, ""))
	}
	if content == "" {
		return "", nil
	}

	if ev.ResultPrefix != "" {
		content = ev.ResultPrefix + "\n" + content
	}
	content = truncate(content, maxMessageLength)

	if ev.NotifyOwner {
		// Buffer into the owner session only when the turn ran elsewhere;
		// the owner's own session already holds its turn output.
		ownerKey := session.PrivateKey(e.ownerChannel, e.ownerIdentity, policy.RoleOwner)
		e.sendToOwner(ctx, content, key.String() != ownerKey.String())
	}
	return content, nil
}

// SendToOwner delivers text to the owner over the transport. When buffer
// is set the text is also appended to the owner session's inbox so the
// owner's next turn sees what was delivered out of band.
func (e *Executor) SendToOwner(ctx context.Context, text string, buffer bool) error {
	if err := e.transport.Send(ctx, e.ownerChannel, e.ownerIdentity, text); err != nil {
		return fmt.Errorf("send to owner: %w", err)
	}
	if buffer {
		key := session.PrivateKey(e.ownerChannel, e.ownerIdentity, policy.RoleOwner)
		if err := e.registry.Buffer(key, "[Background task output]\n"+text); err != nil {
			return fmt.Errorf("buffer owner output: %w", err)
		}
	}
	return nil
}

func (e *Executor) sendToOwner(ctx context.Context, text string, buffer bool) {
	if err := e.SendToOwner(ctx, text, buffer); err != nil {
		e.logger.Warn("owner delivery failed", "err", err)
	}
}

func (e *Executor) sessionKey(ev Event) session.Key {
	if taskID := ev.Context["task_id"]; taskID != "" {
		return session.TaskKey(taskID)
	}
	return session.PrivateKey(e.ownerChannel, e.ownerIdentity, policy.RoleOwner)
}

// truncate caps s at limit bytes without splitting a UTF-8 rune, adding
// an ellipsis when anything was cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
