package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valetbot/valet/delegate"
	"github.com/valetbot/valet/policy"
	"github.com/valetbot/valet/task"
	"github.com/valetbot/valet/transport"
	"github.com/valetbot/valet/trigger"
)

// Deps carries the services the builtin tools operate on.
type Deps struct {
	Tasks       task.Store
	Triggers    *trigger.Manager
	Delegations *delegate.Manager
	Transport   transport.Transport

	// DefaultChannel is used by send_message when no channel is given
	// and as the default requester identity's channel.
	DefaultChannel string

	// OwnerIdentity is the fallback requester for start_conversation.
	OwnerIdentity string
}

// RegisterBuiltins wires the standard tool set into the registry.
func RegisterBuiltins(r *Registry, deps Deps) {
	r.Register(scheduleTask(deps))
	r.Register(listTasks(deps))
	r.Register(cancelTask(deps))
	r.Register(updateTask(deps))
	r.Register(subscribeTrigger(deps))
	r.Register(unsubscribeTrigger(deps))
	r.Register(listTriggers(deps))
	r.Register(startConversation(deps))
	r.Register(updateConversation(deps))
	r.Register(sendMessage(deps))
}

func scheduleTask(deps Deps) *Tool {
	return &Tool{
		Name:        "schedule_task",
		Description: "Schedule a task for later execution. schedule_at: 'YYYY-MM-DD HH:MM', recurrence: '', 'every:<duration>', 'daily:HH:MM', 'weekly:<day>:HH:MM'.",
		Capability:  policy.CapScheduleTask,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			title, err := stringArg(args, "title")
			if err != nil {
				return "", err
			}
			prompt, err := stringArg(args, "prompt")
			if err != nil {
				return "", err
			}
			at, err := stringArg(args, "schedule_at")
			if err != nil {
				return "", err
			}
			due, err := parseWhen(at)
			if err != nil {
				return "", err
			}

			id, err := deps.Tasks.Create(&task.Task{
				Kind:       task.KindScheduled,
				Title:      title,
				Prompt:     prompt,
				ScheduleAt: &due,
				Recurrence: optionalString(args, "recurrence"),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Task [%s] scheduled for %s", id, due.Format("2006-01-02 15:04")), nil
		},
	}
}

func listTasks(deps Deps) *Tool {
	return &Tool{
		Name:        "list_tasks",
		Description: "List active tasks. Optional: status, assignee, include_terminal.",
		Capability:  policy.CapListTasks,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			filter := task.Filter{Assignee: optionalString(args, "assignee")}
			if s := optionalString(args, "status"); s != "" {
				status := task.Status(s)
				filter.Status = &status
			}
			if inc, ok := args["include_terminal"].(bool); ok {
				filter.IncludeTerminal = inc
			}

			tasks, err := deps.Tasks.List(filter)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "No tasks.", nil
			}
			var b strings.Builder
			for _, t := range tasks {
				fmt.Fprintf(&b, "[%s] [%s] %s", t.Status, t.ID, t.Title)
				if t.ScheduleAt != nil {
					fmt.Fprintf(&b, " due %s", t.ScheduleAt.Format("2006-01-02 15:04"))
				}
				b.WriteString("\n")
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func cancelTask(deps Deps) *Tool {
	return &Tool{
		Name:        "cancel_task",
		Description: "Cancel a task by ID. Completed tasks cannot be cancelled.",
		Capability:  policy.CapCancelTask,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := stringArg(args, "task_id")
			if err != nil {
				return "", err
			}
			if err := deps.Tasks.Cancel(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Task [%s] cancelled", id), nil
		},
	}
}

func updateTask(deps Deps) *Tool {
	return &Tool{
		Name:        "update_task",
		Description: "Update a task's status, next_step, or result.",
		Capability:  policy.CapUpdateTask,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := stringArg(args, "task_id")
			if err != nil {
				return "", err
			}
			t, err := deps.Tasks.Get(id)
			if err != nil {
				return "", err
			}
			if t.Status.Terminal() {
				return "", fmt.Errorf("%w: %s is %s", task.ErrStatusConflict, id, t.Status)
			}
			if s := optionalString(args, "status"); s != "" {
				t.Status = task.Status(s)
			}
			if step, ok := args["next_step"].(string); ok {
				t.NextStep = step
			}
			if res, ok := args["result"].(string); ok {
				t.Result = res
			}
			if err := deps.Tasks.Update(t); err != nil {
				return "", err
			}
			return fmt.Sprintf("Task [%s] updated", id), nil
		},
	}
}

func subscribeTrigger(deps Deps) *Tool {
	return &Tool{
		Name:        "subscribe_trigger",
		Description: "Subscribe to an event source. type: trigger kind, config: source settings, prompt: what to do when it fires.",
		Capability:  policy.CapSubscribeTrigger,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			typ, err := stringArg(args, "type")
			if err != nil {
				return "", err
			}
			sub, err := deps.Triggers.Subscribe(ctx, typ,
				mapArg(args, "config"), optionalString(args, "prompt"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Subscribed [%s] to %s", sub.ID, typ), nil
		},
	}
}

func unsubscribeTrigger(deps Deps) *Tool {
	return &Tool{
		Name:        "unsubscribe_trigger",
		Description: "Remove a trigger subscription by ID.",
		Capability:  policy.CapUnsubscribeTrigger,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := stringArg(args, "subscription_id")
			if err != nil {
				return "", err
			}
			if err := deps.Triggers.Unsubscribe(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Unsubscribed [%s]", id), nil
		},
	}
}

func listTriggers(deps Deps) *Tool {
	return &Tool{
		Name:        "list_triggers",
		Description: "List active trigger subscriptions.",
		Capability:  policy.CapListTriggers,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			subs, err := deps.Triggers.Subscriptions()
			if err != nil {
				return "", err
			}
			if len(subs) == 0 {
				return "No subscriptions.", nil
			}
			var b strings.Builder
			for _, s := range subs {
				fmt.Fprintf(&b, "[%s] %s %v\n", s.ID, s.Type, s.Config)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func startConversation(deps Deps) *Tool {
	return &Tool{
		Name:        "start_conversation",
		Description: "Delegate work to another identity's session. target: who, task_type: what kind, context: details.",
		Capability:  policy.CapStartConversation,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			target, err := stringArg(args, "target")
			if err != nil {
				return "", err
			}
			taskType, err := stringArg(args, "task_type")
			if err != nil {
				return "", err
			}
			requester := optionalString(args, "requester")
			if requester == "" {
				requester = deps.OwnerIdentity
			}
			id, err := deps.Delegations.StartConversation(ctx, requester, target,
				taskType, mapArg(args, "context"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Conversation [%s] started with %s", id, target), nil
		},
	}
}

func updateConversation(deps Deps) *Tool {
	return &Tool{
		Name:        "update_conversation",
		Description: "Report progress or completion on a delegation. status: in_progress, completed, cancelled.",
		Capability:  policy.CapUpdateConversation,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := stringArg(args, "delegation_id")
			if err != nil {
				return "", err
			}
			status, err := stringArg(args, "status")
			if err != nil {
				return "", err
			}
			if err := deps.Delegations.UpdateConversation(ctx, id,
				delegate.Status(status), optionalString(args, "result")); err != nil {
				return "", err
			}
			return fmt.Sprintf("Delegation [%s] updated", id), nil
		},
	}
}

func sendMessage(deps Deps) *Tool {
	return &Tool{
		Name:        "send_message",
		Description: "Send a message to an identity over the transport.",
		Capability:  policy.CapSendMessage,
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			identity, err := stringArg(args, "identity")
			if err != nil {
				return "", err
			}
			text, err := stringArg(args, "text")
			if err != nil {
				return "", err
			}
			channel := optionalString(args, "channel")
			if channel == "" {
				channel = deps.DefaultChannel
			}
			if err := deps.Transport.Send(ctx, channel, identity, text); err != nil {
				return "", err
			}
			return fmt.Sprintf("Message sent to %s", identity), nil
		},
	}
}

// parseWhen accepts "YYYY-MM-DD HH:MM" or a bare date, which schedules
// for end of that day.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule time %q, want YYYY-MM-DD [HH:MM]", s)
	}
	return t.Add(23*time.Hour + 59*time.Minute), nil
}
