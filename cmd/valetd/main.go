// Command valetd is the Valet daemon. It wires the persistent stores,
// the session registry, the trigger manager, and the HTTP API together
// from a single YAML config file and runs until signalled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/valetbot/valet/config"
	"github.com/valetbot/valet/delegate"
	"github.com/valetbot/valet/internal/version"
	"github.com/valetbot/valet/invoke"
	"github.com/valetbot/valet/invoke/mock"
	"github.com/valetbot/valet/policy"
	"github.com/valetbot/valet/server"
	"github.com/valetbot/valet/session"
	"github.com/valetbot/valet/storage"
	"github.com/valetbot/valet/task"
	"github.com/valetbot/valet/tools"
	"github.com/valetbot/valet/transport"
	"github.com/valetbot/valet/trigger"
)

var configPath = flag.String("config", "valet.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting valetd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	db, err := storage.Open(filepath.Join(cfg.DataDir, "valet.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	tasks, err := task.NewSQLiteStore(db)
	if err != nil {
		log.Fatalf("Failed to init task store: %v", err)
	}
	handles, err := session.NewHandleStore(db)
	if err != nil {
		log.Fatalf("Failed to init session store: %v", err)
	}
	subs, err := trigger.NewSubscriptionStore(db)
	if err != nil {
		log.Fatalf("Failed to init trigger store: %v", err)
	}
	delegations, err := delegate.NewStore(db)
	if err != nil {
		log.Fatalf("Failed to init delegation store: %v", err)
	}

	bus := transport.NewInMemoryBus()
	toolbox := tools.NewRegistry()

	registry, err := session.NewRegistry(session.Config{
		Invoker: &toolInvoker{tools: toolbox, fallback: mock.New()},
		Store:   handles,
		Logger:  logger,
		Timeout: cfg.Session.TurnTimeout,
		TurnContext: func(key session.Key) string {
			return turnContext(tasks, key)
		},
	})
	if err != nil {
		log.Fatalf("Failed to init session registry: %v", err)
	}

	exec := trigger.NewExecutor(registry, bus, cfg.Owner.Channel, cfg.Owner.Identity, logger)
	delegator := delegate.NewManager(delegations, registry, cfg.Owner.Channel, cfg.Owner.Identity, logger)

	triggers := trigger.NewManager(subs, exec, logger)
	triggers.RegisterBuiltin("scheduler",
		trigger.NewScheduler(tasks, exec, cfg.Scheduler.PollInterval, logger))
	if cfg.Heartbeat.Interval > 0 {
		triggers.RegisterBuiltin("heartbeat",
			trigger.NewHeartbeat(exec, tasks, registry, cfg.Heartbeat.Interval, cfg.Heartbeat.Concurrency, logger))
	}

	tools.RegisterBuiltins(toolbox, tools.Deps{
		Tasks:          tasks,
		Triggers:       triggers,
		Delegations:    delegator,
		Transport:      bus,
		DefaultChannel: cfg.Owner.Channel,
		OwnerIdentity:  cfg.Owner.Identity,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := triggers.StartAll(ctx); err != nil {
		log.Fatalf("Failed to start triggers: %v", err)
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetTaskStore(tasks)
	srv.SetTriggerManager(triggers)
	srv.SetDelegationStore(delegations)
	srv.SetSubmitter(func(ctx context.Context, in transport.Incoming) (*session.Result, error) {
		return registry.Submit(ctx, keyForIncoming(cfg, in), in.Text)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("Valet running on http://localhost%s\n", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("Shutting down...")
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}

	cancel()
	triggers.StopAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "err", err)
	}
	fmt.Println("Shutdown complete")
}

// loadConfig falls back to defaults when the file is absent, so a bare
// `valetd` starts in local dry-run mode.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// keyForIncoming maps an inbound event onto a session key. The owner
// identity on the owner channel gets the owner role; a group hint keys
// the session by chat; everything else is external.
func keyForIncoming(cfg *config.Config, in transport.Incoming) session.Key {
	channel := in.Channel
	if channel == "" {
		channel = cfg.Owner.Channel
	}
	switch {
	case in.RoleHint == "group":
		return session.GroupKey(channel, in.Identity)
	case channel == cfg.Owner.Channel && in.Identity == cfg.Owner.Identity:
		return session.PrivateKey(channel, in.Identity, policy.RoleOwner)
	default:
		return session.PrivateKey(channel, in.Identity, policy.RoleExternal)
	}
}

// turnContext prepends the identity's active tasks to each of its turns.
func turnContext(tasks task.Store, key session.Key) string {
	active, err := tasks.List(task.Filter{Assignee: key.Identity})
	if err != nil {
		return ""
	}
	return task.FormatContext(active)
}

// toolInvoker is the daemon's dry-run agent collaborator. A prompt whose
// last line is "/<tool> {json args}" runs that tool under the session's
// capability set; anything else falls through to the scripted invoker.
// This keeps the whole dispatch chain exercisable without a live agent.
type toolInvoker struct {
	tools    *tools.Registry
	fallback invoke.Invoker
}

func (ti *toolInvoker) Invoke(ctx context.Context, req invoke.Request) (*invoke.Result, error) {
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "/") {
		return ti.fallback.Invoke(ctx, req)
	}

	name, rawArgs, _ := strings.Cut(strings.TrimPrefix(last, "/"), " ")
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return &invoke.Result{Text: fmt.Sprintf("bad tool arguments: %v", err)}, nil
		}
	}

	caps := policy.Set{}
	for _, t := range req.Tools {
		caps[policy.Capability(t)] = struct{}{}
	}
	out, err := ti.tools.Invoke(ctx, caps, name, args)
	if err != nil {
		// Tool failures, including capability denials, are reported into
		// the turn as refusals, not surfaced as invocation errors.
		return &invoke.Result{Text: fmt.Sprintf("tool %s refused: %v", name, err)}, nil
	}
	return &invoke.Result{Text: out}, nil
}
