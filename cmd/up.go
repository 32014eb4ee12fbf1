package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/admin"
	"github.com/nextlevelbuilder/nanoclaw/internal/bootstrap"
	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/dispatch"
	"github.com/nextlevelbuilder/nanoclaw/internal/mailbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/registry"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/sessions"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

// restartGrace is how long a requested restart waits before the process
// exits, so the acknowledging mailbox scan and any in-flight sends finish.
const restartGrace = 1 * time.Second

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run the supervisor (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runUp()
		},
	}
}

func runUp() {
	setupLogging(slog.LevelInfo)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	setupLogging(logLevel(cfg))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "path", cfgPath, "error", err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run `nanoclaw init` to create a configuration.")
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "timezone", cfg.Scheduler.Timezone, "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataPath(), 0o755); err != nil {
		slog.Error("failed to create data directory", "path", cfg.DataPath(), "error", err)
		os.Exit(1)
	}

	if seeded, err := bootstrap.Seed(cfg.DataPath("groups")); err != nil {
		slog.Warn("workspace seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace instructions", "files", seeded)
	}

	rt := sandbox.NewRuntime(cfg.Container.Runtime, cfg.Container.Image)
	if err := rt.CheckAvailable(); err != nil {
		slog.Error("container runtime unavailable", "runtime", cfg.Container.Runtime, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		slog.Error("failed to open store", "path", cfg.StorePath(), "error", err)
		os.Exit(1)
	}

	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		slog.Error("failed to load chat registry", "path", cfg.RegistryPath(), "error", err)
		os.Exit(1)
	}

	state, err := sessions.LoadState(cfg.StatePath())
	if err != nil {
		slog.Error("failed to load session state", "path", cfg.StatePath(), "error", err)
		os.Exit(1)
	}

	allow, err := sandbox.LoadAllowlist(cfg.Paths.MountAllowlist)
	if err != nil {
		slog.Error("failed to load mount allowlist", "path", cfg.Paths.MountAllowlist, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.SetSyncState(ctx, store.SyncKeyLastChatSync, store.FormatTime(time.Now())); err != nil {
		slog.Warn("could not record chat sync time", "error", err)
	}

	msgBus := bus.NewMessageBus()

	pool := sandbox.NewPool(sandbox.Options{
		Runtime:        rt,
		DefaultTimeout: cfg.RunTimeout(),
		IdleTimeout:    cfg.IdleTimeout(),
		MaxOutputBytes: cfg.Container.MaxOutputBytes,
	})

	router := sessions.NewRouter(st, cfg.Telegram.MainChatID)

	disp := dispatch.New(dispatch.Options{
		Config:    cfg,
		Store:     st,
		State:     state,
		Router:    router,
		Registry:  reg,
		Pool:      pool,
		Bus:       msgBus,
		Allowlist: allow,
	})

	channelMgr := channels.NewManager(msgBus)
	tg, err := telegram.New(cfg.Telegram, msgBus, st)
	if err != nil {
		slog.Error("failed to initialize telegram channel", "error", err)
		os.Exit(1)
	}
	channelMgr.Register(tg)

	sched := scheduler.New(st, disp, cfg.SchedulerTick(), loc)

	svc := newServiceController()
	poller := mailbox.New(mailbox.Options{
		Root:     cfg.DataPath("ipc"),
		Interval: cfg.MailboxPoll(),
		Store:    st,
		Registry: reg,
		Sched:    sched,
		Emitter:  disp,
		Service:  svc,
	})

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Tracing.Insecure)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Listen != "" {
		adminSrv := admin.NewServer(admin.Options{
			Listen:  cfg.Admin.Listen,
			Version: Version,
			Events:  msgBus,
			Status:  statusFunc(pool, reg, channelMgr, st),
		})
		g.Go(func() error {
			// A failed admin bind is an operator inconvenience, not a
			// reason to take the supervisor down.
			if err := adminSrv.Start(gctx); err != nil {
				slog.Error("admin server failed", "error", err)
			}
			return nil
		})
	}

	pool.Start(ctx)
	disp.Start(ctx)
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	sched.Start(ctx)
	poller.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("nanoclaw supervisor started",
		"version", Version,
		"assistant", cfg.AssistantName,
		"main_chat_id", cfg.Telegram.MainChatID,
		"registered_chats", reg.Len(),
		"runtime", cfg.Container.Runtime,
		"image", cfg.Container.Image,
	)

	reason := waitForShutdown(ctx, sigCh, svc, cfg)
	slog.Info("graceful shutdown initiated", "reason", reason)

	// Flush buffered user messages through a final run before the pool and
	// channels go away, then stop everything that outlives the context.
	disp.Stop()
	channelMgr.StopAll(context.Background())
	pool.Shutdown()
	cancel()
	g.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Debug("trace flush failed", "error", err)
	}

	if err := st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("nanoclaw supervisor stopped")
}

// waitForShutdown blocks until a signal arrives or the mailbox asks for a
// restart. A rebuild whose build command fails leaves the supervisor
// running; Telegram keeps being served by the binary that exists.
func waitForShutdown(ctx context.Context, sigCh <-chan os.Signal, svc *serviceController, cfg *config.Config) string {
	for {
		select {
		case sig := <-sigCh:
			return "signal:" + sig.String()
		case req := <-svc.requests:
			switch req.action {
			case serviceRestart:
				slog.Info("restart requested", "reason", req.reason)
				time.Sleep(restartGrace)
				return "restart"
			case serviceRebuild:
				slog.Info("rebuild requested", "reason", req.reason)
				if err := runBuild(ctx, cfg); err != nil {
					slog.Error("rebuild failed, staying up", "error", err)
					continue
				}
				time.Sleep(restartGrace)
				return "rebuild"
			}
		}
	}
}

func runBuild(ctx context.Context, cfg *config.Config) error {
	dir := cfg.ResolvedProjectRoot()
	command := cfg.BuildCommand()
	slog.Info("running build", "dir", dir, "command", command)

	buildCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		slog.Info("build output", "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	return nil
}

func statusFunc(pool *sandbox.Pool, reg *registry.Registry, mgr *channels.Manager, st *store.Store) admin.StatusFunc {
	return func(ctx context.Context) map[string]any {
		status := map[string]any{
			"pool":             pool.PoolStats(),
			"registered_chats": reg.Len(),
			"channels":         mgr.Status(),
		}
		if tasks, err := st.AllTasks(ctx); err == nil {
			counts := map[string]int{}
			for _, t := range tasks {
				counts[t.Status]++
			}
			status["tasks"] = counts
		}
		return status
	}
}

func setupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

func logLevel(cfg *config.Config) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(cfg.LogLevel) {
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
