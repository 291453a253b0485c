package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/stefankubicki/istota/internal/audit"
	"github.com/stefankubicki/istota/internal/channel"
	"github.com/stefankubicki/istota/internal/config"
	"github.com/stefankubicki/istota/internal/deferred"
	"github.com/stefankubicki/istota/internal/delivery"
	"github.com/stefankubicki/istota/internal/doctor"
	"github.com/stefankubicki/istota/internal/executor"
	"github.com/stefankubicki/istota/internal/poller"
	"github.com/stefankubicki/istota/internal/prompt"
	"github.com/stefankubicki/istota/internal/push"
	"github.com/stefankubicki/istota/internal/scheduler"
	"github.com/stefankubicki/istota/internal/skills"
	"github.com/stefankubicki/istota/internal/store"
	"github.com/stefankubicki/istota/internal/telemetry"
	"github.com/stefankubicki/istota/internal/tui"
	"github.com/stefankubicki/istota/internal/worker"
)

var doctorTUI = flag.Bool("tui", false, "doctor: show a live status screen instead of printing once")

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s run-daemon        Start the scheduler loop and worker pool (blocks)
  %s run-once          Run exactly one scheduler tick, then exit
  %s doctor            Print queue depth, worker occupancy, poller health
  %s doctor --tui      Same, as a live-refreshing status screen

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
	case "run-daemon":
		os.Exit(runDaemon(ctx))
	case "run-once":
		os.Exit(runOnce(ctx))
	case "doctor":
		os.Exit(runDoctor(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// bootstrap holds every component the daemon wires together, assembled
// once by build() and shared by run-daemon, run-once, and doctor.
type bootstrap struct {
	cfg       config.Config
	logger    *slog.Logger
	logCloser func() error
	st        *store.Store
	pool      *worker.Pool
	sched     *scheduler.Scheduler
	exec      *executor.Executor
	pushHub   *push.Hub
	telegram  *channel.TelegramChannel
	otel      *telemetry.Provider
}

func build(ctx context.Context) (*bootstrap, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.Logging.Level, cfg.Logging.Format == "text" && isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelExporter := "otlp-http"
	if isatty.IsTerminal(os.Stdout.Fd()) {
		otelExporter = "stdout"
	}
	otelProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:  cfg.Features.TracingEnabled,
		Exporter: otelExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	otelMetrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init otel metrics: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(st.DB())

	skillsLoader := skills.NewLoader(cfg.Resources.SkillsProjectDir, cfg.Resources.SkillsUserDir, filepath.Join(cfg.HomeDir, "installed"), logger)

	promptCfg := prompt.Config{
		Persona:      cfg.Persona,
		AdminUserIDs: cfg.AdminUserIDSet(),
	}
	builder := prompt.NewBuilder(st, skillsLoader, promptCfg)

	execCfg := executor.Config{
		SecurityMode:       executor.SecurityMode(cfg.Security.Mode),
		AgentCommand:       cfg.Security.AgentCommand,
		ScratchRoot:        cfg.Resources.ScratchRoot,
		DBPath:             cfg.DBPath,
		TaskTimeout:        cfg.TaskTimeout(),
		DockerImage:        cfg.Security.DockerImage,
		DockerMemoryMB:     cfg.Security.DockerMemoryMB,
		DockerNetworkMode:  cfg.Security.DockerNetworkMode,
		CredentialEnvNames: cfg.Security.CredentialEnvNames,
		AllowedTools:       cfg.Security.AllowedTools,
	}
	exec, err := executor.New(execCfg, st, builder, logger)
	if err != nil {
		return nil, fmt.Errorf("init executor: %w", err)
	}

	deferredProc := deferred.New(st, cfg.AdminUserIDSet(), logger)

	var chatChannels []channel.ChatChannel
	var telegramChannel *channel.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		telegramChannel = channel.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, st, logger)
		chatChannels = append(chatChannels, telegramChannel)
	}

	var emailSender delivery.EmailSender
	if cfg.Channels.Email.Enabled {
		emailSender = delivery.NewSMTPSender(cfg.Channels.Email.SMTPHost, cfg.Channels.Email.IMAPUsername, cfg.Channels.Email.IMAPPassword, cfg.Channels.Email.FromAddress)
	}

	pushHub := push.NewHub(logger)
	router := delivery.NewRouter(st, chatChannels, emailSender, pushHub, logger)
	router.Tracer = otelProvider.Tracer
	router.Metrics = otelMetrics

	workerCfg := worker.Config{
		MaxForegroundWorkers:     cfg.Worker.MaxForegroundWorkers,
		MaxBackgroundWorkers:     cfg.Worker.MaxBackgroundWorkers,
		DefaultUserForegroundCap: cfg.Worker.DefaultUserForegroundCap,
		DefaultUserBackgroundCap: cfg.Worker.DefaultUserBackgroundCap,
		WorkerIdleTimeout:        time.Duration(cfg.Worker.WorkerIdleTimeoutSeconds) * time.Second,
		LeaseDuration:            cfg.LeaseDuration(),
		TaskTimeout:              cfg.TaskTimeout(),
		ShutdownTimeout:          time.Duration(cfg.Worker.ShutdownTimeoutSeconds) * time.Second,
		ScratchRoot:              cfg.Resources.ScratchRoot,
		Deferred:                 deferredProc,
		Delivery:                 router,
		Tracer:                   otelProvider.Tracer,
		Metrics:                  otelMetrics,
	}
	pool := worker.New(st, exec, workerCfg, logger)

	entries := buildPollerEntries(cfg, st, logger)
	sched := scheduler.New(entries, pool, scheduler.Config{
		PollInterval: cfg.PollInterval(),
		LockPath:     filepath.Join(cfg.HomeDir, "istota.lock"),
	}, logger)

	return &bootstrap{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer.Close,
		st:        st,
		pool:      pool,
		sched:     sched,
		exec:      exec,
		pushHub:   pushHub,
		telegram:  telegramChannel,
		otel:      otelProvider,
	}, nil
}

// buildPollerEntries wires each of the nine poller classes, even ones
// left with no configured fetcher/target (e.g. chat/email pull sources,
// file watch targets): an idle poller's Tick is a no-op, and the
// external collaborators that would feed it (IMAP client, CalDAV,
// browser automation) are explicit non-goals supplied by the deployer
// through config, not by this binary.
func buildPollerEntries(cfg config.Config, st *store.Store, logger *slog.Logger) []scheduler.Entry {
	heartbeat := poller.NewHeartbeatPoller(st, logger, nil)
	chat := poller.NewChatPoller(st, logger, nil)
	email := poller.NewEmailPoller(st, logger, nil)
	file := poller.NewFilePoller(st, logger, nil)
	briefing := poller.NewBriefingPoller(st, logger, nil)
	sleepCycle := poller.NewSleepCyclePoller(st, logger, nil)
	scheduledJob := poller.NewScheduledJobPoller(st, logger)

	roots := make([]poller.SharedFileRoot, 0, len(cfg.Resources.SharedFileRoots))
	for _, r := range cfg.Resources.SharedFileRoots {
		roots = append(roots, poller.SharedFileRoot{
			UserID:       r.UserID,
			Root:         r.Root,
			ResourceType: r.ResourceType,
			Permissions:  r.Permissions,
		})
	}
	sharedFile := poller.NewSharedFileDiscoveryPoller(st, logger, roots)

	cleanup := poller.NewCleanupPoller(st, logger, poller.CleanupConfig{
		TaskRetentionDays:     cfg.Retention.TaskRetentionDays,
		AuditLogRetentionDays: cfg.Retention.AuditLogRetentionDays,
		MessageRetentionDays:  cfg.Retention.MessageRetentionDays,
	})

	return []scheduler.Entry{
		{Poller: heartbeat, Interval: 30 * time.Second},
		{Poller: chat, Interval: 2 * time.Second},
		{Poller: email, Interval: 30 * time.Second},
		{Poller: file, Interval: 5 * time.Second},
		{Poller: briefing, Interval: time.Minute},
		{Poller: sleepCycle, Interval: time.Minute},
		{Poller: scheduledJob, Interval: 10 * time.Second},
		{Poller: sharedFile, Interval: time.Minute},
		{Poller: cleanup, Interval: time.Hour},
	}
}

func (b *bootstrap) startChannels(ctx context.Context) {
	if b.telegram != nil {
		go func() {
			if err := b.telegram.Start(ctx); err != nil {
				b.logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}
	if b.cfg.Channels.Push.Enabled && b.cfg.Channels.Push.BindAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/push", b.pushHub.Handler(func(r *http.Request) (string, bool) {
			userID := r.URL.Query().Get("user_id")
			return userID, userID != ""
		}))
		srv := &http.Server{Addr: b.cfg.Channels.Push.BindAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.logger.Error("push server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}
}

func (b *bootstrap) close() {
	if b.exec != nil {
		b.exec.Close()
	}
	audit.Close()
	if b.otel != nil {
		b.otel.Shutdown(context.Background())
	}
	if b.logCloser != nil {
		b.logCloser()
	}
}

func runDaemon(ctx context.Context) int {
	b, err := build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	defer b.close()

	b.startChannels(ctx)

	if err := b.sched.Run(ctx); err != nil {
		b.logger.Error("scheduler exited with error", "error", err)
		return 1
	}
	return 0
}

func runOnce(ctx context.Context) int {
	b, err := build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	defer b.close()

	b.sched.TickOnce(ctx, time.Now())
	b.pool.Shutdown()
	return 0
}

func runDoctor(ctx context.Context) int {
	b, err := build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	defer b.close()

	fmt.Printf("istota doctor\n")
	fmt.Printf("  active_workers:    %d\n", b.pool.ActiveWorkers())
	fmt.Printf("  foreground_cap:    %d\n", b.cfg.Worker.MaxForegroundWorkers)
	fmt.Printf("  background_cap:    %d\n", b.cfg.Worker.MaxBackgroundWorkers)
	fmt.Printf("  telegram_enabled:  %v\n", b.cfg.Channels.Telegram.Enabled)
	fmt.Printf("  email_enabled:     %v\n", b.cfg.Channels.Email.Enabled)
	fmt.Printf("  push_enabled:      %v\n", b.cfg.Channels.Push.Enabled)
	fmt.Println()

	if *doctorTUI {
		provider := func() []tui.Check {
			diag := doctor.Run(ctx, b.cfg, "istota-dev")
			checks := make([]tui.Check, len(diag.Results))
			for i, r := range diag.Results {
				checks[i] = tui.Check{Name: r.Name, Status: r.Status, Message: r.Message}
			}
			return checks
		}
		if err := tui.RunDoctorView(ctx, provider); err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "doctor tui exited: %v\n", err)
			return 1
		}
		return 0
	}

	diag := doctor.Run(ctx, b.cfg, "istota-dev")
	for _, r := range diag.Results {
		fmt.Printf("  [%-4s] %-16s %s\n", r.Status, r.Name, r.Message)
	}
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
