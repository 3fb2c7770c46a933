// Scaffoldd is the project scaffolding daemon.
//
// It persists tasks under the configured data directory, runs the
// materialize, validate and report pipeline on request, and serves the task
// API with an event stream over HTTP.
//
// Usage:
//
//	# Start with defaults (config from ~/.config/scaffoldd/config.yaml if present)
//	scaffoldd
//
//	# Override via environment
//	SERVER_HTTP_PORT=9292 EVENTS_NATS_URL=nats://localhost:4222 scaffoldd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/scaffoldd/internal/config"
	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	httpserver "github.com/fyrsmithlabs/scaffoldd/internal/http"
	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/orchestrator"
	"github.com/fyrsmithlabs/scaffoldd/internal/report"
	"github.com/fyrsmithlabs/scaffoldd/internal/secrets"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/telemetry"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/scaffoldd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  scaffoldd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  scaffoldd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("scaffoldd: %v", err)
	}
	log.Println("scaffoldd shutdown complete")
}

func printVersion() {
	fmt.Printf("scaffoldd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until ctx is cancelled:
//  1. telemetry and logging
//  2. stores, scrubber and allowlist watcher
//  3. validation engine, tool executor, reports and intelligence client
//  4. orchestrator with crash recovery
//  5. NATS forwarding, download expiry and the HTTP server
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logCfg, err := logging.ConfigFor(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	lg, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	logger := lg.Underlying()

	if degraded, derr := tel.Degraded(); degraded && cfg.Observability.EnableTelemetry {
		lg.Warn(ctx, "telemetry degraded, continuing without export", zap.Error(derr))
	}
	lg.Info(ctx, "starting scaffoldd",
		zap.String("version", version),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("port", cfg.Server.Port))

	d, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if res := d.orch.Recover(ctx); !res.Success {
		return fmt.Errorf("failed to recover tasks: %s", res.Error)
	}

	srv, err := httpserver.NewServer(d.orch, d.orch.Events(), logger, &httpserver.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	},
		httpserver.WithScrubber(d.scrubber),
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(tel.Meter("github.com/fyrsmithlabs/scaffoldd/internal/http"), logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		expireDownloads(gctx, d.orch, cfg.Orchestrator.ExpiryInterval, lg)
		return nil
	})
	return g.Wait()
}

// expireDownloads runs ExpireDownloads every interval until ctx ends.
func expireDownloads(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, lg *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := orch.ExpireDownloads(ctx)
			if !res.Success {
				lg.Error(ctx, "download expiry failed", zap.String("error", res.Error))
				continue
			}
			if n, _ := res.Data.(map[string]any)["expiredCount"].(int); n > 0 {
				lg.Info(ctx, "downloads expired", zap.Int("count", n))
			}
		}
	}
}

type dependencies struct {
	orch      *orchestrator.Orchestrator
	bus       *events.Bus
	scrubber  *secrets.Scrubber
	watcher   *secrets.AllowlistWatcher
	forwarder *events.NATSForwarder
	closeNATS func()
	logger    *zap.Logger
}

func (d *dependencies) Close() {
	if d.orch != nil {
		_ = d.orch.Close()
	}
	if d.forwarder != nil {
		d.forwarder.Stop()
	}
	if d.closeNATS != nil {
		d.closeNATS()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	scfg := secrets.DefaultConfig()
	scfg.Enabled = cfg.Secrets.Enabled
	if d.scrubber, err = secrets.New(scfg); err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}
	if path := cfg.Secrets.AllowlistPath; path != "" {
		if cfg.Secrets.WatchAllowlist {
			if d.watcher, err = secrets.NewAllowlistWatcher(path, d.scrubber, logger); err != nil {
				return nil, fmt.Errorf("failed to watch allowlist: %w", err)
			}
			if err = d.watcher.Start(ctx); err != nil {
				return nil, fmt.Errorf("failed to load allowlist: %w", err)
			}
		} else {
			a, lerr := secrets.LoadAllowlist(path)
			if lerr != nil {
				return nil, fmt.Errorf("failed to load allowlist: %w", lerr)
			}
			if err = d.scrubber.SetAllowlist(a); err != nil {
				return nil, fmt.Errorf("invalid allowlist: %w", err)
			}
		}
	}

	tasks, err := task.NewFileStore(cfg.Storage.TasksDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	contexts, err := taskcontext.NewFileStore(cfg.Storage.ContextsDir(),
		taskcontext.WithMaxBackups(cfg.Storage.MaxBackups),
		taskcontext.WithScrubber(d.scrubber),
		taskcontext.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open context store: %w", err)
	}

	runner := validation.ExecRunner{}
	engine := validation.NewEngine(
		validation.WithRunner(runner),
		validation.WithProber(validation.NewHTTPProber(cfg.Validation.ProbeTimeout)),
		validation.WithSettle(cfg.Validation.ServerSettle),
		validation.WithLogger(logger),
		validation.WithMetrics(validation.NewMetrics()),
		validation.WithTracer(tel.Tracer("github.com/fyrsmithlabs/scaffoldd/internal/validation")),
	)

	deps := orchestrator.Deps{
		Tasks:     tasks,
		Contexts:  contexts,
		Validator: engine,
		Tools:     tools.NewLocalExecutor(runner, cfg.Storage.DownloadsDir(), logger),
		Reports:   report.NewMarkdownRenderer(cfg.Storage.ReportsDir()),
	}
	client, err := intelligence.NewHTTPClient(intelligence.ClientConfig{
		BaseURL:    cfg.Intelligence.BaseURL,
		APIKey:     cfg.Intelligence.APIKey.Value(),
		Timeout:    cfg.Intelligence.Timeout,
		RateLimit:  cfg.Intelligence.RateLimit,
		MaxRetries: cfg.Intelligence.MaxRetries,
	}, logger)
	switch {
	case err == nil:
		deps.Intelligence, deps.Messenger = client, client
	case errors.Is(err, intelligence.ErrUnavailable):
		logger.Warn("no intelligence service configured; tasks need an explicit solution to execute")
	default:
		return nil, fmt.Errorf("failed to create intelligence client: %w", err)
	}

	d.bus = events.NewBus(cfg.Events.BufferSize, logger)
	deps.Bus = d.bus

	ocfg := orchestrator.DefaultConfig()
	ocfg.Validation = validation.Options{
		StepTimeout:     cfg.Validation.StepTimeout,
		Retries:         cfg.Validation.Retries,
		LogFile:         cfg.Validation.LogFile,
		AutoRunTests:    true,
		AutoStartServer: true,
		Staged:          cfg.Validation.Staged,
	}
	ocfg.MaxExecutionTime = cfg.Orchestrator.MaxExecutionTime
	ocfg.DownloadTTL = cfg.Orchestrator.DownloadTTL
	ocfg.DownloadsDir = cfg.Storage.DownloadsDir()
	ocfg.ReportsDir = cfg.Storage.ReportsDir()

	d.orch, err = orchestrator.New(deps, ocfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(orchestrator.NewMetrics()),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/scaffoldd/internal/orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if url := cfg.Events.NATSURL; url != "" {
		conn, err := events.ConnectNATS(url, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		d.closeNATS = conn.Close
		d.forwarder = events.NewNATSForwarder(d.bus, conn, cfg.Events.SubjectPrefix, logger)
		d.forwarder.Start(ctx)
		logger.Info("forwarding events to nats", zap.String("url", url), zap.String("prefix", cfg.Events.SubjectPrefix))
	}
	return d, nil
}
