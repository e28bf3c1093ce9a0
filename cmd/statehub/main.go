package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-statehub/internal/audit"
	"github.com/basket/go-statehub/internal/backend"
	"github.com/basket/go-statehub/internal/bus"
	"github.com/basket/go-statehub/internal/config"
	"github.com/basket/go-statehub/internal/gateway"
	"github.com/basket/go-statehub/internal/legacy"
	otelPkg "github.com/basket/go-statehub/internal/otel"
	"github.com/basket/go-statehub/internal/persist"
	"github.com/basket/go-statehub/internal/sched"
	"github.com/basket/go-statehub/internal/state"
	"github.com/basket/go-statehub/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the state daemon (autosave + gateway)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s export [-out <file>]     Export all persisted state as a JSON bundle
  %s import [options]         Import a JSON bundle into the store
                              Options: -in <file>, -overwrite
  %s reset [-keep-user] [-yes]
                              Reset persisted state to the baseline

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STATEHUB_HOME               Data directory (default: ~/.statehub)
  STATEHUB_BACKEND            Durable backend: sqlite, bolt, or memory
  STATEHUB_AUTH_TOKEN         Gateway bearer token
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		case "reset":
			os.Exit(runResetCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	// Audit comes up before the logger so logger failures are auditable.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("STATEHUB_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   quietLogs,
		Version: Version,
		Backend: cfg.Backend,
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := openBackend(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "backend_opened", "path", cfg.DBPath)

	eventBus := bus.New()

	manager := persist.NewManager(persist.Config{
		Backend:         store,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
		Prefix:          cfg.KeyPrefix,
		SchemaVersion:   cfg.SchemaVersion,
		QuotaLimitBytes: cfg.Quota.LimitBytes,
		QuotaThreshold:  cfg.Quota.Threshold,
	})

	stateStore, err := state.New(state.Config{
		Manager: manager,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
		Bus:     eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_STATE_INIT", err)
	}
	if err := stateStore.Init(ctx); err != nil {
		fatalStartup(logger, "E_STATE_LOAD", err)
	}
	logger.Info("startup phase", "phase", "state_loaded")

	bridge := legacy.New(legacy.Config{
		Store:   stateStore,
		Backend: store,
		Bus:     eventBus,
		Logger:  logger,
	})
	if err := bridge.Init(ctx); err != nil {
		fatalStartup(logger, "E_LEGACY_INIT", err)
	}
	defer bridge.Close()
	logger.Info("startup phase", "phase", "legacy_bridge_ready")

	scheduler := sched.NewScheduler(sched.Config{
		Store:      stateStore,
		Manager:    manager,
		Logger:     logger,
		Interval:   time.Duration(cfg.Autosave.IntervalSeconds) * time.Second,
		BackupCron: cfg.Autosave.BackupCron,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg.HomeDir, manager, scheduler, logger)
	}

	gatewayErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		srv := gateway.New(gateway.Config{
			Store:             stateStore,
			Bus:               eventBus,
			Logger:            logger,
			Tracer:            otelProvider.Tracer,
			AuthToken:         cfg.Gateway.AuthToken,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
		})
		go func() {
			gatewayErr <- srv.Serve(ctx, cfg.Gateway.BindAddr)
		}()
	}

	logger.Info("statehub running", "gateway", cfg.Gateway.Enabled)
	audit.Record("startup", "success", "", "", "runtime")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-gatewayErr:
		if err != nil {
			logger.Error("gateway failed", "error", err)
		}
	}

	// Synchronous flush so nothing written since the last autosave tick is
	// lost.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stateStore.Flush(flushCtx)
	audit.Record("shutdown", "success", "", "", "runtime")
	logger.Info("statehub stopped")
}

// openBackend opens the durable backend named by the config.
func openBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return backend.OpenSQLite(cfg.DBPath, logger)
	case "bolt":
		return backend.OpenBolt(cfg.DBPath, backend.WithBoltLogger(logger))
	case "memory":
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// watchConfig applies hot-reloadable settings when config.yaml changes.
// Quota bounds and the autosave interval take effect live; anything else
// needs a restart.
func watchConfig(ctx context.Context, w *config.Watcher, homeDir string, manager *persist.Manager, scheduler *sched.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Load(homeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			if err := next.Validate(); err != nil {
				logger.Error("reloaded config invalid, keeping previous settings", "error", err)
				continue
			}
			manager.SetQuota(next.Quota.LimitBytes, next.Quota.Threshold)
			scheduler.SetInterval(time.Duration(next.Autosave.IntervalSeconds) * time.Second)
			logger.Info("config reloaded",
				"quota_limit_bytes", next.Quota.LimitBytes,
				"quota_threshold", next.Quota.Threshold,
				"autosave_interval_seconds", next.Autosave.IntervalSeconds,
				"fingerprint", next.Fingerprint())
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup", "failure", "", reasonCode+": "+message, "runtime")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"statehub","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables already set. Missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
