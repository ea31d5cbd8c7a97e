package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/flowline-dev/flowline/internal/actions"
	"github.com/flowline-dev/flowline/internal/engine"
	"github.com/flowline-dev/flowline/internal/expressions"
	"github.com/flowline-dev/flowline/internal/identity"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/scheduler"
	"github.com/flowline-dev/flowline/internal/secrets"
	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/internal/validation"
	"github.com/flowline-dev/flowline/pkg/mcp"
	"github.com/flowline-dev/flowline/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowline:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("expression engines: %w", err)
	}
	resolver := expressions.NewResolver(expressions.NewGoJQEngine())

	validator, err := validation.NewValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	dispatcher := actions.NewHTTPDispatcher(actions.HTTPConfig{
		RequestTimeout: time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond,
	})

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
	}

	authz := identity.NewStaticAuthorizer(cfg.Grants)
	interp := engine.NewInterpreter(resolver, engines, nil, dispatcher, vault, logger)
	lifecycle := engine.NewLifecycle(st, interp, authz, cfg.retryConfig(), logger)
	triggers := engine.NewTriggerDispatcher(st, lifecycle, cfg.DispatchMode, logger)

	var wg sync.WaitGroup

	if triggers.Mode() == engine.ModeQueued {
		for i := 0; i < cfg.Workers; i++ {
			wcfg := engine.WorkerConfig{
				WorkerID:          fmt.Sprintf("worker-%d", i),
				PollInterval:      time.Duration(cfg.PollMS) * time.Millisecond,
				HeartbeatInterval: time.Duration(cfg.HeartbeatMS) * time.Millisecond,
				BatchSize:         cfg.BatchSize,
				LeaseSeconds:      cfg.LeaseSeconds,
			}
			if cfg.Partitioned && cfg.Workers > 1 {
				p, perr := schema.NewClaimPartition(cfg.Workers, i)
				if perr != nil {
					return perr
				}
				wcfg.Partition = &p
			}
			worker := engine.NewWorker(st, lifecycle, wcfg, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = worker.Run(ctx)
			}()
		}
	}

	sched := scheduler.NewScheduler(triggers, time.Duration(cfg.SchedulerIntervalSeconds)*time.Second, logger)
	for _, s := range cfg.Schedules {
		if err := sched.AddSchedule(s); err != nil {
			logger.Warn("skipping invalid schedule",
				slog.String("schedule_key", s.ScheduleKey),
				slog.String("error", err.Error()))
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := mcp.NewFlowlineServer(mcp.FlowlineServerDeps{
		Store:      st,
		Lifecycle:  lifecycle,
		Dispatcher: triggers,
		Validator:  validator,
		Vault:      vault,
		Logger:     logger,
	})

	logger.Info("flowline started",
		slog.String("db_path", cfg.DBPath),
		slog.String("dispatch_mode", triggers.Mode()))

	err = srv.Serve(ctx)
	stop()
	wg.Wait()
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
