// sessiond is the local session lifecycle daemon: it tracks activity,
// background jobs and token freshness for one signed-in session and exposes
// the result over a localhost HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tbranner/sessiond/internal/activity"
	"github.com/tbranner/sessiond/internal/authapi"
	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/config"
	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/refresh"
	"github.com/tbranner/sessiond/internal/session"
	"github.com/tbranner/sessiond/internal/statekv"
	"github.com/tbranner/sessiond/internal/task"
	"github.com/tbranner/sessiond/internal/web"
)

const Version = "0.3.1"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to sessiond.toml (default: ~/.sessiond/sessiond.toml)")
		listenAddr  = flag.String("listen", "", "listen address for the local API (overrides config)")
		backendURL  = flag.String("backend", "", "auth backend base URL (overrides config)")
		debug       = flag.Bool("debug", false, "log debug output to stderr")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("sessiond " + Version)
		return nil
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, config.FileName)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		// The defaults still run; surface the parse error and continue.
		fmt.Fprintf(os.Stderr, "sessiond: %v (using defaults)\n", err)
	}
	if *backendURL != "" {
		cfg.Backend.BaseURL = *backendURL
	}

	logging.Init(logging.Config{
		LogDir:     dir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.Backups,
		MaxAgeDays: cfg.Logs.RetentionDays,
		Compress:   cfg.Logs.Compress == nil || *cfg.Logs.Compress,
		Debug:      *debug,
	})
	defer logging.Shutdown()
	log := logging.Logger()
	log.Info("sessiond_starting", slog.String("version", Version), slog.String("config", cfgPath))

	// Storage.
	var kv statekv.KV
	if cfg.Storage.Path == "memory" {
		kv = statekv.NewMem()
	} else {
		dbPath := cfg.Storage.Path
		if dbPath == "" {
			dbPath = filepath.Join(dir, "state.db")
		}
		sqlkv, err := statekv.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		kv = sqlkv
	}
	defer kv.Close()

	sched := clock.System()
	store := session.NewStore(kv, sched)

	// Backend client: validator for the refresh service, status poller for
	// the task registry.
	var backend *authapi.Client
	if cfg.Backend.BaseURL != "" {
		backend = authapi.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout())
	}

	detector := activity.New(sched, activity.Options{
		ThrottleInterval: cfg.Activity.Throttle(),
		ActiveThreshold:  cfg.Activity.ActiveThreshold(),
	})

	var poller task.StatusPoller
	if backend != nil {
		poller = backend
	}
	registry := task.NewRegistry(sched, poller, task.Options{
		PollInterval:   cfg.Tasks.PollInterval(),
		RunningCeiling: cfg.Tasks.RunningCeiling(),
	})

	var validator refresh.Validator = backend
	if backend == nil {
		validator = noBackendValidator{}
	}
	refresher := refresh.NewService(validator, refresh.Policy{
		MaxAttempts:       cfg.Refresh.MaxAttempts,
		BaseDelay:         cfg.Refresh.BaseDelay(),
		MaxDelay:          cfg.Refresh.MaxDelay(),
		BackoffMultiplier: cfg.Refresh.BackoffMultiplier,
	}, cfg.Refresh.Cooldown())

	coord, err := session.New(sched, detector, registry, refresher, store, session.Options{
		IdleTimeout:     cfg.Session.IdleTimeout(),
		WarningDuration: cfg.Session.WarningDuration(),
		RefreshWindow:   cfg.Session.RefreshWindow(),
	})
	if err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	defer coord.Destroy()

	if backend != nil {
		backend.SetTokenSource(func() string {
			tok, _ := coord.Token()
			return tok
		})
	}
	detector.StartMonitoring()

	// Config hot reload: retry policy changes apply live; timer changes take
	// effect on the next restart.
	watcher, err := config.Watch(cfgPath, func(next *config.Config) {
		refresher.SetPolicy(refresh.Policy{
			MaxAttempts:       next.Refresh.MaxAttempts,
			BaseDelay:         next.Refresh.BaseDelay(),
			MaxDelay:          next.Refresh.MaxDelay(),
			BackoffMultiplier: next.Refresh.BackoffMultiplier,
		})
		log.Info("config_applied", slog.String("path", cfgPath))
	})
	if err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Web.Enabled == nil || *cfg.Web.Enabled {
		addr := *listenAddr
		if addr == "" {
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Web.Port)
		}
		srv := web.NewServer(web.Config{ListenAddr: addr}, coord)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			log.Info("sessiond_shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown web server: %w", err)
			}
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		}
	}

	<-ctx.Done()
	log.Info("sessiond_shutting_down")
	return nil
}

// noBackendValidator rejects every refresh when no backend is configured, so
// the session relies purely on local timers.
type noBackendValidator struct{}

func (noBackendValidator) Validate(context.Context, string) (string, error) {
	return "", &refresh.StatusError{Status: 0, Detail: "no backend configured"}
}
