package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/config"
	"github.com/roach88/rxlog/internal/engine"
	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/kv/badgerkv"
	"github.com/roach88/rxlog/internal/kv/sqlitekv"
	"github.com/roach88/rxlog/internal/telemetry"
	"github.com/roach88/rxlog/internal/txlog"
)

// runtime is the per-command wiring: configuration, logger, telemetry,
// store and log manager. Close releases all of it.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	out      *OutputFormatter
	store    kv.Store
	manager  *txlog.Manager
	shutdown func(context.Context) error
}

// openRuntime resolves the configuration, installs the logger and
// telemetry, and opens the store. adjust runs after flags are applied and
// before validation.
func openRuntime(ctx context.Context, cmd *cobra.Command, opts *RootOptions, adjust ...func(*config.Config)) (*runtime, error) {
	cfg, err := loadConfig(opts, adjust...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err).withKind(CodeConfig)
	}

	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = Version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.Writer = cmd.ErrOrStderr()
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to init telemetry", err).withKind(CodeConfig)
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to open store", err).withKind(CodeStore)
	}

	logger.Debug("store opened",
		slog.String("backend", cfg.Store.Backend),
		slog.String("path", cfg.Store.Path),
		slog.Bool("in_memory", cfg.Store.InMemory),
	)

	return &runtime{
		cfg:    cfg,
		logger: logger,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
		store:    store,
		manager:  txlog.NewManager(store, txlog.WithLogger(logger)),
		shutdown: shutdown,
	}, nil
}

// engine builds an engine host over the runtime's manager with the
// configured policies.
func (r *runtime) engine() (*engine.Engine, error) {
	mode, err := engine.ParseReclaimMode(r.cfg.Engine.ReclaimMode)
	if err != nil {
		return nil, err
	}
	policy, err := engine.ParseRecoveryPolicy(r.cfg.Engine.RecoveryPolicy)
	if err != nil {
		return nil, err
	}
	return engine.New(r.store, r.manager,
		engine.WithLogger(r.logger),
		engine.WithReclaimMode(mode),
		engine.WithRecoveryPolicy(policy),
	), nil
}

// Close closes the manager and the store and flushes telemetry.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := r.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(opts *RootOptions, adjust ...func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
		cfg.Store.InMemory = false
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	for _, fn := range adjust {
		fn(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h)
}

// openStore opens the backend named by cfg.Backend.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Backend {
	case "badger", "":
		interval, err := cfg.GCIntervalDuration()
		if err != nil {
			return nil, err
		}
		return badgerkv.Open(badgerkv.Config{
			Path:              cfg.Path,
			InMemory:          cfg.InMemory,
			SyncWrites:        cfg.SyncWrites,
			Logger:            logger,
			NumVersionsToKeep: 1,
			GCInterval:        interval,
			GCDiscardRatio:    cfg.GCDiscardRatio,
		})
	case "sqlite":
		path := cfg.Path
		if cfg.InMemory {
			path = ":memory:"
		}
		return sqlitekv.Open(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// serveMetrics exposes the Prometheus handler on addr until stop is
// called. It returns the bound address.
func serveMetrics(addr string, logger *slog.Logger) (bound string, stop func(context.Context) error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return ln.Addr().String(), srv.Shutdown, nil
}

// closeRuntime is deferred by commands; a close failure is logged, not
// returned, so it never masks the command's own result.
func closeRuntime(rt *runtime) {
	if err := rt.Close(context.Background()); err != nil {
		rt.logger.Warn("shutdown failed", slog.String("error", err.Error()))
	}
}
