package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/yacchi/kvmirror"
	"github.com/yacchi/kvmirror/internal/config"
	"github.com/yacchi/kvmirror/internal/logging"
	"github.com/yacchi/kvmirror/metrics"
	"github.com/yacchi/kvmirror/types"
	"github.com/yacchi/kvmirror/watcher"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load settings and keep them in sync with the remote store",
		Long: `run loads the selected settings, then polls every watched key and prefix
and applies the changes it detects. The watchers restart when the
configuration file changes. Log and metrics settings are read once at start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			m := &mirror{
				configPath: opts.configPath,
				logger:     logger,
				registry:   reg,
			}
			return m.run(ctx, cfg)
		},
	}
}

// mirror runs a Store and restarts it when the configuration file changes.
type mirror struct {
	configPath string
	logger     *zap.Logger
	registry   *prometheus.Registry
}

func (m *mirror) run(ctx context.Context, cfg *config.Config) error {
	met, err := metrics.New(m.registry)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		shutdown := m.serveMetrics(cfg.Metrics.Addr)
		defer shutdown()
	}

	changed, err := config.WatchFile(ctx, m.configPath, m.logger.Named("config"))
	if err != nil {
		return err
	}

	stop, err := m.start(ctx, cfg, met)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("shutting down")
			return m.stop(stop)

		case _, ok := <-changed:
			if !ok {
				changed = nil
				continue
			}
			next, err := config.Load(m.configPath)
			if err != nil {
				m.logger.Warn("configuration reload failed, keeping the running configuration", zap.Error(err))
				continue
			}

			m.logger.Info("configuration changed, restarting")
			if err := m.stop(stop); err != nil {
				m.logger.Warn("stop watchers", zap.Error(err))
			}
			stop, err = m.start(ctx, next, met)
			if err != nil {
				return fmt.Errorf("restart: %w", err)
			}
		}
	}
}

// start loads the settings described by cfg and starts watching.
func (m *mirror) start(ctx context.Context, cfg *config.Config, met *metrics.Metrics) (func(context.Context) error, error) {
	src, err := newSource(cfg, filepath.Dir(m.configPath))
	if err != nil {
		return nil, err
	}

	store := kvmirror.New(src,
		kvmirror.WithSelectors(cfg.Selectors()...),
		kvmirror.WithLogger(m.logger),
		kvmirror.WithRetryPolicy(cfg.RetryPolicy()),
		kvmirror.WithMetrics(met),
	)
	if err := store.Load(ctx); err != nil {
		return nil, err
	}

	keys, prefixes := cfg.WatchTargets()
	wcfg := kvmirror.DefaultStoreWatchConfig()
	wcfg.Keys = keys
	wcfg.Prefixes = prefixes
	wcfg.DebounceDelay = cfg.Debounce.Duration
	wcfg.StopOnError = cfg.StopOnError
	wcfg.WatcherOpts = []watcher.WatchConfigOption{watcher.WithPollInterval(cfg.PollInterval.Duration)}
	wcfg.OnChange = m.logChanges
	wcfg.OnError = func(target string, err error) {
		m.logger.Error("watch failed", zap.String("target", target), zap.Error(err))
	}

	stop, err := store.Watch(ctx, wcfg)
	if err != nil {
		return nil, err
	}
	m.logger.Info("mirroring",
		zap.String("source", string(src.Type())),
		zap.Int("keys", store.Settings().Len()),
		zap.Int("watch_keys", len(keys)),
		zap.Int("watch_prefixes", len(prefixes)))
	return stop, nil
}

func (m *mirror) stop(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return stop(ctx)
}

func (m *mirror) logChanges(changes []types.ChangeEvent) {
	for _, c := range changes {
		fields := []zap.Field{
			zap.Stringer("type", c.Type),
			zap.String("key", c.Key),
			zap.Stringer("label", c.Label),
		}
		if c.Current != nil {
			fields = append(fields, zap.String("version", c.Current.VersionTag))
		}
		m.logger.Info("setting changed", fields...)
	}
}

// serveMetrics serves /metrics on addr and returns a shutdown function.
func (m *mirror) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
