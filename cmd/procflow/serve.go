package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/metrics"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/timer"
	"github.com/rendis/procflow/pkg/mcp"
)

var errTransportClosed = errors.New("mcp transport closed")

func newLogger(level string) *slog.Logger {
	// stdout carries the MCP stdio transport; logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func runServe() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(procflowDir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", procflowDir(), err)
	}

	// Store.
	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("procflow", reg)

	// Handlers. AI models are run by connected agents and report back
	// through procflow.event.
	registry := handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(registry, handlers.HTTPConfig{}); err != nil {
		return err
	}
	for _, model := range cfg.Models {
		if err := registry.RegisterModel(model, handlers.Deferred()); err != nil {
			return err
		}
	}

	// Notifications: in-process hub, optional Redis, and MCP once the server exists.
	hub := notify.NewMemoryHub()
	dispatchers := notify.Fanout{hub}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		dispatchers = append(dispatchers, notify.NewRedisDispatcher(client, "", logger))
	}
	swapper := newDispatcherSwapper(dispatchers)

	timers := timer.New(st, timer.SystemClock, logger)
	eng, err := engine.New(engine.Deps{
		Store:    st,
		Handlers: registry,
		Timers:   timers,
		Notifier: swapper,
		Metrics:  collector,
		Logger:   logger,
	}, engine.Config{
		PoolSize:         cfg.PoolSize,
		DefaultLoopLimit: cfg.LoopLimit,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	sched := scheduler.NewScheduler(st, eng, logger)

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Engine:   eng,
		Store:    st,
		Triggers: sched,
		Logger:   logger,
	})
	swapper.Swap(append(notify.Fanout{mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())}, dispatchers...))

	recovered, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("procflow starting",
		slog.String("version", version),
		slog.String("db", cfg.DBPath),
		slog.Int("recovered_steps", recovered),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timers.Run(gctx)
	})
	g.Go(func() error {
		if err := sched.RecoverMissed(gctx); err != nil {
			logger.Warn("missed trigger recovery failed", slog.Any("error", err))
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, eng, collector, logger)
		})
	}
	g.Go(func() error {
		if err := srv.Serve(gctx); err != nil {
			return err
		}
		// stdin closed: the client is gone, so shut everything down.
		return errTransportClosed
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errTransportClosed) {
		return err
	}
	return nil
}

// serveMetrics exposes /metrics and /healthz until ctx is cancelled. Pool
// gauges are sampled every five seconds.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, eng *engine.Engine, collector *metrics.Collector, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = httpSrv.Shutdown(shutdownCtx)
				cancel()
				return
			case <-ticker.C:
				pm := eng.PoolMetrics()
				collector.Pool(pm.Active, pm.Queued)
			}
		}
	}()

	logger.Info("metrics listening", slog.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
