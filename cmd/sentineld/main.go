// Command sentineld runs the monitoring engine's runtime services (the
// Data Collector and State Machine Engine) behind the HTTP/JSON control
// surface of spec.md §6.2. It loads an optional YAML process config,
// overlays flags on top of it (the teacher CLI's flag-plus-file pattern
// in cli/cmd/ariadne/main.go), and performs an ordered startup/shutdown
// of the store, readings ring, transport, collector, state machine
// engine, and telemetry stack rather than relying on package-level
// singletons (§9 "global singletons" design note).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/httpapi"
	"github.com/labbench/sentinel/internal/modecell"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/statemachine"
	"github.com/labbench/sentinel/internal/store"
	"github.com/labbench/sentinel/internal/telemetry/health"
	"github.com/labbench/sentinel/internal/telemetry/logging"
	"github.com/labbench/sentinel/internal/telemetry/metrics"
	"github.com/labbench/sentinel/internal/telemetry/tracing"
	"github.com/labbench/sentinel/internal/transport"
)

// fileConfig is the optional YAML process/service config, layered under
// flags (§9 "process/service config" split from the domain JSON
// documents owned by the store).
type fileConfig struct {
	ListenAddr         *string  `yaml:"listen_addr"`
	StoreDir           *string  `yaml:"store_dir"`
	ReadingsCapacity   *int     `yaml:"readings_capacity"`
	CollectHz          *float64 `yaml:"default_collect_hz"`
	TransportTimeoutMs *int     `yaml:"transport_timeout_ms"`
	MetricsBackend     *string  `yaml:"metrics_backend"` // prom|otel|noop
	TracingSampleRatio *float64 `yaml:"tracing_sample_ratio"`
	LogLevel           *string  `yaml:"log_level"`
}

type config struct {
	ListenAddr         string
	StoreDir           string
	ReadingsCapacity   int
	TransportTimeout   time.Duration
	MetricsBackend     string
	TracingSampleRatio float64
	LogLevel           string
}

func defaults() config {
	return config{
		ListenAddr:         ":8080",
		StoreDir:           "./data",
		ReadingsCapacity:   10000,
		TransportTimeout:   2 * time.Second,
		MetricsBackend:     "prom",
		TracingSampleRatio: 0,
		LogLevel:           "info",
	}
}

func applyFileConfig(base config, fc *fileConfig) config {
	if fc == nil {
		return base
	}
	if fc.ListenAddr != nil {
		base.ListenAddr = *fc.ListenAddr
	}
	if fc.StoreDir != nil {
		base.StoreDir = *fc.StoreDir
	}
	if fc.ReadingsCapacity != nil {
		base.ReadingsCapacity = *fc.ReadingsCapacity
	}
	if fc.TransportTimeoutMs != nil {
		base.TransportTimeout = time.Duration(*fc.TransportTimeoutMs) * time.Millisecond
	}
	if fc.MetricsBackend != nil {
		base.MetricsBackend = *fc.MetricsBackend
	}
	if fc.TracingSampleRatio != nil {
		base.TracingSampleRatio = *fc.TracingSampleRatio
	}
	if fc.LogLevel != nil {
		base.LogLevel = *fc.LogLevel
	}
	return base
}

func main() {
	var (
		listenAddr   string
		storeDir     string
		configPath   string
		metricsAddr  string
		showVersion  bool
	)
	flag.StringVar(&listenAddr, "listen", "", "HTTP control-surface listen address (e.g. :8080)")
	flag.StringVar(&storeDir, "store-dir", "", "directory holding instruments.json/setups.json/readings.json")
	flag.StringVar(&configPath, "config", "", "optional YAML process config file")
	flag.StringVar(&metricsAddr, "metrics", "", "separate address to serve /metrics on (defaults to the control surface's own /metrics)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("sentineld - laboratory instrument monitoring engine")
		return
	}

	cfg := defaults()
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			log.Fatalf("open config: %v", err)
		}
		var fc fileConfig
		if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
			_ = f.Close()
			log.Fatalf("decode config: %v", err)
		}
		_ = f.Close()
		cfg = applyFileConfig(cfg, &fc)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storeDir != "" {
		cfg.StoreDir = storeDir
	}

	logger := logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, metricsAddr); err != nil {
		log.Fatalf("sentineld: %v", err)
	}
}

// run performs the engine's ordered startup and teardown: store, then
// readings, then transport, then the collector and state-machine
// engine that depend on them, then the HTTP surface; shutdown runs in
// reverse (§9 "global singletons" -> explicit init/teardown).
func run(ctx context.Context, cfg config, logger logging.Logger, metricsAddr string) error {
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	watcher, err := store.NewWatcher(st)
	if err != nil {
		return fmt.Errorf("open store watcher: %w", err)
	}
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go watcher.Run(watchCtx, func(path string, err error) {
		if err != nil {
			logger.ErrorCtx(ctx, "store reload failed", "path", path, "error", err)
			return
		}
		logger.InfoCtx(ctx, "store reloaded", "path", path)
	})

	ring, err := readings.Open(readings.Config{Dir: cfg.StoreDir, Capacity: cfg.ReadingsCapacity})
	if err != nil {
		return fmt.Errorf("open readings ring: %w", err)
	}
	defer ring.Close()

	tr := transport.New(cfg.TransportTimeout)
	defer tr.Close()

	mp, err := selectMetricsProvider(cfg.MetricsBackend)
	if err != nil {
		return fmt.Errorf("select metrics provider: %w", err)
	}

	tracer, err := tracing.New(tracing.Config{ServiceName: "sentineld", SampleFraction: cfg.TracingSampleRatio})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	cell := modecell.New()
	col := collector.New(st, tr, ring, cell, mp, logger, tracer)
	defer col.StopAll()

	engine := statemachine.New(st, tr, ring, cell, col, mp, logger, tracer)
	defer engine.StopAll()

	evaluator := health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if _, err := os.Stat(cfg.StoreDir); err != nil {
				return health.Unhealthy("store", err.Error())
			}
			return health.Healthy("store")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			return health.ProbeResult{
				Name:      "readings_ring",
				Status:    health.StatusHealthy,
				Detail:    fmt.Sprintf("%d entries", ring.Len()),
				CheckedAt: time.Now(),
			}
		}),
		health.ProbeFunc(collectorSuccessRatioProbe(st, col)),
		health.ProbeFunc(stateMachineStuckProbe(st, engine)),
	)

	srv := httpapi.New(st, ring, col, engine, tr, evaluator, mp, logger)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}
	serveErr := make(chan error, 1)
	go func() {
		logger.InfoCtx(ctx, "control surface listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var metricsServer *http.Server
	if metricsAddr != "" {
		if promP, ok := mp.(interface{ MetricsHandler() http.Handler }); ok {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promP.MetricsHandler())
			metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux}
			go func() {
				logger.InfoCtx(ctx, "metrics listening", "addr", metricsAddr)
				_ = metricsServer.ListenAndServe()
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.InfoCtx(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control surface: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(ctx, "control surface shutdown error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// stuckStateThreshold is how long a state machine may sit in one state
// before the health evaluator calls it out as potentially stuck (no
// outgoing transition has matched in an unreasonably long time).
const stuckStateThreshold = 30 * time.Minute

// collectorSuccessRatioProbe reports the collector's sample success ratio
// across every currently-running setup, degrading or failing as the
// proportion of failed samples grows (SPEC_FULL.md Ambient Stack
// "Health").
func collectorSuccessRatioProbe(st *store.Store, col *collector.Collector) health.ProbeFunc {
	return func(ctx context.Context) health.ProbeResult {
		const name = "collector"
		var total, failed int64
		running := 0
		for _, su := range st.ListSetups() {
			cs, ok := col.Status(su.ID)
			if !ok || !cs.Running {
				continue
			}
			running++
			total += cs.SamplesOK + cs.SamplesFailed
			failed += cs.SamplesFailed
		}
		if running == 0 || total == 0 {
			return health.Healthy(name)
		}
		ratio := float64(failed) / float64(total)
		detail := fmt.Sprintf("%d/%d samples failed across %d running setup(s)", failed, total, running)
		switch {
		case ratio >= 0.5:
			return health.Unhealthy(name, detail)
		case ratio > 0:
			return health.Degraded(name, detail)
		default:
			return health.ProbeResult{Name: name, Status: health.StatusHealthy, Detail: detail, CheckedAt: time.Now()}
		}
	}
}

// stateMachineStuckProbe flags any running setup whose state machine has
// not left its current state within stuckStateThreshold (SPEC_FULL.md
// Ambient Stack "Health").
func stateMachineStuckProbe(st *store.Store, eng *statemachine.Engine) health.ProbeFunc {
	return func(ctx context.Context) health.ProbeResult {
		const name = "statemachine"
		var stuck []string
		for _, su := range st.ListSetups() {
			ss, ok := eng.Status(su.ID)
			if !ok || !ss.Running || ss.EnteredStateAt.IsZero() {
				continue
			}
			if d := time.Since(ss.EnteredStateAt); d >= stuckStateThreshold {
				stuck = append(stuck, fmt.Sprintf("setup %d stuck in state %q for %s", su.ID, ss.CurrentStateID, d.Round(time.Second)))
			}
		}
		if len(stuck) == 0 {
			return health.Healthy(name)
		}
		return health.Degraded(name, strings.Join(stuck, "; "))
	}
}

func selectMetricsProvider(backend string) (metrics.Provider, error) {
	switch backend {
	case "", "noop":
		return metrics.NewNoopProvider(), nil
	case "prom":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{}), nil
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "sentineld"}), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", backend)
	}
}

func logLevel(name string) slog.Level {
	switch name {
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
