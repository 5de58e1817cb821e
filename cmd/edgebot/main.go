// Command edgebot runs the edge telemetry collector and shipper.
//
// # Usage
//
//	edgebot --config /etc/edgebot/edgebot.yaml
//
// # Configuration
//
// Configuration can be provided via:
//   - A YAML config file (--config)
//   - Environment variables (EDGEBOT_*)
//   - Command-line flags, which win over both
//
// # Examples
//
// Run against a config file:
//
//	edgebot --config /etc/edgebot/edgebot.yaml
//
// Override the mothership URL and auth token via environment:
//
//	EDGEBOT_MOTHERSHIP_URL=https://collector.example.com/v1/ingest \
//	EDGEBOT_AUTH_TOKEN=secret \
//	edgebot --config /etc/edgebot/edgebot.yaml
//
// Dry-run against a synthetic input, shipping to the configured output:
//
//	edgebot --config /etc/edgebot/edgebot.yaml --dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/breaker"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/config"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/health"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/listener"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/ratelimit"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/retry"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/secrets"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/shipper"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/sink"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/spool"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/supervisor"
)

// version is stamped by the release build; this is the dev default.
var version = "dev"

func main() {
	var (
		configFile  = flag.String("config", "", "Path to config file (required)")
		dryRun      = flag.Bool("dry-run", false, "Run a synthetic input against the configured output, without enabling real listeners")
		showVersion = flag.Bool("version", false, "Print version and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging regardless of config")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgebot %s\n", version)
		os.Exit(0)
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "edgebot: --config is required")
		os.Exit(2)
	}

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgebot: loading config: %v\n", err)
		os.Exit(2)
	}
	cfg.ApplyEnvOverrides()
	if *debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "edgebot: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, levelVar)

	if err := run(cfg, logger, levelVar, *configFile, *dryRun); err != nil && err != context.Canceled {
		logger.Error("edgebot exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("edgebot shutdown complete")
}

func logLevel(level string) slog.Level {
	switch level {
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

// newLogger builds a logger whose level can be changed afterwards by
// calling levelVar.Set, used by run's SIGHUP handler to hot-apply
// log.level without rebuilding the handler.
func newLogger(cfg config.LogConfig, levelVar *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar, configFile string, dryRun bool) error {
	resolver, err := secrets.NewResolver(secrets.Config{
		Backend:          cfg.Secrets.Backend,
		OnePasswordHost:  os.Getenv("OP_CONNECT_HOST"),
		OnePasswordToken: os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"),
		OnePasswordVault: cfg.Secrets.OnePasswordVault,
		LocalDir:         os.Getenv("EDGEBOT_SECRETS_DIR"),
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing secrets resolver: %w", err)
	}
	defer resolver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := resolveSinkCredentials(ctx, resolver, &cfg.Output.Primary); err != nil {
		return fmt.Errorf("resolving sink credentials: %w", err)
	}

	sp, err := spool.Open(cfg.Buffer.DiskBufferPath, int64(cfg.Buffer.DiskBufferMaxSize), cfg.Buffer.MaxSize, cfg.Buffer.DiskBuffer)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}
	defer sp.Close()

	// spec.md §4.1 / the design notes: a crash can leave in_flight
	// records whose lease never gets reaped by anyone else, so every
	// startup must reclaim them before the shipper starts claiming.
	if n, err := sp.ReapStale(); err != nil {
		logger.Warn("startup reap_stale failed", "error", err)
	} else if n > 0 {
		logger.Info("reaped stale in_flight records on startup", "count", n)
	}

	registry := health.NewRegistry(nil)

	outSink, err := buildSink(cfg.Output.Primary)
	if err != nil {
		return fmt.Errorf("building output sink: %w", err)
	}

	route := buildRoute(cfg, outSink)
	sh := shipper.New(shipper.Config{
		Spool:           sp,
		Sinks:           []*shipper.SinkRoute{route},
		MinBatchTimeout: cfg.Batching.Timeout(),
		NodeSource:      "edgebot",
		Metrics:         registry,
		Logger:          logger,
	})

	sup := supervisor.New(supervisor.Config{
		RestartPolicy: supervisor.RestartPolicy{
			BaseBackoff:    time.Second,
			MaxBackoff:     30 * time.Second,
			StableDuration: 60 * time.Second,
			MaxRestarts:    cfg.Supervisor.MaxRestartAttempts,
			Window:         cfg.Supervisor.RestartWindow(),
		},
		ShutdownGrace: cfg.Supervisor.ShutdownGrace(),
		Logger:        logger,
		OnReload:      reloadFunc(configFile, route, levelVar, logger),
	})

	healthServer := health.NewServer(registry, sup, logger)
	httpSrv := &httpServerTask{
		addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		handler: healthServer,
		logger:  logger,
	}
	sup.AddTask(supervisor.Task{
		Name:     "health_server",
		Start:    httpSrv.Start,
		Healthy:  func() bool { return true },
		Critical: false,
	}, false)

	maint := &spoolMaintenance{
		spool:   sp,
		deadDir: filepath.Join(cfg.Buffer.DiskBufferPath, "dead"),
		metrics: registry,
		logger:  logger,
	}
	sup.AddTask(supervisor.Task{
		Name:     "spool_maintenance",
		Start:    maint.Start,
		Healthy:  func() bool { return true },
		Critical: false,
	}, false)

	registerListeners(sup, cfg, sp, sh, registry, cfg.Batching.MaxSize, dryRun)

	sup.AddTask(supervisor.Task{
		Name:     "shipper",
		Start:    sh.Run,
		Healthy:  func() bool { return true },
		Critical: true,
	}, true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		healthServer.SetMode(health.StatusShuttingDown)
		cancel()
	}()

	healthServer.SetMode(health.StatusHealthy)
	logger.Info("starting edgebot", "output_kind", cfg.Output.Primary.Kind, "dry_run", dryRun)
	return sup.Run(ctx)
}

// reloadFunc re-reads configFile on SIGHUP and hot-applies the
// tunables that don't require tearing down a running task: the output
// rate limit, the batch size, and the log level. Everything else
// (listeners, sink endpoint, buffer paths) still requires a restart.
func reloadFunc(configFile string, route *shipper.SinkRoute, levelVar *slog.LevelVar, logger *slog.Logger) func() {
	return func() {
		cfg, err := config.LoadFromFile(configFile)
		if err != nil {
			logger.Error("reload: reading config file failed, keeping current tunables", "error", err)
			return
		}
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			logger.Error("reload: config file is invalid, keeping current tunables", "error", err)
			return
		}

		route.Limiter.Reconfigure(rateLimitConfig(cfg))
		route.SetMaxBatchSize(cfg.Batching.MaxSize)
		levelVar.Set(logLevel(cfg.Log.Level))

		logger.Info("reload applied",
			"rate_limit_mode", cfg.RateLimit.Mode,
			"batch_max_size", cfg.Batching.MaxSize,
			"log_level", cfg.Log.Level)
	}
}

// resolveSinkCredentials fills blank output.primary credential fields
// from the secrets resolver, leaving explicit config values untouched.
func resolveSinkCredentials(ctx context.Context, resolver secrets.Resolver, sinkCfg *config.SinkConfig) error {
	if sinkCfg.AuthToken == "" {
		v, err := resolver.Resolve(ctx, "auth_token")
		if err != nil {
			return err
		}
		sinkCfg.AuthToken = v
	}
	if sinkCfg.TLS.ClientCert == "" {
		v, err := resolver.Resolve(ctx, "tls.client_cert")
		if err != nil {
			return err
		}
		sinkCfg.TLS.ClientCert = v
	}
	if sinkCfg.TLS.ClientKey == "" {
		v, err := resolver.Resolve(ctx, "tls.client_key")
		if err != nil {
			return err
		}
		sinkCfg.TLS.ClientKey = v
	}
	return nil
}

func buildSink(sc config.SinkConfig) (sink.Sink, error) {
	switch sc.Kind {
	case "http":
		return sink.NewHTTPSink(sink.HTTPConfig{
			URL:         sc.URL,
			AuthToken:   sc.AuthToken,
			TLSVerify:   sc.TLS.Verify,
			ClientCert:  sc.TLS.ClientCert,
			ClientKey:   sc.TLS.ClientKey,
			CABundle:    sc.TLS.CABundle,
			Compression: sc.Compression,
			TimeoutMS:   sc.TimeoutMS,
			UserAgent:   "edgebot/" + version,
		})
	case "file":
		return sink.NewFileSink(sink.FileConfig{
			Dir:         sc.URL,
			Compression: sc.Compression,
		})
	default:
		return nil, fmt.Errorf("unknown output.primary.kind %q", sc.Kind)
	}
}

func buildRoute(cfg *config.Config, outSink sink.Sink) *shipper.SinkRoute {
	route := shipper.NewSinkRoute(cfg.Batching.MaxSize)
	route.Sink = outSink
	route.Breaker = breaker.New(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		OpenDuration:        cfg.Breaker.OpenDuration(),
		HalfOpenMaxInflight: cfg.Breaker.HalfOpenMaxInflight,
	})
	route.Limiter = ratelimit.New(rateLimitConfig(cfg))
	route.Retry = retry.Policy{
		BaseDelay:   cfg.Retry.InitialBackoff(),
		MaxDelay:    cfg.Retry.MaxBackoff(),
		Multiplier:  2.0,
		JitterFrac:  cfg.Retry.JitterFactor,
		MaxAttempts: cfg.Retry.MaxRetries,
	}
	route.MaxBatchBytes = cfg.Batching.MaxBytes
	route.LeaseDuration = 2 * cfg.Batching.Timeout()
	route.MaxAttempts = cfg.Retry.MaxRetries
	return route
}

// rateLimitConfig maps rate_limit.mode (spec.md §6.4, validated to
// "events" or "bytes" by config.Validate) onto the matching dimension
// of ratelimit.Config, leaving the other dimension disabled. Byte mode
// previously left both dimensions unset, silently disabling rate
// limiting entirely (violating spec.md §4.2's P6).
func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	switch cfg.RateLimit.Mode {
	case "bytes":
		return ratelimit.Config{
			BytesPerSecond: float64(cfg.RateLimit.RefillPerSec),
			BytesBurst:     cfg.RateLimit.Capacity,
		}
	default:
		return ratelimit.Config{
			EventsPerSecond: float64(cfg.RateLimit.RefillPerSec),
			EventsBurst:     cfg.RateLimit.Capacity,
		}
	}
}

// registerListeners wires each enabled listener's enqueue path through
// to the spool, waking sh early whenever an enqueue leaves the spool
// holding at least maxBatchSize pending records so the shipper doesn't
// sit out the rest of min_batch_timeout (spec.md §4.7(1b)).
func registerListeners(sup *supervisor.Supervisor, cfg *config.Config, sp spool.Spool, sh *shipper.Shipper, registry *health.Registry, maxBatchSize int, dryRun bool) {
	enqueue := func(env envelope.Envelope) (uint64, error) {
		id, err := sp.Enqueue(env)
		if err != nil {
			return id, err
		}
		if stats, statErr := sp.Stats(); statErr == nil && stats.Pending >= maxBatchSize {
			sh.Notify()
		}
		return id, nil
	}

	if dryRun {
		syn := listener.NewSynthetic(listener.SyntheticConfig{
			SourceName: "synthetic",
			Rate:       time.Second,
			SkewBound:  24 * time.Hour,
			Metrics:    registry,
		})
		addListenerTask(sup, syn, enqueue)
		return
	}

	if ic, ok := cfg.Inputs["host_inventory"]; ok && ic.Enabled {
		hi := listener.NewHostInventory(listener.HostInventoryConfig{
			SourceName: "host_inventory",
			Interval:   time.Minute,
			SkewBound:  24 * time.Hour,
			Metrics:    registry,
		})
		addListenerTask(sup, hi, enqueue)
	}
}

func addListenerTask(sup *supervisor.Supervisor, l listener.Listener, enqueue listener.EnqueueFunc) {
	sup.AddTask(supervisor.Task{
		Name:     l.Name(),
		Start:    func(ctx context.Context) error { return l.Start(ctx, enqueue) },
		Healthy:  l.Healthy,
		Critical: false,
	}, false)
}

// httpServerTask adapts net/http.Server to supervisor.Task's ctx-driven
// Start shape: Start blocks until ctx is cancelled, then shuts down
// gracefully.
type httpServerTask struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

func (t *httpServerTask) Start(ctx context.Context) error {
	srv := &http.Server{Addr: t.addr, Handler: t.handler}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.logger.Warn("health server shutdown error", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// spoolMaintenance runs the periodic spool housekeeping spec.md §4.1
// and §6.6 require beyond the shipper's own claim/commit cycle: reaping
// leases a crashed shipper never released, publishing occupancy gauges,
// and exporting dead-lettered events to disk so an operator can inspect
// and replay them.
type spoolMaintenance struct {
	spool   spool.Spool
	deadDir string
	metrics *health.Registry
	logger  *slog.Logger
}

func (m *spoolMaintenance) Start(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		m.tick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *spoolMaintenance) tick() {
	if n, err := m.spool.ReapStale(); err != nil {
		m.logger.Warn("periodic reap_stale failed", "error", err)
	} else if n > 0 {
		m.logger.Info("reaped stale in_flight records", "count", n)
	}

	stats, err := m.spool.Stats()
	if err != nil {
		m.logger.Warn("spool stats failed", "error", err)
	} else {
		m.metrics.SetSpoolStats(stats.Pending, stats.InFlight, stats.TotalBytes)
	}

	if err := m.exportDead(); err != nil {
		m.logger.Warn("dead-letter export failed", "error", err)
	}
}

// exportDead writes one JSON file per currently dead record into
// deadDir and commits those ids out of the spool, so a record is
// exported exactly once rather than re-written every tick.
func (m *spoolMaintenance) exportDead() error {
	dead, err := m.spool.DeadRecords()
	if err != nil {
		return fmt.Errorf("listing dead records: %w", err)
	}
	if len(dead) == 0 {
		return nil
	}

	if err := os.MkdirAll(m.deadDir, 0o755); err != nil {
		return fmt.Errorf("creating dead-letter dir: %w", err)
	}

	exported := make([]uint64, 0, len(dead))
	for _, rec := range dead {
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			m.logger.Warn("marshaling dead record failed", "spool_id", rec.SpoolID, "error", err)
			continue
		}
		path := filepath.Join(m.deadDir, fmt.Sprintf("%d.json", rec.SpoolID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			m.logger.Warn("writing dead-letter file failed", "spool_id", rec.SpoolID, "error", err)
			continue
		}
		exported = append(exported, rec.SpoolID)
	}

	if len(exported) == 0 {
		return nil
	}
	if _, err := m.spool.Commit(exported); err != nil {
		return fmt.Errorf("committing exported dead records: %w", err)
	}
	m.logger.Info("exported dead-lettered events", "count", len(exported), "dir", m.deadDir)
	return nil
}
