// Package daemon runs the crawler as a long-lived process. It owns the
// startup order (database, country dataset, sink router, sweep engine,
// HTTP endpoints), signal handling and the graceful drain on shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/serverseeker/internal/api"
	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/country"
	"github.com/anstrom/serverseeker/internal/db"
	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/metrics"
	"github.com/anstrom/serverseeker/internal/protocol"
	"github.com/anstrom/serverseeker/internal/resolve"
	"github.com/anstrom/serverseeker/internal/router"
	"github.com/anstrom/serverseeker/internal/scanning"
	"github.com/anstrom/serverseeker/internal/sweep"
)

const (
	healthCheckInterval   = 10 * time.Second
	systemMetricsInterval = 15 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main crawler process.
type Daemon struct {
	config    *config.Config
	database  *db.DB
	tracker   *country.Tracker
	router    *router.Router
	engine    *sweep.Engine
	apiServer *api.Server
	metrics   *metrics.PrometheusMetrics
	pidFile   string
	base      *logging.Logger
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a new daemon instance.
func New(cfg *config.Config, logger *logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		pidFile: cfg.Daemon.PIDFile,
		metrics: metrics.NewPrometheusMetrics(),
		base:    logger,
		logger:  logger.WithComponent("daemon"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start brings every component up in order and blocks until the sweep
// finishes or a shutdown signal arrives. Failures during startup are fatal
// and returned; the PID file is removed in either case.
func (d *Daemon) Start() error {
	d.logger.Info("Starting serverseeker daemon",
		"mode", d.config.Scanner.Mode.String(),
		"pid", os.Getpid())

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.abort()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initCountryTracking(); err != nil {
		d.abort()
		return fmt.Errorf("failed to initialize country tracking: %w", err)
	}

	servers := db.NewServerRepository(d.database)
	var enricher router.Enricher
	if d.tracker != nil {
		enricher = d.tracker
	}
	if err := d.buildSweep(db.NewSink(servers), enricher, servers, db.NewCheckpointRepository(d.database)); err != nil {
		d.abort()
		return fmt.Errorf("failed to build sweep: %w", err)
	}

	d.initAPIServer()

	d.logger.Info("Daemon started successfully")
	return d.run()
}

// Stop cancels the sweep and waits for the drain to finish.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID refuses to start when the PID file names a live process
// and removes it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers maps SIGTERM and SIGINT to a graceful shutdown,
// SIGHUP to a country dataset refresh and SIGUSR1 to a status dump.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.done:
				return
			case sig := <-sigChan:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.Info("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		if d.tracker == nil {
			d.logger.Info("Country tracking disabled, nothing to refresh")
			return
		}
		go func() {
			if _, err := d.tracker.Sync(d.ctx); err != nil {
				d.logger.ErrorCountry("Country refresh on SIGHUP failed", err)
			}
		}()
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// initDatabase connects and applies pending migrations.
func (d *Daemon) initDatabase() error {
	d.logger.InfoDatabase("Connecting to database")

	dbConfig := d.config.GetDatabaseConfig()
	database, err := db.ConnectAndMigrate(d.ctx, &dbConfig)
	if err != nil {
		return err
	}

	d.database = database
	d.logger.InfoDatabase("Database connection established")
	return nil
}

// initCountryTracking runs the first sync and schedules refreshes.
func (d *Daemon) initCountryTracking() error {
	ct := d.config.CountryTracking
	if !ct.Enabled {
		d.logger.Info("Country tracking disabled")
		return nil
	}

	tracker, err := country.New(country.Config{
		SourceURL:       ct.SourceURL,
		UpdateFrequency: time.Duration(ct.UpdateFrequency) * time.Hour,
		CacheSize:       ct.CacheSize,
	}, db.NewCountryRepository(d.database),
		country.WithMetrics(d.metrics),
		country.WithLogger(d.base.WithComponent("country")))
	if err != nil {
		return err
	}

	if err := tracker.Initialize(d.ctx); err != nil {
		return err
	}
	if err := tracker.Start(); err != nil {
		return err
	}

	d.tracker = tracker
	return nil
}

// buildSweep wires governor, prober, router and engine. The router only
// forwards failed attempts in rescan mode, where they mark known servers
// offline.
func (d *Daemon) buildSweep(sink router.Sink, enricher router.Enricher,
	known sweep.KnownHostSource, checkpoints sweep.CheckpointStore) error {
	sc := d.config.Scanner

	ports, err := scanning.ParsePorts(sc.Ports)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "invalid scanner ports", err)
	}

	var space *scanning.AddressSpace
	if sc.Mode == scanning.ModeDiscovery {
		if space, err = sc.AddressSpace(); err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "invalid scanner address space", err)
		}
	}

	state := scanning.NewSweepState(sc.Mode)

	governor := scanning.NewGovernor(sc.GovernorConfig())
	governor.OnWait(d.metrics.ObserveSlotWait)

	handshaker := protocol.NewHandshaker()
	handshaker.ProtocolVersion = sc.ProtocolVersion
	handshaker.Ping = sc.Ping
	prober := scanning.NewProber(handshaker)

	opts := []router.Option{
		router.WithMetrics(d.metrics),
		router.WithLogger(d.base.WithComponent("router")),
	}
	if enricher != nil {
		opts = append(opts, router.WithEnricher(enricher))
	}
	d.router = router.New(router.Config{
		QueueSize:         sc.SinkQueueSize,
		Workers:           sc.SinkWorkers,
		MaxRetries:        sc.SinkRetry.MaxRetries,
		RetryDelay:        sc.SinkRetry.RetryDelay,
		BackoffMultiplier: sc.SinkRetry.BackoffMultiplier,
		ForwardFailures:   sc.Mode == scanning.ModeRescan,
	}, sink, state, opts...)

	engineOpts := []sweep.Option{
		sweep.WithMetrics(d.metrics),
		sweep.WithLogger(d.base.WithComponent("sweep")),
	}
	if checkpoints != nil {
		engineOpts = append(engineOpts, sweep.WithCheckpoints(checkpoints))
	}
	if known != nil {
		engineOpts = append(engineOpts, sweep.WithKnownHosts(known))
	}
	if len(sc.SeedHosts) > 0 {
		resolver, err := resolve.New(sc.Resolver, sc.Timeout)
		if err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "failed to create seed resolver", err)
		}
		engineOpts = append(engineOpts, sweep.WithSeedResolver(resolver))
	}

	d.engine = sweep.New(sweep.Config{
		Mode:               sc.Mode,
		Space:              space,
		Ports:              ports,
		Timeout:            sc.Timeout,
		Repeat:             sc.Repeat,
		Seed:               sc.Seed,
		CheckpointInterval: sc.CheckpointInterval,
		RescanInterval:     sc.RescanInterval,
		RescanMaxAge:       sc.RescanMaxAge,
		SeedHosts:          sc.SeedHosts,
		DrainTimeout:       d.config.Daemon.ShutdownTimeout,
	}, governor, prober, d.router, state, engineOpts...)
	return nil
}

// initAPIServer creates the HTTP endpoint server when metrics are enabled.
func (d *Daemon) initAPIServer() {
	if !d.config.Metrics.Enabled {
		d.logger.Info("Metrics endpoint disabled")
		return
	}

	var health api.HealthChecker
	if d.database != nil {
		health = d.database
	}
	d.apiServer = api.New(d.config.Metrics, d.metrics, health, d.engine, d.base)
}

// run drives the sweep and returns once it has drained. A sweep that ends
// on its own (discovery without repeat) stops the daemon as well.
func (d *Daemon) run() error {
	defer close(d.done)
	defer d.cleanup()

	if d.apiServer != nil {
		go func() {
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.Error("API server error", "error", err)
			}
		}()
	}
	go d.metrics.StartPeriodicUpdates(d.ctx, systemMetricsInterval)

	d.router.Start()
	sweepDone := make(chan error, 1)
	go func() { sweepDone <- d.engine.Run(d.ctx) }()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	var sweepErr error
loop:
	for {
		select {
		case sweepErr = <-sweepDone:
			break loop
		case <-ticker.C:
			d.performHealthCheck()
		}
	}

	// The engine has drained its workers; flush what the router still holds.
	closeCtx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
	defer cancel()
	if err := d.router.Close(closeCtx); err != nil {
		d.logger.ErrorSink("Sink queue did not drain before shutdown", err)
	}

	d.cancel()
	snap := d.engine.Snapshot()
	d.logger.InfoSweep("Sweep finished", snap.Mode.String(),
		"attempted", snap.Attempted,
		"succeeded", snap.Succeeded,
		"sink_written", snap.SinkWritten,
		"sink_failed", snap.SinkFailed)

	if sweepErr != nil && !errors.IsCode(sweepErr, errors.CodeCanceled) {
		return sweepErr
	}
	return nil
}

// performHealthCheck pings the database. The pool reconnects on its own,
// so a failure is only reported.
func (d *Daemon) performHealthCheck() {
	if d.database == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, healthCheckInterval/2)
	defer cancel()
	if err := d.database.Ping(ctx); err != nil && d.ctx.Err() == nil {
		d.logger.ErrorDatabase("Database health check failed", err)
	}
}

// abort undoes a partial startup.
func (d *Daemon) abort() {
	d.cancel()
	d.cleanup()
	close(d.done)
}

// cleanup releases everything Start acquired.
func (d *Daemon) cleanup() {
	if d.tracker != nil {
		d.tracker.Stop()
	}

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.Error("Error stopping API server", "error", err)
		}
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.ErrorDatabase("Error closing database", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
		} else {
			d.logger.Info("Removed PID file", "path", d.pidFile)
		}
	}
}

// dumpStatus writes the sweep counters and runtime statistics to the log.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}
	if d.engine != nil {
		snap := d.engine.Snapshot()
		fields = append(fields,
			"sweep_id", snap.ID,
			"phase", snap.Phase.String(),
			"pass", snap.Pass,
			"cursor", snap.Cursor,
			"total", snap.Total,
			"attempted", snap.Attempted,
			"succeeded", snap.Succeeded,
			"failed", snap.Failed,
			"sink_written", snap.SinkWritten,
			"sink_failed", snap.SinkFailed,
			"elapsed", snap.Elapsed.Round(time.Second).String())
	}
	if d.router != nil {
		fields = append(fields, "sink_queue", d.router.QueueDepth())
	}
	d.logger.Info("Status dump", fields...)
}

// IsRunning reports whether shutdown has not started yet.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
