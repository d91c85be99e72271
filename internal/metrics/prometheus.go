// Package metrics provides Prometheus-based metrics collection for serverseeker.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all serverseeker metrics
	namespace = "serverseeker"

	// Subsystems
	subsystemScan     = "scan"
	subsystemGovernor = "governor"
	subsystemSink     = "sink"
	subsystemCountry  = "country"
	subsystemSystem   = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	sweepPasses    *prometheus.CounterVec

	// Governor metrics
	slotsInUse prometheus.Gauge
	slotWait   prometheus.Histogram

	// Sink metrics
	sinkWrites     *prometheus.CounterVec
	sinkQueueDepth prometheus.Gauge

	// Country tracking metrics
	countryUpdates *prometheus.CounterVec
	countryRanges  prometheus.Gauge

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
// registered on a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initGovernorMetrics()
	pm.initSinkMetrics()
	pm.initCountryMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "attempts_total",
			Help:      "Resolved connection attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	pm.attemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of connection attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"outcome"},
	)

	pm.sweepPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "sweep_passes_total",
			Help:      "Completed sweep passes by mode",
		},
		[]string{"mode"},
	)
}

func (pm *PrometheusMetrics) initGovernorMetrics() {
	pm.slotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemGovernor,
			Name:      "slots_in_use",
			Help:      "Connection slots currently held",
		},
	)

	pm.slotWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemGovernor,
			Name:      "slot_wait_seconds",
			Help:      "Time spent waiting for a connection slot",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
}

func (pm *PrometheusMetrics) initSinkMetrics() {
	pm.sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "writes_total",
			Help:      "Sink writes by result",
		},
		[]string{"result"},
	)

	pm.sinkQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "queue_depth",
			Help:      "Records waiting to be written to the sink",
		},
	)
}

func (pm *PrometheusMetrics) initCountryMetrics() {
	pm.countryUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCountry,
			Name:      "updates_total",
			Help:      "Country dataset synchronisations by result",
		},
		[]string{"result"},
	)

	pm.countryRanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCountry,
			Name:      "ranges",
			Help:      "Address ranges in the current country dataset",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Crawler uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.attempts,
		pm.attemptLatency,
		pm.sweepPasses,
		pm.slotsInUse,
		pm.slotWait,
		pm.sinkWrites,
		pm.sinkQueueDepth,
		pm.countryUpdates,
		pm.countryRanges,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveAttempt implements Recorder.
func (pm *PrometheusMetrics) ObserveAttempt(mode, outcome string, latency time.Duration) {
	pm.attempts.WithLabelValues(mode, outcome).Inc()
	pm.attemptLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// SetSlotsInUse implements Recorder.
func (pm *PrometheusMetrics) SetSlotsInUse(n int) {
	pm.slotsInUse.Set(float64(n))
}

// ObserveSlotWait implements Recorder.
func (pm *PrometheusMetrics) ObserveSlotWait(wait time.Duration) {
	pm.slotWait.Observe(wait.Seconds())
}

// ObserveSinkWrite implements Recorder.
func (pm *PrometheusMetrics) ObserveSinkWrite(result string) {
	pm.sinkWrites.WithLabelValues(result).Inc()
}

// SetSinkQueueDepth implements Recorder.
func (pm *PrometheusMetrics) SetSinkQueueDepth(n int) {
	pm.sinkQueueDepth.Set(float64(n))
}

// IncSweepPasses implements Recorder.
func (pm *PrometheusMetrics) IncSweepPasses(mode string) {
	pm.sweepPasses.WithLabelValues(mode).Inc()
}

// ObserveCountryUpdate implements Recorder. ranges is ignored for failed
// updates so the gauge keeps describing the dataset in use.
func (pm *PrometheusMetrics) ObserveCountryUpdate(result string, ranges int) {
	pm.countryUpdates.WithLabelValues(result).Inc()
	if result == "ok" {
		pm.countryRanges.Set(float64(ranges))
	}
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates updates system metrics every interval until ctx ends.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
