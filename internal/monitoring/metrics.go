package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	// Worker lifecycle metrics
	WorkersLaunched *prometheus.CounterVec
	WorkersAdopted  *prometheus.CounterVec
	WorkerRestarts  *prometheus.CounterVec
	WorkerCrashes   *prometheus.CounterVec
	ForcedKills     *prometheus.CounterVec
	WorkersTerminal *prometheus.GaugeVec
	WorkersLive     prometheus.Gauge

	// Health metrics
	HeartbeatAge     *prometheus.GaugeVec
	WorkerCPU        *prometheus.GaugeVec
	WorkerMemory     *prometheus.GaugeVec
	StaleWarnings    *prometheus.CounterVec
	ResourceWarnings *prometheus.CounterVec

	// Queue metrics
	QueueDepth   *prometheus.GaugeVec
	QueuePending *prometheus.GaugeVec

	// Supervisor metrics
	MonitorCycleDuration prometheus.Histogram
	LocksReclaimed       prometheus.Counter

	// System metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	DatabaseConns *prometheus.GaugeVec

	logger *zap.Logger
	server *http.Server
}

func NewMetrics(logger *zap.Logger) *Metrics {
	return &Metrics{
		// Worker lifecycle metrics
		WorkersLaunched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_workers_launched_total",
			Help: "Total number of worker processes spawned",
		}, []string{"role"}),
		WorkersAdopted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_workers_adopted_total",
			Help: "Total number of already-running workers adopted into tracking",
		}, []string{"role"}),
		WorkerRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_worker_restarts_total",
			Help: "Total number of worker restarts after a crash",
		}, []string{"role"}),
		WorkerCrashes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_worker_crashes_total",
			Help: "Total number of detected worker crashes",
		}, []string{"role"}),
		ForcedKills: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_forced_kills_total",
			Help: "Total number of workers killed after ignoring the grace period",
		}, []string{"role"}),
		WorkersTerminal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_worker_terminal",
			Help: "Whether the role has exhausted its restarts (1) or not (0)",
		}, []string{"role"}),
		WorkersLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "orc_workers_live",
			Help: "Number of tracked workers currently believed alive",
		}),

		// Health metrics
		HeartbeatAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_worker_heartbeat_age_seconds",
			Help: "Age of the worker's latest heartbeat at last check",
		}, []string{"role"}),
		WorkerCPU: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_worker_cpu_percent",
			Help: "CPU usage reported in the worker's latest heartbeat",
		}, []string{"role"}),
		WorkerMemory: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_worker_memory_bytes",
			Help: "Memory usage reported in the worker's latest heartbeat",
		}, []string{"role"}),
		StaleWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_stale_warnings_total",
			Help: "Total number of stale-heartbeat warnings",
		}, []string{"role"}),
		ResourceWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_resource_warnings_total",
			Help: "Total number of resource threshold violations",
		}, []string{"role"}),

		// Queue metrics
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_queue_depth",
			Help: "Number of messages by status",
		}, []string{"status"}),
		QueuePending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_queue_pending",
			Help: "Number of pending messages by recipient role",
		}, []string{"role"}),

		// Supervisor metrics
		MonitorCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "orc_monitor_cycle_seconds",
			Help:    "Duration of one monitor loop cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		LocksReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "orc_locks_reclaimed_total",
			Help: "Total number of orphaned role locks reclaimed",
		}),

		// System metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "orc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		DatabaseConns: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orc_database_connections",
			Help: "Number of database connections",
		}, []string{"state"}),

		logger: logger,
	}
}

func (m *Metrics) StartServer(addr, path string) error {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	m.logger.Info("Starting metrics server", zap.String("addr", addr))
	return m.server.ListenAndServe()
}

func (m *Metrics) Stop(ctx context.Context) error {
	if m.server != nil {
		m.logger.Info("Stopping metrics server")
		return m.server.Shutdown(ctx)
	}
	return nil
}

func (m *Metrics) WorkerLaunched(role string) {
	m.WorkersLaunched.WithLabelValues(role).Inc()
}

func (m *Metrics) WorkerAdopted(role string) {
	m.WorkersAdopted.WithLabelValues(role).Inc()
}

func (m *Metrics) WorkerRestarted(role string) {
	m.WorkerRestarts.WithLabelValues(role).Inc()
}

func (m *Metrics) WorkerCrashed(role string) {
	m.WorkerCrashes.WithLabelValues(role).Inc()
}

func (m *Metrics) WorkerForceKilled(role string) {
	m.ForcedKills.WithLabelValues(role).Inc()
}

func (m *Metrics) SetWorkerTerminal(role string, terminal bool) {
	v := 0.0
	if terminal {
		v = 1.0
	}
	m.WorkersTerminal.WithLabelValues(role).Set(v)
}

func (m *Metrics) SetWorkersLive(count float64) {
	m.WorkersLive.Set(count)
}

func (m *Metrics) ObserveHealth(role string, heartbeatAge time.Duration, cpuPercent float64, memoryBytes uint64) {
	m.HeartbeatAge.WithLabelValues(role).Set(heartbeatAge.Seconds())
	m.WorkerCPU.WithLabelValues(role).Set(cpuPercent)
	m.WorkerMemory.WithLabelValues(role).Set(float64(memoryBytes))
}

func (m *Metrics) StaleWarning(role string) {
	m.StaleWarnings.WithLabelValues(role).Inc()
}

func (m *Metrics) ResourceWarning(role string) {
	m.ResourceWarnings.WithLabelValues(role).Inc()
}

func (m *Metrics) SetQueueDepth(status string, count float64) {
	m.QueueDepth.WithLabelValues(status).Set(count)
}

func (m *Metrics) SetQueuePending(role string, count float64) {
	m.QueuePending.WithLabelValues(role).Set(count)
}

func (m *Metrics) ObserveMonitorCycle(duration time.Duration) {
	m.MonitorCycleDuration.Observe(duration.Seconds())
}

func (m *Metrics) LockReclaimed() {
	m.LocksReclaimed.Inc()
}

func (m *Metrics) HTTPRequest(method, endpoint, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) SetDatabaseConnections(state string, count float64) {
	m.DatabaseConns.WithLabelValues(state).Set(count)
}

type HealthChecker struct {
	checks map[string]HealthCheck
	logger *zap.Logger
}

type HealthCheck interface {
	HealthCheck(ctx context.Context) error
}

type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheck),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

func (h *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "healthy",
		Checks: make(map[string]string),
	}

	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			status.Checks[name] = "unhealthy: " + err.Error()
			status.Status = "unhealthy"
			h.logger.Warn("Health check failed",
				zap.String("check", name),
				zap.Error(err))
		} else {
			status.Checks[name] = "healthy"
		}
	}

	return status
}
