package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigild/vigil/pkg/types"
)

var (
	// Health gauges
	ServiceHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_health_status",
			Help: "Current health status of services (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"service_id", "service_name", "service_type", "critical"},
	)

	ServiceErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_error_rate",
			Help: "Failures per minute over a rolling five minute window",
		},
		[]string{"service_id", "service_name", "service_type"},
	)

	WebsocketConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections to the monitor",
		},
	)

	// Resource usage gauges, set from docker stats snapshots. Byte totals
	// are cumulative from the container runtime, exposed as gauges so they
	// can be set from each snapshot.
	ServiceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_cpu_usage_percent",
			Help: "Service CPU usage percent",
		},
		[]string{"service_id", "service_name"},
	)

	ServiceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_memory_usage_megabytes",
			Help: "Service memory usage in megabytes",
		},
		[]string{"service_id", "service_name"},
	)

	ServiceNetworkInBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_network_in_bytes",
			Help: "Cumulative network receive bytes",
		},
		[]string{"service_id", "service_name"},
	)

	ServiceNetworkOutBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_network_out_bytes",
			Help: "Cumulative network transmit bytes",
		},
		[]string{"service_id", "service_name"},
	)

	ServiceBlockReadBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_block_read_bytes",
			Help: "Cumulative block IO read bytes",
		},
		[]string{"service_id", "service_name"},
	)

	ServiceBlockWriteBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_block_write_bytes",
			Help: "Cumulative block IO write bytes",
		},
		[]string{"service_id", "service_name"},
	)

	// Counters
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"service_id", "service_name", "status"},
	)

	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_restarts_total",
			Help: "Total number of service restart attempts",
		},
		[]string{"service_id", "service_name", "success"},
	)

	MonitorUptime = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_uptime_seconds_total",
			Help: "Total uptime of the monitor process in seconds",
		},
	)

	ComposeActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compose_actions_total",
			Help: "Total number of docker compose actions invoked",
		},
		[]string{"action", "success"},
	)

	ComposeUnauthorizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compose_unauthorized_total",
			Help: "Total number of unauthorized compose attempts",
		},
	)

	RestartUnauthorizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "restart_unauthorized_total",
			Help: "Total number of unauthorized restart attempts",
		},
	)

	OpenModeAllowedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "open_mode_allowed_total",
			Help: "Total number of commands allowed because no auth is configured",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests received",
		},
		[]string{"method", "path", "status"},
	)

	ProbeSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "probe_skipped_total",
			Help: "Probe ticks shed because the work pool was saturated",
		},
	)

	ReconcilerOverflowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_overflow_total",
			Help: "Probe outcomes dropped because the reconciler ingest channel was full",
		},
	)

	BroadcastDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Events dropped per slow subscriber",
		},
		[]string{"subscriber"},
	)

	AlertWebhookFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_webhook_failures_total",
			Help: "Webhook notifications that failed after all retries",
		},
	)

	// Histograms
	ServiceResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "service_response_time_seconds",
			Help:    "Response time of service health checks in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"service_id", "service_name", "service_type"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"method", "path"},
	)

	ComposeActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compose_action_duration_seconds",
			Help:    "Duration of docker compose actions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"action"},
	)

	ServiceRestartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "service_restart_duration_seconds",
			Help:    "Duration of service restart attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"service_id"},
	)
)

var totalHTTPRequests atomic.Uint64

func init() {
	prometheus.MustRegister(ServiceHealthStatus)
	prometheus.MustRegister(ServiceErrorRate)
	prometheus.MustRegister(WebsocketConnectionsActive)
	prometheus.MustRegister(ServiceCPUPercent)
	prometheus.MustRegister(ServiceMemoryMB)
	prometheus.MustRegister(ServiceNetworkInBytes)
	prometheus.MustRegister(ServiceNetworkOutBytes)
	prometheus.MustRegister(ServiceBlockReadBytes)
	prometheus.MustRegister(ServiceBlockWriteBytes)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(ServiceRestartsTotal)
	prometheus.MustRegister(MonitorUptime)
	prometheus.MustRegister(ComposeActionsTotal)
	prometheus.MustRegister(ComposeUnauthorizedTotal)
	prometheus.MustRegister(RestartUnauthorizedTotal)
	prometheus.MustRegister(OpenModeAllowedTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(ProbeSkippedTotal)
	prometheus.MustRegister(ReconcilerOverflowTotal)
	prometheus.MustRegister(BroadcastDroppedTotal)
	prometheus.MustRegister(AlertWebhookFailuresTotal)
	prometheus.MustRegister(ServiceResponseTime)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ComposeActionDuration)
	prometheus.MustRegister(ServiceRestartDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// UpdateServiceHealth sets the health gauge for a service.
func UpdateServiceHealth(svc types.Service, status types.Status) {
	critical := "false"
	if svc.Critical {
		critical = "true"
	}
	ServiceHealthStatus.
		WithLabelValues(svc.ID, svc.Name, string(svc.Type), critical).
		Set(float64(status))
}

// RecordHealthCheck counts one probe with the resulting status.
func RecordHealthCheck(svc types.Service, status types.Status) {
	HealthChecksTotal.WithLabelValues(svc.ID, svc.Name, status.String()).Inc()
}

// RecordResponseTime observes one probe latency.
func RecordResponseTime(svc types.Service, seconds float64) {
	ServiceResponseTime.WithLabelValues(svc.ID, svc.Name, string(svc.Type)).Observe(seconds)
}

// UpdateErrorRate sets the failures-per-minute gauge.
func UpdateErrorRate(svc types.Service, rate float64) {
	ServiceErrorRate.WithLabelValues(svc.ID, svc.Name, string(svc.Type)).Set(rate)
}

// RecordRestart counts one restart attempt and its duration.
func RecordRestart(svc types.Service, success bool, seconds float64) {
	s := "false"
	if success {
		s = "true"
	}
	ServiceRestartsTotal.WithLabelValues(svc.ID, svc.Name, s).Inc()
	ServiceRestartDuration.WithLabelValues(svc.ID).Observe(seconds)
}

// RecordComposeAction counts one compose invocation and its duration.
func RecordComposeAction(action string, success bool, seconds float64) {
	s := "false"
	if success {
		s = "true"
	}
	ComposeActionsTotal.WithLabelValues(action, s).Inc()
	ComposeActionDuration.WithLabelValues(action).Observe(seconds)
}

// UpdateResourceStats sets the resource gauges from one stats snapshot.
func UpdateResourceStats(svc types.Service, st types.ContainerStats) {
	ServiceCPUPercent.WithLabelValues(svc.ID, svc.Name).Set(st.CPUPercent)
	ServiceMemoryMB.WithLabelValues(svc.ID, svc.Name).Set(st.MemoryMB)
	ServiceNetworkInBytes.WithLabelValues(svc.ID, svc.Name).Set(float64(st.NetInBytes))
	ServiceNetworkOutBytes.WithLabelValues(svc.ID, svc.Name).Set(float64(st.NetOutBytes))
	ServiceBlockReadBytes.WithLabelValues(svc.ID, svc.Name).Set(float64(st.BlockReadBytes))
	ServiceBlockWriteBytes.WithLabelValues(svc.ID, svc.Name).Set(float64(st.BlockWriteBytes))
}

// RecordHTTPRequest counts one served request.
func RecordHTTPRequest(method, path string, status int, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
	totalHTTPRequests.Add(1)
}

// TotalHTTPRequests returns the number of requests served since start.
func TotalHTTPRequests() uint64 { return totalHTTPRequests.Load() }

// StartUptimeTracking increments the uptime counter once a second until
// the context is cancelled.
func StartUptimeTracking(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				MonitorUptime.Inc()
			case <-ctx.Done():
				return
			}
		}
	}()
}
