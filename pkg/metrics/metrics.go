package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bureau_runs_active",
			Help: "Number of live sessions by provider",
		},
		[]string{"provider"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_runs_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"provider", "status"},
	)

	// Event log metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_events_appended_total",
			Help: "Total number of events appended by event type",
		},
		[]string{"type"},
	)

	BusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bureau_bus_dropped_total",
			Help: "Total number of bus events dropped due to full subscriber buffers",
		},
	)

	BusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bureau_bus_subscribers",
			Help: "Number of active event bus subscribers",
		},
	)

	// Projection index metrics
	IndexSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_index_syncs_total",
			Help: "Total number of index sync operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	IndexSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bureau_index_sync_duration_seconds",
			Help:    "Index sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bureau_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Launch lane metrics
	LanePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bureau_lane_pending",
			Help: "Number of launches waiting for admission by priority",
		},
		[]string{"priority"},
	)

	LaneRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bureau_lane_running",
			Help: "Number of admitted launches currently running",
		},
	)

	LaneCooldownsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bureau_lane_cooldowns_active",
			Help: "Number of provider cooldowns currently in force",
		},
	)

	// Heartbeat metrics
	HeartbeatTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_heartbeat_ticks_total",
			Help: "Total number of heartbeat ticks by result",
		},
		[]string{"result"},
	)

	HeartbeatActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_heartbeat_actions_total",
			Help: "Total number of heartbeat actions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Share-pack metrics
	SharePackExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_sharepack_exports_total",
			Help: "Total number of share-pack exports by result",
		},
		[]string{"result"},
	)

	// Usage metrics
	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_usage_tokens_total",
			Help: "Total tokens accounted to finished runs by provider and source",
		},
		[]string{"provider", "source"},
	)

	UsageCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bureau_usage_cost_usd_total",
			Help: "Total estimated cost in USD accounted to finished runs",
		},
		[]string{"provider"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(EventsAppendedTotal)
	prometheus.MustRegister(BusDroppedTotal)
	prometheus.MustRegister(BusSubscribers)
	prometheus.MustRegister(IndexSyncsTotal)
	prometheus.MustRegister(IndexSyncDuration)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(LanePending)
	prometheus.MustRegister(LaneRunning)
	prometheus.MustRegister(LaneCooldownsActive)
	prometheus.MustRegister(HeartbeatTicksTotal)
	prometheus.MustRegister(HeartbeatActionsTotal)
	prometheus.MustRegister(SharePackExportsTotal)
	prometheus.MustRegister(UsageTokensTotal)
	prometheus.MustRegister(UsageCostUSDTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds into one histogram of a vec
func (t *Timer) ObserveDurationVec(v *prometheus.HistogramVec, labels ...string) {
	v.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
