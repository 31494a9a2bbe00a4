/*
Package metrics provides Prometheus metrics collection and exposition for Bureau.

The metrics package defines and registers all Bureau metrics using the
Prometheus client library, giving operators visibility into session
activity, event log throughput, index sync latency, launch lane pressure,
heartbeat behavior, and token spend. Metrics are exposed via an optional
HTTP listener for scraping.

# Metric Categories

Runs:
  - bureau_runs_active: live sessions by provider
  - bureau_runs_total: terminal transitions by provider and status

Event log:
  - bureau_events_appended_total: appends by event type
  - bureau_bus_dropped_total: bus events dropped on full subscriber buffers
  - bureau_bus_subscribers: active subscriber count

Projection index:
  - bureau_index_syncs_total: sync operations by kind (rebuild/sync) and result
  - bureau_index_sync_duration_seconds: sync latency

RPC:
  - bureau_rpc_requests_total: requests by method and status
  - bureau_rpc_request_duration_seconds: per-method latency

Launch lane:
  - bureau_lane_pending / bureau_lane_running / bureau_lane_cooldowns_active

Heartbeat:
  - bureau_heartbeat_ticks_total: ticks by result (completed, skipped_due_to_running)
  - bureau_heartbeat_actions_total: actions by kind and outcome

Usage:
  - bureau_usage_tokens_total: tokens by provider and source
  - bureau_usage_cost_usd_total: estimated spend by provider

# Usage

Expose the endpoint:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

Instrument an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
	metrics.RPCRequestsTotal.WithLabelValues(method, "success").Inc()

Refresh gauges from the server:

	collector := metrics.NewCollector(server)
	collector.Start()
	defer collector.Stop()

# Health Checks

The package also carries a lightweight component health registry used by
the /health and /ready endpoints. Components report their state with
RegisterComponent/UpdateComponent; readiness requires the rpc, index,
and eventlog components to be registered and healthy.

# Best Practices

1. Counters only go up; use gauges for values that can fall
2. Keep label cardinality low (provider, status, method; never run IDs)
3. Record durations with Timer so units stay in seconds everywhere
4. Update health components on state transitions, not in hot loops
*/
package metrics
