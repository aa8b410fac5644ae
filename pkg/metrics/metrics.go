// Package metrics wires the hub's Prometheus registry and the gauge
// set backing get_kpi_snapshot and get_transport_snapshot. One registry
// is constructed at server boot; components self-register against a
// narrow prometheus.Registerer (see pkg/consensus.New).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the process-wide Prometheus registry with the
// hub-level gauges that feed KPI/transport snapshots. Component-owned
// counters (e.g. pkg/consensus's consensus_decisions_total) register
// against Registerer independently.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	TasksPending     prometheus.Gauge
	TasksInProgress  prometheus.Gauge
	TasksDone        prometheus.Gauge
	TasksBlocked     prometheus.Gauge
	AgentsOnline     prometheus.Gauge
	ClaimsActive     prometheus.Gauge
	OpenSLOAlerts    prometheus.Gauge
	SSEConnections   prometheus.Gauge
	LongPollWaiters  prometheus.Gauge
	ToolCallsTotal   *prometheus.CounterVec
	ToolErrorsTotal  *prometheus.CounterVec
}

// New constructs a fresh registry (not the global default one, so
// tests can spin up independent instances without collector
// re-registration panics).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		TasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_tasks_pending", Help: "Tasks currently pending.",
		}),
		TasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_tasks_in_progress", Help: "Tasks currently in progress.",
		}),
		TasksDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_tasks_done", Help: "Tasks currently done (pre-archive).",
		}),
		TasksBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_tasks_blocked", Help: "Tasks currently blocked.",
		}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_agents_online", Help: "Agents with status=online.",
		}),
		ClaimsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_claims_active", Help: "Unexpired task claims.",
		}),
		OpenSLOAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_slo_alerts_open", Help: "SLO alerts with resolved_at IS NULL.",
		}),
		SSEConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_sse_connections", Help: "Open /events SSE connections.",
		}),
		LongPollWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_long_poll_waiters", Help: "In-flight wait_for_updates calls.",
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_tool_calls_total", Help: "Tool calls by name.",
		}, []string{"tool"}),
		ToolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_tool_errors_total", Help: "Tool calls that returned an error, by tool and code.",
		}, []string{"tool", "code"}),
	}
	reg.MustRegister(
		r.TasksPending, r.TasksInProgress, r.TasksDone, r.TasksBlocked,
		r.AgentsOnline, r.ClaimsActive, r.OpenSLOAlerts,
		r.SSEConnections, r.LongPollWaiters, r.ToolCallsTotal, r.ToolErrorsTotal,
	)
	return r
}

// RecordToolCall increments the call counter and, on failure, the
// per-code error counter (used by pkg/hub's dispatch wrapper).
func (r *Registry) RecordToolCall(tool, errCode string) {
	r.ToolCallsTotal.WithLabelValues(tool).Inc()
	if errCode != "" {
		r.ToolErrorsTotal.WithLabelValues(tool, errCode).Inc()
	}
}

// Snapshot is the plain-value KPI/transport readout served by
// `get_kpi_snapshot`/`get_transport_snapshot`. pkg/hub populates it
// directly from the store and from pkg/api's live connection counters
// rather than reading the gauges back out of the registry — the
// gauges exist for Prometheus scraping, Snapshot exists for the
// tool-call JSON response, and the two are kept in sync by Set calls
// at the same point the snapshot is computed.
type Snapshot struct {
	TasksPending    float64 `json:"tasks_pending"`
	TasksInProgress float64 `json:"tasks_in_progress"`
	TasksDone       float64 `json:"tasks_done"`
	TasksBlocked    float64 `json:"tasks_blocked"`
	AgentsOnline    float64 `json:"agents_online"`
	ClaimsActive    float64 `json:"claims_active"`
	OpenSLOAlerts   float64 `json:"slo_alerts_open"`
	SSEConnections  float64 `json:"sse_connections"`
	LongPollWaiters float64 `json:"long_poll_waiters"`
}

// Apply sets every gauge from snap, keeping the /metrics scrape
// surface consistent with the last computed Snapshot.
func (r *Registry) Apply(snap Snapshot) {
	r.TasksPending.Set(snap.TasksPending)
	r.TasksInProgress.Set(snap.TasksInProgress)
	r.TasksDone.Set(snap.TasksDone)
	r.TasksBlocked.Set(snap.TasksBlocked)
	r.AgentsOnline.Set(snap.AgentsOnline)
	r.ClaimsActive.Set(snap.ClaimsActive)
	r.OpenSLOAlerts.Set(snap.OpenSLOAlerts)
	r.SSEConnections.Set(snap.SSEConnections)
	r.LongPollWaiters.Set(snap.LongPollWaiters)
}
