// Package metrics wires the service core's Prometheus counters/gauges and
// an OpenTelemetry Tracer/StartSpan helper pair (no package in the daemon
// starts spans with it).
// Nothing in the reference codebase instruments a daemon this way, so the
// names and registration style follow the promauto/otel ecosystem
// conventions directly rather than any one pack file (see DESIGN.md).
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics groups every counter/gauge/histogram the service core updates.
// A single instance is constructed at startup and passed to the
// service package; registering twice against the same registry
// panics, so callers must not call New more than once per process.
type Metrics struct {
	ActiveSessions        prometheus.Gauge
	BytesWrittenTotal     prometheus.Counter
	CommitChunkDuration   prometheus.Histogram
	RPCRequestsTotal      *prometheus.CounterVec
	HostHealthChecksTotal *prometheus.CounterVec
}

// New registers the daemon's metrics against reg and returns the handle
// used to record them. cmd/dsi_service passes a registry of its own.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dsi_active_sessions",
			Help: "Number of InstallSession objects currently live in the service core (0 or 1).",
		}),
		BytesWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dsi_bytes_written_total",
			Help: "Cumulative bytes accepted by commit_chunk_* across all sessions.",
		}),
		CommitChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsi_commit_chunk_duration_seconds",
			Help:    "Latency of a single commit_chunk_* RPC call.",
			Buckets: prometheus.DefBuckets,
		}),
		RPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsi_rpc_requests_total",
			Help: "Count of RPC requests by operation and resulting status.",
		}, []string{"op", "status"}),
		HostHealthChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dsi_host_health_checks_total",
			Help: "Count of the open_install host health preflight, by result (ok/failed).",
		}, []string{"result"}),
	}
}

// ObserveRequest increments the per-operation request counter. op is the
// RPC method name (e.g. "create_partition"); status is the taxonomy string
// (dsi.Status.String()) rather than a connect error code, so dashboards
// read the same status space the CLI and tests do.
func (m *Metrics) ObserveRequest(op, status string) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(op, status).Inc()
}

// ObserveHostHealthCheck records the result of the open_install host health
// preflight. result is "ok" or "failed"; a failed check is advisory and
// never blocks open_install itself.
func (m *Metrics) ObserveHostHealthCheck(result string) {
	if m == nil {
		return
	}
	m.HostHealthChecksTotal.WithLabelValues(result).Inc()
}

// tracerName is the OpenTelemetry instrumentation scope for every span the
// daemon emits.
const tracerName = "github.com/dsiproject/dsi"

// Tracer returns the daemon-wide tracer. Handlers call this once and reuse
// the returned value rather than calling otel.Tracer per request.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a small convenience wrapper so callers
// don't need to import go.opentelemetry.io/otel directly.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
