package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveSessions.Set(1)
	m.BytesWrittenTotal.Add(4096)
	m.CommitChunkDuration.Observe(0.01)
	m.ObserveRequest("create_partition", "OK")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found int
	for _, fam := range families {
		switch fam.GetName() {
		case "dsi_active_sessions", "dsi_bytes_written_total", "dsi_commit_chunk_duration_seconds", "dsi_rpc_requests_total":
			found++
		}
	}
	if found != 4 {
		t.Fatalf("expected 4 registered families, got %d: %v", found, familyNames(families))
	}
}

func TestObserveRequestOnNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("enable", "OK") // must not panic
}

func TestStartSpanReturnsUsableSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if ctx == nil {
		t.Fatalf("StartSpan returned nil context")
	}
}

func familyNames(fams []*dto.MetricFamily) []string {
	names := make([]string, len(fams))
	for i, f := range fams {
		names[i] = f.GetName()
	}
	return names
}
