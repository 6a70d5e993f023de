package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestEngineCollectorRecordsDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}

	collector.ObserveDispatch("request", "handled", 120)
	collector.ObserveDispatch("request", "handled", 80)
	collector.ObserveDispatch("answer", "ignored", 40)
	collector.PacketDropped("authentication")

	if got := testutil.ToFloat64(collector.Dispatched.WithLabelValues("request", "handled")); got != 2 {
		t.Fatalf("gatesim_dispatch_total{request,handled} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Dropped.WithLabelValues("authentication")); got != 1 {
		t.Fatalf("gatesim_packets_dropped_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "gatesim_packet_size_bytes", map[string]string{"class": "request"}); count != 2 {
		t.Fatalf("gatesim_packet_size_bytes sample_count = %d, want 2", count)
	}
}

func TestEngineCollectorRecordsPathsAndProcesses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}

	collector.ObservePathConstruction(50*time.Microsecond, "ok")
	collector.AddGateChanges(2, 1, 0, 0)
	collector.AddGateChanges(0, 0, 3, 2)
	collector.SetActiveProcesses("M", 4)
	collector.SetActiveProcesses("M", 3)
	collector.ProcessFinished("connection", "timeout")
	collector.ConnectionEstablished(20 * time.Millisecond)
	collector.ConnectionClosed("closed")

	for change, want := range map[string]float64{"created": 2, "reused": 1, "removed": 3, "retired": 2} {
		if got := testutil.ToFloat64(collector.GateChanges.WithLabelValues(change)); got != want {
			t.Fatalf("gatesim_gate_changes_total{%s} = %v, want %v", change, got, want)
		}
	}
	if got := testutil.ToFloat64(collector.ActiveProcs.WithLabelValues("M")); got != 3 {
		t.Fatalf("gatesim_active_processes{M} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.FinishedProcs.WithLabelValues("connection", "timeout")); got != 1 {
		t.Fatalf("gatesim_processes_finished_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Established); got != 1 {
		t.Fatalf("gatesim_connections_established_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "gatesim_path_construction_duration_seconds", map[string]string{"outcome": "ok"}); count != 1 {
		t.Fatalf("path construction sample_count = %d, want 1", count)
	}
}

func TestEngineCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	second, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("second NewEngineCollector: %v", err)
	}
	first.PacketDropped("misrouted")
	if got := testutil.ToFloat64(second.Dropped.WithLabelValues("misrouted")); got != 1 {
		t.Fatalf("second collector does not share the registered counter: %v", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var engine *EngineCollector
	engine.ObserveDispatch("request", "handled", 1)
	engine.PacketDropped("x")
	engine.AddGateChanges(1, 1, 1, 1)
	engine.ConnectionClosed("closed")

	var sched *SchedulerCollector
	sched.EventScheduled()
	sched.EventExecuted(time.Second)
	sched.SetPendingEvents(3)
}

func TestSchedulerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.EventScheduled()
	collector.EventScheduled()
	collector.EventExecuted(-time.Millisecond)
	collector.SetPendingEvents(1)

	if got := testutil.ToFloat64(collector.EventsScheduled); got != 2 {
		t.Fatalf("events scheduled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.PendingEvents); got != 1 {
		t.Fatalf("pending events = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "gatesim_scheduler_event_lag_seconds", nil); count != 1 {
		t.Fatalf("event lag sample_count = %d, want 1", count)
	}
}

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	collector.ObserveDispatch("notification", "handled", 64)
	collector.SetActiveProcesses("A", 7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"gatesim_dispatch_total",
		"gatesim_packet_size_bytes",
		`gatesim_active_processes{host="A"} 7`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
