package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles the Prometheus metrics of the connection engine.
// It satisfies the metrics interfaces of the dispatcher, the path creator,
// the process registry and the entity, so one collector can be shared by
// every host of a simulation.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Dispatched     *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	PacketSize     *prometheus.HistogramVec
	PathDurations  *prometheus.HistogramVec
	GateChanges    *prometheus.CounterVec
	ActiveProcs    *prometheus.GaugeVec
	FinishedProcs  *prometheus.CounterVec
	Established    prometheus.Counter
	SetupDurations prometheus.Histogram
	Closed         *prometheus.CounterVec
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &EngineCollector{gatherer: gatherer}

	var err error
	if c.Dispatched, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatesim_dispatch_total",
		Help: "Signaling packets delivered to a host, labeled by message class and outcome.",
	}, []string{"class", "outcome"}), "gatesim_dispatch_total"); err != nil {
		return nil, err
	}
	if c.Dropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatesim_packets_dropped_total",
		Help: "Signaling packets dropped before execution, labeled by reason.",
	}, []string{"reason"}), "gatesim_packets_dropped_total"); err != nil {
		return nil, err
	}
	if c.PacketSize, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatesim_packet_size_bytes",
		Help:    "Encoded size of delivered signaling packets.",
		Buckets: prometheus.ExponentialBuckets(32, 2, 8),
	}, []string{"class"}), "gatesim_packet_size_bytes"); err != nil {
		return nil, err
	}
	if c.PathDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatesim_path_construction_duration_seconds",
		Help:    "Wall clock duration of gate chain constructions, labeled by outcome.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"outcome"}), "gatesim_path_construction_duration_seconds"); err != nil {
		return nil, err
	}
	if c.GateChanges, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatesim_gate_changes_total",
		Help: "Gate operations committed by path construction: created, reused, removed, retired.",
	}, []string{"change"}), "gatesim_gate_changes_total"); err != nil {
		return nil, err
	}
	if c.ActiveProcs, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatesim_active_processes",
		Help: "Live processes per host.",
	}, []string{"host"}), "gatesim_active_processes"); err != nil {
		return nil, err
	}
	if c.FinishedProcs, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatesim_processes_finished_total",
		Help: "Terminated processes, labeled by kind and termination cause.",
	}, []string{"kind", "cause"}), "gatesim_processes_finished_total"); err != nil {
		return nil, err
	}
	if c.Established, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatesim_connections_established_total",
		Help: "Connections confirmed by every hop.",
	}), "gatesim_connections_established_total"); err != nil {
		return nil, err
	}
	if c.SetupDurations, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatesim_connection_setup_seconds",
		Help:    "Simulated time from Connect to establishment.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "gatesim_connection_setup_seconds"); err != nil {
		return nil, err
	}
	if c.Closed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatesim_connections_closed_total",
		Help: "Connections that ended or failed to start, labeled by outcome.",
	}, []string{"outcome"}), "gatesim_connections_closed_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *EngineCollector) ObserveDispatch(class, outcome string, size int) {
	if c == nil {
		return
	}
	c.Dispatched.WithLabelValues(class, outcome).Inc()
	c.PacketSize.WithLabelValues(class).Observe(float64(size))
}

func (c *EngineCollector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(reason).Inc()
}

func (c *EngineCollector) ObservePathConstruction(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	c.PathDurations.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *EngineCollector) AddGateChanges(created, reused, removed, retired int) {
	if c == nil {
		return
	}
	for change, n := range map[string]int{"created": created, "reused": reused, "removed": removed, "retired": retired} {
		if n > 0 {
			c.GateChanges.WithLabelValues(change).Add(float64(n))
		}
	}
}

func (c *EngineCollector) SetActiveProcesses(host string, n int) {
	if c == nil {
		return
	}
	c.ActiveProcs.WithLabelValues(host).Set(float64(n))
}

func (c *EngineCollector) ProcessFinished(kind, cause string) {
	if c == nil {
		return
	}
	c.FinishedProcs.WithLabelValues(kind, cause).Inc()
}

func (c *EngineCollector) ConnectionEstablished(setup time.Duration) {
	if c == nil {
		return
	}
	c.Established.Inc()
	c.SetupDurations.Observe(setup.Seconds())
}

func (c *EngineCollector) ConnectionClosed(outcome string) {
	if c == nil {
		return
	}
	c.Closed.WithLabelValues(outcome).Inc()
}

// register adds col to reg, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	err := reg.Register(col)
	if err == nil {
		return col, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
		err = fmt.Errorf("collector %s already registered with incompatible type", name)
	}
	var zero T
	return zero, err
}
