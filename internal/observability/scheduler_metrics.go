package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes discrete-event scheduler metrics. It satisfies
// scheduler.Metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	EventsScheduled prometheus.Counter
	EventsExecuted  prometheus.Counter
	EventLag        prometheus.Histogram
	PendingEvents   prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scheduled, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatesim_scheduler_events_scheduled_total",
		Help: "Events registered with the simulation scheduler.",
	}), "gatesim_scheduler_events_scheduled_total")
	if err != nil {
		return nil, err
	}
	executed, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatesim_scheduler_events_executed_total",
		Help: "Events executed by the simulation scheduler.",
	}), "gatesim_scheduler_events_executed_total")
	if err != nil {
		return nil, err
	}
	lag, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatesim_scheduler_event_lag_seconds",
		Help:    "Simulated time between an event's due time and its execution.",
		Buckets: []float64{0, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "gatesim_scheduler_event_lag_seconds")
	if err != nil {
		return nil, err
	}
	pending, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatesim_scheduler_pending_events",
		Help: "Events waiting in the simulation scheduler.",
	}), "gatesim_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:        gatherer,
		EventsScheduled: scheduled,
		EventsExecuted:  executed,
		EventLag:        lag,
		PendingEvents:   pending,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *SchedulerCollector) EventScheduled() {
	if c == nil || c.EventsScheduled == nil {
		return
	}
	c.EventsScheduled.Inc()
}

// EventExecuted counts an executed event. Negative lags are clamped to zero.
func (c *SchedulerCollector) EventExecuted(lag time.Duration) {
	if c == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	if c.EventsExecuted != nil {
		c.EventsExecuted.Inc()
	}
	if c.EventLag != nil {
		c.EventLag.Observe(lag.Seconds())
	}
}

func (c *SchedulerCollector) SetPendingEvents(n int) {
	if c == nil || c.PendingEvents == nil {
		return
	}
	c.PendingEvents.Set(float64(n))
}
