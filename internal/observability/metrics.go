package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for a worker process: the event
// loop, the boundary-message exchange, and checkpointing. It satisfies the
// narrow recorder interfaces the core and coordination packages consume, so
// those packages stay free of prometheus imports.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Events       *prometheus.CounterVec
	SimClock     prometheus.Gauge
	StepDuration prometheus.Histogram

	BoundarySent     prometheus.Counter
	BoundaryReceived prometheus.Counter
	BoundaryAcked    prometheus.Counter
	BoundaryResent   prometheus.Counter
	BoundaryInFlight prometheus.Gauge

	CheckpointBytes prometheus.Counter
}

// NewEngineCollector registers the worker metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_events_total",
		Help: "Total number of applied stochastic events, labeled by kind.",
	}, []string{"kind"})
	events, err := registerCounterVec(reg, events, "sim_events_total")
	if err != nil {
		return nil, err
	}

	clock, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_clock_seconds",
		Help: "Current simulation time in seconds.",
	}), "sim_clock_seconds")
	if err != nil {
		return nil, err
	}

	stepDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_step_duration_seconds",
		Help:    "Wall-clock latency of one event step.",
		Buckets: prometheus.ExponentialBuckets(1e-7, 10, 8),
	})
	stepDur, err = registerHistogram(reg, stepDur, "sim_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	mk := func(name, help string) (prometheus.Counter, error) {
		return registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}), name)
	}
	sent, err := mk("boundary_messages_sent_total", "Boundary diffusion credits sent to peer ranks.")
	if err != nil {
		return nil, err
	}
	received, err := mk("boundary_messages_received_total", "Boundary diffusion credits received and applied.")
	if err != nil {
		return nil, err
	}
	acked, err := mk("boundary_messages_acked_total", "Boundary diffusion credits acknowledged by peers.")
	if err != nil {
		return nil, err
	}
	resent, err := mk("boundary_messages_resent_total", "Boundary diffusion credits redelivered after reconnect.")
	if err != nil {
		return nil, err
	}
	inflight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "boundary_messages_in_flight",
		Help: "Sent-but-unacknowledged boundary credits.",
	}), "boundary_messages_in_flight")
	if err != nil {
		return nil, err
	}
	ckptBytes, err := mk("checkpoint_bytes_total", "Bytes written by checkpoint saves.")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:         gatherer,
		Events:           events,
		SimClock:         clock,
		StepDuration:     stepDur,
		BoundarySent:     sent,
		BoundaryReceived: received,
		BoundaryAcked:    acked,
		BoundaryResent:   resent,
		BoundaryInFlight: inflight,
		CheckpointBytes:  ckptBytes,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordEvent satisfies the engine's metrics recorder.
func (c *EngineCollector) RecordEvent(kind string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(kind).Inc()
}

// SetClock satisfies the engine's metrics recorder.
func (c *EngineCollector) SetClock(t float64) {
	if c == nil {
		return
	}
	c.SimClock.Set(t)
}

// ObserveStep satisfies the engine's metrics recorder.
func (c *EngineCollector) ObserveStep(seconds float64) {
	if c == nil {
		return
	}
	c.StepDuration.Observe(seconds)
}

// RecordBoundary satisfies the coordinator's metrics recorder.
func (c *EngineCollector) RecordBoundary(sent, received, acked, resent int, inflight int) {
	if c == nil {
		return
	}
	if sent > 0 {
		c.BoundarySent.Add(float64(sent))
	}
	if received > 0 {
		c.BoundaryReceived.Add(float64(received))
	}
	if acked > 0 {
		c.BoundaryAcked.Add(float64(acked))
	}
	if resent > 0 {
		c.BoundaryResent.Add(float64(resent))
	}
	c.BoundaryInFlight.Set(float64(inflight))
}

// RecordCheckpoint satisfies the checkpoint size recorder.
func (c *EngineCollector) RecordCheckpoint(bytes int) {
	if c == nil {
		return
	}
	c.CheckpointBytes.Add(float64(bytes))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, ctr prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(ctr); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return ctr, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
