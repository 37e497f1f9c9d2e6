package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// connectedUnknown is the connected gauge value before the first emission
// and after polling stops.
const connectedUnknown = -1

// Metrics holds the connwatch collectors on an isolated registry so that
// tests and embedding programs never collide on the default registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ProbeTotal           *prometheus.CounterVec
	ProbeDurationSeconds *prometheus.HistogramVec
	EvaluationsTotal     *prometheus.CounterVec
	ChecksTotal          prometheus.Counter
	TransitionsTotal     *prometheus.CounterVec
	Connected            prometheus.Gauge
	Subscribers          prometheus.Gauge
	PeerFetchTotal       *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_probe_total",
				Help: "Total number of TCP connect probes by result.",
			},
			[]string{"result"},
		),
		ProbeDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connwatch_probe_duration_seconds",
				Help:    "Duration of TCP connect probes in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"result"},
		),
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_evaluations_total",
				Help: "Total number of reachability evaluations by outcome.",
			},
			[]string{"result"},
		),
		ChecksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "connwatch_checks_total",
				Help: "Total number of scheduled connectivity checks.",
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_transitions_total",
				Help: "Total number of connectivity changes emitted to subscribers.",
			},
			[]string{"status"},
		),
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "connwatch_connected",
				Help: "Last emitted connectivity status (1 online, 0 offline, -1 unknown).",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "connwatch_subscribers",
				Help: "Number of attached change-stream subscribers.",
			},
		),
		PeerFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connwatch_peer_fetch_total",
				Help: "Total number of peer status fetches by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.ProbeTotal,
		m.ProbeDurationSeconds,
		m.EvaluationsTotal,
		m.ChecksTotal,
		m.TransitionsTotal,
		m.Connected,
		m.Subscribers,
		m.PeerFetchTotal,
	)
	m.Connected.Set(connectedUnknown)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveProbe records one probe outcome.
func (m *Metrics) ObserveProbe(success bool, seconds float64) {
	if m == nil {
		return
	}
	label := resultLabel(success)
	m.ProbeTotal.WithLabelValues(label).Inc()
	m.ProbeDurationSeconds.WithLabelValues(label).Observe(seconds)
}

// ObserveEvaluation records the decision of one reachability race.
func (m *Metrics) ObserveEvaluation(reachable bool) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(resultLabel(reachable)).Inc()
}

// ObserveCheck counts one scheduler-driven check.
func (m *Metrics) ObserveCheck() {
	if m == nil {
		return
	}
	m.ChecksTotal.Inc()
}

// ObserveTransition records an emitted status change.
func (m *Metrics) ObserveTransition(connected bool) {
	if m == nil {
		return
	}
	status := "offline"
	value := 0.0
	if connected {
		status = "online"
		value = 1
	}
	m.TransitionsTotal.WithLabelValues(status).Inc()
	m.Connected.Set(value)
}

// SetConnectedUnknown marks the status as unknown while nobody is
// subscribed and polling is stopped.
func (m *Metrics) SetConnectedUnknown() {
	if m == nil {
		return
	}
	m.Connected.Set(connectedUnknown)
}

// SetSubscribers publishes the current listener count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// ObservePeerFetch records one peer status fetch.
func (m *Metrics) ObservePeerFetch(ok bool) {
	if m == nil {
		return
	}
	m.PeerFetchTotal.WithLabelValues(resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
