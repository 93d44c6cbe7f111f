// Package metrics provides Prometheus metrics for pingerd.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pingerd"
)

// Request outcomes used as the "result" label.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultInvalid   = "invalid"
	ResultForbidden = "forbidden"
	ResultThrottled = "throttled"
	ResultError     = "error"
)

// Metrics contains all Prometheus metrics for the daemon.
type Metrics struct {
	// Control socket metrics
	RequestsReceived  prometheus.Counter
	RequestsMalformed prometheus.Counter
	RequestResults    *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter

	// Probe metrics
	ProbesSent       prometheus.Counter
	ProbesInFlight   prometheus.Gauge
	ProbeRTT         prometheus.Histogram
	RepliesReceived  prometheus.Counter
	RepliesUnmatched prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total well formed probe requests received",
		}),
		RequestsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_malformed_total",
			Help:      "Total control datagrams dropped for bad length",
		}),
		RequestResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_results_total",
			Help:      "Total request outcomes by result",
		}, []string{"result"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total responses that could not be sent to the client",
		}),

		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total echo requests transmitted",
		}),
		ProbesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes_in_flight",
			Help:      "Number of probes awaiting a reply",
		}),
		ProbeRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Histogram of echo round trip times",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total valid echo replies read from the raw socket",
		}),
		RepliesUnmatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_unmatched_total",
			Help:      "Total echo replies that matched no outstanding probe",
		}),
	}
}

// RecordRequest records a well formed request.
func (m *Metrics) RecordRequest() {
	m.RequestsReceived.Inc()
}

// RecordMalformed records a dropped control datagram.
func (m *Metrics) RecordMalformed() {
	m.RequestsMalformed.Inc()
}

// RecordResult records how a request ended.
func (m *Metrics) RecordResult(result string) {
	m.RequestResults.WithLabelValues(result).Inc()
}

// RecordDeliveryFailure records a response the client never got.
func (m *Metrics) RecordDeliveryFailure() {
	m.DeliveryFailures.Inc()
}

// RecordProbeSent records a transmitted echo request.
func (m *Metrics) RecordProbeSent() {
	m.ProbesSent.Inc()
	m.ProbesInFlight.Inc()
}

// RecordResolved records an answered probe.
func (m *Metrics) RecordResolved(rttSeconds float64) {
	m.ProbesInFlight.Dec()
	m.ProbeRTT.Observe(rttSeconds)
	m.RecordResult(ResultOK)
}

// RecordExpired records a probe whose deadline passed.
func (m *Metrics) RecordExpired() {
	m.ProbesInFlight.Dec()
	m.RecordResult(ResultTimeout)
}

// RecordReply records a valid echo reply and whether it matched a probe.
func (m *Metrics) RecordReply(matched bool) {
	m.RepliesReceived.Inc()
	if !matched {
		m.RepliesUnmatched.Inc()
	}
}

// SetInFlight resets the in-flight gauge, used when the queue is drained.
func (m *Metrics) SetInFlight(n int) {
	m.ProbesInFlight.Set(float64(n))
}
