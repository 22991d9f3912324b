package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "savanna"

// Metrics holds the process counters.
// nil *Metrics are safe to use, they record nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	handshakeEvents *prometheus.CounterVec
	uploadOutcomes  *prometheus.CounterVec
	analyzeResults  *prometheus.CounterVec
	auditDropped    prometheus.Counter
	httpRequests    *prometheus.HistogramVec
}

// NewMetrics returns Metrics registered in a fresh prometheus Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		handshakeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "handshake",
			Name:      "events_total",
			Help:      "Handshake lifecycle events by kind (create, consume, expire).",
		}, []string{"kind"}),
		uploadOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upload",
			Name:      "outcomes_total",
			Help:      "Secure upload results by outcome.",
		}, []string{"outcome"}),
		analyzeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "identifier",
			Name:      "analyze_total",
			Help:      "Analyzed samples by identity status (new, existing).",
		}, []string{"status"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit entries dropped because the write queue was full.",
		}),
	}
	m.httpRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request durations by method and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "code"})
	reg.MustRegister(m.handshakeEvents, m.uploadOutcomes, m.analyzeResults, m.auditDropped, m.httpRequests)

	return m
}

var defaultMetrics = sync.OnceValue(NewMetrics)

// DefaultMetrics returns the process wide Metrics.
func DefaultMetrics() *Metrics {
	return defaultMetrics()
}

// Handler returns an http.Handler exposing the Registry.
func (self *Metrics) Handler() http.Handler {
	if nil == self {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(self.Registry, promhttp.HandlerOpts{})
}

func (self *Metrics) HandshakeEvent(kind string) {
	if nil != self {
		self.handshakeEvents.WithLabelValues(kind).Inc()
	}
}

func (self *Metrics) UploadOutcome(outcome string) {
	if nil != self {
		self.uploadOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (self *Metrics) AnalyzeResult(isNew bool) {
	if nil == self {
		return
	}
	status := "existing"
	if isNew {
		status = "new"
	}
	self.analyzeResults.WithLabelValues(status).Inc()
}

func (self *Metrics) AuditDropped() {
	if nil != self {
		self.auditDropped.Inc()
	}
}

// HTTPRequest records a served request. Status codes are reported by class (2xx, 4xx...).
func (self *Metrics) HTTPRequest(method string, status int, elapsed time.Duration) {
	if nil != self {
		code := strconv.Itoa(status/100) + "xx"
		self.httpRequests.WithLabelValues(method, code).Observe(elapsed.Seconds())
	}
}
