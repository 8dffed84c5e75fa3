package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录中继请求指标。
type Metrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	rateWaits    *prometheus.CounterVec
	sharedLookup *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay HTTP requests by relay, operation and status",
		}, []string{"relay", "op", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_latency_ms",
			Help:    "Relay HTTP request latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"relay", "op"}),
		rateWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Relay requests aborted while waiting for the rate limiter",
		}, []string{"relay"}),
		sharedLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_shared_lookup_total",
			Help: "Lookups served from an in-flight duplicate",
		}, []string{"relay"}),
	}
	reg.MustRegister(m.requests, m.latency, m.rateWaits, m.sharedLookup)
	return m
}

func (m *Metrics) observe(relay, op string, status int, ms float64) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(labelOrUnknown(relay), labelOrUnknown(op), label).Inc()
	m.latency.WithLabelValues(labelOrUnknown(relay), labelOrUnknown(op)).Observe(ms)
}

func (m *Metrics) incRateWait(relay string) {
	if m == nil {
		return
	}
	m.rateWaits.WithLabelValues(labelOrUnknown(relay)).Inc()
}

func (m *Metrics) incShared(relay string) {
	if m == nil {
		return
	}
	m.sharedLookup.WithLabelValues(labelOrUnknown(relay)).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
