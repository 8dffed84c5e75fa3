package audit

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录审计投递的关键指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	enqueued   *prometheus.CounterVec
	failTotal  *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retryTotal *prometheus.CounterVec
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Number of session outcomes waiting for delivery",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_enqueued_total",
			Help: "Session outcomes accepted for delivery",
		}, []string{"method", "status"}),
		failTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_fail_total",
			Help: "Session outcomes dropped after exhausting retries",
		}, []string{"method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_latency_ms",
			Help:    "Latency of audit delivery attempts in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"method"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_retry_total",
			Help: "Number of audit delivery retries scheduled",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.queueDepth, m.enqueued, m.failTotal, m.latency, m.retryTotal)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incEnqueued(method, status string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(labelOrUnknown(method), labelOrUnknown(status)).Inc()
}

func (m *Metrics) incFail(method, status string) {
	if m == nil {
		return
	}
	m.failTotal.WithLabelValues(labelOrUnknown(method), labelOrUnknown(status)).Inc()
}

func (m *Metrics) observeLatency(method string, durMs float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelOrUnknown(method)).Observe(durMs)
}

func (m *Metrics) incRetry(method, status string) {
	if m == nil {
		return
	}
	m.retryTotal.WithLabelValues(labelOrUnknown(method), labelOrUnknown(status)).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
