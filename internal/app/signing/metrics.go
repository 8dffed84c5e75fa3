package signing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录签名会话指标。
type Metrics struct {
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	active       prometheus.Gauge
	rejected     *prometheus.CounterVec
	faults       *prometheus.CounterVec
	stalePending *prometheus.CounterVec
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_sessions_started_total",
			Help: "Signing sessions started by method",
		}, []string{"method"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_sessions_finished_total",
			Help: "Signing sessions finished by method, terminal status and user facing code",
		}, []string{"method", "status", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signing_session_duration_ms",
			Help:    "Signing session duration from start to terminal state in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 120000, 300000},
		}, []string{"method", "status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signing_sessions_in_flight",
			Help: "Signing sessions holding a container",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_sessions_rejected_total",
			Help: "Signing requests rejected synchronously by reason",
		}, []string{"method", "reason"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_backend_faults_total",
			Help: "Backend terminal fault codes by method",
		}, []string{"method", "fault"}),
		stalePending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_stale_pending_removed_total",
			Help: "Stale pending signatures removed by origin",
		}, []string{"origin"}),
	}
	reg.MustRegister(m.started, m.finished, m.duration, m.active, m.rejected, m.faults, m.stalePending)
	return m
}

func (m *Metrics) incStarted(method Method) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(labelOrUnknown(string(method))).Inc()
	m.active.Inc()
}

func (m *Metrics) observeFinished(method Method, status Status, code string, ms float64) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(labelOrUnknown(string(method)), string(status), labelOrUnknown(code)).Inc()
	m.duration.WithLabelValues(labelOrUnknown(string(method)), string(status)).Observe(ms)
	m.active.Dec()
}

func (m *Metrics) incRejected(method Method, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(labelOrUnknown(string(method)), labelOrUnknown(reason)).Inc()
}

func (m *Metrics) incFault(method Method, fault string) {
	if m == nil || fault == "" {
		return
	}
	m.faults.WithLabelValues(labelOrUnknown(string(method)), fault).Inc()
}

func (m *Metrics) incStalePending(origin string) {
	if m == nil {
		return
	}
	m.stalePending.WithLabelValues(labelOrUnknown(origin)).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
