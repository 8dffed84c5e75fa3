package card

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录读卡器指标。
type Metrics struct {
	readerWait prometheus.Histogram
	operations *prometheus.CounterVec
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		readerWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "card_reader_wait_ms",
			Help:    "Time spent waiting for the card reader lease in milliseconds",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "card_operations_total",
			Help: "Card signing ceremonies by method and result",
		}, []string{"method", "result"}),
	}
	reg.MustRegister(m.readerWait, m.operations)
	return m
}

func (m *Metrics) observeReaderWait(ms float64) {
	if m == nil {
		return
	}
	m.readerWait.Observe(ms)
}

func (m *Metrics) incOperation(method, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.operations.WithLabelValues(method, result).Inc()
}
