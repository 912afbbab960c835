package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики транспорта
type Metrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg; nil reg отключает регистрацию
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "SIP messages sent and received",
		}, []string{"direction"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "SIP bytes sent and received",
		}, []string{"direction"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport errors by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) traffic(direction string, n int) {
	m.messages.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) failure(op string) {
	m.errors.WithLabelValues(op).Inc()
}
