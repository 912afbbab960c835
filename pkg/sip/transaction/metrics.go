package transaction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики слоя транзакций
type Metrics struct {
	created         *prometheus.CounterVec
	terminated      *prometheus.CounterVec
	retransmissions *prometheus.CounterVec
	notFound        *prometheus.CounterVec
	active          *prometheus.GaugeVec
	duration        *prometheus.HistogramVec
}

// NewMetrics регистрирует метрики в reg. С nil reg метрики не
// регистрируются, но продолжают считаться.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Total number of SIP transactions created",
		}, []string{"side", "method"}),

		terminated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "terminated_total",
			Help:      "Total number of SIP transactions terminated by outcome",
		}, []string{"side", "outcome"}),

		retransmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Total number of timer driven retransmissions",
		}, []string{"side"}),

		notFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "not_found_total",
			Help:      "Messages that matched no live transaction",
		}, []string{"kind"}),

		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Number of transactions not yet terminated",
		}, []string{"side"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Lifetime of SIP transactions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 32, 64, 180},
		}, []string{"side"}),
	}
}

func sideLabel(tx Transaction) string {
	if tx.IsClient() {
		return "client"
	}
	return "server"
}

func (m *Metrics) txCreated(tx Transaction) {
	side := sideLabel(tx)
	m.created.WithLabelValues(side, tx.Key().Method).Inc()
	m.active.WithLabelValues(side).Inc()
}

func (m *Metrics) txTerminated(tx Transaction, now time.Time) {
	side := sideLabel(tx)
	m.terminated.WithLabelValues(side, tx.Outcome().String()).Inc()
	m.active.WithLabelValues(side).Dec()
	m.duration.WithLabelValues(side).Observe(now.Sub(tx.CreatedAt()).Seconds())
}

func (m *Metrics) txRetransmitted(tx Transaction, n int) {
	if n > 0 {
		m.retransmissions.WithLabelValues(sideLabel(tx)).Add(float64(n))
	}
}

func (m *Metrics) txNotFound(kind string) {
	m.notFound.WithLabelValues(kind).Inc()
}
