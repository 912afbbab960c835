package dialog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics Prometheus метрики слоя диалогов
type Metrics struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg; nil reg отключает регистрацию
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "created_total",
			Help:      "Total number of dialogs created",
		}, []string{"role"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "transitions_total",
			Help:      "Dialog state transitions",
		}, []string{"from", "to"}),

		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Number of dialogs not yet terminated",
		}),
	}
}

func (m *Metrics) dialogCreated(d *Dialog) {
	m.created.WithLabelValues(d.Role().String()).Inc()
	m.active.Inc()
}

func (m *Metrics) dialogTransition(from, to State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to.IsTerminal() {
		m.active.Dec()
	}
}
