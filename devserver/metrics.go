package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts server activity. A nil *Metrics records nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Commands    *prometheus.CounterVec
	Published   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvwire",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Commands handled, by command name and result.",
		}, []string{"command", "result"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "server",
			Name:      "messages_published_total",
			Help:      "Messages pushed to subscribers.",
		}),
	}

	for _, collector := range []prometheus.Collector{m.Connections, m.Commands, m.Published} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) handled(command string, failed bool) {
	if m == nil {
		return
	}

	result := "ok"
	if failed {
		result = "error"
	}

	m.Commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) published(n int) {
	if m != nil {
		m.Published.Add(float64(n))
	}
}
