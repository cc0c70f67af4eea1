package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/transport"
)

// Metrics counts client activity. A nil *Metrics records nothing.
type Metrics struct {
	Commands *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Messages prometheus.Counter
	TxAborts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Commands that received a reply, by verb.",
		}, []string{"verb"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "client",
			Name:      "failures_total",
			Help:      "Failed operations, by kind of failure.",
		}, []string{"kind"}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "client",
			Name:      "messages_delivered_total",
			Help:      "Pub/sub messages relayed to listeners.",
		}),
		TxAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvwire",
			Subsystem: "client",
			Name:      "tx_aborted_total",
			Help:      "Transactions aborted because a watched key changed.",
		}),
	}

	for _, collector := range []prometheus.Collector{m.Commands, m.Failures, m.Messages, m.TxAborts} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) commandReplied(verb protocol.Verb) {
	if m == nil {
		return
	}

	m.Commands.WithLabelValues(string(verb)).Inc()
}

func (m *Metrics) failed(err error) {
	if m == nil || err == nil {
		return
	}

	m.Failures.WithLabelValues(FailureKind(err)).Inc()
}

func (m *Metrics) messageDelivered() {
	if m == nil {
		return
	}

	m.Messages.Inc()
}

func (m *Metrics) txAborted() {
	if m == nil {
		return
	}

	m.TxAborts.Inc()
}

// FailureKind classifies err into one of "usage", "transport", "protocol",
// "server", "contention", "aborted" or "timeout".
func FailureKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrContention), errors.Is(err, transport.ErrNotHeld):
		return "contention"

	case errors.Is(err, ErrServer):
		return "server"

	case errors.Is(err, ErrTxAborted):
		return "aborted"

	case errors.Is(err, ErrTimeout):
		return "timeout"

	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrAlreadySubscribed),
		errors.Is(err, ErrNotSubscribed),
		errors.Is(err, transport.ErrNotOpen),
		errors.Is(err, transport.ErrAlreadyOpen),
		errors.Is(err, transport.ErrDisposed):
		return "usage"

	default:
		return "transport"
	}
}
