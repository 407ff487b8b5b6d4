// Package metrics counts session operations for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// Operation labels.
const (
	OpEncrypt       = "encrypt"
	OpDecrypt       = "decrypt"
	OpGroupEncrypt  = "group_encrypt"
	OpGroupDecrypt  = "group_decrypt"
	OpProcessBundle = "process_bundle"
	OpProcessSKDM   = "process_skdm"
	OpDeleteSession = "delete_session"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the session counters. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_session_operations_total",
				Help: "Number of session operations by result",
			},
			[]string{"op", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_session_errors_total",
				Help: "Number of failed session operations by error kind",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.operations, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe counts one op and, when err is set, its error kind.
func (m *Metrics) Observe(op string, err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.operations.WithLabelValues(op, resultOK).Inc()
		return
	}
	m.operations.WithLabelValues(op, resultError).Inc()
	m.errors.WithLabelValues(libsignal.KindOf(err).String()).Inc()
}
