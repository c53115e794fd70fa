package iap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/code-payments/iap-bridge/model"
)

type Metrics struct {
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
}

// NewMetrics creates the coordinator counters and registers them on reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iap_operations_total",
				Help: "Total number of coordinator operations",
			},
			[]string{"platform", "operation", "result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iap_events_total",
				Help: "Total number of outbound purchase lifecycle events",
			},
			[]string{"platform", "event"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.events)
	}

	return m
}

func (m *Metrics) ObserveOperation(platform model.Platform, operation string, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = string(AsError(err).Code)
	}
	m.operations.WithLabelValues(platform.String(), operation, result).Inc()
}

func (m *Metrics) ObserveEvent(platform model.Platform, kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(platform.String(), kind.Name()).Inc()
}

func (m *Metrics) Operations() *prometheus.CounterVec {
	return m.operations
}

func (m *Metrics) Events() *prometheus.CounterVec {
	return m.events
}
