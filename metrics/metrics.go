package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/hermes/correlate"
)

type Metrics struct {
	Correlate *CorrelateMetrics
	Session   *SessionMetrics

	UnexpectedErrors prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Correlate: NewCorrelateMetrics(reg),
		Session:   NewSessionMetrics(reg),

		UnexpectedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_session_unexpected_errors_total",
			Help: "Total number of unexpected errors for session",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			res.UnexpectedErrors,
		)
	}
	return res
}

// CorrelateMetrics counts what the probe handlers did with each event.
type CorrelateMetrics struct {
	Outcomes *prometheus.CounterVec
}

func NewCorrelateMetrics(reg prometheus.Registerer) *CorrelateMetrics {
	m := &CorrelateMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_correlate_outcomes_total",
			Help: "Total number of probe events by component and outcome",
		}, []string{"component", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Outcomes)
	}
	return m
}

// Observe implements correlate.Sink.
func (m *CorrelateMetrics) Observe(component string, o correlate.Outcome) {
	m.Outcomes.WithLabelValues(component, o.String()).Inc()
}

type SessionMetrics struct {
	IOLatency      *prometheus.HistogramVec
	LostEvents     prometheus.Counter
	TableEntries   *prometheus.GaugeVec
	OutstandingMem *prometheus.GaugeVec
	UnknownSymbols prometheus.Counter
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		IOLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_io_latency_microseconds",
			Help:    "Latency of sampled block requests",
			Buckets: prometheus.ExponentialBuckets(50, 2, 16),
		}, []string{"disk", "op"}),
		LostEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_session_lost_events_total",
			Help: "Total number of latency events dropped because the ring buffer was full",
		}),
		TableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermes_table_entries",
			Help: "Number of live entries per table",
		}, []string{"table"}),
		OutstandingMem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermes_outstanding_bytes",
			Help: "Bytes allocated and not yet freed, by allocator",
		}, []string{"kind"}),
		UnknownSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_symtab_unknown_symbols_total",
			Help: "Total number of kernel addresses that did not resolve to a symbol",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.IOLatency,
			m.LostEvents,
			m.TableEntries,
			m.OutstandingMem,
			m.UnknownSymbols,
		)
	}
	return m
}
