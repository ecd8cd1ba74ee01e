package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the scheduling flows.
type BookingMetrics struct {
	outcomeTotal    *prometheus.CounterVec
	voiceIntents    *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		outcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "bookings",
			Name:      "outcome_total",
			Help:      "Booking operations by outcome",
		}, []string{"operation", "outcome"}),
		voiceIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Subsystem: "voice",
			Name:      "intent_total",
			Help:      "Voice intents resolved by kind and outcome",
		}, []string{"intent", "outcome"}),
		resolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Subsystem: "voice",
			Name:      "resolve_duration_seconds",
			Help:      "Latency of voice intent resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"intent"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outcomeTotal, m.voiceIntents, m.resolveDuration)
	return m
}

func (m *BookingMetrics) ObserveOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.outcomeTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *BookingMetrics) ObserveIntent(intent, outcome string) {
	if m == nil {
		return
	}
	m.voiceIntents.WithLabelValues(intent, outcome).Inc()
}

func (m *BookingMetrics) ObserveResolveDuration(intent string, seconds float64) {
	if m == nil {
		return
	}
	m.resolveDuration.WithLabelValues(intent).Observe(seconds)
}
