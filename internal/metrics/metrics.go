package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics exposes counters and histograms for booking and payment flows.
// A nil *BookingMetrics is valid and records nothing.
type BookingMetrics struct {
	bookings       *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	pollErrors     *prometheus.CounterVec
	reconciliation *prometheus.HistogramVec
	activeLoops    prometheus.Gauge
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Name:      "bookings_total",
			Help:      "Booking requests by result",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Name:      "payment_attempts_total",
			Help:      "Payment attempts started per gateway",
		}, []string{"gateway"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Name:      "reconciliation_outcomes_total",
			Help:      "Terminal reconciliation outcomes per gateway",
		}, []string{"gateway", "outcome"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Name:      "payment_poll_errors_total",
			Help:      "Transient status check failures per gateway",
		}, []string{"gateway"}),
		reconciliation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medbook",
			Name:      "reconciliation_duration_seconds",
			Help:      "Time from attempt start to a terminal outcome",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"gateway"}),
		activeLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medbook",
			Name:      "reconciliation_loops_active",
			Help:      "Reconciliation loops currently polling",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.attempts, m.outcomes, m.pollErrors, m.reconciliation, m.activeLoops)
	return m
}

func (m *BookingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveAttempt(gateway string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(gateway).Inc()
}

func (m *BookingMetrics) ObserveOutcome(gateway, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(gateway, outcome).Inc()
	m.reconciliation.WithLabelValues(gateway).Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObservePollError(gateway string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(gateway).Inc()
}

func (m *BookingMetrics) LoopStarted() {
	if m == nil {
		return
	}
	m.activeLoops.Inc()
}

func (m *BookingMetrics) LoopStopped() {
	if m == nil {
		return
	}
	m.activeLoops.Dec()
}
