package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "knightbus"

// Metrics holds the Prometheus collectors shared by every handler of a
// Service.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	messagesTotal   *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	deliveryCount   *prometheus.HistogramVec
	deadLetterTotal *prometheus.CounterVec
	singletonActive *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer selects the default
// Prometheus registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		messagesTotal:   newCounterVec("handler", "messages_total", "Messages processed, by outcome", []string{"handler", "outcome"}),
		durationSeconds: newHistogramVec("handler", "duration_seconds", "Time from dispatch to settlement", prometheus.DefBuckets, []string{"handler"}),
		inFlight:        newGaugeVec("handler", "in_flight", "Messages currently being processed", []string{"handler"}),
		deliveryCount:   newHistogramVec("handler", "delivery_count", "Delivery attempt number of processed messages", []float64{1, 2, 3, 5, 10, 20}, []string{"handler"}),
		deadLetterTotal: newCounterVec("deadletter", "messages_total", "Messages moved to the dead-letter store", []string{"handler", "queue"}),
		singletonActive: newGaugeVec("singleton", "active", "1 while this instance holds the singleton lock", []string{"handler"}),
	}
}

// Register adds the collectors to the registerer. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.durationSeconds,
		m.inFlight,
		m.deliveryCount,
		m.deadLetterTotal,
		m.singletonActive,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) messageStarted(handler string, deliveryCount int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(handler).Inc()
	m.deliveryCount.WithLabelValues(handler).Observe(float64(deliveryCount))
}

func (m *Metrics) messageFinished(handler, queue string, outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(handler).Dec()
	m.messagesTotal.WithLabelValues(handler, string(outcome)).Inc()
	m.durationSeconds.WithLabelValues(handler).Observe(duration.Seconds())
	if outcome == OutcomeDeadLettered {
		m.deadLetterTotal.WithLabelValues(handler, queue).Inc()
	}
}

func (m *Metrics) singleton(handler string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.singletonActive.WithLabelValues(handler).Set(v)
}

// Reset clears all series (useful for testing).
func (m *Metrics) Reset() {
	m.messagesTotal.Reset()
	m.durationSeconds.Reset()
	m.inFlight.Reset()
	m.deliveryCount.Reset()
	m.deadLetterTotal.Reset()
	m.singletonActive.Reset()
}
