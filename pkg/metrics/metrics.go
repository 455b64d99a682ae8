package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "queue"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	// Outcome label values for broker acknowledgements
	OutcomeAck  = "ack"
	OutcomeNack = "nack"

	Producer = "producer"
	Consumer = "consumer"
	Fallback = "fallback"
	Probe    = "probe"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple service instances.
type Labels struct {
	Service       string // Name of the host service (e.g., "test-engine")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Backend selection
	backendMode   *prometheus.GaugeVec     // by backend
	probes        *prometheus.CounterVec   // by status
	probeDuration prometheus.Histogram

	// Producer
	messagesSent *prometheus.CounterVec // by queue, backend, status

	// Consumer
	messagesProcessed         *prometheus.CounterVec   // by queue, status
	messageProcessingDuration *prometheus.HistogramVec // by queue
	messagesInFlight          prometheus.Gauge
	acknowledgements          *prometheus.CounterVec // by queue, outcome
	activeWorkers             *prometheus.GaugeVec   // by queue

	// Fallback queues
	fallbackDepth *prometheus.GaugeVec // by queue
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		backendMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend",
			Help:      "Selected queue backend (1 for the active backend, 0 otherwise)",
		}, []string{"backend"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Probe,
			Name:      "attempts_total",
			Help:      "Total broker probe attempts by status",
		}, []string{"status"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Probe,
			Name:      "duration_seconds",
			Help:      "Time spent probing the broker",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Producer,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent by queue, backend and status",
		}, []string{"queue", "backend", "status"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "messages_processed_total",
			Help:      "Total number of messages handled by queue and status",
		}, []string{"queue", "status"}),
		messageProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "message_processing_duration_seconds",
			Help:      "Handler duration per message by queue",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),
		messagesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "messages_in_flight",
			Help:      "Number of messages currently being handled",
		}),
		acknowledgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "acknowledgements_total",
			Help:      "Total broker acknowledgements by queue and outcome (ack/nack)",
		}, []string{"queue", "outcome"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "active_workers",
			Help:      "Number of running consumer workers by queue",
		}, []string{"queue"}),
		fallbackDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Fallback,
			Name:      "depth",
			Help:      "Messages waiting in an in-process fallback queue",
		}, []string{"queue"}),
	}

	err := errors.Join(
		reg.Register(m.backendMode),
		reg.Register(m.probes),
		reg.Register(m.probeDuration),
		reg.Register(m.messagesSent),
		reg.Register(m.messagesProcessed),
		reg.Register(m.messageProcessingDuration),
		reg.Register(m.messagesInFlight),
		reg.Register(m.acknowledgements),
		reg.Register(m.activeWorkers),
		reg.Register(m.fallbackDepth),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// SetBackend marks backend as the active one.
func (m *Metrics) SetBackend(backend string) {
	if m == nil {
		return
	}
	m.backendMode.Reset()
	m.backendMode.WithLabelValues(backend).Set(1)
}

// RecordProbe records a broker probe outcome with duration.
// Pass nil error for a reachable broker.
func (m *Metrics) RecordProbe(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(status(err)).Inc()
	m.probeDuration.Observe(durationSeconds)
}

// RecordMessageSent records a Send outcome.
func (m *Metrics) RecordMessageSent(queue, backend string, err error) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(queue, backend, status(err)).Inc()
}

// RecordMessageProcessed records a handler outcome with duration.
// Pass nil error for successful processing, non-nil for failures.
func (m *Metrics) RecordMessageProcessed(queue string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(queue, status(err)).Inc()
	m.messageProcessingDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// IncMessagesInFlight increments the in-flight message gauge.
func (m *Metrics) IncMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Inc()
}

// DecMessagesInFlight decrements the in-flight message gauge.
func (m *Metrics) DecMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Dec()
}

// RecordAcknowledgement records a broker ack or nack for queue.
func (m *Metrics) RecordAcknowledgement(queue string, acked bool) {
	if m == nil {
		return
	}
	outcome := OutcomeAck
	if !acked {
		outcome = OutcomeNack
	}
	m.acknowledgements.WithLabelValues(queue, outcome).Inc()
}

// IncActiveWorkers increments the worker gauge for queue.
func (m *Metrics) IncActiveWorkers(queue string) {
	if m == nil {
		return
	}
	m.activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the worker gauge for queue.
func (m *Metrics) DecActiveWorkers(queue string) {
	if m == nil {
		return
	}
	m.activeWorkers.WithLabelValues(queue).Dec()
}

// SetFallbackDepth sets the number of messages waiting in a fallback queue.
func (m *Metrics) SetFallbackDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.fallbackDepth.WithLabelValues(queue).Set(float64(depth))
}
