// Package metrics holds the Prometheus collectors of the MSH core.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msh"

// Metrics groups the collectors shared by the resolvers and the
// reliability engine. Collectors work unregistered; Register exposes them.
type Metrics struct {
	// PMode resolution
	resolutions        *prometheus.CounterVec   // by strategy, role, result
	resolutionDuration *prometheus.HistogramVec // by strategy
	reloads            *prometheus.CounterVec   // by strategy, trigger
	loaded             *prometheus.GaugeVec     // 1 when a snapshot is loaded, by strategy

	// Reliability
	outcomes       *prometheus.CounterVec // by reliability status
	retries        prometheus.Counter
	failures       *prometheus.CounterVec // by reason
	pullLocks      *prometheus.CounterVec // by transition
	enqueued       prometheus.Counter
	enqueueSkipped prometheus.Counter
}

// New creates the collectors.
func New() *Metrics {
	return &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pmode",
			Name:      "resolutions_total",
			Help:      "PMode resolutions by strategy, MSH role and result",
		}, []string{"strategy", "role", "result"}),

		resolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pmode",
			Name:      "resolution_duration_seconds",
			Help:      "Time spent resolving a message against the PMode configuration",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"strategy"}),

		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pmode",
			Name:      "reloads_total",
			Help:      "Configuration reloads by trigger",
		}, []string{"strategy", "trigger"}),

		loaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pmode",
			Name:      "configuration_loaded",
			Help:      "Whether a PMode configuration is loaded (1) or not (0)",
		}, []string{"strategy"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "outcomes_total",
			Help:      "Send outcomes handled by reliability status",
		}, []string{"status"}),

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "retries_scheduled_total",
			Help:      "Send attempts rescheduled for retry",
		}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "send_failures_total",
			Help:      "Messages finalized as SEND_FAILURE by cause",
		}, []string{"cause"}),

		pullLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "pull_lock_transitions_total",
			Help:      "Pull lock state transitions",
		}, []string{"transition"}),

		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "retries_enqueued_total",
			Help:      "Due retries put back on the dispatch queue",
		}),

		enqueueSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "retries_skipped_in_flight_total",
			Help:      "Due retries skipped because the message was already in flight",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.resolutions, m.resolutionDuration, m.reloads, m.loaded,
		m.outcomes, m.retries, m.failures, m.pullLocks, m.enqueued, m.enqueueSkipped,
	}
}

// Register registers all collectors. Collectors that are already
// registered are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveResolution records one resolution.
func (m *Metrics) ObserveResolution(strategy, role string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.resolutions.WithLabelValues(strategy, role, result).Inc()
	m.resolutionDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

// Reloaded records a configuration reload.
func (m *Metrics) Reloaded(strategy, trigger string) {
	m.reloads.WithLabelValues(strategy, trigger).Inc()
}

// SetLoaded records whether a configuration is loaded.
func (m *Metrics) SetLoaded(strategy string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	m.loaded.WithLabelValues(strategy).Set(v)
}

// Outcome records a handled send outcome.
func (m *Metrics) Outcome(status string) { m.outcomes.WithLabelValues(status).Inc() }

// RetryScheduled records a rescheduled attempt.
func (m *Metrics) RetryScheduled() { m.retries.Inc() }

// SendFailed records a message finalized as failed.
func (m *Metrics) SendFailed(cause string) { m.failures.WithLabelValues(cause).Inc() }

// PullLock records a pull lock transition.
func (m *Metrics) PullLock(transition string) { m.pullLocks.WithLabelValues(transition).Inc() }

// RetryEnqueued records a due retry put back on the queue.
func (m *Metrics) RetryEnqueued() { m.enqueued.Inc() }

// RetrySkipped records a due retry skipped because it was in flight.
func (m *Metrics) RetrySkipped() { m.enqueueSkipped.Inc() }
