package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsprobe",
			Name:      "investigations_total",
			Help:      "Total number of investigations run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opsprobe",
			Name:      "investigation_seconds",
			Help:      "Investigation duration in seconds.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	eventsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opsprobe",
			Name:      "events_appended_total",
			Help:      "Total number of events appended to session histories.",
		},
	)

	stepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opsprobe",
			Name:      "step_retries_total",
			Help:      "Total number of analysis step retry attempts.",
		},
	)

	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsprobe",
			Name:      "confirmations_total",
			Help:      "Confirmation requests resolved, partitioned by resolution.",
		},
		[]string{"resolution"},
	)

	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opsprobe",
			Name:      "live_connections",
			Help:      "Number of live viewer connections.",
		},
	)
)

// Register attaches opsprobe collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		eventsAppendedTotal,
		stepRetriesTotal,
		confirmationsTotal,
		liveConnections,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records an investigation duration and outcome label.
func ObserveInvestigation(duration time.Duration, outcome string) {
	investigationsTotal.WithLabelValues(outcome).Inc()
	investigationDurationSeconds.Observe(duration.Seconds())
}

// IncEventsAppended counts one appended event.
func IncEventsAppended() { eventsAppendedTotal.Inc() }

// IncStepRetry counts one step retry attempt.
func IncStepRetry() { stepRetriesTotal.Inc() }

// ObserveConfirmation counts one confirmation resolution.
func ObserveConfirmation(resolution string) {
	confirmationsTotal.WithLabelValues(resolution).Inc()
}

// SetLiveConnections records the current viewer connection count.
func SetLiveConnections(n int) { liveConnections.Set(float64(n)) }
