package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gridrun/internal/core"
)

var (
	metricSessionsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridrun",
		Name:      "sessions_launched_total",
		Help:      "Number of worker processes started, retries included.",
	})
	metricSessionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridrun",
		Name:      "session_retries_total",
		Help:      "Number of sessions re-queued because the provider had no free slot.",
	})
	metricSessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridrun",
		Name:      "sessions_finished_total",
		Help:      "Number of sessions that reached a final outcome, by outcome.",
	}, []string{"outcome"})
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridrun",
		Name:      "sessions_active",
		Help:      "Number of worker processes currently running.",
	})
)

func recordLaunch() {
	metricSessionsLaunched.Inc()
	metricSessionsActive.Inc()
}

func recordExit() {
	metricSessionsActive.Dec()
}

func recordRetry() {
	metricSessionRetries.Inc()
}

func recordOutcome(o core.Outcome) {
	metricSessionsFinished.WithLabelValues(o.Kind.String()).Inc()
}
