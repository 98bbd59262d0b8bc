// Package metrics exposes the pipeline's Prometheus collectors. Counters are
// registered at init and incremented through thin helpers so callers don't
// depend on the prometheus API directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_received_total",
			Help: "Webhook deliveries received, by handling result",
		},
		[]string{"result"},
	)

	provisioningSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_steps_total",
			Help: "Provisioning step executions, by step and outcome",
		},
		[]string{"step", "result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Welcome notification deliveries, by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(provisioningSteps)
	prometheus.MustRegister(notifications)
}

// EventReceived records one webhook delivery with its handling result
// (e.g. "processed", "duplicate", "ignored", "rejected", "failed").
func EventReceived(result string) {
	eventsReceived.WithLabelValues(result).Inc()
}

// StepObserved records one provisioning step execution.
func StepObserved(step, result string) {
	provisioningSteps.WithLabelValues(step, result).Inc()
}

// NotificationObserved records one notification delivery attempt outcome.
func NotificationObserved(result string) {
	notifications.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
