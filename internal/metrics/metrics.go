// Package metrics holds the Prometheus collectors shared by the control loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region collectors
var (
	// Observations counts recorded observations by quality band.
	Observations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_observations_total",
		Help: "Recorded quality observations by quality band",
	}, []string{"band"})

	// Incidents counts recorded dissociation incidents by severity band.
	Incidents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_incidents_total",
		Help: "Recorded dissociation incidents by severity band",
	}, []string{"band"})

	// Alerts counts generated alerts by level and kind.
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_alerts_total",
		Help: "Alerts raised during pre-turn evaluation",
	}, []string{"level", "kind"})

	// Interventions counts executor outcomes by kind.
	Interventions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_interventions_total",
		Help: "Intervention executions by kind and whether they took effect",
	}, []string{"kind", "executed"})

	// Backfills counts effectiveness back-fills by result.
	Backfills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_backfills_total",
		Help: "Effectiveness back-fills by result",
	}, []string{"result"})

	// Effectiveness tracks the distribution of measured effectiveness.
	Effectiveness = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attending_intervention_effectiveness",
		Help:    "Measured intervention effectiveness",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"kind"})

	// StoreErrors counts recoverable store failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_store_errors_total",
		Help: "Store failures degraded to default guidance",
	}, []string{"op"})

	// Notifications counts escalation notifications by result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_escalation_notifications_total",
		Help: "Out-of-band escalation notifications by result",
	}, []string{"result"})

	// Guidance counts pre-turn guidance by outcome.
	Guidance = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attending_guidance_total",
		Help: "Pre-turn guidance by outcome",
	}, []string{"outcome"})
)

// #endregion collectors

// #region bands

// Band buckets a [0,1] value into a fixed label set. Caller-supplied strings
// such as persona or category never become label values.
func Band(v float64) string {
	switch {
	case v < 0.2:
		return "0.0-0.2"
	case v < 0.4:
		return "0.2-0.4"
	case v < 0.6:
		return "0.4-0.6"
	case v < 0.8:
		return "0.6-0.8"
	default:
		return "0.8-1.0"
	}
}

// #endregion bands

// #region handler

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// #endregion handler
