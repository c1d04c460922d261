// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished skill runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "runs_total",
		Help:      "Finished skill runs by terminal status.",
	}, []string{"status"})

	// StepAttemptsTotal counts step attempts by the verdict they ended with.
	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "step_attempts_total",
		Help:      "Step attempts by resulting verdict.",
	}, []string{"verdict"})

	// RemediationsTotal counts remediation attempts by error kind and outcome.
	RemediationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "remediations_total",
		Help:      "Remediation attempts by error kind and outcome.",
	}, []string{"kind", "outcome"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
