package cases

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cases",
		Name:      "transitions_total",
		Help:      "Case transitions by target status and outcome (applied, stale, error).",
	}, []string{"to", "outcome"})

	fraudCasesArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cases",
		Name:      "fraud_cases_archived_total",
		Help:      "Total fraud cases written to the archive.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, fraudCasesArchived)
}
