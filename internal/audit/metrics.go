package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "passes_total",
		Help:      "Audit passes by result (ok, error).",
	}, []string{"result"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one audit pass.",
		Buckets:   prometheus.DefBuckets,
	})

	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "evaluations_total",
		Help:      "Transactions audited by outcome (approved, held, stale, failed).",
	}, []string{"outcome"})

	rulesFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "audit",
		Name:      "rules_fired_total",
		Help:      "Holds by rule ID.",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(passesTotal, passDuration, evaluationsTotal, rulesFired)
}
