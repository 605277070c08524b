package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "passes_total",
		Help:      "Notifier passes by result (ok, error).",
	}, []string{"result"})

	groupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "groups_total",
		Help:      "Alert groups by outcome (mail, webhook, outbox, skipped).",
	}, []string{"outcome"})

	narrativeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "narrative_failures_total",
		Help:      "Narrative generator calls that failed or timed out.",
	})

	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "send_failures_total",
		Help:      "Mail deliveries that failed and fell back to the outbox.",
	})

	noRecipient = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "notify",
		Name:      "no_recipient_total",
		Help:      "Alert groups written to the outbox because the customer has no email address.",
	})
)

func init() {
	prometheus.MustRegister(passesTotal, groupsTotal, narrativeFailures, sendFailures, noRecipient)
}
