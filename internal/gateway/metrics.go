package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiops_alerts_received_total",
		Help: "Alerts received per source and severity, before dedup.",
	}, []string{"source", "severity"})

	alertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiops_alerts_deduplicated_total",
		Help: "Alerts dropped because their fingerprint was already active.",
	})

	incidentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiops_incidents_created_total",
		Help: "Incidents opened per severity.",
	}, []string{"severity"})

	webhookLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiops_webhook_latency_seconds",
		Help:    "Webhook handling latency per source.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
)
