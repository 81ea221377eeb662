package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_sync_run_duration_seconds",
		Help:    "Duration of sync passes by provider and final status.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider", "status"})

	syncObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_sync_objects_total",
		Help: "Objects processed by sync passes by provider, kind and outcome.",
	}, []string{"provider", "kind", "outcome"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_token_refresh_total",
		Help: "Token refresh attempts by provider and result.",
	}, []string{"provider", "result"})

	webhookDeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_webhook_deltas_total",
		Help: "Webhook deltas processed by provider and result.",
	}, []string{"provider", "result"})
)
