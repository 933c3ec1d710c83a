// Package metrics holds the Prometheus series exported by the trust
// graph kernel: score computation, import pipeline, subscription
// delivery, and the RPC surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScoreFullRecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_score_full_recomputes_total",
		Help: "Total number of full score-tree recomputes, by owner",
	}, []string{"owner"})

	ScoreRecomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustmesh_score_recompute_duration_seconds",
		Help:    "Duration of score tree recomputation, incremental or full",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"kind"})

	ScoreTreeSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustmesh_score_tree_size",
		Help: "Current number of Score rows rooted at an owner",
	}, []string{"owner"})

	TrustEditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_trust_edits_total",
		Help: "Total number of trust edge creations/updates/deletions",
	}, []string{"op"})

	ImportQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustmesh_import_queue_depth",
		Help: "Current number of editions pending import",
	})

	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_imports_total",
		Help: "Total number of processed import items, by outcome",
	}, []string{"outcome"})

	ImportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustmesh_import_duration_seconds",
		Help:    "Duration of a single identity-document import",
		Buckets: prometheus.DefBuckets,
	})

	FetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_fetch_attempts_total",
		Help: "Total number of fetch attempts, by outcome",
	}, []string{"outcome"})

	SubscribedClientsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustmesh_subscribed_clients",
		Help: "Current number of subscribed clients, by event source kind",
	}, []string{"kind"})

	NotificationsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_notifications_delivered_total",
		Help: "Total number of notifications delivered to clients, by kind",
	}, []string{"kind"})

	NotificationDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustmesh_notification_deployment_duration_seconds",
		Help:    "Duration of a single subscription deployment pass",
		Buckets: prometheus.DefBuckets,
	})

	ClientsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustmesh_clients_evicted_total",
		Help: "Total number of clients evicted after exceeding the failure limit",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmesh_http_requests_total",
		Help: "Total number of RPC HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustmesh_http_request_duration_seconds",
		Help:    "Duration of RPC HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordTrustEdit records a trust edge mutation by operation kind:
// "create", "update", or "delete".
func RecordTrustEdit(op string) {
	TrustEditsTotal.WithLabelValues(op).Inc()
}

// RecordFullRecompute records a full score-tree recompute for owner
// and its wall-clock duration.
func RecordFullRecompute(owner string, seconds float64) {
	ScoreFullRecomputesTotal.WithLabelValues(owner).Inc()
	ScoreRecomputeDuration.WithLabelValues("full").Observe(seconds)
}

// RecordIncrementalRecompute records a bounded incremental recompute's
// duration.
func RecordIncrementalRecompute(seconds float64) {
	ScoreRecomputeDuration.WithLabelValues("incremental").Observe(seconds)
}

// SetScoreTreeSize updates the current tree-size gauge for owner.
func SetScoreTreeSize(owner string, size int) {
	ScoreTreeSize.WithLabelValues(owner).Set(float64(size))
}
