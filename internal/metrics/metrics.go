// Package metrics holds the arena's Prometheus instrumentation, exposed by
// the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BattlesCreated counts battles that reached pending_vote, by type.
	BattlesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_battles_created_total",
		Help: "Battles that finished generation and became votable.",
	}, []string{"battle_type"})

	// BattlesFailed counts battle creations that failed terminally.
	BattlesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_battles_failed_total",
		Help: "Battle creations that exhausted all retries.",
	})

	// VotesRecorded counts accepted votes by choice.
	VotesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_votes_total",
		Help: "Accepted votes by choice.",
	}, []string{"choice"})

	// ModelCallFailures counts exhausted model calls by model id.
	ModelCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_model_call_failures_total",
		Help: "Model calls that exhausted every channel and key.",
	}, []string{"model_id"})

	// RatingUpdateDuration observes period rating update latency.
	RatingUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_rating_update_seconds",
		Help:    "Duration of period rating updates.",
		Buckets: prometheus.DefBuckets,
	})
)
