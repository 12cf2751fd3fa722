package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consolidator_build_info",
			Help: "Build information of the consolidator",
		},
		[]string{"version", "commit", "date"},
	)

	PairsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidator_pairs_processed_total",
			Help: "Total (tenant, table) pairs processed, by outcome",
		},
		[]string{"outcome"},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidator_batches_total",
			Help: "Total batch runs, by outcome",
		},
		[]string{"outcome"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consolidator_batch_duration_seconds",
			Help:    "Duration of batch runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	CentralRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidator_central_refreshes_total",
			Help: "Total central view and table refreshes, by kind",
		},
		[]string{"kind"},
	)
)

// Outcome labels for PairsProcessedTotal and BatchesTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeSkipped   = "skipped"
)

// Kind labels for CentralRefreshesTotal.
const (
	KindView  = "view"
	KindTable = "table"
)
