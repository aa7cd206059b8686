// Package metrics declares the prometheus collectors shared across Mimic's
// services. Collectors are registered against the default registry, which
// is exposed by the HTTP router at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_downloads_total",
			Help: "Number of downloads which reached a terminal state, by state",
		},
		[]string{"state"},
	)

	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mimic_downloaded_bytes_total",
			Help: "Bytes received across all completed downloads",
		},
	)

	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_ingests_total",
			Help: "Number of media ingestion attempts, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TranscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_transcriptions_total",
			Help: "Number of transcription attempts, by outcome",
		},
		[]string{"outcome"},
	)

	TranscriptionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mimic_transcription_duration_seconds",
			Help:    "Duration of successful transcription attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_uploads_total",
			Help: "Number of blob uploads, by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_syncs_total",
			Help: "Number of metadata syncs, by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimic_assessments_total",
			Help: "Number of pronunciation assessments, by outcome",
		},
		[]string{"outcome"},
	)
)

// Outcome maps an error to the outcome label used by the collectors above.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}

	return OutcomeSuccess
}
