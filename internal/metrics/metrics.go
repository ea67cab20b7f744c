// Package metrics exposes Prometheus instruments for the extraction pipeline.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the pipeline counters and histograms.
type Metrics struct {
	EmailsTotal        *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram
	Confidence         prometheus.Histogram
	ReviewQueuedTotal  *prometheus.CounterVec
	CorrectionsTotal   *prometheus.CounterVec
	SuggestionsTotal   *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
}

// New creates and registers the metrics once per process. Every metric is
// prefixed with "afp_".
//
//   - afp_emails_total{outcome} - accepted, queued, failed, forced
//   - afp_extraction_duration_seconds - time from dequeue to decision
//   - afp_candidate_confidence - overall confidence of matched candidates
//   - afp_review_queued_total{cause} - unmatched, low_confidence, rule, forced
//   - afp_corrections_total{field,template_updated}
//   - afp_suggestions_total{result} - ok, error, timeout, budget
//   - afp_email_retries_total
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EmailsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afp_emails_total",
					Help: "Emails processed by outcome",
				},
				[]string{"outcome"},
			),
			ExtractionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "afp_extraction_duration_seconds",
					Help:    "Time spent processing one email",
					Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 20},
				},
			),
			Confidence: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "afp_candidate_confidence",
					Help:    "Overall confidence of extracted candidates",
					Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
				},
			),
			ReviewQueuedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afp_review_queued_total",
					Help: "Candidates sent to human review by cause",
				},
				[]string{"cause"},
			),
			CorrectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afp_corrections_total",
					Help: "Field corrections applied",
				},
				[]string{"field", "template_updated"},
			),
			SuggestionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afp_suggestions_total",
					Help: "Strategy suggestion calls by result",
				},
				[]string{"result"},
			),
			RetriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "afp_email_retries_total",
					Help: "Failed emails republished for another attempt",
				},
			),
		}
	})

	return globalMetrics
}

// RecordEmail records the outcome and duration of processing one email.
func (m *Metrics) RecordEmail(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EmailsTotal.WithLabelValues(outcome).Inc()
	m.ExtractionDuration.Observe(d.Seconds())
}

// RecordConfidence observes a candidate's overall confidence.
func (m *Metrics) RecordConfidence(c float64) {
	if m == nil {
		return
	}
	m.Confidence.Observe(c)
}

// RecordQueued counts a review enqueue.
func (m *Metrics) RecordQueued(cause string) {
	if m == nil {
		return
	}
	m.ReviewQueuedTotal.WithLabelValues(cause).Inc()
}

// RecordCorrection counts an applied correction.
func (m *Metrics) RecordCorrection(field string, templateUpdated bool) {
	if m == nil {
		return
	}
	m.CorrectionsTotal.WithLabelValues(field, strconv.FormatBool(templateUpdated)).Inc()
}

// RecordSuggestion counts a suggestion call.
func (m *Metrics) RecordSuggestion(result string) {
	if m == nil {
		return
	}
	m.SuggestionsTotal.WithLabelValues(result).Inc()
}

// RecordRetry counts a republished email.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}
