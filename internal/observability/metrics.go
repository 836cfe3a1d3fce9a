package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the triage service, grouped by
// subsystem: queue jobs, assessments, LLM calls, event broadcast, paper
// sources, Kafka and the ingest scheduler.
type Metrics struct {
	// JobsTotal counts finished queue jobs, labeled by outcome (completed, failed).
	JobsTotal *prometheus.CounterVec

	// JobDuration observes wall time from claim to recorded outcome.
	JobDuration prometheus.Histogram

	// QueueDepth reports the number of queue items per status.
	QueueDepth *prometheus.GaugeVec

	// EnqueueResults counts enqueue decisions, labeled added, already_queued or missing.
	EnqueueResults *prometheus.CounterVec

	// StaleRequeued counts processing items swept to failed and re-enqueued.
	StaleRequeued prometheus.Counter

	// AssessmentsTotal counts persisted assessments, labeled by risk grade.
	AssessmentsTotal *prometheus.CounterVec

	// AssessmentsFlagged counts assessments that crossed the flag threshold.
	AssessmentsFlagged prometheus.Counter

	// AssessmentsRefused counts sentinel assessments written after a model refusal.
	AssessmentsRefused prometheus.Counter

	// AssessmentsMalformed counts model outputs rejected as malformed.
	AssessmentsMalformed prometheus.Counter

	// AssessmentScore observes the distribution of overall scores.
	AssessmentScore prometheus.Histogram

	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestsFailed  *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec
	LLMRefusals        *prometheus.CounterVec

	// BroadcastPublished counts events handed to the broadcaster.
	BroadcastPublished *prometheus.CounterVec

	// BroadcastDropped counts events dropped because a subscriber buffer was full.
	BroadcastDropped prometheus.Counter

	// BroadcastSubscribers reports live subscriptions.
	BroadcastSubscribers prometheus.Gauge

	SourceRequestsTotal   *prometheus.CounterVec
	SourceRequestsFailed  *prometheus.CounterVec
	SourceRequestDuration *prometheus.HistogramVec
	SourceRateLimited     *prometheus.CounterVec

	// PapersFetched counts papers returned by source scans, labeled by source.
	PapersFetched *prometheus.CounterVec

	// PapersStored counts upserted papers, labeled inserted or updated.
	PapersStored *prometheus.CounterVec

	// KafkaMessages counts Kafka traffic, labeled by direction, topic and outcome.
	KafkaMessages *prometheus.CounterVec

	// ScanRuns counts scheduled scans, labeled by outcome.
	ScanRuns *prometheus.CounterVec
}

// NewMetrics creates the service metrics on the default Prometheus registry.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the service metrics on reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Queue
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Total number of queue jobs finished by outcome",
		}, []string{"outcome"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Duration of queue jobs from claim to outcome in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queue items by status",
		}, []string{"status"}),
		EnqueueResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueue_results_total",
			Help:      "Total number of enqueue decisions by result",
		}, []string{"result"}),
		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_stale_requeued_total",
			Help:      "Total number of stale processing items failed and re-enqueued",
		}),

		// Assessments
		AssessmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total number of assessments persisted by risk grade",
		}, []string{"grade"}),
		AssessmentsFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_flagged_total",
			Help:      "Total number of assessments flagged for review",
		}),
		AssessmentsRefused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_refused_total",
			Help:      "Total number of assessments recorded after a model refusal",
		}),
		AssessmentsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_malformed_total",
			Help:      "Total number of model outputs rejected as malformed",
		}),
		AssessmentScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assessment_overall_score",
			Help:      "Distribution of overall risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),

		// LLM
		LLMRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests by operation",
		}, []string{"operation", "model"}),
		LLMRequestsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM requests by operation",
		}, []string{"operation", "model", "error_type"}),
		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM requests in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation", "model"}),
		LLMTokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used by LLM operations",
		}, []string{"operation", "model", "token_type"}),
		LLMRefusals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_refusals_total",
			Help:      "Total number of LLM responses that were refusals",
		}, []string{"operation", "model"}),

		// Broadcast
		BroadcastPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Total number of queue events published by type",
		}, []string{"type"}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Total number of events dropped for slow subscribers",
		}),
		BroadcastSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Number of live event subscribers",
		}),

		// Sources
		SourceRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of requests to paper sources",
		}, []string{"source", "endpoint"}),
		SourceRequestsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_failed_total",
			Help:      "Total number of failed requests to paper sources",
		}, []string{"source", "endpoint", "error_type"}),
		SourceRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of requests to paper sources in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "endpoint"}),
		SourceRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate limit responses from paper sources",
		}, []string{"source"}),
		PapersFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_fetched_total",
			Help:      "Total number of papers returned by source scans",
		}, []string{"source"}),
		PapersStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_stored_total",
			Help:      "Total number of papers upserted by result",
		}, []string{"result"}),

		// Kafka
		KafkaMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Total number of Kafka messages by direction, topic and outcome",
		}, []string{"direction", "topic", "outcome"}),

		// Scheduler
		ScanRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_runs_total",
			Help:      "Total number of scheduled source scans by outcome",
		}, []string{"outcome"}),
	}
}

// RecordJob records a finished queue job.
func (m *Metrics) RecordJob(outcome string, durationSeconds float64) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// SetQueueDepth sets the gauge for one queue status.
func (m *Metrics) SetQueueDepth(status string, n int) {
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordEnqueue records the outcome of one enqueue call.
func (m *Metrics) RecordEnqueue(added, alreadyQueued, missing int) {
	m.EnqueueResults.WithLabelValues("added").Add(float64(added))
	m.EnqueueResults.WithLabelValues("already_queued").Add(float64(alreadyQueued))
	m.EnqueueResults.WithLabelValues("missing").Add(float64(missing))
}

// RecordStaleRequeued records items recovered by the startup sweep.
func (m *Metrics) RecordStaleRequeued(count int) {
	m.StaleRequeued.Add(float64(count))
}

// RecordAssessment records a persisted assessment.
func (m *Metrics) RecordAssessment(grade string, score float64, flagged, refused bool) {
	m.AssessmentsTotal.WithLabelValues(grade).Inc()
	m.AssessmentScore.Observe(score)
	if flagged {
		m.AssessmentsFlagged.Inc()
	}
	if refused {
		m.AssessmentsRefused.Inc()
	}
}

// RecordMalformedOutput records a rejected model output.
func (m *Metrics) RecordMalformedOutput() {
	m.AssessmentsMalformed.Inc()
}

// RecordLLMRequest records an LLM request.
func (m *Metrics) RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
}

// RecordLLMRequestFailed records a failed LLM request.
func (m *Metrics) RecordLLMRequestFailed(operation, model, errorType string) {
	m.LLMRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}

// RecordLLMRefusal records a response the model declined to produce.
func (m *Metrics) RecordLLMRefusal(operation, model string) {
	m.LLMRefusals.WithLabelValues(operation, model).Inc()
}

// RecordEventPublished records an event handed to subscribers.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.BroadcastPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped for a full subscriber.
func (m *Metrics) RecordEventDropped() {
	m.BroadcastDropped.Inc()
}

// SetSubscribers sets the live subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.BroadcastSubscribers.Set(float64(n))
}

// RecordSourceRequest records a request to a paper source.
func (m *Metrics) RecordSourceRequest(source, endpoint string, durationSeconds float64) {
	m.SourceRequestsTotal.WithLabelValues(source, endpoint).Inc()
	m.SourceRequestDuration.WithLabelValues(source, endpoint).Observe(durationSeconds)
}

// RecordSourceRequestFailed records a failed request to a paper source.
func (m *Metrics) RecordSourceRequestFailed(source, endpoint, errorType string) {
	m.SourceRequestsFailed.WithLabelValues(source, endpoint, errorType).Inc()
}

// RecordSourceRateLimited records a rate limit response from a source.
func (m *Metrics) RecordSourceRateLimited(source string) {
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// RecordPapersFetched records papers returned by a source scan.
func (m *Metrics) RecordPapersFetched(source string, count int) {
	m.PapersFetched.WithLabelValues(source).Add(float64(count))
}

// RecordPaperStored records one upsert result.
func (m *Metrics) RecordPaperStored(inserted bool) {
	result := "updated"
	if inserted {
		result = "inserted"
	}
	m.PapersStored.WithLabelValues(result).Inc()
}

// RecordKafkaMessage records a consumed or produced Kafka message.
func (m *Metrics) RecordKafkaMessage(direction, topic, outcome string) {
	m.KafkaMessages.WithLabelValues(direction, topic, outcome).Inc()
}

// RecordScanRun records a scheduled scan.
func (m *Metrics) RecordScanRun(outcome string) {
	m.ScanRuns.WithLabelValues(outcome).Inc()
}
