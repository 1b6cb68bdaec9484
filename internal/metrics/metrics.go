// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync Metrics
var (
	PushItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePushItems,
			Help: HelpTextPushItems,
		},
		[]string{LabelEntityType, LabelOutcome},
	)

	PullRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePullRecords,
			Help: HelpTextPullRecords,
		},
		[]string{LabelEntityType, LabelOutcome},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRetryAttempts,
			Help: HelpTextRetryAttempts,
		},
		[]string{LabelLabel},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBreakerState,
			Help: HelpTextBreakerState,
		},
		[]string{LabelEndpoint},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameConflicts,
			Help: HelpTextConflicts,
		},
		[]string{LabelResolution},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameQueueDepth,
			Help: HelpTextQueueDepth,
		},
		[]string{LabelStatus},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameSyncDuration,
			Help:    HelpTextSyncDuration,
			Buckets: SyncDurationBuckets,
		},
		[]string{LabelKind},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSyncRuns,
			Help: HelpTextSyncRuns,
		},
		[]string{LabelKind, LabelResult},
	)

	DeadLetterEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameDeadLetterEvents,
			Help: HelpTextDeadLetterEvents,
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameCacheLookups,
			Help: HelpTextCacheLookups,
		},
		[]string{LabelResult},
	)
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameHTTPRequestsTotal,
			Help: HelpTextHTTPRequestsTotal,
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameHTTPRequestDuration,
			Help:    HelpTextHTTPRequestDuration,
			Buckets: HTTPLatencyBuckets,
		},
		[]string{LabelMethod, LabelPath},
	)
)
