package metrics

// ============================================================================
// Metric Names
// ============================================================================

// Sync metric names
const (
	MetricNamePushItems        = "caresync_push_items_total"
	MetricNamePullRecords      = "caresync_pull_records_total"
	MetricNameRetryAttempts    = "caresync_retry_attempts_total"
	MetricNameBreakerState     = "caresync_circuit_breaker_state"
	MetricNameConflicts        = "caresync_conflicts_total"
	MetricNameQueueDepth       = "caresync_queue_depth"
	MetricNameSyncDuration     = "caresync_sync_duration_seconds"
	MetricNameCacheLookups     = "caresync_reference_cache_lookups_total"
	MetricNameSyncRuns         = "caresync_sync_runs_total"
	MetricNameDeadLetterEvents = "caresync_dead_letter_events_total"
)

// HTTP metric names
const (
	MetricNameHTTPRequestsTotal   = "caresync_http_requests_total"
	MetricNameHTTPRequestDuration = "caresync_http_request_duration_seconds"
)

// ============================================================================
// Metric Help Text
// ============================================================================

const (
	HelpTextPushItems        = "Queue items pushed, by entity type and outcome"
	HelpTextPullRecords      = "Server records reconciled by pull, by entity type and outcome"
	HelpTextRetryAttempts    = "Retries scheduled by the retry controller, by operation label"
	HelpTextBreakerState     = "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)"
	HelpTextConflicts        = "Version conflicts, by resolution"
	HelpTextQueueDepth       = "Sync queue items, by status"
	HelpTextSyncDuration     = "Duration of sync runs in seconds, by kind"
	HelpTextCacheLookups     = "Reference cache lookups, by result"
	HelpTextSyncRuns         = "Sync runs, by kind and result"
	HelpTextDeadLetterEvents = "Items moved to the dead-letter state"

	HelpTextHTTPRequestsTotal   = "Total number of HTTP requests"
	HelpTextHTTPRequestDuration = "HTTP request latency in seconds"
)

// ============================================================================
// Labels
// ============================================================================

const (
	LabelEntityType = "entity_type"
	LabelOutcome    = "outcome"
	LabelLabel      = "label"
	LabelEndpoint   = "endpoint"
	LabelResolution = "resolution"
	LabelStatus     = "status"
	LabelKind       = "kind"
	LabelResult     = "result"
	LabelMethod     = "method"
	LabelPath       = "path"
)

// Label values
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeDropped  = "dropped"

	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeSkipped   = "skipped"
	OutcomeUnchanged = "unchanged"

	KindPush = "push"
	KindPull = "pull"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultOffline = "offline"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Buckets
var (
	SyncDurationBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	HTTPLatencyBuckets  = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
)
