package services

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Default sample retention for InMemoryQueryMetrics.
const (
	DefaultMetricsRetention = 10000
	DefaultMetricsEvictTo   = 5000
)

// QuerySample is recorded for every successfully completed query.
type QuerySample struct {
	Entity      string
	TenantID    string
	SubjectType string
	JoinCount   int
	JoinDepth   int
	FieldCount  int
	RowCount    int
	UsedReplica bool
	Duration    time.Duration
}

// ValidationFailureSample carries only error codes, never full error objects.
type ValidationFailureSample struct {
	Entity   string
	TenantID string
	Codes    []string
}

// QueryErrorSample is recorded when execution or planning fails unexpectedly.
type QueryErrorSample struct {
	Entity   string
	TenantID string
	Kind     string
	Message  string
	Duration time.Duration
}

// MetricsSnapshot is a point-in-time aggregate. Totals and breakdowns cover the
// process lifetime; timing and averages cover the retained samples.
type MetricsSnapshot struct {
	TotalQueries             int64            `json:"totalQueries"`
	TotalErrors              int64            `json:"totalErrors"`
	TotalValidationFailures  int64            `json:"totalValidationFailures"`
	SlowQueries              int64            `json:"slowQueries"`
	AvgExecutionMs           float64          `json:"avgExecutionMs"`
	P95ExecutionMs           float64          `json:"p95ExecutionMs"`
	P99ExecutionMs           float64          `json:"p99ExecutionMs"`
	AvgJoinCount             float64          `json:"avgJoinCount"`
	AvgFieldCount            float64          `json:"avgFieldCount"`
	QueriesByEntity          map[string]int64 `json:"queriesByEntity"`
	ErrorsByType             map[string]int64 `json:"errorsByType"`
	ValidationFailuresByCode map[string]int64 `json:"validationFailuresByCode"`
	SampleCount              int              `json:"sampleCount"`
	TakenAt                  time.Time        `json:"takenAt"`
}

// QueryMetrics is the sink the observer writes to. InMemoryQueryMetrics is the
// development implementation; production deployments can plug in another backend.
type QueryMetrics interface {
	RecordQuery(sample QuerySample)
	RecordSlowQuery()
	RecordValidationFailure(sample ValidationFailureSample)
	RecordError(sample QueryErrorSample)
	Snapshot() MetricsSnapshot
}

// InMemoryQueryMetrics keeps a bounded window of query samples. When the window
// exceeds retention it is trimmed to the most recent evictTo samples.
type InMemoryQueryMetrics struct {
	retention int
	evictTo   int
	now       func() time.Time

	mu               sync.Mutex
	samples          []QuerySample
	totalQueries     int64
	totalErrors      int64
	totalValidation  int64
	slowQueries      int64
	queriesByEntity  map[string]int64
	errorsByType     map[string]int64
	validationByCode map[string]int64
}

// NewInMemoryQueryMetrics creates an in-memory sink. Non-positive arguments fall
// back to the defaults.
func NewInMemoryQueryMetrics(retention, evictTo int) *InMemoryQueryMetrics {
	if retention <= 0 {
		retention = DefaultMetricsRetention
	}
	if evictTo <= 0 || evictTo > retention {
		evictTo = min(DefaultMetricsEvictTo, retention)
	}
	return &InMemoryQueryMetrics{
		retention:        retention,
		evictTo:          evictTo,
		now:              time.Now,
		queriesByEntity:  make(map[string]int64),
		errorsByType:     make(map[string]int64),
		validationByCode: make(map[string]int64),
	}
}

var _ QueryMetrics = (*InMemoryQueryMetrics)(nil)

func (m *InMemoryQueryMetrics) RecordQuery(sample QuerySample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.queriesByEntity[sample.Entity]++
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.retention {
		kept := make([]QuerySample, m.evictTo)
		copy(kept, m.samples[len(m.samples)-m.evictTo:])
		m.samples = kept
	}
}

func (m *InMemoryQueryMetrics) RecordSlowQuery() {
	m.mu.Lock()
	m.slowQueries++
	m.mu.Unlock()
}

func (m *InMemoryQueryMetrics) RecordValidationFailure(sample ValidationFailureSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalValidation++
	for _, code := range sample.Codes {
		m.validationByCode[code]++
	}
}

func (m *InMemoryQueryMetrics) RecordError(sample QueryErrorSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalErrors++
	m.errorsByType[sample.Kind]++
}

func (m *InMemoryQueryMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalQueries:             m.totalQueries,
		TotalErrors:              m.totalErrors,
		TotalValidationFailures:  m.totalValidation,
		SlowQueries:              m.slowQueries,
		QueriesByEntity:          copyCounts(m.queriesByEntity),
		ErrorsByType:             copyCounts(m.errorsByType),
		ValidationFailuresByCode: copyCounts(m.validationByCode),
		SampleCount:              len(m.samples),
		TakenAt:                  m.now(),
	}
	if len(m.samples) == 0 {
		return snap
	}

	durations := make([]float64, len(m.samples))
	var totalMs, totalJoins, totalFields float64
	for i, s := range m.samples {
		ms := float64(s.Duration) / float64(time.Millisecond)
		durations[i] = ms
		totalMs += ms
		totalJoins += float64(s.JoinCount)
		totalFields += float64(s.FieldCount)
	}
	sort.Float64s(durations)

	n := float64(len(m.samples))
	snap.AvgExecutionMs = totalMs / n
	snap.P95ExecutionMs = percentile(durations, 0.95)
	snap.P99ExecutionMs = percentile(durations, 0.99)
	snap.AvgJoinCount = totalJoins / n
	snap.AvgFieldCount = totalFields / n
	return snap
}

// Reset discards all samples and counters.
func (m *InMemoryQueryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = nil
	m.totalQueries, m.totalErrors, m.totalValidation, m.slowQueries = 0, 0, 0, 0
	m.queriesByEntity = make(map[string]int64)
	m.errorsByType = make(map[string]int64)
	m.validationByCode = make(map[string]int64)
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
