package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PerformanceMetrics tracks in-process performance metrics for the core's
// own operations, independent of whatever the CloudWatch-backed Metrics
// type ships off-box.
type PerformanceMetrics struct {
	logger        *zap.Logger
	writeMetrics  *WriteMetrics
	queryMetrics  *QueryMetrics
	listenMetrics *ListenMetrics
	mu            sync.RWMutex
}

// WriteMetrics tracks write/delete/commit_transaction performance (spec
// §4.6): how long the full write-plus-index-maintenance-plus-fanout
// transaction takes, and how many secondary-index rows each write
// touched.
type WriteMetrics struct {
	ExecutionTimes map[string][]time.Duration // operation -> execution times
	IndexRowCounts map[string][]int           // operation -> index rows touched
	SuccessCount   map[string]int64
	FailureCount   map[string]int64
	LastMeasured   time.Time
}

// QueryMetrics tracks simple_query and composite_query performance (spec
// §4.2, §4.5).
type QueryMetrics struct {
	ExecutionTimes map[string][]time.Duration // query kind -> execution times
	ResultSizes    map[string][]int           // query kind -> result sizes
	LastMeasured   time.Time
}

// ListenMetrics tracks the long-poll surface (spec §4.6, §5): how long a
// listen call actually waited before returning, how many update rows it
// returned, and how many clients the TTL sweeper has reclaimed.
type ListenMetrics struct {
	WaitTimes     []time.Duration
	QueueDepths   []int
	EvictionCount int64
	LastMeasured  time.Time
}

// NewPerformanceMetrics creates a new performance metrics tracker.
func NewPerformanceMetrics(logger *zap.Logger) *PerformanceMetrics {
	return &PerformanceMetrics{
		logger: logger,
		writeMetrics: &WriteMetrics{
			ExecutionTimes: make(map[string][]time.Duration),
			IndexRowCounts: make(map[string][]int),
			SuccessCount:   make(map[string]int64),
			FailureCount:   make(map[string]int64),
			LastMeasured:   time.Now(),
		},
		queryMetrics: &QueryMetrics{
			ExecutionTimes: make(map[string][]time.Duration),
			ResultSizes:    make(map[string][]int),
			LastMeasured:   time.Now(),
		},
		listenMetrics: &ListenMetrics{LastMeasured: time.Now()},
	}
}

const sampleWindow = 100

func pushDuration(samples []time.Duration, d time.Duration) []time.Duration {
	if len(samples) >= sampleWindow {
		samples = samples[1:]
	}
	return append(samples, d)
}

func pushInt(samples []int, v int) []int {
	if len(samples) >= sampleWindow {
		samples = samples[1:]
	}
	return append(samples, v)
}

// RecordWrite records one write/delete/commit_transaction's execution time
// and how many secondary-index rows it touched.
func (m *PerformanceMetrics) RecordWrite(operation string, executionTime time.Duration, indexRows int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeMetrics.ExecutionTimes[operation] = pushDuration(m.writeMetrics.ExecutionTimes[operation], executionTime)
	m.writeMetrics.IndexRowCounts[operation] = pushInt(m.writeMetrics.IndexRowCounts[operation], indexRows)

	if err != nil {
		m.writeMetrics.FailureCount[operation]++
		m.logger.Error("write failed",
			zap.String("operation", operation),
			zap.Duration("execution_time", executionTime),
			zap.Error(err),
		)
	} else {
		m.writeMetrics.SuccessCount[operation]++
	}
	m.writeMetrics.LastMeasured = time.Now()

	if executionTime > 500*time.Millisecond {
		m.logger.Warn("slow write detected",
			zap.String("operation", operation),
			zap.Duration("execution_time", executionTime),
			zap.Bool("success", err == nil),
		)
	}
}

// RecordQuery records one simple_query or composite_query execution.
func (m *PerformanceMetrics) RecordQuery(queryKind string, executionTime time.Duration, resultSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryMetrics.ExecutionTimes[queryKind] = pushDuration(m.queryMetrics.ExecutionTimes[queryKind], executionTime)
	m.queryMetrics.ResultSizes[queryKind] = pushInt(m.queryMetrics.ResultSizes[queryKind], resultSize)
	m.queryMetrics.LastMeasured = time.Now()

	if executionTime > 200*time.Millisecond {
		m.logger.Warn("slow query detected",
			zap.String("query_kind", queryKind),
			zap.Duration("execution_time", executionTime),
			zap.Int("result_size", resultSize),
		)
	}
}

// RecordListen records how long a listen call actually waited and how
// many update rows it returned.
func (m *PerformanceMetrics) RecordListen(waitTime time.Duration, queueDepth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listenMetrics.WaitTimes = pushDuration(m.listenMetrics.WaitTimes, waitTime)
	m.listenMetrics.QueueDepths = pushInt(m.listenMetrics.QueueDepths, queueDepth)
	m.listenMetrics.LastMeasured = time.Now()
}

// RecordEviction records one client reclaimed by the TTL sweeper.
func (m *PerformanceMetrics) RecordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenMetrics.EvictionCount++
}

// GetWriteStats returns statistics for one write operation kind.
func (m *PerformanceMetrics) GetWriteStats(operation string) WriteStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	times := m.writeMetrics.ExecutionTimes[operation]
	if len(times) == 0 {
		return WriteStats{}
	}
	successCount := m.writeMetrics.SuccessCount[operation]
	failureCount := m.writeMetrics.FailureCount[operation]
	successRate := float64(0)
	if successCount+failureCount > 0 {
		successRate = float64(successCount) / float64(successCount+failureCount)
	}

	return WriteStats{
		AverageExecutionTime: calculateAverageDuration(times),
		MaxExecutionTime:     calculateMaxDuration(times),
		AverageIndexRows:     calculateAverageInt(m.writeMetrics.IndexRowCounts[operation]),
		SuccessRate:          successRate,
		SuccessCount:         successCount,
		FailureCount:         failureCount,
		SampleCount:          len(times),
	}
}

// GetQueryStats returns statistics for one query kind.
func (m *PerformanceMetrics) GetQueryStats(queryKind string) QueryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	times := m.queryMetrics.ExecutionTimes[queryKind]
	if len(times) == 0 {
		return QueryStats{}
	}
	return QueryStats{
		AverageExecutionTime: calculateAverageDuration(times),
		MaxExecutionTime:     calculateMaxDuration(times),
		AverageResultSize:    calculateAverageInt(m.queryMetrics.ResultSizes[queryKind]),
		SampleCount:          len(times),
	}
}

// GetListenStats returns aggregate statistics for the listen surface.
func (m *PerformanceMetrics) GetListenStats() ListenStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.listenMetrics.WaitTimes) == 0 {
		return ListenStats{EvictionCount: m.listenMetrics.EvictionCount}
	}
	return ListenStats{
		AverageWaitTime:  calculateAverageDuration(m.listenMetrics.WaitTimes),
		MaxWaitTime:      calculateMaxDuration(m.listenMetrics.WaitTimes),
		AverageQueueDepth: calculateAverageInt(m.listenMetrics.QueueDepths),
		EvictionCount:    m.listenMetrics.EvictionCount,
		SampleCount:      len(m.listenMetrics.WaitTimes),
	}
}

// ReportMetrics logs a comprehensive snapshot of every tracked metric.
func (m *PerformanceMetrics) ReportMetrics() {
	m.mu.RLock()
	writeOps := make([]string, 0, len(m.writeMetrics.ExecutionTimes))
	for op := range m.writeMetrics.ExecutionTimes {
		writeOps = append(writeOps, op)
	}
	queryKinds := make([]string, 0, len(m.queryMetrics.ExecutionTimes))
	for kind := range m.queryMetrics.ExecutionTimes {
		queryKinds = append(queryKinds, kind)
	}
	m.mu.RUnlock()

	m.logger.Info("performance metrics report",
		zap.Time("write_last_measured", m.writeMetrics.LastMeasured),
		zap.Time("query_last_measured", m.queryMetrics.LastMeasured),
		zap.Time("listen_last_measured", m.listenMetrics.LastMeasured),
	)

	for _, op := range writeOps {
		stats := m.GetWriteStats(op)
		m.logger.Info("write performance",
			zap.String("operation", op),
			zap.Duration("avg_execution_time", stats.AverageExecutionTime),
			zap.Float64("success_rate", stats.SuccessRate),
		)
	}
	for _, kind := range queryKinds {
		stats := m.GetQueryStats(kind)
		m.logger.Info("query performance",
			zap.String("query_kind", kind),
			zap.Duration("avg_execution_time", stats.AverageExecutionTime),
			zap.Int("avg_result_size", stats.AverageResultSize),
		)
	}
	listenStats := m.GetListenStats()
	m.logger.Info("listen performance",
		zap.Duration("avg_wait_time", listenStats.AverageWaitTime),
		zap.Int("avg_queue_depth", listenStats.AverageQueueDepth),
		zap.Int64("eviction_count", listenStats.EvictionCount),
	)
}

// Stats structures

type WriteStats struct {
	AverageExecutionTime time.Duration
	MaxExecutionTime     time.Duration
	AverageIndexRows     int
	SuccessRate          float64
	SuccessCount         int64
	FailureCount         int64
	SampleCount          int
}

type QueryStats struct {
	AverageExecutionTime time.Duration
	MaxExecutionTime     time.Duration
	AverageResultSize    int
	SampleCount          int
}

type ListenStats struct {
	AverageWaitTime   time.Duration
	MaxWaitTime       time.Duration
	AverageQueueDepth int
	EvictionCount     int64
	SampleCount       int
}

// Helper functions

func calculateAverageDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func calculateMaxDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	max := durations[0]
	for _, d := range durations[1:] {
		if d > max {
			max = d
		}
	}
	return max
}

func calculateAverageInt(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return sum / len(values)
}
