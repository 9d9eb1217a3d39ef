// Package monitor tracks execution performance, rolls it up per workflow
// and across the process, and fires alerts from configurable rules.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	durationWindow = 100
	trendWindow    = 5
	topErrors      = 5
	maxAlerts      = 500
	maxCompletions = 10000
)

// NodeOutcome is reported once per node attempt.
type NodeOutcome int

const (
	NodeCompleted NodeOutcome = iota
	NodeFailed
	NodeRetried
)

type tracked struct {
	metrics   models.PerformanceMetrics
	heapStart uint64
}

type workflowStats struct {
	total      int
	successful int
	failed     int
	durations  []time.Duration
	errors     map[string]int
	last       time.Time
}

type completion struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

type Monitor struct {
	logger    *slog.Logger
	now       func() time.Time
	heapInUse func() uint64
	metrics   *collectors
	notifiers []Notifier

	cooldownMu sync.Mutex
	cooldowns  *cache.Cache

	mu                  sync.Mutex
	active              map[string]*tracked
	workflows           map[string]*workflowStats
	completions         []completion
	totalExecutions     int64
	rateLimitRejections int64
	alerts              []models.Alert

	rulesMu sync.RWMutex
	rules   []models.AlertRule
}

type Option func(*Monitor) error

// WithRegisterer exposes the monitor's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) error {
		c := newCollectors()
		if err := c.register(reg); err != nil {
			return err
		}

		m.metrics = c

		return nil
	}
}

func WithNotifier(n Notifier) Option {
	return func(m *Monitor) error {
		m.notifiers = append(m.notifiers, n)

		return nil
	}
}

// WithRules replaces the default alert rules.
func WithRules(rules []models.AlertRule) Option {
	return func(m *Monitor) error {
		return m.SetRules(rules)
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) error {
		m.now = now

		return nil
	}
}

// WithHeapReader overrides how heap usage is sampled.
func WithHeapReader(read func() uint64) Option {
	return func(m *Monitor) error {
		m.heapInUse = read

		return nil
	}
}

func readHeapInUse() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	return stats.HeapInuse
}

func New(log *slog.Logger, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		logger:    log.With("module", "performance_monitor"),
		now:       time.Now,
		heapInUse: readHeapInUse,
		cooldowns: cache.New(5*time.Minute, 10*time.Minute),
		active:    make(map[string]*tracked),
		workflows: make(map[string]*workflowStats),
		rules:     DefaultRules(),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// StartExecution begins tracking an execution.
func (m *Monitor) StartExecution(executionID, workflowID string, nodeCount int) {
	heap := m.heapInUse()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[executionID] = &tracked{
		metrics: models.PerformanceMetrics{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			Status:      models.ExecutionStatusRunning,
			StartedAt:   m.now().UTC(),
			NodeCount:   nodeCount,
		},
		heapStart: heap,
	}

	if m.metrics != nil {
		m.metrics.activeExecutions.Set(float64(len(m.active)))
	}
}

// RecordNode counts one node attempt of a tracked execution.
func (m *Monitor) RecordNode(executionID, nodeID string, outcome NodeOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[executionID]
	if !ok {
		m.logger.Debug("node recorded for untracked execution", "execution_id", executionID, "node_id", nodeID)

		return
	}

	switch outcome {
	case NodeCompleted:
		t.metrics.CompletedNodes++
	case NodeFailed:
		t.metrics.FailedNodes++
	case NodeRetried:
		t.metrics.RetryCount++

		if m.metrics != nil {
			m.metrics.nodeRetries.Inc()
		}
	}
}

// RecordRateLimitRejection counts an execution refused by the rate limiter.
func (m *Monitor) RecordRateLimitRejection() {
	m.mu.Lock()
	m.rateLimitRejections++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.rateLimitRejections.Inc()
	}
}

// CompleteExecution stops tracking, folds the execution into the workflow
// and system aggregates and evaluates the alert rules.
func (m *Monitor) CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, cause error) (models.PerformanceMetrics, bool) {
	heap := m.heapInUse()
	now := m.now().UTC()

	m.mu.Lock()

	t, ok := m.active[executionID]
	if !ok {
		m.mu.Unlock()

		return models.PerformanceMetrics{}, false
	}

	delete(m.active, executionID)

	metrics := t.metrics
	metrics.Status = status
	metrics.CompletedAt = now
	metrics.Duration = now.Sub(metrics.StartedAt)
	metrics.MemoryDelta = int64(heap) - int64(t.heapStart)

	if cause != nil {
		metrics.Error = cause.Error()
	}

	failed := status != models.ExecutionStatusCompleted

	stats := m.workflowStatsLocked(metrics.WorkflowID)
	stats.total++
	stats.last = now

	if failed {
		stats.failed++

		if metrics.Error != "" {
			stats.errors[metrics.Error]++
		}
	} else {
		stats.successful++
	}

	stats.durations = append(stats.durations, metrics.Duration)
	if len(stats.durations) > durationWindow {
		stats.durations = stats.durations[len(stats.durations)-durationWindow:]
	}

	m.totalExecutions++
	m.completions = append(m.completions, completion{at: now, duration: metrics.Duration, failed: failed})
	m.pruneCompletionsLocked(now)

	values := sample{
		MetricDurationMs:          float64(metrics.Duration.Milliseconds()),
		MetricErrorRate:           float64(stats.failed) / float64(stats.total),
		MetricSuccessRate:         float64(stats.successful) / float64(stats.total),
		MetricRetryCount:          float64(metrics.RetryCount),
		MetricFailedNodes:         float64(metrics.FailedNodes),
		MetricMemoryMB:            float64(heap) / (1 << 20),
		MetricMemoryDeltaMB:       float64(metrics.MemoryDelta) / (1 << 20),
		MetricExecutionsPerMinute: float64(m.executionsSinceLocked(now.Add(-time.Minute))),
	}

	if m.metrics != nil {
		m.metrics.executionsTotal.WithLabelValues(string(status)).Inc()
		m.metrics.executionDuration.Observe(metrics.Duration.Seconds())
		m.metrics.activeExecutions.Set(float64(len(m.active)))
	}

	m.mu.Unlock()

	m.logger.Debug("execution tracked",
		"execution_id", executionID,
		"workflow_id", metrics.WorkflowID,
		"status", status,
		"duration", metrics.Duration,
		"retries", metrics.RetryCount)

	m.evaluateRules(ctx, metrics, values)

	return metrics, true
}

func (m *Monitor) workflowStatsLocked(workflowID string) *workflowStats {
	stats, ok := m.workflows[workflowID]
	if !ok {
		stats = &workflowStats{errors: make(map[string]int)}
		m.workflows[workflowID] = stats
	}

	return stats
}

func (m *Monitor) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)

	i := 0
	for i < len(m.completions) && m.completions[i].at.Before(cutoff) {
		i++
	}

	if len(m.completions)-i > maxCompletions {
		i = len(m.completions) - maxCompletions
	}

	if i > 0 {
		m.completions = append(m.completions[:0], m.completions[i:]...)
	}
}

func (m *Monitor) executionsSinceLocked(since time.Time) int {
	n := 0

	for i := len(m.completions) - 1; i >= 0 && !m.completions[i].at.Before(since); i-- {
		n++
	}

	return n
}

// Prune drops completions older than the system metrics horizon.
func (m *Monitor) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneCompletionsLocked(m.now().UTC())
}

// Active is the number of executions being tracked.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

// WorkflowAnalytics rolls up everything recorded for a workflow.
func (m *Monitor) WorkflowAnalytics(workflowID string) (models.WorkflowAnalytics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.workflows[workflowID]
	if !ok {
		return models.WorkflowAnalytics{WorkflowID: workflowID, Trend: models.TrendStable}, false
	}

	last := stats.last

	out := models.WorkflowAnalytics{
		WorkflowID:           workflowID,
		TotalExecutions:      stats.total,
		SuccessfulExecutions: stats.successful,
		FailedExecutions:     stats.failed,
		TopErrors:            rankErrors(stats.errors),
		Trend:                trend(stats.durations),
		LastExecutionAt:      &last,
	}

	if stats.total > 0 {
		out.SuccessRate = float64(stats.successful) / float64(stats.total)
	}

	out.AverageDuration, out.MedianDuration, out.P95Duration = summarize(stats.durations)

	return out, true
}

// SystemMetrics snapshots the process-wide aggregates over the last minute.
func (m *Monitor) SystemMetrics() models.SystemMetrics {
	heap := m.heapInUse()
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := models.SystemMetrics{
		ActiveExecutions:    len(m.active),
		RateLimitRejections: m.rateLimitRejections,
		TotalExecutions:     m.totalExecutions,
		HeapInUseBytes:      heap,
		CollectedAt:         now,
	}

	since := now.Add(-time.Minute)

	var (
		total  time.Duration
		failed int
	)

	for i := len(m.completions) - 1; i >= 0 && !m.completions[i].at.Before(since); i-- {
		c := m.completions[i]
		out.ExecutionsPerMinute++
		total += c.duration

		if c.failed {
			failed++
		}
	}

	if out.ExecutionsPerMinute > 0 {
		out.AverageDuration = total / time.Duration(out.ExecutionsPerMinute)
		out.ErrorRate = float64(failed) / float64(out.ExecutionsPerMinute)
	}

	return out
}

func summarize(durations []time.Duration) (avg, median, p95 time.Duration) {
	if len(durations) == 0 {
		return 0, 0, 0
	}

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	n := len(sorted)
	avg = total / time.Duration(n)

	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	idx := (n*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}

	p95 = sorted[idx]

	return avg, median, p95
}

// trend compares the mean of the last five durations with the five
// before them. A change beyond 10% either way is a trend.
func trend(durations []time.Duration) models.Trend {
	if len(durations) < 2*trendWindow {
		return models.TrendStable
	}

	recent := mean(durations[len(durations)-trendWindow:])
	previous := mean(durations[len(durations)-2*trendWindow : len(durations)-trendWindow])

	if previous == 0 {
		return models.TrendStable
	}

	change := (recent - previous) / previous

	switch {
	case change > 0.1:
		return models.TrendDegrading
	case change < -0.1:
		return models.TrendImproving
	default:
		return models.TrendStable
	}
}

func mean(ds []time.Duration) float64 {
	var total float64
	for _, d := range ds {
		total += float64(d)
	}

	return total / float64(len(ds))
}

func rankErrors(counts map[string]int) []models.ErrorCount {
	out := make([]models.ErrorCount, 0, len(counts))
	for msg, n := range counts {
		out = append(out, models.ErrorCount{Message: msg, Count: n})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Message < out[j].Message
	})

	if len(out) > topErrors {
		out = out[:topErrors]
	}

	return out
}
