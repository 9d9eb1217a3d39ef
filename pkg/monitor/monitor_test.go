package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newMonitor(t *testing.T, opts ...Option) (*Monitor, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithClock(clock.Now),
		WithHeapReader(func() uint64 { return 64 << 20 }),
	}, opts...)

	m, err := New(slog.New(slog.DiscardHandler), opts...)
	require.NoError(t, err)

	return m, clock
}

func run(m *Monitor, clock *fakeClock, id, workflowID string, d time.Duration, err error) models.PerformanceMetrics {
	m.StartExecution(id, workflowID, 2)
	clock.Advance(d)

	status := models.ExecutionStatusCompleted
	if err != nil {
		status = models.ExecutionStatusFailed
	}

	metrics, _ := m.CompleteExecution(context.Background(), id, status, err)

	return metrics
}

func TestExecutionTracking(t *testing.T) {
	m, clock := newMonitor(t, WithRules(nil))

	m.StartExecution("exec-1", "wf", 3)
	assert.Equal(t, 1, m.Active())

	m.RecordNode("exec-1", "a", NodeRetried)
	m.RecordNode("exec-1", "a", NodeRetried)
	m.RecordNode("exec-1", "a", NodeCompleted)
	m.RecordNode("exec-1", "b", NodeFailed)
	m.RecordNode("unknown", "b", NodeFailed)

	clock.Advance(1500 * time.Millisecond)

	metrics, ok := m.CompleteExecution(t.Context(), "exec-1", models.ExecutionStatusFailed, errors.New("boom"))
	require.True(t, ok)

	assert.Equal(t, 3, metrics.NodeCount)
	assert.Equal(t, 1, metrics.CompletedNodes)
	assert.Equal(t, 1, metrics.FailedNodes)
	assert.Equal(t, 2, metrics.RetryCount)
	assert.Equal(t, 1500*time.Millisecond, metrics.Duration)
	assert.Equal(t, "boom", metrics.Error)
	assert.Equal(t, 0, m.Active())

	_, ok = m.CompleteExecution(t.Context(), "exec-1", models.ExecutionStatusFailed, nil)
	assert.False(t, ok)
}

func TestWorkflowAnalytics(t *testing.T) {
	m, clock := newMonitor(t, WithRules(nil))

	for i := range 5 {
		run(m, clock, fmt.Sprintf("fast-%d", i), "wf", 100*time.Millisecond, nil)
	}

	for i := range 5 {
		var err error
		if i < 3 {
			err = errors.New("timeout")
		} else if i == 3 {
			err = errors.New("bad gateway")
		}

		run(m, clock, fmt.Sprintf("slow-%d", i), "wf", 200*time.Millisecond, err)
	}

	analytics, ok := m.WorkflowAnalytics("wf")
	require.True(t, ok)

	assert.Equal(t, 10, analytics.TotalExecutions)
	assert.Equal(t, 6, analytics.SuccessfulExecutions)
	assert.Equal(t, 4, analytics.FailedExecutions)
	assert.InDelta(t, 0.6, analytics.SuccessRate, 1e-9)
	assert.Equal(t, 150*time.Millisecond, analytics.AverageDuration)
	assert.Equal(t, 150*time.Millisecond, analytics.MedianDuration)
	assert.Equal(t, 200*time.Millisecond, analytics.P95Duration)
	assert.Equal(t, models.TrendDegrading, analytics.Trend)
	assert.Equal(t, []models.ErrorCount{{Message: "timeout", Count: 3}, {Message: "bad gateway", Count: 1}}, analytics.TopErrors)

	_, ok = m.WorkflowAnalytics("nope")
	assert.False(t, ok)
}

func TestTrend(t *testing.T) {
	ms := func(vals ...int) []time.Duration {
		out := make([]time.Duration, 0, len(vals))
		for _, v := range vals {
			out = append(out, time.Duration(v)*time.Millisecond)
		}

		return out
	}

	tests := []struct {
		name      string
		durations []time.Duration
		want      models.Trend
	}{
		{"too few samples", ms(100, 900, 100), models.TrendStable},
		{"improving", ms(200, 200, 200, 200, 200, 100, 100, 100, 100, 100), models.TrendImproving},
		{"degrading", ms(100, 100, 100, 100, 100, 150, 150, 150, 150, 150), models.TrendDegrading},
		{"within ten percent", ms(100, 100, 100, 100, 100, 105, 105, 105, 105, 105), models.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trend(tt.durations))
		})
	}
}

func TestSummarizePercentiles(t *testing.T) {
	durations := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	avg, median, p95 := summarize(durations)

	assert.Equal(t, 50500*time.Microsecond, avg)
	assert.Equal(t, 50500*time.Microsecond, median)
	assert.Equal(t, 95*time.Millisecond, p95)
}

func TestSystemMetrics(t *testing.T) {
	m, clock := newMonitor(t, WithRules(nil))

	run(m, clock, "old", "wf", time.Second, nil)
	clock.Advance(2 * time.Minute)

	run(m, clock, "a", "wf", time.Second, nil)
	run(m, clock, "b", "wf", 3*time.Second, errors.New("x"))
	m.StartExecution("running", "wf", 1)
	m.RecordRateLimitRejection()

	sys := m.SystemMetrics()

	assert.Equal(t, 2, sys.ExecutionsPerMinute)
	assert.Equal(t, 2*time.Second, sys.AverageDuration)
	assert.InDelta(t, 0.5, sys.ErrorRate, 1e-9)
	assert.Equal(t, 1, sys.ActiveExecutions)
	assert.Equal(t, int64(1), sys.RateLimitRejections)
	assert.Equal(t, int64(3), sys.TotalExecutions)
	assert.Equal(t, uint64(64<<20), sys.HeapInUseBytes)
}

func TestAlertCooldownPerWorkflow(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []models.Alert
	)

	notifier := NotifierFunc(func(_ context.Context, alert models.Alert) error {
		mu.Lock()
		defer mu.Unlock()

		notified = append(notified, alert)

		return nil
	})

	rule := models.AlertRule{
		ID: "retries", Name: "Retries", Metric: MetricRetryCount, Operator: "gte", Threshold: 1,
		Severity: models.SeverityMedium, Cooldown: time.Minute, Enabled: true,
	}

	m, clock := newMonitor(t, WithRules([]models.AlertRule{rule}), WithNotifier(notifier))

	retrying := func(id, workflowID string) {
		m.StartExecution(id, workflowID, 1)
		m.RecordNode(id, "a", NodeRetried)
		m.CompleteExecution(t.Context(), id, models.ExecutionStatusCompleted, nil)
	}

	retrying("e1", "wf-1")
	retrying("e2", "wf-1")
	retrying("e3", "wf-2")

	assert.Len(t, notified, 2)
	assert.Len(t, m.Alerts(0), 2)
	assert.Equal(t, "e3", m.Alerts(1)[0].ExecutionID)

	clock.Advance(2 * time.Minute)
	retrying("e4", "wf-1")

	assert.Len(t, notified, 3)
	assert.Equal(t, float64(1), notified[0].Value)
}

func TestDefaultMemoryRule(t *testing.T) {
	m, clock := newMonitor(t, WithHeapReader(func() uint64 { return 600 << 20 }))

	run(m, clock, "e1", "wf", time.Millisecond, nil)

	alerts := m.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, "high_memory", alerts[0].RuleID)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
}

func TestMemoryMetrics(t *testing.T) {
	var heap uint64 = 600 << 20

	m, clock := newMonitor(t,
		WithHeapReader(func() uint64 { return heap }),
		WithRules([]models.AlertRule{
			{
				ID: "process_heap", Name: "Process heap", Metric: MetricMemoryMB, Operator: "gt", Threshold: 512,
				Severity: models.SeverityMedium, Enabled: true,
			},
			{
				ID: "execution_growth", Name: "Execution heap growth", Metric: MetricMemoryDeltaMB, Operator: "gt", Threshold: 50,
				Severity: models.SeverityHigh, Enabled: true,
			},
		}))

	run(m, clock, "steady", "wf-1", time.Millisecond, nil)

	alerts := m.Alerts(0)
	require.Len(t, alerts, 1, "a large but steady heap only trips the process-wide rule")
	assert.Equal(t, "process_heap", alerts[0].RuleID)

	m.StartExecution("growing", "wf-2", 1)
	heap += 100 << 20
	clock.Advance(time.Millisecond)

	metrics, ok := m.CompleteExecution(t.Context(), "growing", models.ExecutionStatusCompleted, nil)
	require.True(t, ok)
	assert.Equal(t, int64(100<<20), metrics.MemoryDelta)

	alerts = m.Alerts(0)
	require.Len(t, alerts, 3)
	assert.ElementsMatch(t, []string{"process_heap", "execution_growth"}, []string{alerts[0].RuleID, alerts[1].RuleID})
	assert.InDelta(t, 100, valueOf(alerts, "execution_growth"), 1e-9)
}

func valueOf(alerts []models.Alert, ruleID string) float64 {
	for _, alert := range alerts {
		if alert.RuleID == ruleID {
			return alert.Value
		}
	}

	return -1
}

func TestRules(t *testing.T) {
	for _, rule := range DefaultRules() {
		require.NoError(t, ValidateRule(rule), rule.ID)
	}

	m, _ := newMonitor(t)

	err := m.AddRule(models.AlertRule{ID: "bad", Name: "Bad", Metric: "cpu", Operator: "gt", Severity: models.SeverityLow})
	require.Error(t, err)

	require.NoError(t, m.AddRule(models.AlertRule{
		ID: "slow_execution", Name: "Slower", Metric: MetricDurationMs, Operator: "gt",
		Threshold: 60000, Severity: models.SeverityHigh, Enabled: true,
	}))
	assert.Len(t, m.Rules(), len(DefaultRules()))

	assert.True(t, m.RemoveRule("slow_execution"))
	assert.False(t, m.RemoveRule("slow_execution"))
	assert.Len(t, m.Rules(), len(DefaultRules())-1)
}

func TestPrometheusCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, clock := newMonitor(t, WithRegisterer(reg), WithRules([]models.AlertRule{{
		ID: "any_failure", Name: "Any failure", Metric: MetricFailedNodes, Operator: "gt", Threshold: 0,
		Severity: models.SeverityCritical, Enabled: true,
	}}))

	run(m, clock, "ok", "wf", time.Second, nil)

	m.StartExecution("bad", "wf", 1)
	m.RecordNode("bad", "a", NodeRetried)
	m.RecordNode("bad", "a", NodeFailed)
	m.CompleteExecution(t.Context(), "bad", models.ExecutionStatusFailed, errors.New("x"))
	m.RecordRateLimitRejection()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.executionsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.executionsTotal.WithLabelValues("FAILED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.nodeRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.alertsTotal.WithLabelValues("critical")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.rateLimitRejections))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.activeExecutions))

	_, err := New(slog.New(slog.DiscardHandler), WithRegisterer(reg))
	assert.Error(t, err, "collectors are registered once per registry")
}
