package models

import "time"

// RateLimitResult is the answer of a rate limiter check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// PerformanceMetrics describes a single execution.
type PerformanceMetrics struct {
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
	Duration       time.Duration   `json:"duration"`
	NodeCount      int             `json:"node_count"`
	CompletedNodes int             `json:"completed_nodes"`
	FailedNodes    int             `json:"failed_nodes"`
	RetryCount     int             `json:"retry_count"`
	MemoryDelta    int64           `json:"memory_delta"`
	Error          string          `json:"error,omitempty"`
}

// Trend summarises the direction of recent execution durations.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// ErrorCount is one entry of a top-errors list.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// WorkflowAnalytics is the rolled-up view of a workflow's executions.
type WorkflowAnalytics struct {
	WorkflowID           string        `json:"workflow_id"`
	TotalExecutions      int           `json:"total_executions"`
	SuccessfulExecutions int           `json:"successful_executions"`
	FailedExecutions     int           `json:"failed_executions"`
	SuccessRate          float64       `json:"success_rate"`
	AverageDuration      time.Duration `json:"average_duration"`
	MedianDuration       time.Duration `json:"median_duration"`
	P95Duration          time.Duration `json:"p95_duration"`
	TopErrors            []ErrorCount  `json:"top_errors"`
	Trend                Trend         `json:"trend"`
	LastExecutionAt      *time.Time    `json:"last_execution_at,omitempty"`
}

// SystemMetrics is a point-in-time snapshot across all workflows.
type SystemMetrics struct {
	ExecutionsPerMinute int           `json:"executions_per_minute"`
	AverageDuration     time.Duration `json:"average_duration"`
	ErrorRate           float64       `json:"error_rate"`
	ActiveExecutions    int           `json:"active_executions"`
	RateLimitRejections int64         `json:"rate_limit_rejections"`
	TotalExecutions     int64         `json:"total_executions"`
	HeapInUseBytes      uint64        `json:"heap_in_use_bytes"`
	CollectedAt         time.Time     `json:"collected_at"`
}

// AlertRule fires an alert when Metric compared with Threshold by Operator holds.
type AlertRule struct {
	ID        string        `json:"id"        validate:"required"`
	Name      string        `json:"name"      validate:"required"`
	Metric    string        `json:"metric"    validate:"required,oneof=duration_ms error_rate success_rate retry_count failed_nodes memory_mb memory_delta_mb executions_per_minute"`
	Operator  string        `json:"operator"  validate:"required,oneof=gt gte lt lte eq"`
	Threshold float64       `json:"threshold"`
	Severity  Severity      `json:"severity"  validate:"required,oneof=low medium high critical"`
	Cooldown  time.Duration `json:"cooldown"`
	Enabled   bool          `json:"enabled"`
}

// Alert is a fired alert rule.
type Alert struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}
