package models

import "time"

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ErrorDetail is the serialisable form of an error attached to a log entry
// or a dead-letter record.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogEntry is one append-only line of an execution's log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
}

// ExecutionRecord is the persisted outcome of one workflow run. Once Status is
// terminal the record is immutable.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	ChatbotID   string          `json:"chatbot_id,omitempty"`
	TriggerID   string          `json:"trigger_id,omitempty"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Logs        []LogEntry      `json:"logs"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// Clone returns a deep-enough copy for handing out snapshots.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}

	cp := *r
	cp.Logs = append([]LogEntry(nil), r.Logs...)

	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}

	return &cp
}

// ActionContext is what an action handler sees while running.
type ActionContext struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeID      string         `json:"node_id"`
	Event       TriggerEvent   `json:"event"`
	Trigger     map[string]any `json:"trigger,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
}

// ActionResult is returned by an action handler.
type ActionResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}
