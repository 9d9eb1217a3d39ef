package models

import "time"

// DeadLetterRecord keeps everything needed to replay an execution that
// exhausted its retries.
type DeadLetterRecord struct {
	ExecutionID string       `json:"execution_id"`
	WorkflowID  string       `json:"workflow_id"`
	Event       TriggerEvent `json:"event"`
	Error       ErrorDetail  `json:"error"`
	RetryCount  int          `json:"retry_count"`
	AddedAt     time.Time    `json:"added_at"`
	LastRetryAt *time.Time   `json:"last_retry_at,omitempty"`
}

// NotificationKind classifies operator notifications.
type NotificationKind string

const (
	NotificationDeadLetter NotificationKind = "dead_letter"
	NotificationAlert      NotificationKind = "alert"
)

// Severity is shared by notifications, alert rules and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Notification is an insert-only operator notice.
type Notification struct {
	ID          string           `json:"id"`
	Kind        NotificationKind `json:"kind"`
	Severity    Severity         `json:"severity"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	WorkflowID  string           `json:"workflow_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
