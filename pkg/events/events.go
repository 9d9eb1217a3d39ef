// Package events defines the ingress envelope and the lifecycle events
// published while workflows execute.
package events

import (
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	Topic        = "convoflow.events"  // lifecycle events
	IngressTopic = "convoflow.ingress" // conversation events waiting to be dispatched
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	EventReceivedEvent EventType = "event.received"

	ExecutionStartedEvent      EventType = "execution.started"
	ExecutionCompletedEvent    EventType = "execution.completed"
	ExecutionFailedEvent       EventType = "execution.failed"
	ExecutionDeadLetteredEvent EventType = "execution.dead_lettered"

	AlertTriggeredEvent EventType = "alert.triggered"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// EventReceived carries an ingress envelope across the bus.
type EventReceived struct {
	BaseEvent

	Envelope Envelope `json:"envelope"`
}

func (e EventReceived) GetType() EventType {
	return EventReceivedEvent
}

func NewEventReceived(envelope Envelope) EventReceived {
	return EventReceived{BaseEvent: NewBaseEvent(EventReceivedEvent, ""), Envelope: envelope}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	ChatbotID   string         `json:"chatbot_id,omitempty"`
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	RetryCount    int    `json:"retry_count"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error"`
	NodeID        string `json:"node_id,omitempty"`
	NodesExecuted int    `json:"nodes_executed"`
	RetryCount    int    `json:"retry_count"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionDeadLettered struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
}

func (e ExecutionDeadLettered) GetType() EventType {
	return ExecutionDeadLetteredEvent
}

type AlertTriggered struct {
	BaseEvent

	Alert models.Alert `json:"alert"`
}

func (e AlertTriggered) GetType() EventType {
	return AlertTriggeredEvent
}
