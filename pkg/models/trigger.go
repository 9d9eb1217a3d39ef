package models

import (
	"strings"
	"time"
)

// Canonical trigger sub-types understood by the matchers.
const (
	TriggerConversationStart     = "conversation_start"
	TriggerSentimentNegative     = "sentiment_negative"
	TriggerSentimentVeryNegative = "sentiment_very_negative"
	TriggerSentimentPositive     = "sentiment_positive"
	TriggerSentimentHighEmotion  = "sentiment_high_emotion"
	TriggerSentimentThreshold    = "sentiment_threshold"
	TriggerImageUpload           = "image_upload"
	TriggerIntentDetected        = "intent_detected"
	TriggerEscalation            = "escalation"
	TriggerTriage                = "triage"
	TriggerMessageReceived       = "message_received"
)

// TriggerEvent is a runtime occurrence offered to the matchers. It is
// transient and never persisted on its own.
type TriggerEvent struct {
	Type           string         `json:"type"                      validate:"required"`
	Data           map[string]any `json:"data"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ChatbotID      string         `json:"chatbot_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Value returns a top-level data value.
func (e TriggerEvent) Value(key string) (any, bool) {
	if e.Data == nil {
		return nil, false
	}

	v, ok := e.Data[key]

	return v, ok
}

// TriggerMatchResult is produced fresh for each (workflow, event) pair.
type TriggerMatchResult struct {
	Matched           bool           `json:"matched"`
	Confidence        float64        `json:"confidence"`
	MatchedConditions []string       `json:"matched_conditions,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

// NoMatch is the zero-confidence result.
func NoMatch() TriggerMatchResult {
	return TriggerMatchResult{Context: map[string]any{}}
}

// WorkflowMatch pairs a workflow with the result of matching it against an event.
type WorkflowMatch struct {
	Workflow *Workflow          `json:"workflow"`
	Result   TriggerMatchResult `json:"result"`
}

var triggerAliases = map[string]string{
	TriggerConversationStart:     TriggerConversationStart,
	"conversation_started":       TriggerConversationStart,
	"new_conversation":           TriggerConversationStart,
	"first_message":              TriggerConversationStart,
	"welcome":                    TriggerConversationStart,
	TriggerSentimentNegative:     TriggerSentimentNegative,
	"negative_sentiment":         TriggerSentimentNegative,
	TriggerSentimentVeryNegative: TriggerSentimentVeryNegative,
	"very_negative_sentiment":    TriggerSentimentVeryNegative,
	TriggerSentimentPositive:     TriggerSentimentPositive,
	"positive_sentiment":         TriggerSentimentPositive,
	TriggerSentimentHighEmotion:  TriggerSentimentHighEmotion,
	"high_emotion":               TriggerSentimentHighEmotion,
	TriggerSentimentThreshold:    TriggerSentimentThreshold,
	"sentiment":                  TriggerSentimentThreshold,
	"sentiment_change":           TriggerSentimentThreshold,
	TriggerImageUpload:           TriggerImageUpload,
	"image_uploaded":             TriggerImageUpload,
	"image_received":             TriggerImageUpload,
	"image":                      TriggerImageUpload,
	TriggerIntentDetected:        TriggerIntentDetected,
	"intent":                     TriggerIntentDetected,
	"intent_match":               TriggerIntentDetected,
	"keyword_match":              TriggerIntentDetected,
	TriggerEscalation:            TriggerEscalation,
	"human_handoff":              TriggerEscalation,
	"handoff":                    TriggerEscalation,
	"escalation_request":         TriggerEscalation,
	TriggerTriage:                TriggerTriage,
	"auto_triage":                TriggerTriage,
	"priority_triage":            TriggerTriage,
	TriggerMessageReceived:       TriggerMessageReceived,
	"new_message":                TriggerMessageReceived,
	"any_message":                TriggerMessageReceived,
}

// ResolveTriggerType maps a trigger sub-type or one of its historical aliases
// to the canonical sub-type. Unlisted "sentiment_" sub-types resolve to
// themselves and are handled by the sentiment family.
func ResolveTriggerType(subType string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(subType))

	if canonical, ok := triggerAliases[key]; ok {
		return canonical, true
	}

	if strings.HasPrefix(key, "sentiment_") && len(key) > len("sentiment_") {
		return key, true
	}

	return key, false
}

// IsSentimentType reports whether a canonical sub-type belongs to the sentiment family.
func IsSentimentType(subType string) bool {
	return strings.HasPrefix(subType, "sentiment_")
}
