package matcher

import (
	"fmt"
	"math"
	"strings"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// Escalation and triage defaults.
const (
	DefaultEscalationSentiment    = -0.5
	DefaultEscalationMessageCount = 10
	DefaultEscalationWaitSeconds  = 300
	CriticalSentiment             = -0.8
)

const (
	keywordConfidence      = 0.9
	messageCountConfidence = 0.7
	waitTimeConfidence     = 0.6
)

// CriticalKeywords always count towards triage.
var CriticalKeywords = []string{
	"urgent",
	"emergency",
	"lawsuit",
	"legal action",
	"fraud",
	"security breach",
	"data leak",
	"chargeback",
	"cancel my account",
}

// Priority is the triage level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{PriorityLow: 0, PriorityMedium: 1, PriorityHigh: 2, PriorityCritical: 3}

type escalationSignals struct {
	confidence      float64
	conditions      []string
	sentiment       float64
	hasSentiment    bool
	sentimentLow    bool
	keywordHits     []string
	criticalHit     bool
	longThread      bool
	longWait        bool
	explicitRequest bool
}

func (s *escalationSignals) any() bool {
	return s.sentimentLow || len(s.keywordHits) > 0 || s.longThread || s.longWait || s.explicitRequest
}

func (s *escalationSignals) hit(confidence float64, condition string) {
	s.confidence = math.Max(s.confidence, confidence)
	s.conditions = append(s.conditions, condition)
}

func collectSignals(event models.TriggerEvent, config map[string]any, extraKeywords []string) *escalationSignals {
	s := &escalationSignals{}

	if v, ok := event.Data["escalation_requested"].(bool); ok && v {
		s.explicitRequest = true
		s.hit(1.0, "escalation_requested")
	}

	threshold := configFloat(config, "sentiment_threshold", DefaultEscalationSentiment)
	if score, _, ok := payload.Sentiment(event.Data); ok {
		s.sentiment, s.hasSentiment = score, true

		if score < threshold {
			s.sentimentLow = true
			s.hit(sentimentConfidence(score), fmt.Sprintf("sentiment < %g", threshold))
		}
	}

	text := strings.ToLower(payload.Text(event.Data))
	if text != "" {
		critical := make(map[string]bool, len(extraKeywords))
		for _, kw := range extraKeywords {
			critical[strings.ToLower(kw)] = true
		}

		seen := make(map[string]bool)

		for _, kw := range append(configStrings(config, "keywords"), extraKeywords...) {
			kw = strings.ToLower(kw)
			if seen[kw] || !strings.Contains(text, kw) {
				continue
			}

			seen[kw] = true
			s.keywordHits = append(s.keywordHits, kw)

			if critical[kw] {
				s.criticalHit = true
			}
		}

		if len(s.keywordHits) > 0 {
			s.hit(keywordConfidence, "keywords: "+strings.Join(s.keywordHits, ","))
		}
	}

	maxMessages := configFloat(config, "message_count", DefaultEscalationMessageCount)
	if n, ok := condition.ToFloat(event.Data["message_count"]); ok && event.Data["message_count"] != nil && n > maxMessages {
		s.longThread = true
		s.hit(messageCountConfidence, fmt.Sprintf("message_count > %g", maxMessages))
	}

	maxWait := configFloat(config, "wait_time", DefaultEscalationWaitSeconds)
	if n, ok := condition.ToFloat(event.Data["wait_time"]); ok && event.Data["wait_time"] != nil && n > maxWait {
		s.longWait = true
		s.hit(waitTimeConfidence, fmt.Sprintf("wait_time > %g", maxWait))
	}

	return s
}

// Escalation matches conversations that should be handed to a human.
type Escalation struct{}

func (Escalation) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	s := collectSignals(event, config, nil)
	if !s.any() {
		return models.NoMatch()
	}

	return matched(s.confidence, s.conditions, map[string]any{
		"reason":          s.conditions[0],
		"keywords":        s.keywordHits,
		"conversation_id": event.ConversationID,
	})
}

// Triage matches like Escalation, adds the critical keyword list and
// assigns a priority.
type Triage struct{}

func (Triage) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	s := collectSignals(event, config, CriticalKeywords)
	if !s.any() {
		return models.NoMatch()
	}

	priority := prioritize(s)

	if minPriority := Priority(configString(config, "min_priority")); minPriority != "" {
		if rank, ok := priorityRank[minPriority]; ok && priorityRank[priority] < rank {
			return models.NoMatch()
		}
	}

	return matched(s.confidence, s.conditions, map[string]any{
		"priority":        string(priority),
		"keywords":        s.keywordHits,
		"conversation_id": event.ConversationID,
	})
}

func prioritize(s *escalationSignals) Priority {
	switch {
	case s.criticalHit || (s.hasSentiment && s.sentiment < CriticalSentiment) || s.explicitRequest:
		return PriorityCritical
	case s.sentimentLow || len(s.keywordHits) > 0:
		return PriorityHigh
	case s.longThread || s.longWait:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
