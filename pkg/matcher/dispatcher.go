// Package matcher decides whether a conversation event satisfies the
// trigger nodes of a workflow.
package matcher

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// Matcher evaluates one trigger sub-type family against an event.
type Matcher interface {
	Evaluate(event models.TriggerEvent, subType string, config map[string]any) models.TriggerMatchResult
}

// MessageReceived matches any event carrying message text, optionally
// filtered by field conditions.
type MessageReceived struct{}

func (MessageReceived) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	text := payload.Text(event.Data)
	if text == "" && event.Type != models.TriggerMessageReceived && event.Type != "message.received" {
		return models.NoMatch()
	}

	conds := condition.ParseConditions(config["conditions"])
	for _, cond := range conds {
		ok, err := condition.Evaluate(cond, event.Data)
		if err != nil || !ok {
			return models.NoMatch()
		}
	}

	return matched(1.0, []string{"message_received"}, map[string]any{"message": text})
}

// Dispatcher routes trigger nodes to the matcher of their sub-type.
type Dispatcher struct {
	logger   *slog.Logger
	matchers map[string]Matcher

	// MinConfidence drops workflow matches below it.
	MinConfidence float64
}

// NewDispatcher returns a dispatcher with every built-in matcher registered.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	sentiment := Sentiment{}

	return &Dispatcher{
		logger: log.With("module", "trigger_matcher"),
		matchers: map[string]Matcher{
			models.TriggerConversationStart:     ConversationStart{},
			models.TriggerSentimentNegative:     sentiment,
			models.TriggerSentimentVeryNegative: sentiment,
			models.TriggerSentimentPositive:     sentiment,
			models.TriggerSentimentHighEmotion:  sentiment,
			models.TriggerSentimentThreshold:    sentiment,
			models.TriggerImageUpload:           ImageUpload{},
			models.TriggerIntentDetected:        Intent{},
			models.TriggerEscalation:            Escalation{},
			models.TriggerTriage:                Triage{},
			models.TriggerMessageReceived:       MessageReceived{},
		},
	}
}

// Register installs or replaces the matcher for a canonical sub-type.
func (d *Dispatcher) Register(subType string, m Matcher) {
	d.matchers[strings.ToLower(subType)] = m
}

func (d *Dispatcher) matcherFor(subType string) (Matcher, string) {
	canonical, known := models.ResolveTriggerType(subType)
	if !known {
		d.logger.Warn("unknown trigger type, falling back to conversation start", "trigger_type", subType)

		return ConversationStart{}, models.TriggerConversationStart
	}

	if m, ok := d.matchers[canonical]; ok {
		return m, canonical
	}

	if models.IsSentimentType(canonical) {
		return Sentiment{}, canonical
	}

	d.logger.Warn("no matcher registered, falling back to conversation start", "trigger_type", canonical)

	return ConversationStart{}, models.TriggerConversationStart
}

// EvaluateNode runs the matcher for a single trigger node.
func (d *Dispatcher) EvaluateNode(event models.TriggerEvent, node *models.Node) models.TriggerMatchResult {
	if node == nil || node.Kind != models.NodeKindTrigger {
		return models.NoMatch()
	}

	m, canonical := d.matcherFor(node.Type)

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	result := m.Evaluate(event, canonical, config)
	if result.Context == nil {
		result.Context = map[string]any{}
	}

	return result
}

// EvaluateWorkflow ORs every trigger node of the workflow. The highest
// confidence wins and the matched conditions and context of all matching
// triggers are merged.
func (d *Dispatcher) EvaluateWorkflow(event models.TriggerEvent, workflow *models.Workflow) models.TriggerMatchResult {
	if workflow == nil || workflow.Graph == nil {
		return models.NoMatch()
	}

	out := models.NoMatch()

	for _, node := range workflow.TriggerNodes() {
		result := d.EvaluateNode(event, node)
		if !result.Matched {
			continue
		}

		out.MatchedConditions = append(out.MatchedConditions, result.MatchedConditions...)

		for k, v := range result.Context {
			if _, exists := out.Context[k]; !exists {
				out.Context[k] = v
			}
		}

		if !out.Matched || result.Confidence > out.Confidence {
			out.Confidence = result.Confidence
			out.Context["trigger_node_id"] = node.ID
			out.Context["trigger_type"] = node.Type
		}

		out.Matched = true
	}

	return out
}

// MatchWorkflows returns every active workflow the event satisfies,
// ordered by confidence, then number of matched conditions, then
// workflow id.
func (d *Dispatcher) MatchWorkflows(event models.TriggerEvent, workflows []*models.Workflow) []models.WorkflowMatch {
	var matches []models.WorkflowMatch

	for _, wf := range workflows {
		if wf == nil || !wf.IsActive {
			continue
		}

		if wf.ChatbotID != "" && event.ChatbotID != "" && wf.ChatbotID != event.ChatbotID {
			continue
		}

		result := d.EvaluateWorkflow(event, wf)
		if !result.Matched || result.Confidence < d.MinConfidence {
			continue
		}

		matches = append(matches, models.WorkflowMatch{Workflow: wf, Result: result})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]

		if a.Result.Confidence != b.Result.Confidence {
			return a.Result.Confidence > b.Result.Confidence
		}

		if len(a.Result.MatchedConditions) != len(b.Result.MatchedConditions) {
			return len(a.Result.MatchedConditions) > len(b.Result.MatchedConditions)
		}

		return a.Workflow.ID < b.Workflow.ID
	})

	d.logger.Debug("matched workflows", "event_type", event.Type, "candidates", len(workflows), "matches", len(matches))

	return matches
}

// Describe renders a match for log lines.
func Describe(m models.WorkflowMatch) string {
	return fmt.Sprintf("%s (%.2f: %s)", m.Workflow.ID, m.Result.Confidence, strings.Join(m.Result.MatchedConditions, "; "))
}
