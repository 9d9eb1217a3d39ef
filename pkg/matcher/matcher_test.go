package matcher

import (
	"log/slog"
	"testing"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(eventType string, data map[string]any) models.TriggerEvent {
	return models.TriggerEvent{Type: eventType, Data: data, ConversationID: "conv-1", UserID: "user-1"}
}

func workflow(id string, triggers ...*models.Node) *models.Workflow {
	nodes := append([]*models.Node{}, triggers...)
	nodes = append(nodes, &models.Node{ID: "act", Kind: models.NodeKindAction, Type: "log"})

	edges := make([]*models.Edge, 0, len(triggers))
	for _, t := range triggers {
		edges = append(edges, &models.Edge{ID: t.ID + "-act", Source: t.ID, Target: "act"})
	}

	return &models.Workflow{ID: id, Name: id, IsActive: true, Graph: &models.Graph{Nodes: nodes, Edges: edges}}
}

func trigger(id, subType string, config map[string]any) *models.Node {
	return &models.Node{ID: id, Kind: models.NodeKindTrigger, Type: subType, Config: config}
}

func TestSentiment(t *testing.T) {
	tests := []struct {
		name       string
		subType    string
		data       map[string]any
		config     map[string]any
		matched    bool
		confidence float64
	}{
		{"strong negative", models.TriggerSentimentNegative, map[string]any{"sentiment": -0.9}, nil, true, 1},
		{"mild positive is not negative", models.TriggerSentimentNegative, map[string]any{"sentiment": 0.1}, nil, false, 0},
		{"score object", models.TriggerSentimentVeryNegative, map[string]any{"sentiment": map[string]any{"score": -0.7, "label": "negative"}}, nil, true, 1},
		{"label only", models.TriggerSentimentNegative, map[string]any{"sentiment_label": "negative"}, nil, true, 0.75},
		{"positive", models.TriggerSentimentPositive, map[string]any{"sentiment_score": 0.5}, nil, true, 0.75},
		{"high emotion both ways", models.TriggerSentimentHighEmotion, map[string]any{"sentiment": -0.8}, nil, true, 1},
		{"configured threshold", models.TriggerSentimentNegative, map[string]any{"sentiment": -0.3}, map[string]any{"threshold": -0.5}, false, 0},
		{"threshold above", models.TriggerSentimentThreshold, map[string]any{"sentiment": 0.4}, map[string]any{"threshold": 0.3, "direction": "above"}, true, 0.6},
		{"no sentiment", models.TriggerSentimentNegative, map[string]any{"message": "hi"}, nil, false, 0},
		{"unknown sub-type exact match", "sentiment_sarcasm", map[string]any{"trigger_type": "sentiment_sarcasm"}, nil, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			if config == nil {
				config = map[string]any{}
			}

			result := Sentiment{}.Evaluate(event("message.received", tt.data), tt.subType, config)

			assert.Equal(t, tt.matched, result.Matched)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)
		})
	}
}

func TestConversationStart(t *testing.T) {
	t.Run("first message records the marker", func(t *testing.T) {
		result := ConversationStart{}.Evaluate(event("message.received", map[string]any{"message_count": 1}), "", map[string]any{})

		require.True(t, result.Matched)
		assert.Equal(t, 1.0, result.Confidence)
		assert.Equal(t, []string{ConversationStartMarker}, result.MatchedConditions)
	})

	t.Run("later message does not match", func(t *testing.T) {
		result := ConversationStart{}.Evaluate(event("message.received", map[string]any{"message_count": 3}), "", map[string]any{})

		assert.False(t, result.Matched)
	})

	conditions := []any{
		map[string]any{"field": "channel", "operator": "exact", "value": "web"},
		map[string]any{"field": "lang", "operator": "exact", "value": "en"},
	}
	data := map[string]any{"is_first_message": true, "channel": "web", "lang": "fr"}

	t.Run("require all", func(t *testing.T) {
		result := ConversationStart{}.Evaluate(event("message.received", data), "", map[string]any{"conditions": conditions})

		assert.False(t, result.Matched)
	})

	t.Run("any condition", func(t *testing.T) {
		result := ConversationStart{}.Evaluate(event("message.received", data),
			"", map[string]any{"conditions": conditions, "require_all": false})

		require.True(t, result.Matched)
		assert.InDelta(t, 0.5, result.Confidence, 1e-9)
		assert.Contains(t, result.MatchedConditions, ConversationStartMarker)
	})
}

func TestImageUpload(t *testing.T) {
	attachment := map[string]any{
		"attachments": []any{
			map[string]any{"url": "https://cdn.test/receipt.png", "size": 200, "name": "receipt.png"},
			map[string]any{"url": "https://cdn.test/notes.txt"},
		},
	}

	tests := []struct {
		name       string
		data       map[string]any
		config     map[string]any
		matched    bool
		confidence float64
	}{
		{"no image", map[string]any{"message": "hello"}, map[string]any{}, false, 0},
		{"plain image url", map[string]any{"image_url": "https://cdn.test/a.jpg"}, map[string]any{}, true, 1},
		{"non-image file url", map[string]any{"file_url": "https://cdn.test/a.pdf"}, map[string]any{}, false, 0},
		{"file type filter", attachment, map[string]any{"file_types": []any{"png"}}, true, 1},
		{"too large", attachment, map[string]any{"max_size": 100}, false, 0},
		{"partial with any", attachment, map[string]any{"max_size": 100, "file_name_pattern": "^receipt", "require_all": false}, true, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ImageUpload{}.Evaluate(event("message.received", tt.data), models.TriggerImageUpload, tt.config)

			assert.Equal(t, tt.matched, result.Matched)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)
		})
	}
}

func TestIntent(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		config     map[string]any
		matched    bool
		confidence float64
	}{
		{
			"intent with half the keywords",
			map[string]any{"intent": map[string]any{"name": "refund", "confidence": 0.6}, "message": "I want a refund"},
			map[string]any{"intent": "refund", "keywords": []any{"refund", "money"}},
			true, 0.75,
		},
		{
			"other intent",
			map[string]any{"intent": "greeting"},
			map[string]any{"intent": "refund"},
			false, 0,
		},
		{
			"below min confidence",
			map[string]any{"intent": "refund", "intent_confidence": 0.3},
			map[string]any{"intent": "refund"},
			false, 0,
		},
		{
			"keywords without intent payload",
			map[string]any{"message": "I want a refund"},
			map[string]any{"keywords": []any{"refund"}},
			false, 0,
		},
		{
			"any intent with keyword",
			map[string]any{"intent": "billing", "message": "what is the price?"},
			map[string]any{"keywords": []any{"price"}},
			true, 1,
		},
		{
			"keywords missing from text",
			map[string]any{"intent": "refund", "message": "hello"},
			map[string]any{"keywords": []any{"price"}},
			false, 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Intent{}.Evaluate(event("message.received", tt.data), models.TriggerIntentDetected, tt.config)

			assert.Equal(t, tt.matched, result.Matched)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)
		})
	}
}

func TestEscalation(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		config     map[string]any
		matched    bool
		confidence float64
	}{
		{"calm conversation", map[string]any{"message": "thanks", "sentiment": 0.4}, map[string]any{}, false, 0},
		{"keyword", map[string]any{"message": "This is unacceptable"}, map[string]any{"keywords": []any{"unacceptable"}}, true, 0.9},
		{"long wait", map[string]any{"wait_time": 400}, map[string]any{}, true, 0.6},
		{"max of signals", map[string]any{"wait_time": 400, "message_count": 20}, map[string]any{}, true, 0.7},
		{"explicit request", map[string]any{"escalation_requested": true}, map[string]any{}, true, 1},
		{"critical words ignored", map[string]any{"message": "this is fraud"}, map[string]any{}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Escalation{}.Evaluate(event("message.received", tt.data), models.TriggerEscalation, tt.config)

			assert.Equal(t, tt.matched, result.Matched)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)
		})
	}
}

func TestTriage(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]any
		config   map[string]any
		matched  bool
		priority string
	}{
		{"critical keyword", map[string]any{"message": "This is FRAUD"}, map[string]any{}, true, "critical"},
		{"very negative", map[string]any{"sentiment": -0.9}, map[string]any{}, true, "critical"},
		{"negative", map[string]any{"sentiment": -0.6}, map[string]any{}, true, "high"},
		{"long thread", map[string]any{"message_count": 12}, map[string]any{}, true, "medium"},
		{"below min priority", map[string]any{"message_count": 12}, map[string]any{"min_priority": "high"}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Triage{}.Evaluate(event("message.received", tt.data), models.TriggerTriage, tt.config)

			require.Equal(t, tt.matched, result.Matched)

			if tt.matched {
				assert.Equal(t, tt.priority, result.Context["priority"])
			}
		})
	}
}

func TestDispatcherAliasesAndFallback(t *testing.T) {
	d := NewDispatcher(slog.New(slog.DiscardHandler))

	negative := d.EvaluateNode(event("message.received", map[string]any{"sentiment": -0.9}),
		trigger("t1", "negative_sentiment", nil))
	assert.True(t, negative.Matched)

	unknown := d.EvaluateNode(event("message.received", map[string]any{"message_count": 1}),
		trigger("t1", "carrier_pigeon", nil))
	assert.True(t, unknown.Matched)
	assert.Equal(t, []string{ConversationStartMarker}, unknown.MatchedConditions)

	notTrigger := d.EvaluateNode(event("message.received", map[string]any{"message_count": 1}),
		&models.Node{ID: "a", Kind: models.NodeKindAction, Type: "log"})
	assert.False(t, notTrigger.Matched)
}

func TestEvaluateWorkflowTakesBestTrigger(t *testing.T) {
	d := NewDispatcher(slog.New(slog.DiscardHandler))

	wf := workflow("wf",
		trigger("positive", models.TriggerSentimentPositive, nil),
		trigger("start", models.TriggerConversationStart, nil),
	)

	result := d.EvaluateWorkflow(event("message.received", map[string]any{"sentiment": 0.5, "message_count": 1}), wf)

	require.True(t, result.Matched)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "start", result.Context["trigger_node_id"])
	assert.Len(t, result.MatchedConditions, 2)
}

func TestMatchWorkflowsOrdering(t *testing.T) {
	d := NewDispatcher(slog.New(slog.DiscardHandler))

	inactive := workflow("wf-inactive", trigger("t", models.TriggerConversationStart, nil))
	inactive.IsActive = false

	otherBot := workflow("wf-other-bot", trigger("t", models.TriggerConversationStart, nil))
	otherBot.ChatbotID = "bot-2"

	workflows := []*models.Workflow{
		workflow("wf-positive", trigger("t", models.TriggerSentimentPositive, nil)),
		workflow("wf-c", trigger("t", models.TriggerConversationStart, nil)),
		inactive,
		workflow("wf-a", trigger("t", models.TriggerConversationStart, nil)),
		otherBot,
		workflow("wf-none", trigger("t", models.TriggerImageUpload, nil)),
	}

	ev := event("message.received", map[string]any{"sentiment": 0.5, "message_count": 1})
	ev.ChatbotID = "bot-1"

	matches := d.MatchWorkflows(ev, workflows)

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Workflow.ID)
	}

	assert.Equal(t, []string{"wf-a", "wf-c", "wf-positive"}, ids)

	d.MinConfidence = 0.9
	assert.Len(t, d.MatchWorkflows(ev, workflows), 2)
}
