package compiler

import "github.com/dukex/convoflow/pkg/models"

var sentimentScore = map[string]any{"type": "number", "minimum": -1, "maximum": 1}

var stringList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string", "minLength": 1},
}

var conditionList = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field":    map[string]any{"type": "string", "minLength": 1},
			"operator": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"field", "operator"},
	},
}

// triggerSchemas are keyed by canonical trigger sub-type.
var triggerSchemas = map[string]map[string]any{
	models.TriggerConversationStart: {
		"type": "object",
		"properties": map[string]any{
			"conditions":  conditionList,
			"require_all": map[string]any{"type": "boolean"},
		},
	},
	models.TriggerSentimentThreshold: {
		"type": "object",
		"properties": map[string]any{
			"threshold": sentimentScore,
			"direction": map[string]any{"type": "string", "enum": []string{"above", "below"}},
		},
		"required": []string{"threshold"},
	},
	models.TriggerImageUpload: {
		"type": "object",
		"properties": map[string]any{
			"file_types":        stringList,
			"max_size":          map[string]any{"type": "number", "minimum": 0},
			"min_size":          map[string]any{"type": "number", "minimum": 0},
			"file_name_pattern": map[string]any{"type": "string"},
			"require_all":       map[string]any{"type": "boolean"},
		},
	},
	models.TriggerIntentDetected: {
		"type": "object",
		"properties": map[string]any{
			"keywords":       map[string]any{"type": "array", "minItems": 1, "items": map[string]any{"type": "string", "minLength": 1}},
			"intent":         map[string]any{"type": "string"},
			"min_confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"keywords"},
	},
	models.TriggerEscalation: escalationSchema(false),
	models.TriggerTriage:     escalationSchema(true),
}

// sentimentFamilySchema applies to every sentiment sub-type except the threshold one.
var sentimentFamilySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"threshold": sentimentScore,
	},
}

func escalationSchema(triage bool) map[string]any {
	props := map[string]any{
		"keywords":            stringList,
		"sentiment_threshold": sentimentScore,
		"message_count":       map[string]any{"type": "integer", "minimum": 0},
		"wait_time":           map[string]any{"type": "number", "minimum": 0},
	}

	if triage {
		props["min_priority"] = map[string]any{"type": "string", "enum": []string{"low", "medium", "high", "critical"}}
	}

	return map[string]any{"type": "object", "properties": props}
}

// actionSchemas cover the action types every deployment understands, whether
// or not a handler is registered for them.
var actionSchemas = map[string]map[string]any{
	"send_message": {
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{"type": "string", "minLength": 1},
			"message":     map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"destination", "message"},
	},
	"send_email": {
		"type": "object",
		"properties": map[string]any{
			"to":      map[string]any{"type": "string", "minLength": 1},
			"subject": map[string]any{"type": "string", "minLength": 1},
			"body":    map[string]any{"type": "string"},
		},
		"required": []string{"to", "subject", "body"},
	},
	"webhook": {
		"type": "object",
		"properties": map[string]any{
			"url":    map[string]any{"type": "string", "pattern": "^https?://"},
			"method": map[string]any{"type": "string", "enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
		},
		"required": []string{"url"},
	},
	"log": {
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1},
			"level":   map[string]any{"type": "string", "enum": []string{"debug", "info", "warn", "error"}},
		},
		"required": []string{"message"},
	},
	"update_crm": {
		"type": "object",
		"properties": map[string]any{
			"record_type": map[string]any{"type": "string", "minLength": 1},
			"fields":      map[string]any{"type": "object"},
		},
		"required": []string{"record_type"},
	},
	"append_sheet": {
		"type": "object",
		"properties": map[string]any{
			"spreadsheet_id": map[string]any{"type": "string", "minLength": 1},
			"values":         map[string]any{"type": "array"},
		},
		"required": []string{"spreadsheet_id"},
	},
}
