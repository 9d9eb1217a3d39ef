package events

import (
	"maps"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// Envelope is a raw upstream event before classification.
type Envelope struct {
	Name      string         `json:"name"      validate:"required"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Correlation identifiers lifted from the payload.
type Correlation struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ChatbotID      string `json:"chatbot_id,omitempty"`
}

// Occurrence is the closed set of things an envelope can mean. Only the
// variants declared in this package implement it.
type Occurrence interface {
	TriggerType() string
	Correlation() Correlation
	occurrence()
}

type ConversationStarted struct {
	Ids Correlation
}

type MessageReceived struct {
	Ids  Correlation
	Text string
}

type SentimentDetected struct {
	Ids   Correlation
	Score float64
	Label string
}

type IntentDetected struct {
	Ids        Correlation
	Intent     string
	Confidence float64
}

type ImageUploaded struct {
	Ids      Correlation
	ImageURL string
}

type EscalationRequested struct {
	Ids    Correlation
	Reason string
}

// Trigger event types stamped on classified envelopes.
const (
	TypeSentimentDetected = "sentiment_detected"
)

func (ConversationStarted) TriggerType() string { return models.TriggerConversationStart }
func (MessageReceived) TriggerType() string     { return models.TriggerMessageReceived }
func (SentimentDetected) TriggerType() string   { return TypeSentimentDetected }
func (IntentDetected) TriggerType() string      { return models.TriggerIntentDetected }
func (ImageUploaded) TriggerType() string       { return models.TriggerImageUpload }
func (EscalationRequested) TriggerType() string { return models.TriggerEscalation }

func (o ConversationStarted) Correlation() Correlation { return o.Ids }
func (o MessageReceived) Correlation() Correlation     { return o.Ids }
func (o SentimentDetected) Correlation() Correlation   { return o.Ids }
func (o IntentDetected) Correlation() Correlation      { return o.Ids }
func (o ImageUploaded) Correlation() Correlation       { return o.Ids }
func (o EscalationRequested) Correlation() Correlation { return o.Ids }

func (ConversationStarted) occurrence() {}
func (MessageReceived) occurrence()     {}
func (SentimentDetected) occurrence()   {}
func (IntentDetected) occurrence()      {}
func (ImageUploaded) occurrence()       {}
func (EscalationRequested) occurrence() {}

type kind int

const (
	kindUnknown kind = iota
	kindConversationStarted
	kindMessageReceived
	kindSentiment
	kindIntent
	kindImage
	kindEscalation
)

// eventNames are normalized with dots as separators.
var eventNames = map[string]kind{
	"conversation.started": kindConversationStarted,
	"conversation.start":   kindConversationStarted,
	"conversation.created": kindConversationStarted,
	"chat.started":         kindConversationStarted,
	"message.received":     kindMessageReceived,
	"message.created":      kindMessageReceived,
	"message":              kindMessageReceived,
	"new.message":          kindMessageReceived,
	"sentiment.analyzed":   kindSentiment,
	"sentiment.detected":   kindSentiment,
	"sentiment.changed":    kindSentiment,
	"intent.detected":      kindIntent,
	"intent.classified":    kindIntent,
	"image.uploaded":       kindImage,
	"image.received":       kindImage,
	"attachment.uploaded":  kindImage,
	"escalation.requested": kindEscalation,
	"handoff.requested":    kindEscalation,
	"human.requested":      kindEscalation,
}

func normalizeName(name string) string {
	r := strings.NewReplacer("_", ".", "-", ".", ":", ".")

	return r.Replace(strings.ToLower(strings.TrimSpace(name)))
}

// Classify turns an envelope into exactly one occurrence. A recognised
// event name wins; otherwise the payload shape decides, checking image,
// first message, intent, sentiment and the escalation flag in that order
// and defaulting to a plain message.
func Classify(envelope Envelope) Occurrence {
	data := envelope.Payload
	if data == nil {
		data = map[string]any{}
	}

	k := eventNames[normalizeName(envelope.Name)]
	if k == kindUnknown {
		k = sniff(data)
	}

	ids := correlationOf(data)

	switch k {
	case kindConversationStarted:
		return ConversationStarted{Ids: ids}
	case kindSentiment:
		score, label, _ := payload.Sentiment(data)

		return SentimentDetected{Ids: ids, Score: score, Label: label}
	case kindIntent:
		name, confidence, _ := payload.Intent(data)

		return IntentDetected{Ids: ids, Intent: name, Confidence: confidence}
	case kindImage:
		return ImageUploaded{Ids: ids, ImageURL: payload.ImageURL(data)}
	case kindEscalation:
		reason, _ := data["reason"].(string)

		return EscalationRequested{Ids: ids, Reason: reason}
	default:
		return MessageReceived{Ids: ids, Text: payload.Text(data)}
	}
}

func sniff(data map[string]any) kind {
	switch {
	case payload.ImageURL(data) != "":
		return kindImage
	case payload.IsFirstMessage(data):
		return kindConversationStarted
	case hasValue(data, "intent"):
		return kindIntent
	case hasValue(data, "sentiment") || hasValue(data, "sentiment_score") || hasValue(data, "sentiment_label"):
		return kindSentiment
	case flag(data, "escalation_requested") || flag(data, "requested_human"):
		return kindEscalation
	default:
		return kindMessageReceived
	}
}

// ToTriggerEvent normalizes an envelope for the matchers.
func ToTriggerEvent(envelope Envelope) models.TriggerEvent {
	occurrence := Classify(envelope)

	data := make(map[string]any, len(envelope.Payload)+2)
	maps.Copy(data, envelope.Payload)

	switch o := occurrence.(type) {
	case ConversationStarted:
		if _, ok := data["is_first_message"]; !ok {
			data["is_first_message"] = true
		}
	case EscalationRequested:
		if _, ok := data["escalation_requested"]; !ok {
			data["escalation_requested"] = true
		}
	case ImageUploaded:
		if _, ok := data["image_url"]; !ok && o.ImageURL != "" {
			data["image_url"] = o.ImageURL
		}
	case MessageReceived, SentimentDetected, IntentDetected:
	}

	data["event_name"] = envelope.Name

	timestamp := envelope.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	ids := occurrence.Correlation()

	return models.TriggerEvent{
		Type:           occurrence.TriggerType(),
		Data:           data,
		ConversationID: ids.ConversationID,
		MessageID:      ids.MessageID,
		UserID:         ids.UserID,
		ChatbotID:      ids.ChatbotID,
		Timestamp:      timestamp,
	}
}

func correlationOf(data map[string]any) Correlation {
	return Correlation{
		ConversationID: firstString(data, "conversation_id", "conversationId"),
		MessageID:      firstString(data, "message_id", "messageId"),
		UserID:         firstString(data, "user_id", "userId"),
		ChatbotID:      firstString(data, "chatbot_id", "chatbotId"),
	}
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}

	return ""
}

func hasValue(data map[string]any, key string) bool {
	v, ok := data[key]
	if !ok || v == nil {
		return false
	}

	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}

	return true
}

func flag(data map[string]any, key string) bool {
	v, ok := data[key].(bool)

	return ok && v
}
