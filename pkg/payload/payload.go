// Package payload reads the conversational signals carried in event data:
// message text, first-message markers, sentiment, intent and images.
// Ingress classification and the trigger matchers both read events through it.
package payload

import (
	"path"
	"strings"

	"github.com/dukex/convoflow/pkg/condition"
)

// Text returns the user's message from the usual payload fields.
func Text(data map[string]any) string {
	for _, key := range []string{"message", "text", "content", "message.text", "message.content"} {
		if v, ok := condition.Lookup(data, key); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}

	return ""
}

func number(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}

	return condition.ToFloat(v)
}

// IsFirstMessage reports whether data marks the first message of a conversation.
func IsFirstMessage(data map[string]any) bool {
	for _, flag := range []string{"is_first_message", "is_new_conversation", "conversation_started"} {
		if v, ok := data[flag].(bool); ok && v {
			return true
		}
	}

	n, ok := number(data["message_count"])

	return ok && n == 1
}

var sentimentLabels = map[string]float64{
	"very_negative": -0.8,
	"negative":      -0.5,
	"neutral":       0,
	"positive":      0.5,
	"very_positive": 0.8,
}

// Sentiment extracts the sentiment score and label. A known label without a
// score maps to a nominal score; ok is false when neither is present.
func Sentiment(data map[string]any) (score float64, label string, ok bool) {
	switch s := data["sentiment"].(type) {
	case map[string]any:
		label, _ = s["label"].(string)

		if f, found := number(s["score"]); found {
			return f, label, true
		}
	case string:
		label = s
	default:
		if f, found := number(s); found {
			return f, firstString(data, "sentiment_label"), true
		}
	}

	if f, found := number(data["sentiment_score"]); found {
		if label == "" {
			label = firstString(data, "sentiment_label")
		}

		return f, label, true
	}

	if label == "" {
		label = firstString(data, "sentiment_label")
	}

	if f, found := sentimentLabels[strings.ToLower(label)]; found {
		return f, label, true
	}

	return 0, label, false
}

// Intent extracts the classified intent. Confidence defaults to 1.
func Intent(data map[string]any) (name string, confidence float64, ok bool) {
	confidence = 1.0

	switch v := data["intent"].(type) {
	case string:
		name = v
	case map[string]any:
		name = firstString(v, "name", "intent")

		if f, found := number(v["confidence"]); found {
			confidence = f
		}
	}

	if name == "" {
		return "", 0, false
	}

	if f, found := number(data["intent_confidence"]); found {
		confidence = f
	}

	return name, confidence, true
}

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true, "svg": true, "heic": true, "tiff": true,
}

// Image is one image reference found in event data.
type Image struct {
	URL      string
	MimeType string
	Name     string
	Size     float64
	HasSize  bool
}

// Extension is the lowercase file extension without the dot.
func (i Image) Extension() string {
	name := i.Name
	if name == "" {
		name = i.URL
	}

	if q := strings.IndexAny(name, "?#"); q >= 0 {
		name = name[:q]
	}

	return strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
}

func (i Image) IsImage() bool {
	if strings.HasPrefix(strings.ToLower(i.MimeType), "image/") {
		return true
	}

	return imageExtensions[i.Extension()]
}

func (i Image) FileName() string {
	if i.Name != "" {
		return i.Name
	}

	return path.Base(i.URL)
}

func imageFrom(m map[string]any) Image {
	img := Image{
		URL:      firstString(m, "url", "image_url", "file_url"),
		MimeType: firstString(m, "mime_type", "type", "content_type"),
		Name:     firstString(m, "name", "file_name", "filename"),
	}

	for _, key := range []string{"size", "file_size"} {
		if f, ok := number(m[key]); ok {
			img.Size, img.HasSize = f, true

			break
		}
	}

	return img
}

// Images finds every image reference: image_url, image, an image file_url
// and image attachments, in that order.
func Images(data map[string]any) []Image {
	var images []Image

	if s, ok := data["image_url"].(string); ok && s != "" {
		img := imageFrom(data)
		img.URL = s
		images = append(images, img)
	}

	switch v := data["image"].(type) {
	case string:
		if v != "" {
			images = append(images, Image{URL: v, MimeType: "image/*"})
		}
	case map[string]any:
		img := imageFrom(v)
		if img.MimeType == "" {
			img.MimeType = "image/*"
		}

		images = append(images, img)
	}

	if s, ok := data["file_url"].(string); ok && s != "" {
		img := imageFrom(data)
		img.URL = s

		if img.IsImage() {
			images = append(images, img)
		}
	}

	if attachments, ok := data["attachments"].([]any); ok {
		for _, item := range attachments {
			if m, ok := item.(map[string]any); ok {
				if img := imageFrom(m); img.IsImage() {
					images = append(images, img)
				}
			}
		}
	}

	return images
}

// ImageURL is the URL of the first image in data, or "".
func ImageURL(data map[string]any) string {
	for _, img := range Images(data) {
		if img.URL != "" {
			return img.URL
		}
	}

	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}

	return ""
}
