package matcher

import (
	"fmt"
	"math"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// DefaultMinIntentConfidence applies when min_confidence is not configured.
const DefaultMinIntentConfidence = 0.5

// Intent matches events carrying a classified intent, optionally narrowed by
// keyword mentions in the message text.
type Intent struct{}

func (Intent) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	name, detected, hasIntent := payload.Intent(event.Data)
	if !hasIntent {
		return models.NoMatch()
	}

	target := configString(config, "intent")
	minConfidence := configFloat(config, "min_confidence", DefaultMinIntentConfidence)
	keywords := configStrings(config, "keywords")

	ctx := map[string]any{"intent": name, "intent_confidence": detected}

	var conditions []string

	if target != "" {
		if !strings.EqualFold(name, target) {
			return models.NoMatch()
		}

		conditions = append(conditions, "intent == "+target)
	}

	if detected < minConfidence {
		return models.NoMatch()
	}

	conditions = append(conditions, fmt.Sprintf("intent_confidence >= %g", minConfidence))

	text := strings.ToLower(payload.Text(event.Data))
	hits := 0

	for _, kw := range keywords {
		if text != "" && strings.Contains(text, strings.ToLower(kw)) {
			hits++

			conditions = append(conditions, "keyword:"+kw)
		}
	}

	if len(keywords) > 0 && hits == 0 {
		return models.NoMatch()
	}

	confidence := detected
	if len(keywords) > 0 {
		confidence = detected * (1 + 0.5*float64(hits)/float64(len(keywords)))
	}

	ctx["matched_keywords"] = hits

	return matched(math.Min(confidence, 1), conditions, ctx)
}
