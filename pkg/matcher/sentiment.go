package matcher

import (
	"fmt"
	"math"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// Default sentiment thresholds.
const (
	NegativeThreshold     = -0.2
	VeryNegativeThreshold = -0.6
	PositiveThreshold     = 0.2
	HighEmotionThreshold  = 0.7
)

// Sentiment matches the sentiment family of trigger sub-types.
type Sentiment struct{}

func (Sentiment) Evaluate(event models.TriggerEvent, subType string, config map[string]any) models.TriggerMatchResult {
	score, label, found := payload.Sentiment(event.Data)

	ctx := map[string]any{"sentiment_score": score, "sentiment_label": label}

	var (
		ok   bool
		desc string
	)

	switch subType {
	case models.TriggerSentimentNegative:
		threshold := configFloat(config, "threshold", NegativeThreshold)
		ok, desc = found && score < threshold, fmt.Sprintf("sentiment < %g", threshold)
		ctx["threshold"] = threshold
	case models.TriggerSentimentVeryNegative:
		threshold := configFloat(config, "threshold", VeryNegativeThreshold)
		ok, desc = found && score < threshold, fmt.Sprintf("sentiment < %g", threshold)
		ctx["threshold"] = threshold
	case models.TriggerSentimentPositive:
		threshold := configFloat(config, "threshold", PositiveThreshold)
		ok, desc = found && score > threshold, fmt.Sprintf("sentiment > %g", threshold)
		ctx["threshold"] = threshold
	case models.TriggerSentimentHighEmotion:
		threshold := math.Abs(configFloat(config, "threshold", HighEmotionThreshold))
		ok, desc = found && math.Abs(score) > threshold, fmt.Sprintf("|sentiment| > %g", threshold)
		ctx["threshold"] = threshold
	case models.TriggerSentimentThreshold:
		threshold := configFloat(config, "threshold", NegativeThreshold)
		ctx["threshold"] = threshold

		if configString(config, "direction") == "above" {
			ok, desc = found && score > threshold, fmt.Sprintf("sentiment > %g", threshold)
		} else {
			ok, desc = found && score < threshold, fmt.Sprintf("sentiment < %g", threshold)
		}
	default:
		triggerType, _ := event.Data["trigger_type"].(string)
		if triggerType != subType {
			return models.NoMatch()
		}

		confidence := 1.0
		if found {
			confidence = sentimentConfidence(score)
		}

		return matched(confidence, []string{"trigger_type == " + subType}, ctx)
	}

	if !ok {
		return models.NoMatch()
	}

	return matched(sentimentConfidence(score), []string{desc}, ctx)
}
