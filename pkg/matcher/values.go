package matcher

import (
	"math"
	"strings"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
)

func configFloat(config map[string]any, key string, fallback float64) float64 {
	if v, ok := config[key]; ok {
		if f, ok := condition.ToFloat(v); ok {
			return f
		}
	}

	return fallback
}

func configBool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}

	return fallback
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)

	return strings.TrimSpace(s)
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}

		return out
	case string:
		if v == "" {
			return nil
		}

		return []string{v}
	default:
		return nil
	}
}

// sentimentConfidence scales the magnitude of a score into [0,1].
func sentimentConfidence(score float64) float64 {
	return math.Min(math.Abs(score)*1.5, 1)
}

func matched(confidence float64, conditions []string, ctx map[string]any) models.TriggerMatchResult {
	if ctx == nil {
		ctx = map[string]any{}
	}

	return models.TriggerMatchResult{
		Matched:           true,
		Confidence:        math.Max(0, math.Min(confidence, 1)),
		MatchedConditions: conditions,
		Context:           ctx,
	}
}
