package matcher

import (
	"fmt"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/payload"
)

// ConversationStartMarker is recorded for every first-message match.
const ConversationStartMarker = "conversation_started"

// ConversationStart matches the first message of a conversation.
type ConversationStart struct{}

func isFirstMessage(event models.TriggerEvent) bool {
	switch event.Type {
	case models.TriggerConversationStart, "conversation_started", "conversation.started":
		return true
	}

	return payload.IsFirstMessage(event.Data)
}

func (ConversationStart) Evaluate(event models.TriggerEvent, _ string, config map[string]any) models.TriggerMatchResult {
	if !isFirstMessage(event) {
		return models.NoMatch()
	}

	ctx := map[string]any{
		"conversation_id":  event.ConversationID,
		"is_first_message": true,
	}

	conds := condition.ParseConditions(config["conditions"])
	if len(conds) == 0 {
		return matched(1.0, []string{ConversationStartMarker}, ctx)
	}

	passed := []string{ConversationStartMarker}
	count := 0

	for _, cond := range conds {
		ok, err := condition.Evaluate(cond, event.Data)
		if err != nil {
			ctx["condition_error"] = err.Error()

			continue
		}

		if ok {
			count++

			passed = append(passed, fmt.Sprintf("%s %s %v", cond.Field, cond.Operator, cond.Value))
		}
	}

	requireAll := configBool(config, "require_all", true)
	if (requireAll && count < len(conds)) || count == 0 {
		return models.NoMatch()
	}

	return matched(float64(count)/float64(len(conds)), passed, ctx)
}
