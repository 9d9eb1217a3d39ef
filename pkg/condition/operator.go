package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Operator is one of the fixed comparison operators.
type Operator string

const (
	OpExact     Operator = "exact"
	OpNotExact  Operator = "not_exact"
	OpContains  Operator = "contains"
	OpThreshold Operator = "threshold"
	OpRegex     Operator = "regex"
	OpRange     Operator = "range"
	OpIn        Operator = "in"
)

var ErrUnknownOperator = errors.New("unknown condition operator")

var operatorAliases = map[string]Operator{
	"exact":      OpExact,
	"equals":     OpExact,
	"eq":         OpExact,
	"==":         OpExact,
	"not_exact":  OpNotExact,
	"not_equals": OpNotExact,
	"neq":        OpNotExact,
	"!=":         OpNotExact,
	"contains":   OpContains,
	"threshold":  OpThreshold,
	"gte":        OpThreshold,
	"regex":      OpRegex,
	"matches":    OpRegex,
	"range":      OpRange,
	"between":    OpRange,
	"in":         OpIn,
	"one_of":     OpIn,
}

// ResolveOperator maps an operator name or alias to its canonical form.
func ResolveOperator(name string) (Operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(name))]

	return op, ok
}

// Condition tests a single field of the event data.
type Condition struct {
	Field     string `json:"field"               validate:"required"`
	Operator  string `json:"operator"            validate:"required"`
	Value     any    `json:"value"`
	Direction string `json:"direction,omitempty"`
}

// ParseConditions reads the "conditions" list of a trigger node config.
// Malformed entries are skipped.
func ParseConditions(raw any) []Condition {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]Condition, 0, len(list))

	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		field, _ := m["field"].(string)
		op, _ := m["operator"].(string)

		if field == "" || op == "" {
			continue
		}

		direction, _ := m["direction"].(string)
		out = append(out, Condition{Field: field, Operator: op, Value: m["value"], Direction: direction})
	}

	return out
}

// Evaluate tests cond against data. A missing field never matches.
func Evaluate(cond Condition, data map[string]any) (bool, error) {
	op, ok := ResolveOperator(cond.Operator)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}

	actual, found := Lookup(data, cond.Field)
	if !found {
		return false, nil
	}

	return Compare(op, actual, cond.Value, cond.Direction)
}

// Compare applies op to an already resolved value.
func Compare(op Operator, actual, expected any, direction string) (bool, error) {
	switch op {
	case OpExact:
		return Equal(actual, expected), nil
	case OpNotExact:
		return !Equal(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpThreshold:
		a, ok := ToFloat(actual)
		if !ok {
			return false, nil
		}

		limit, ok := ToFloat(expected)
		if !ok {
			return false, fmt.Errorf("threshold value %v is not numeric", expected)
		}

		if strings.EqualFold(direction, "below") {
			return a <= limit, nil
		}

		return a >= limit, nil
	case OpRegex:
		pattern := ToString(expected)

		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}

		return re.MatchString(ToString(actual)), nil
	case OpRange:
		lo, hi, err := rangeBounds(expected)
		if err != nil {
			return false, err
		}

		a, ok := ToFloat(actual)
		if !ok {
			return false, nil
		}

		return a >= lo && a <= hi, nil
	case OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false, fmt.Errorf("in operator expects a list, got %T", expected)
		}

		for _, candidate := range list {
			if Equal(actual, candidate) {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

func contains(actual, expected any) bool {
	switch a := actual.(type) {
	case []any:
		for _, item := range a {
			if Equal(item, expected) {
				return true
			}
		}

		return false
	case map[string]any:
		_, ok := a[ToString(expected)]

		return ok
	default:
		return strings.Contains(strings.ToLower(ToString(actual)), strings.ToLower(ToString(expected)))
	}
}

func rangeBounds(v any) (float64, float64, error) {
	switch r := v.(type) {
	case []any:
		if len(r) == 2 {
			lo, okLo := ToFloat(r[0])
			hi, okHi := ToFloat(r[1])

			if okLo && okHi {
				return lo, hi, nil
			}
		}
	case map[string]any:
		lo, okLo := ToFloat(r["min"])
		hi, okHi := ToFloat(r["max"])

		if okLo && okHi {
			return lo, hi, nil
		}
	}

	return 0, 0, fmt.Errorf("range operator expects [min,max] or {min,max}, got %v", v)
}
