// Package condition evaluates the fixed operator taxonomy and the small
// boolean expression language used by condition nodes.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Lookup resolves a field path against data. Paths are either dotted
// ("sentiment.score") or JSONPath ("$.attachments[0].url").
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	if v, ok := data[path]; ok {
		return v, true
	}

	expr := path
	if !strings.HasPrefix(expr, "$") {
		expr = "$." + expr
	}

	value, err := jsonpath.JsonPathLookup(data, expr)
	if err != nil {
		return nil, false
	}

	return value, true
}

// ToFloat converts JSON-ish numeric values.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

// ToString renders a value for textual comparison.
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Truthy implements the truthiness rules of bare paths in expressions.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0
		}

		return true
	}
}

// Equal compares two values, numerically when both sides are numeric.
func Equal(a, b any) bool {
	if af, ok := ToFloat(a); ok {
		if bf, ok := ToFloat(b); ok {
			return af == bf
		}
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}

		return ToString(ab) == ToString(b)
	}

	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return ToString(a) == ToString(b)
}
