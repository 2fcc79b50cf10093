// Package values holds helpers for the loosely-typed maps that flow through the
// engine: attribute bags, rule definitions and trigger state.
package values

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Clone returns a deep copy of a JSON-like value. Maps and slices are copied
// recursively; everything else is returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case map[string]bool:
		out := make(map[string]bool, len(t))
		for k, b := range t {
			out[k] = b
		}
		return out
	default:
		return v
	}
}

// CloneMap deep copies a map. A nil map yields an empty, non-nil map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// IsNil reports whether v is absent from a bag (nil interface).
func IsNil(v any) bool {
	return v == nil
}

// Number coerces v to a float64. Unparseable values yield 0 and false,
// which callers treat as "feature disabled".
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// NumberOr is Number with a fallback for unparseable input.
func NumberOr(v any, fallback float64) float64 {
	if f, ok := Number(v); ok {
		return f
	}
	return fallback
}

// String renders v the way a template would print it. nil renders empty.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Bool reports the truthiness of v: false, 0, "", "false", "0" and nil are false.
func Bool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0"
	default:
		if f, ok := Number(v); ok {
			return f != 0
		}
		return true
	}
}

// Normalize converts whole float64 values to int64 so that values decoded from
// JSON compare naturally with integer literals. Maps and slices are walked.
func Normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
