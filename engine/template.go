package engine

import (
	"strings"

	"github.com/liamcoop/botevents/internal/values"
	"github.com/liamcoop/botevents/rules"
)

// ReplacePlaceholders substitutes $key placeholders in text with attribute
// values (nested keys joined by '.', e.g. $is.moderator) and rule definition
// values. Attributes win over definitions with the same key. Longer keys are
// replaced before shorter ones so $username is never split by $user.
func ReplacePlaceholders(text string, attrs Attributes, defs rules.Definitions) string {
	if !strings.Contains(text, "$") {
		return text
	}

	lookup := make(map[string]any, len(attrs)+len(defs))
	for k, v := range defs {
		if _, nested := asMap(v); nested {
			continue
		}
		lookup[k] = v
	}
	for k, v := range attrs.Flatten() {
		lookup[k] = v
	}

	pairs := make([]string, 0, 2*len(lookup))
	for _, key := range sortedKeys(lookup) {
		pairs = append(pairs, "$"+key, values.String(lookup[key]))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
