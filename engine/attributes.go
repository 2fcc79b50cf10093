package engine

import (
	"sort"
	"strings"

	"github.com/liamcoop/botevents/internal/values"
)

// Attributes is the loosely-typed bag describing one event occurrence.
// Enrichment adds the nested role maps "is" and "recipientis".
type Attributes map[string]any

// Clone deep copies the bag. A nil bag clones to an empty one.
func (a Attributes) Clone() Attributes {
	return Attributes(values.CloneMap(a))
}

// Has reports whether key is present and not null.
func (a Attributes) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a Attributes) String(key string) string {
	return values.String(a[key])
}

func (a Attributes) Number(key string) (float64, bool) {
	return values.Number(a[key])
}

func (a Attributes) Bool(key string) bool {
	return values.Bool(a[key])
}

// Lookup resolves a dotted path such as "is.moderator".
func (a Attributes) Lookup(path string) (any, bool) {
	var current any = map[string]any(a)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Flatten returns every leaf of the bag keyed by its dotted path.
func (a Attributes) Flatten() map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", a)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := asMap(v); ok {
			if len(nested) == 0 {
				continue
			}
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Attributes:
		return m, true
	default:
		return nil, false
	}
}

// sortedKeys returns map keys longest first, ties broken alphabetically.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
