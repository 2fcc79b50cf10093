package rules

import (
	"errors"
	"time"

	"github.com/liamcoop/botevents/internal/values"
)

// ErrRuleNotFound is returned by stores when a rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// Definitions holds named tunables for a rule or an operation.
type Definitions map[string]any

// Number coerces the named definition to a number; malformed values are 0.
func (d Definitions) Number(key string) float64 {
	return values.NumberOr(d[key], 0)
}

// String returns the named definition rendered as text.
func (d Definitions) String(key string) string {
	return values.String(d[key])
}

// Bool returns the truthiness of the named definition.
func (d Definitions) Bool(key string) bool {
	return values.Bool(d[key])
}

// Clone deep copies the definitions.
func (d Definitions) Clone() Definitions {
	return Definitions(values.CloneMap(d))
}

// WithDefaults returns a copy of d where every key missing from d is taken
// from defaults.
func (d Definitions) WithDefaults(defaults Definitions) Definitions {
	out := defaults.Clone()
	for k, v := range d {
		out[k] = values.Clone(v)
	}
	return out
}

// Triggered is the per-rule state bag written by checkers and the fade-out
// sweeper. Counters and millisecond timestamps live here.
type Triggered map[string]any

// Number returns the named entry and whether it was present and numeric.
func (t Triggered) Number(key string) (float64, bool) {
	v, ok := t[key]
	if !ok || v == nil {
		return 0, false
	}
	return values.Number(v)
}

// Has reports whether key is present with a non-nil value.
func (t Triggered) Has(key string) bool {
	v, ok := t[key]
	return ok && v != nil
}

// Clone deep copies the state bag.
func (t Triggered) Clone() Triggered {
	return Triggered(values.CloneMap(t))
}

// Operation is one configured side effect of a rule.
type Operation struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Definitions Definitions `json:"definitions"`
}

// EventRule binds an event kind to a filter, a checker configuration and an
// ordered list of operations.
type EventRule struct {
	ID          string      `json:"id"`
	GivenName   string      `json:"givenName"`
	EventName   string      `json:"eventName"`
	IsEnabled   bool        `json:"isEnabled"`
	Filter      string      `json:"filter"`
	Definitions Definitions `json:"definitions"`
	Triggered   Triggered   `json:"triggered"`
	Operations  []Operation `json:"operations"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of the rule, including nested maps.
func (r *EventRule) Clone() *EventRule {
	if r == nil {
		return nil
	}
	out := *r
	out.Definitions = r.Definitions.Clone()
	out.Triggered = r.Triggered.Clone()
	out.Operations = make([]Operation, len(r.Operations))
	for i, op := range r.Operations {
		out.Operations[i] = Operation{
			ID:          op.ID,
			Name:        op.Name,
			Definitions: op.Definitions.Clone(),
		}
	}
	return &out
}
