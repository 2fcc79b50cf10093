package engine

import (
	"fmt"
	"strings"

	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/variables"
)

// OperationDoNothing is the placeholder operation editors save for an empty
// slot. It is dropped on save.
const OperationDoNothing = "do-nothing"

const (
	maxGivenNameLength = 100
	maxOperations      = 50
)

// PrepareRule normalizes a rule before it is stored: placeholder operations
// are removed and a blank given name falls back to the event name.
func PrepareRule(rule *rules.EventRule) {
	kept := rule.Operations[:0]
	for _, op := range rule.Operations {
		if op.Name == OperationDoNothing || strings.TrimSpace(op.Name) == "" {
			continue
		}
		kept = append(kept, op)
	}
	rule.Operations = kept

	rule.GivenName = strings.TrimSpace(rule.GivenName)
	if rule.GivenName == "" {
		rule.GivenName = rule.EventName
	}
}

// ValidateRule checks a prepared rule against the catalogs. customNames are
// the custom variables the filter may reference.
func (e *Engine) ValidateRule(rule *rules.EventRule, customNames []string) error {
	if rule.EventName == "" {
		return fmt.Errorf("event name cannot be empty")
	}
	if _, ok := e.events.Lookup(rule.EventName); !ok {
		return fmt.Errorf("unsupported event %q", rule.EventName)
	}

	if len(rule.GivenName) > maxGivenNameLength {
		return fmt.Errorf("name length %d exceeds maximum of %d characters", len(rule.GivenName), maxGivenNameLength)
	}

	if len(rule.Operations) > maxOperations {
		return fmt.Errorf("rule contains %d operations, maximum allowed is %d", len(rule.Operations), maxOperations)
	}
	for i, op := range rule.Operations {
		if err := e.validateOperation(op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Name, err)
		}
	}

	if err := e.filter.Compile(rule.Filter, customNames); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	return nil
}

func (e *Engine) validateOperation(op rules.Operation) error {
	if _, ok := e.operations.Lookup(op.Name); !ok {
		return fmt.Errorf("unsupported operation")
	}

	if _, ok := op.Definitions["customVariable"]; ok {
		if _, err := variables.NormalizeName(op.Definitions.String("customVariable")); err != nil {
			return err
		}
	}
	return nil
}
