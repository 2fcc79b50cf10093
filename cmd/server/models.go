package main

import (
	"time"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/rules"
)

// OperationRequest is one operation slot of a rule in API requests.
type OperationRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Definitions rules.Definitions `json:"definitions,omitempty"`
}

// SaveRuleRequest is the body of rule create and update calls.
type SaveRuleRequest struct {
	GivenName   string             `json:"givenName"`
	EventName   string             `json:"eventName"`
	IsEnabled   *bool              `json:"isEnabled,omitempty"`
	Filter      string             `json:"filter"`
	Definitions rules.Definitions  `json:"definitions,omitempty"`
	Operations  []OperationRequest `json:"operations"`
}

// RuleResponse is a rule in API responses. Trigger state is included so the
// dashboard can show counters.
type RuleResponse struct {
	ID          string            `json:"id"`
	GivenName   string            `json:"givenName"`
	EventName   string            `json:"eventName"`
	IsEnabled   bool              `json:"isEnabled"`
	Filter      string            `json:"filter"`
	Definitions rules.Definitions `json:"definitions"`
	Triggered   rules.Triggered   `json:"triggered"`
	Operations  []rules.Operation `json:"operations"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

type EventsListResponse struct {
	Events []engine.EventSpec `json:"events"`
}

type OperationsListResponse struct {
	Operations []engine.OperationSpec `json:"operations"`
}

// FireRequest carries the attributes of a manually fired event.
type FireRequest struct {
	Attributes map[string]any `json:"attributes"`
}

type FireResponse struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

type TestResponse struct {
	RuleID     string `json:"ruleId"`
	Operations int    `json:"operations"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	OverlayClients int    `json:"overlayClients"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRuleResponse(r *rules.EventRule) RuleResponse {
	ops := r.Operations
	if ops == nil {
		ops = []rules.Operation{}
	}
	return RuleResponse{
		ID:          r.ID,
		GivenName:   r.GivenName,
		EventName:   r.EventName,
		IsEnabled:   r.IsEnabled,
		Filter:      r.Filter,
		Definitions: r.Definitions,
		Triggered:   r.Triggered,
		Operations:  ops,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// toRule builds the stored form of a request. New operations get fresh ids.
func (req SaveRuleRequest) toRule(id string, newID func() string) *rules.EventRule {
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	defs := req.Definitions
	if defs == nil {
		defs = rules.Definitions{}
	}

	rule := &rules.EventRule{
		ID:          id,
		GivenName:   req.GivenName,
		EventName:   req.EventName,
		IsEnabled:   enabled,
		Filter:      req.Filter,
		Definitions: defs,
		Triggered:   rules.Triggered{},
		Operations:  make([]rules.Operation, 0, len(req.Operations)),
	}
	for _, op := range req.Operations {
		opID := op.ID
		if opID == "" {
			opID = newID()
		}
		opDefs := op.Definitions
		if opDefs == nil {
			opDefs = rules.Definitions{}
		}
		rule.Operations = append(rule.Operations, rules.Operation{ID: opID, Name: op.Name, Definitions: opDefs})
	}
	return rule
}
