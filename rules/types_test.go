package rules

import (
	"testing"
)

func TestDefinitionsNumberCoercion(t *testing.T) {
	defs := Definitions{
		"viewersAtLeast": "25",
		"runInterval":    10,
		"broken":         "ten",
		"list":           []any{30, 60},
	}

	testCases := []struct {
		key  string
		want float64
	}{
		{"viewersAtLeast", 25},
		{"runInterval", 10},
		{"broken", 0},
		{"list", 0},
		{"missing", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			if got := defs.Number(tc.key); got != tc.want {
				t.Errorf("Number(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestDefinitionsWithDefaults(t *testing.T) {
	defaults := Definitions{"messageToSend": "", "isCommandQuiet": false}
	defs := Definitions{"messageToSend": "hello"}

	merged := defs.WithDefaults(defaults)
	if merged.String("messageToSend") != "hello" {
		t.Errorf("explicit value lost, got %q", merged.String("messageToSend"))
	}
	if _, ok := merged["isCommandQuiet"]; !ok {
		t.Error("default value missing after merge")
	}
	if _, ok := defaults["messageToSend"].(string); !ok || defaults["messageToSend"] != "" {
		t.Error("WithDefaults must not mutate the defaults")
	}
}

func TestTriggeredNumberPresence(t *testing.T) {
	trig := Triggered{"fadeOutInterval": nil, "runEveryXCommands": 0.0}

	if _, ok := trig.Number("fadeOutInterval"); ok {
		t.Error("nil entry should be reported as absent")
	}
	if v, ok := trig.Number("runEveryXCommands"); !ok || v != 0 {
		t.Errorf("zero counter = (%v, %v), want (0, true)", v, ok)
	}
	if trig.Has("fadeOutInterval") {
		t.Error("Has() should be false for nil entries")
	}
}

func TestEventRuleCloneIsDeep(t *testing.T) {
	rule := &EventRule{
		ID:          "r1",
		Definitions: Definitions{"a": map[string]any{"b": 1}},
		Triggered:   Triggered{"runInterval": 5},
		Operations:  []Operation{{Name: "run-command", Definitions: Definitions{"commandToRun": "!so"}}},
	}

	clone := rule.Clone()
	clone.Triggered["runInterval"] = 6
	clone.Operations[0].Definitions["commandToRun"] = "!changed"
	clone.Definitions["a"].(map[string]any)["b"] = 2

	if v, _ := rule.Triggered.Number("runInterval"); v != 5 {
		t.Error("Triggered shared with clone")
	}
	if rule.Operations[0].Definitions.String("commandToRun") != "!so" {
		t.Error("operation definitions shared with clone")
	}
	if rule.Definitions["a"].(map[string]any)["b"] != 1 {
		t.Error("nested definitions shared with clone")
	}
}
