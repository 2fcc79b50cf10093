package rules

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	RulesSchemaVersionV1 = "1.0"
)

// seedNamespace keeps ids of seeded rules stable across restarts.
var seedNamespace = uuid.MustParse("7b0f5a56-1f0c-4f43-9a39-8c1f0f6b2d11")

// RuleFile represents the top-level YAML seed file.
type RuleFile struct {
	SchemaVersion string     `yaml:"schemaVersion"`
	Rules         []FileRule `yaml:"rules"`
}

type FileRule struct {
	ID          string          `yaml:"id,omitempty"`
	Name        string          `yaml:"name"`
	Event       string          `yaml:"event"`
	Enabled     *bool           `yaml:"enabled,omitempty"`
	Filter      string          `yaml:"filter,omitempty"`
	Definitions map[string]any  `yaml:"definitions,omitempty"`
	Operations  []FileOperation `yaml:"operations"`
}

type FileOperation struct {
	Name        string         `yaml:"name"`
	Definitions map[string]any `yaml:"definitions,omitempty"`
}

// LoadFile reads a YAML seed file and converts it to rules. Rules without an
// explicit id get one derived from their name.
func LoadFile(path string) ([]*EventRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile decodes seed YAML.
func ParseFile(data []byte) ([]*EventRule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	if file.SchemaVersion != "" && file.SchemaVersion != RulesSchemaVersionV1 {
		return nil, fmt.Errorf("unsupported rules schema version %q", file.SchemaVersion)
	}

	out := make([]*EventRule, 0, len(file.Rules))
	for i, fr := range file.Rules {
		if fr.Event == "" {
			return nil, fmt.Errorf("rule %d (%q): event is required", i, fr.Name)
		}

		id := fr.ID
		if id == "" {
			id = uuid.NewSHA1(seedNamespace, []byte(fr.Event+"/"+fr.Name)).String()
		}
		enabled := true
		if fr.Enabled != nil {
			enabled = *fr.Enabled
		}

		rule := &EventRule{
			ID:          id,
			GivenName:   fr.Name,
			EventName:   fr.Event,
			IsEnabled:   enabled,
			Filter:      fr.Filter,
			Definitions: Definitions(fr.Definitions),
			Triggered:   Triggered{},
		}
		if rule.Definitions == nil {
			rule.Definitions = Definitions{}
		}
		for j, fo := range fr.Operations {
			defs := Definitions(fo.Definitions)
			if defs == nil {
				defs = Definitions{}
			}
			rule.Operations = append(rule.Operations, Operation{
				ID:          uuid.NewSHA1(seedNamespace, []byte(fmt.Sprintf("%s/%d", id, j))).String(),
				Name:        fo.Name,
				Definitions: defs,
			})
		}
		out = append(out, rule)
	}
	return out, nil
}
