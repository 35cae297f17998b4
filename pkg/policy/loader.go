package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/aobridge/pkg/version"
)

// File is the on-disk shape of a policy table.
//
//	allowed: [Info, GetAllProposals, ClearCache]
//	sensitive: [ClearCache]
//	schemas:
//	  AddPlatform: |
//	    {"type": "object", "required": ["id"]}
//	rules:
//	  GetProposalsByPlatform: data.platform in ["snapshot", "tally"]
//	requires: ">=0.1.0, <1.0.0"
type File struct {
	Allowed   []string          `yaml:"allowed" json:"allowed"`
	Sensitive []string          `yaml:"sensitive" json:"sensitive"`
	Schemas   map[string]string `yaml:"schemas,omitempty" json:"schemas,omitempty"`
	Rules     map[string]string `yaml:"rules,omitempty" json:"rules,omitempty"`
	// Requires is a semver constraint on the bridge version.
	Requires string `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// Parse builds a policy from YAML.
func Parse(data []byte) (*ActionPolicy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if f.Requires != "" {
		ok, err := version.Satisfies(f.Requires, version.Version)
		if err != nil {
			return nil, fmt.Errorf("parse policy: invalid requires %q: %w", f.Requires, err)
		}
		if !ok {
			return nil, fmt.Errorf("parse policy: requires bridge %s, running %s", f.Requires, version.Version)
		}
	}
	if len(f.Allowed) == 0 {
		return nil, fmt.Errorf("parse policy: allowed list is empty")
	}

	p := New()
	for _, a := range f.Allowed {
		if a == "" {
			return nil, fmt.Errorf("parse policy: empty action in allowed list")
		}
		p.Allow(a)
	}
	for _, a := range f.Sensitive {
		if a == "" {
			return nil, fmt.Errorf("parse policy: empty action in sensitive list")
		}
		p.MarkSensitive(a)
	}
	for action, schema := range f.Schemas {
		if err := p.SetDataSchema(action, schema); err != nil {
			return nil, err
		}
	}
	for action, expr := range f.Rules {
		if err := p.SetRule(action, expr); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Load reads a policy file. An empty path yields the built-in tables.
func Load(path string) (*ActionPolicy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return Parse(data)
}
