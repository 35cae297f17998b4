// Package policy holds the action tables the bridge consults before forwarding
// anything upstream: which actions may be forwarded at all, and which of them
// require a signed admin authorization.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultAllowed are the read actions exposed by the proposal aggregator
// process plus the admin actions below.
var DefaultAllowed = []string{
	"Info",
	"GetAllProposals",
	"GetProposal",
	"GetProposalsByPlatform",
	"SearchProposals",
	"GetPlatforms",
	"GetStats",
	"GetSummary",
	"GetCacheStatus",
	"ClearCache",
	"AddPlatform",
	"RemovePlatform",
	"UpdatePlatform",
	"TriggerScrape",
	"SetConfig",
}

// DefaultSensitive are the actions that mutate aggregator state.
var DefaultSensitive = []string{
	"ClearCache",
	"AddPlatform",
	"RemovePlatform",
	"UpdatePlatform",
	"TriggerScrape",
	"SetConfig",
}

// ActionPolicy is an allowlist plus a sensitive set. Membership is exact and
// case-sensitive. Tables are populated at startup and only read afterwards;
// the mutators are not safe to call concurrently with lookups.
type ActionPolicy struct {
	allowed   map[string]bool
	sensitive map[string]bool
	schema    map[string]*jsonschema.Schema // action -> compiled schema for Data
	rules     map[string]*rule
}

// New creates an empty policy. Nothing is allowed until Allow is called.
func New() *ActionPolicy {
	return &ActionPolicy{
		allowed:   make(map[string]bool),
		sensitive: make(map[string]bool),
		schema:    make(map[string]*jsonschema.Schema),
		rules:     make(map[string]*rule),
	}
}

// Default returns the built-in tables.
func Default() *ActionPolicy {
	p := New()
	for _, a := range DefaultAllowed {
		p.Allow(a)
	}
	for _, a := range DefaultSensitive {
		p.MarkSensitive(a)
	}
	return p
}

// Allow adds an action to the allowlist.
func (p *ActionPolicy) Allow(action string) {
	p.allowed[action] = true
}

// MarkSensitive requires signed authorization for action. It does not allow
// the action; both checks are applied independently.
func (p *ActionPolicy) MarkSensitive(action string) {
	p.sensitive[action] = true
}

// IsAllowed reports whether action may be forwarded.
func (p *ActionPolicy) IsAllowed(action string) bool {
	return p.allowed[action]
}

// IsSensitive reports whether action needs an admin signature.
func (p *ActionPolicy) IsSensitive(action string) bool {
	return p.sensitive[action]
}

// SetDataSchema attaches a JSON Schema that Data must satisfy for action.
// An empty schema removes any existing one.
func (p *ActionPolicy) SetDataSchema(action, schema string) error {
	if strings.TrimSpace(schema) == "" {
		delete(p.schema, action)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://aobridge.schemas.local/actions/%s.schema.json", action)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("policy schema load failed for %q: %w", action, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("policy schema compile failed for %q: %w", action, err)
	}
	p.schema[action] = compiled
	return nil
}

// ValidateData checks data against the schema registered for action, if any.
// data must be a decoded JSON value (map[string]any, []any, string, ...).
func (p *ActionPolicy) ValidateData(action string, data any) error {
	s, ok := p.schema[action]
	if !ok || s == nil {
		return nil
	}
	if data == nil {
		return fmt.Errorf("missing data")
	}
	if err := s.Validate(data); err != nil {
		return err
	}
	return nil
}

// Allowed returns the allowlist in sorted order.
func (p *ActionPolicy) Allowed() []string {
	return keys(p.allowed)
}

// Sensitive returns the sensitive set in sorted order.
func (p *ActionPolicy) Sensitive() []string {
	return keys(p.sensitive)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
