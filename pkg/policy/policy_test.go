package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Tables(t *testing.T) {
	p := Default()

	assert.True(t, p.IsAllowed("GetAllProposals"))
	assert.True(t, p.IsAllowed("ClearCache"))
	assert.False(t, p.IsAllowed("DropDatabase"))

	assert.True(t, p.IsSensitive("ClearCache"))
	assert.False(t, p.IsSensitive("GetAllProposals"))

	// Every default sensitive action must be forwardable, otherwise it would
	// be rejected with 403 before the signature check is reached.
	for _, a := range DefaultSensitive {
		assert.True(t, p.IsAllowed(a), a)
	}
}

func TestMembership_IsCaseSensitive(t *testing.T) {
	p := Default()
	assert.False(t, p.IsAllowed("getallproposals"))
	assert.False(t, p.IsAllowed("GetAllProposals "))
	assert.False(t, p.IsSensitive("clearcache"))
}

func TestSensitiveIsIndependentOfAllowed(t *testing.T) {
	p := New()
	p.MarkSensitive("Nuke")
	assert.True(t, p.IsSensitive("Nuke"))
	assert.False(t, p.IsAllowed("Nuke"))
}

func TestExtend(t *testing.T) {
	p := Default()
	p.Allow("GetVotes")
	assert.True(t, p.IsAllowed("GetVotes"))
	assert.Contains(t, p.Allowed(), "GetVotes")
	assert.Equal(t, len(DefaultSensitive), len(p.Sensitive()))
}

func TestDataSchema(t *testing.T) {
	p := Default()
	require.NoError(t, p.SetDataSchema("AddPlatform", `{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`))

	assert.NoError(t, p.ValidateData("AddPlatform", map[string]any{"id": "snapshot"}))
	assert.Error(t, p.ValidateData("AddPlatform", map[string]any{"name": "x"}))
	assert.Error(t, p.ValidateData("AddPlatform", nil))

	// Actions without a schema accept anything.
	assert.NoError(t, p.ValidateData("GetAllProposals", nil))

	require.NoError(t, p.SetDataSchema("AddPlatform", ""))
	assert.NoError(t, p.ValidateData("AddPlatform", nil))
}

func TestDataSchema_Invalid(t *testing.T) {
	p := New()
	assert.Error(t, p.SetDataSchema("X", `{not json`))
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(`
allowed: [Info, GetAllProposals, ClearCache]
sensitive: [ClearCache]
schemas:
  ClearCache: '{"type": "string"}'
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ClearCache", "GetAllProposals", "Info"}, p.Allowed())
	assert.True(t, p.IsSensitive("ClearCache"))
	assert.Error(t, p.ValidateData("ClearCache", float64(3)))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte(`allowed: []`))
	assert.Error(t, err)

	_, err = Parse([]byte(`allowed: [""]`))
	assert.Error(t, err)

	_, err = Parse([]byte("allowed: [A]\nsensitive: [\"\"]"))
	assert.Error(t, err)

	_, err = Parse([]byte(`allowed: [unclosed`))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.True(t, p.IsAllowed("GetAllProposals"))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allowed: [Ping]\n"), 0o600))
	p, err = Load(path)
	require.NoError(t, err)
	assert.True(t, p.IsAllowed("Ping"))
	assert.False(t, p.IsAllowed("GetAllProposals"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRules(t *testing.T) {
	p := Default()
	require.NoError(t, p.SetRule("GetProposalsByPlatform", `data.platform in ["snapshot", "tally"]`))

	assert.NoError(t, p.CheckRule("GetProposalsByPlatform", "p1",
		map[string]any{"platform": "snapshot"}, nil))

	err := p.CheckRule("GetProposalsByPlatform", "p1", map[string]any{"platform": "discourse"}, nil)
	var ruleErr *RuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Nil(t, ruleErr.Err)

	// Missing key is an evaluation error, which denies.
	err = p.CheckRule("GetProposalsByPlatform", "p1", map[string]any{}, nil)
	require.ErrorAs(t, err, &ruleErr)
	assert.NotNil(t, ruleErr.Err)

	assert.NoError(t, p.CheckRule("Info", "p1", nil, nil), "actions without a rule pass")
}

func TestRules_TargetAndTags(t *testing.T) {
	p := Default()
	require.NoError(t, p.SetRule("TriggerScrape", `target == "proc-1" && tags["Reason"] != ""`))

	assert.NoError(t, p.CheckRule("TriggerScrape", "proc-1", nil, map[string]string{"Reason": "manual"}))
	assert.Error(t, p.CheckRule("TriggerScrape", "proc-2", nil, map[string]string{"Reason": "manual"}))
	assert.Error(t, p.CheckRule("TriggerScrape", "proc-1", nil, nil))
}

func TestRules_CompileErrors(t *testing.T) {
	p := New()
	assert.Error(t, p.SetRule("A", `data.(`))
	assert.Error(t, p.SetRule("A", `"not a bool"`))

	require.NoError(t, p.SetRule("A", `true`))
	require.NoError(t, p.SetRule("A", ""))
	assert.NoError(t, p.CheckRule("A", "t", nil, nil))
}

func TestParse_RulesAndRequires(t *testing.T) {
	p, err := Parse([]byte(`
requires: ">=0.1.0, <1.0.0"
allowed: [SearchProposals]
rules:
  SearchProposals: size(data.query) >= 3
`))
	require.NoError(t, err)
	assert.NoError(t, p.CheckRule("SearchProposals", "p1", map[string]any{"query": "treasury"}, nil))
	assert.Error(t, p.CheckRule("SearchProposals", "p1", map[string]any{"query": "ab"}, nil))

	_, err = Parse([]byte("requires: \">=99.0.0\"\nallowed: [A]"))
	assert.ErrorContains(t, err, "requires bridge")

	_, err = Parse([]byte("requires: \"banana\"\nallowed: [A]"))
	assert.Error(t, err)

	_, err = Parse([]byte("allowed: [A]\nrules:\n  A: \"1 +\""))
	assert.Error(t, err)
}
