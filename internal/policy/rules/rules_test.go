package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy/rules"
)

func boolPtr(b bool) *bool { return &b }

func newPolicy(t *testing.T, cfg config.PolicyConf) *policy.Policy {
	t.Helper()
	p, err := policy.New(rules.Default(), &cfg)
	require.NoError(t, err)
	return p
}

func item(key, class, path string) *model.Item {
	return &model.Item{Key: model.Key(key), Class: class, Path: path}
}

func TestDefaultRegistryOrder(t *testing.T) {
	assert.Equal(t, []string{"never_build", "script", "build_unit", "filter"}, rules.Default().Types())
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := rules.Default()
	assert.Panics(t, func() { reg.Register(rules.NewScript()) })
	_, err := reg.Get("nope")
	assert.Error(t, err)
}

func TestEmptyPolicyAcceptsEverything(t *testing.T) {
	p := newPolicy(t, config.PolicyConf{})
	assert.Empty(t, p.RuleIDs())
	d := p.Evaluate(item("/Game/A", "World", ""), "linux")
	assert.Equal(t, dag.Decision{Cookable: true, Explorable: true, Reason: model.NotSuppressed}, d)
}

func TestNilItemIsInvalid(t *testing.T) {
	p := newPolicy(t, config.PolicyConf{})
	d := p.Evaluate(nil, "linux")
	assert.False(t, d.Cookable)
	assert.Equal(t, model.Invalid, d.Reason)
}

func TestRules(t *testing.T) {
	cfg := config.PolicyConf{
		NeverBuild:    []string{"/Game/Broken"},
		ScriptPrefix:  "/Script/",
		BuildUnitRoot: "/Game/",
		Filters: []config.FilterConf{
			{ID: "editor", Expression: `item.class startswith "Editor"`, Explore: boolPtr(false)},
			{ID: "console-only", Expression: `item.key contains "_PC"`, Reason: "invalid", Targets: []string{"ps5"}},
		},
	}
	p := newPolicy(t, cfg)
	assert.Equal(t, []string{"never_build", "script", "build_unit", "filter:editor", "filter:console-only"}, p.RuleIDs())

	cases := []struct {
		name   string
		item   *model.Item
		target model.Target
		want   dag.Decision
	}{
		{"plain", item("/Game/Rock", "StaticMesh", ""), "ps5", dag.Decision{Cookable: true, Explorable: true}},
		{"never build", item("/Game/Broken", "World", ""), "ps5", dag.Decision{Reason: model.NeverBuild}},
		{"script", item("/Script/Engine", "Package", ""), "ps5", dag.Decision{Reason: model.ScriptItem}},
		{"outside unit by key", item("/Engine/Cube", "StaticMesh", ""), "ps5", dag.Decision{Reason: model.NotInBuildUnit}},
		{"outside unit by path", item("/Game/Cube", "StaticMesh", "/Engine/Content/Cube"), "ps5", dag.Decision{Reason: model.NotInBuildUnit}},
		{"filter no explore", item("/Game/Tool", "EditorUtility", ""), "linux", dag.Decision{Reason: model.Filtered}},
		{"target filter hit", item("/Game/Pad_PC", "Texture", ""), "ps5", dag.Decision{Explorable: true, Reason: model.Invalid}},
		{"target filter other target", item("/Game/Pad_PC", "Texture", ""), "linux", dag.Decision{Cookable: true, Explorable: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Evaluate(tc.item, tc.target))
		})
	}
}

func TestFirstRuleWins(t *testing.T) {
	p := newPolicy(t, config.PolicyConf{
		NeverBuild:   []string{"/Script/Core"},
		ScriptPrefix: "/Script/",
	})
	assert.Equal(t, model.NeverBuild, p.Evaluate(item("/Script/Core", "", ""), "linux").Reason)
	assert.Equal(t, model.ScriptItem, p.Evaluate(item("/Script/Other", "", ""), "linux").Reason)
}

func TestNewReportsEveryBadRule(t *testing.T) {
	_, err := policy.New(rules.Default(), &config.PolicyConf{
		NeverBuild:    []string{" "},
		BuildUnitRoot: "relative/",
		Filters:       []config.FilterConf{{ID: "f", Expression: `item.size == "1"`}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never_build")
	assert.Contains(t, err.Error(), "build_unit_root")
	assert.Contains(t, err.Error(), "filter f")
}

func TestRecordFields(t *testing.T) {
	r := policy.Record{Item: item("/Game/A", "", "/p"), Target: "linux"}
	v, ok := r.Field("item.key")
	assert.True(t, ok)
	assert.Equal(t, "/Game/A", v)
	_, ok = r.Field("item.class")
	assert.False(t, ok, "empty class is reported missing")
	v, _ = r.Field("target")
	assert.Equal(t, "linux", v)
	_, ok = r.Field("item.size")
	assert.False(t, ok)
}
