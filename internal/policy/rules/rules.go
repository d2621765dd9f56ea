// Package rules holds the built-in cookability rule types.
package rules

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/cookgraph/internal/condition"
	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy"
)

// Default returns a registry with every built-in rule type in evaluation
// order: never_build, script, build_unit, filter.
func Default() *policy.Registry {
	reg := policy.NewRegistry()
	reg.Register(NewNeverBuild())
	reg.Register(NewScript())
	reg.Register(NewBuildUnit())
	reg.Register(NewFilter())
	return reg
}

func suppress(reason model.SuppressReason, explorable bool) dag.Decision {
	return dag.Decision{Cookable: false, Explorable: explorable, Reason: reason}
}

// NeverBuildRules handles "never_build": keys listed in policy.never_build
// are never built and their dependencies are not followed.
type NeverBuildRules struct{}

func NewNeverBuild() *NeverBuildRules { return &NeverBuildRules{} }

func (NeverBuildRules) Type() string { return "never_build" }

func (NeverBuildRules) Validate(cfg *config.PolicyConf) error {
	for i, k := range cfg.NeverBuild {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("never_build[%d] is empty", i)
		}
	}
	return nil
}

func (NeverBuildRules) Build(cfg *config.PolicyConf) ([]policy.Rule, error) {
	if len(cfg.NeverBuild) == 0 {
		return nil, nil
	}
	keys := make(map[model.Key]struct{}, len(cfg.NeverBuild))
	for _, k := range cfg.NeverBuild {
		keys[model.Key(k)] = struct{}{}
	}
	return []policy.Rule{neverBuildRule{keys: keys}}, nil
}

type neverBuildRule struct {
	keys map[model.Key]struct{}
}

func (neverBuildRule) ID() string { return "never_build" }

func (r neverBuildRule) Check(item *model.Item, _ model.Target) (dag.Decision, bool) {
	if _, ok := r.keys[item.Key]; ok {
		return suppress(model.NeverBuild, false), true
	}
	return dag.Decision{}, false
}

// ScriptRules handles "script": items whose key starts with
// policy.script_prefix are code, not content.
type ScriptRules struct{}

func NewScript() *ScriptRules { return &ScriptRules{} }

func (ScriptRules) Type() string { return "script" }

func (ScriptRules) Validate(cfg *config.PolicyConf) error {
	if cfg.ScriptPrefix == "/" {
		return fmt.Errorf("script_prefix %q would match every item", cfg.ScriptPrefix)
	}
	return nil
}

func (ScriptRules) Build(cfg *config.PolicyConf) ([]policy.Rule, error) {
	if cfg.ScriptPrefix == "" {
		return nil, nil
	}
	return []policy.Rule{scriptRule{prefix: cfg.ScriptPrefix}}, nil
}

type scriptRule struct {
	prefix string
}

func (scriptRule) ID() string { return "script" }

func (r scriptRule) Check(item *model.Item, _ model.Target) (dag.Decision, bool) {
	if strings.HasPrefix(string(item.Key), r.prefix) {
		return suppress(model.ScriptItem, false), true
	}
	return dag.Decision{}, false
}

// BuildUnitRules handles "build_unit": when policy.build_unit_root is set,
// only items whose path (or key, when the path is empty) lies under it
// are built. Items outside belong to another unit that ships them.
type BuildUnitRules struct{}

func NewBuildUnit() *BuildUnitRules { return &BuildUnitRules{} }

func (BuildUnitRules) Type() string { return "build_unit" }

func (BuildUnitRules) Validate(cfg *config.PolicyConf) error {
	if cfg.BuildUnitRoot != "" && !strings.HasPrefix(cfg.BuildUnitRoot, "/") {
		return fmt.Errorf("build_unit_root %q must be absolute", cfg.BuildUnitRoot)
	}
	return nil
}

func (BuildUnitRules) Build(cfg *config.PolicyConf) ([]policy.Rule, error) {
	if cfg.BuildUnitRoot == "" {
		return nil, nil
	}
	return []policy.Rule{buildUnitRule{root: cfg.BuildUnitRoot}}, nil
}

type buildUnitRule struct {
	root string
}

func (buildUnitRule) ID() string { return "build_unit" }

func (r buildUnitRule) Check(item *model.Item, _ model.Target) (dag.Decision, bool) {
	p := item.Path
	if p == "" {
		p = string(item.Key)
	}
	if strings.HasPrefix(p, r.root) {
		return dag.Decision{}, false
	}
	return suppress(model.NotInBuildUnit, false), true
}

// FilterRules handles "filter": one rule per policy.filters entry. An item
// matching the expression is suppressed with the entry's reason.
type FilterRules struct{}

func NewFilter() *FilterRules { return &FilterRules{} }

func (FilterRules) Type() string { return "filter" }

func (FilterRules) Validate(cfg *config.PolicyConf) error {
	for _, f := range cfg.Filters {
		if f.ID == "" {
			return fmt.Errorf("filter without id")
		}
		if _, err := condition.Compile(f.Expression, config.FilterFields...); err != nil {
			return fmt.Errorf("filter %s: %w", f.ID, err)
		}
	}
	return nil
}

func (FilterRules) Build(cfg *config.PolicyConf) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		expr, err := condition.Compile(f.Expression, config.FilterFields...)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.ID, err)
		}
		reason := model.Filtered
		if f.Reason != "" {
			if reason, err = model.ParseSuppressReason(f.Reason); err != nil {
				return nil, fmt.Errorf("filter %s: %w", f.ID, err)
			}
		}
		explore := true
		if f.Explore != nil {
			explore = *f.Explore
		}
		var targets map[model.Target]bool
		if len(f.Targets) > 0 {
			targets = make(map[model.Target]bool, len(f.Targets))
			for _, t := range f.Targets {
				targets[model.Target(t)] = true
			}
		}
		out = append(out, filterRule{
			id:       f.ID,
			expr:     expr,
			decision: suppress(reason, explore),
			targets:  targets,
		})
	}
	return out, nil
}

type filterRule struct {
	id       string
	expr     condition.Expr
	decision dag.Decision
	targets  map[model.Target]bool // nil = every target
}

func (r filterRule) ID() string { return "filter:" + r.id }

func (r filterRule) Check(item *model.Item, target model.Target) (dag.Decision, bool) {
	if r.targets != nil && !r.targets[target] {
		return dag.Decision{}, false
	}
	if condition.Evaluate(r.expr, policy.Record{Item: item, Target: target}) {
		return r.decision, true
	}
	return dag.Decision{}, false
}
