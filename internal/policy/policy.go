package policy

import (
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Policy is a fixed sequence of rules. The first rule with an opinion
// decides; an item no rule objects to is cookable and explorable.
type Policy struct {
	rules []Rule
}

var _ dag.CookabilityPolicy = (*Policy)(nil)

// New validates cfg against every registered rule type and compiles the
// rules in registration order.
func New(reg *Registry, cfg *config.PolicyConf) (*Policy, error) {
	var errs []error
	p := &Policy{}
	for _, b := range reg.ordered() {
		if err := b.Validate(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
			continue
		}
		rules, err := b.Build(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
			continue
		}
		p.rules = append(p.rules, rules...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

// Evaluate implements dag.CookabilityPolicy.
func (p *Policy) Evaluate(item *model.Item, target model.Target) dag.Decision {
	if item == nil {
		return dag.Decision{Reason: model.Invalid}
	}
	for _, r := range p.rules {
		if d, ok := r.Check(item, target); ok {
			return d
		}
	}
	return dag.Decision{Cookable: true, Explorable: true, Reason: model.NotSuppressed}
}

// RuleIDs lists the compiled rules in evaluation order.
func (p *Policy) RuleIDs() []string {
	ids := make([]string, len(p.rules))
	for i, r := range p.rules {
		ids[i] = r.ID()
	}
	return ids
}

// Record exposes (item, target) to filter expressions under the field
// names in config.FilterFields.
type Record struct {
	Item   *model.Item
	Target model.Target
}

func (r Record) Field(name string) (string, bool) {
	switch name {
	case "item.key":
		return string(r.Item.Key), true
	case "item.class":
		return r.Item.Class, r.Item.Class != ""
	case "item.path":
		return r.Item.Path, r.Item.Path != ""
	case "target":
		return string(r.Target), true
	}
	return "", false
}
