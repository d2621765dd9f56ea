package policy

import (
	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Rule is one compiled cookability check.
type Rule interface {
	// ID names the rule in logs and metrics.
	ID() string
	// Check returns a verdict when the rule applies to (item, target).
	// ok is false when the rule has no opinion.
	Check(item *model.Item, target model.Target) (d dag.Decision, ok bool)
}

// Builder is the interface all rule types must satisfy.
type Builder interface {
	// Type returns the string key this builder is registered under.
	Type() string
	// Validate checks the policy section at load time.
	Validate(cfg *config.PolicyConf) error
	// Build compiles the rules of this type. It may return none.
	Build(cfg *config.PolicyConf) ([]Rule, error)
}
