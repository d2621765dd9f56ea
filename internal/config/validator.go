package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/cookgraph/internal/condition"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// FilterFields are the record fields a policy filter expression may use.
var FilterFields = []string{"item.key", "item.class", "item.path", "target"}

// Validate checks the config for:
//   - Required fields and sane numeric settings
//   - Target names that are empty, duplicated or reserved
//   - Filter expressions that do not compile, and unknown suppress reasons
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	validateSession(&cfg.Session, &errs)
	validateFetch(&cfg.Fetch, &errs)
	if cfg.Storage.GCDiscard <= 0 || cfg.Storage.GCDiscard >= 1 {
		errs = append(errs, fmt.Sprintf("storage.gc_discard_ratio must be in (0, 1), got %v", cfg.Storage.GCDiscard))
	}
	if cfg.Storage.GCIntervalSec < 0 {
		errs = append(errs, "storage.gc_interval_sec must not be negative")
	}
	validatePolicy(&cfg.Policy, &errs)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateSession(s *SessionConf, errs *[]string) {
	if len(s.Targets) == 0 {
		*errs = append(*errs, "session.targets must not be empty")
	}
	validateTargets("session.targets", s.Targets, errs)
	if _, err := dag.ParseTraversal(s.Traversal); err != nil {
		*errs = append(*errs, fmt.Sprintf("session.traversal: %v", err))
	}
	for name, v := range map[string]int{
		"batch_size":          s.BatchSize,
		"max_visits_per_tick": s.MaxVisitsPerTick,
		"tick_budget_ms":      s.TickBudgetMs,
		"tick_interval_ms":    s.TickIntervalMs,
		"poll_interval_ms":    s.PollIntervalMs,
		"wait_warning_ms":     s.WaitWarningMs,
	} {
		if v < 0 {
			*errs = append(*errs, fmt.Sprintf("session.%s must not be negative", name))
		}
	}
}

func validateFetch(f *FetchConf, errs *[]string) {
	if f.Workers < 0 {
		*errs = append(*errs, "fetch.workers must not be negative")
	}
	if f.QueueDepth < 0 {
		*errs = append(*errs, "fetch.queue_depth must not be negative")
	}
	if f.ChunkSize < 0 {
		*errs = append(*errs, "fetch.chunk_size must not be negative")
	}
	if f.TimeoutMs < 0 {
		*errs = append(*errs, "fetch.timeout_ms must not be negative")
	}
}

func validateTargets(loc string, targets []string, errs *[]string) {
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		switch {
		case t == "":
			*errs = append(*errs, fmt.Sprintf("%s[%d]: target name is required", loc, i))
		case model.Target(t).IsPseudo():
			*errs = append(*errs, fmt.Sprintf("%s[%d]: target %q uses the reserved @ prefix", loc, i, t))
		case seen[t]:
			*errs = append(*errs, fmt.Sprintf("%s[%d]: duplicate target %q", loc, i, t))
		}
		seen[t] = true
	}
}

func validatePolicy(p *PolicyConf, errs *[]string) {
	for i, k := range p.NeverBuild {
		if k == "" {
			*errs = append(*errs, fmt.Sprintf("policy.never_build[%d]: key is required", i))
		}
	}
	ids := make(map[string]int)
	for i, f := range p.Filters {
		if f.ID == "" {
			*errs = append(*errs, fmt.Sprintf("policy.filters[%d]: id is required", i))
			continue
		}
		loc := fmt.Sprintf("filter %s", f.ID)
		if prev, ok := ids[f.ID]; ok {
			*errs = append(*errs, fmt.Sprintf("duplicate filter id %q (first seen at policy.filters[%d], again at [%d])", f.ID, prev, i))
		} else {
			ids[f.ID] = i
		}
		if f.Expression == "" {
			*errs = append(*errs, fmt.Sprintf("%s: expression is required", loc))
		} else if _, err := condition.Compile(f.Expression, FilterFields...); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: %v", loc, err))
		}
		if f.Reason != "" {
			r, err := model.ParseSuppressReason(f.Reason)
			switch {
			case err != nil:
				*errs = append(*errs, fmt.Sprintf("%s: %v", loc, err))
			case r == model.NotSuppressed || r == model.ReasonUnknown:
				*errs = append(*errs, fmt.Sprintf("%s: reason %q does not suppress", loc, f.Reason))
			}
		}
		validateTargets(loc+" targets", f.Targets, errs)
	}
}
