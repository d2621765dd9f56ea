package condition

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq         Operator = "=="
	OpNeq        Operator = "!="
	OpContains   Operator = "contains"
	OpMatches    Operator = "matches"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpIn         Operator = "in"
)

func isWordOperator(s string) bool {
	switch Operator(s) {
	case OpContains, OpMatches, OpStartsWith, OpEndsWith, OpIn:
		return true
	}
	return false
}

// matcher tests one field value.
type matcher func(string) bool

func newMatcher(op Operator, values []string) (matcher, error) {
	switch op {
	case OpEq:
		want := values[0]
		return func(s string) bool { return s == want }, nil
	case OpNeq:
		want := values[0]
		return func(s string) bool { return s != want }, nil
	case OpContains:
		sub := values[0]
		return func(s string) bool { return strings.Contains(s, sub) }, nil
	case OpStartsWith:
		prefix := values[0]
		return func(s string) bool { return strings.HasPrefix(s, prefix) }, nil
	case OpEndsWith:
		suffix := values[0]
		return func(s string) bool { return strings.HasSuffix(s, suffix) }, nil
	case OpMatches:
		re, err := regexp.Compile(values[0])
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", values[0], err)
		}
		return re.MatchString, nil
	case OpIn:
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		return func(s string) bool { _, ok := set[s]; return ok }, nil
	default:
		return nil, fmt.Errorf("unknown operator: %s", op)
	}
}
