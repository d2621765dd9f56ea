package condition

import (
	"fmt"
	"strings"
)

// Record provides field values for evaluation.
type Record interface {
	Field(name string) (string, bool)
}

// Evaluate walks the AST. A field the record does not have makes its
// comparison false.
func Evaluate(expr Expr, rec Record) bool {
	switch e := expr.(type) {
	case *BinaryExpr:
		if e.Op == "AND" {
			return Evaluate(e.Left, rec) && Evaluate(e.Right, rec)
		}
		return Evaluate(e.Left, rec) || Evaluate(e.Right, rec)
	case *NotExpr:
		return !Evaluate(e.Expr, rec)
	case *ComparisonExpr:
		v, ok := rec.Field(e.Field)
		return ok && e.match(v)
	}
	return false
}

// Compile parses expr and rejects fields outside known.
func Compile(expr string, known ...string) (Expr, error) {
	ast, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	var unknown []string
	for _, f := range Fields(ast) {
		if !allowed[f] {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown field(s) %s (known: %s)", strings.Join(unknown, ", "), strings.Join(known, ", "))
	}
	return ast, nil
}
