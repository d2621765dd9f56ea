package condition

import (
	"fmt"
	"strings"
	"unicode"
)

// -----------------------------------------------------------------------
// AST nodes
// -----------------------------------------------------------------------

// Expr is the common interface for all AST nodes.
type Expr interface {
	exprNode()
}

// BinaryExpr represents AND / OR.
type BinaryExpr struct {
	Op    string // "AND" | "OR"
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}

// NotExpr represents NOT <expr>.
type NotExpr struct {
	Expr Expr
}

func (*NotExpr) exprNode() {}

// ComparisonExpr represents <field> <operator> <value>. Filters always
// compare a field against a literal, so the left side is never a literal.
type ComparisonExpr struct {
	Field  string
	Op     Operator
	Values []string // one value, or several for "in"
	match  matcher
}

func (*ComparisonExpr) exprNode() {}

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // field, keyword or word operator
	tokOp                      // == !=
	tokString                  // "…" or '…'
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

var punct = map[byte]tokenKind{
	'(': tokLParen,
	')': tokRParen,
	'[': tokLBracket,
	']': tokRBracket,
	',': tokComma,
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		if unicode.IsSpace(rune(ch)) {
			i++
			continue
		}
		if kind, ok := punct[ch]; ok {
			tokens = append(tokens, token{kind, string(ch), i})
			i++
			continue
		}
		if ch == '=' || ch == '!' {
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, fmt.Errorf("unexpected %q at position %d (did you mean %c=?)", ch, i, ch)
			}
			tokens = append(tokens, token{tokOp, expr[i : i+2], i})
			i += 2
			continue
		}
		if ch == '"' || ch == '\'' {
			s, next, err := scanString(expr, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, s, i})
			i = next
			continue
		}
		if unicode.IsLetter(rune(ch)) || ch == '_' {
			j := i
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) || expr[j] == '_' || expr[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokWord, expr[i:j], i})
			i = j
			continue
		}
		return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
	}
	tokens = append(tokens, token{tokEOF, "", len(expr)})
	return tokens, nil
}

// scanString reads a quoted literal starting at expr[start]. Backslash
// escapes the next character.
func scanString(expr string, start int) (string, int, error) {
	quote := expr[start]
	var b strings.Builder
	for j := start + 1; j < len(expr); j++ {
		switch expr[j] {
		case '\\':
			j++
			if j >= len(expr) {
				return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
			}
			b.WriteByte(expr[j])
		case quote:
			return b.String(), j + 1, nil
		default:
			b.WriteByte(expr[j])
		}
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

// -----------------------------------------------------------------------
// Recursive-descent parser
// -----------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) expect(kind tokenKind, val string) error {
	t := p.peek()
	if t.kind != kind {
		return fmt.Errorf("expected %q at position %d but got %q", val, t.pos, t.val)
	}
	p.consume()
	return nil
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// Parse parses a filter expression into an AST. Regular expressions are
// compiled here; nothing is parsed at evaluation time.
func Parse(expr string) (Expr, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.peek().val, p.peek().pos)
	}
	return node, nil
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// and_expr = not_expr ( "AND" not_expr )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.consume()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

// not_expr = "NOT" not_expr | "(" or_expr ")" | comparison
func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.consume()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = field operator ( string | "[" string ( "," string )* "]" )
func (p *parser) parseComparison() (Expr, error) {
	f := p.peek()
	if f.kind != tokWord {
		return nil, fmt.Errorf("expected field at position %d, got %q", f.pos, f.val)
	}
	p.consume()

	t := p.peek()
	var op Operator
	switch {
	case t.kind == tokOp:
		op = Operator(t.val)
	case t.kind == tokWord && isWordOperator(strings.ToLower(t.val)):
		op = Operator(strings.ToLower(t.val))
	default:
		return nil, fmt.Errorf("expected operator after %q, got %q", f.val, t.val)
	}
	p.consume()

	var values []string
	if op == OpIn {
		if err := p.expect(tokLBracket, "["); err != nil {
			return nil, err
		}
		for {
			v := p.peek()
			if v.kind != tokString {
				return nil, fmt.Errorf("expected string in list at position %d, got %q", v.pos, v.val)
			}
			values = append(values, p.consume().val)
			if p.peek().kind != tokComma {
				break
			}
			p.consume()
		}
		if err := p.expect(tokRBracket, "]"); err != nil {
			return nil, err
		}
	} else {
		v := p.peek()
		if v.kind != tokString {
			return nil, fmt.Errorf("expected string after %s at position %d, got %q", op, v.pos, v.val)
		}
		values = append(values, p.consume().val)
	}

	m, err := newMatcher(op, values)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", f.val, op, err)
	}
	return &ComparisonExpr{Field: f.val, Op: op, Values: values, match: m}, nil
}

// Fields returns the distinct field names an expression refers to.
func Fields(expr Expr) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch e := e.(type) {
		case *BinaryExpr:
			walk(e.Left)
			walk(e.Right)
		case *NotExpr:
			walk(e.Expr)
		case *ComparisonExpr:
			if !seen[e.Field] {
				seen[e.Field] = true
				out = append(out, e.Field)
			}
		}
	}
	walk(expr)
	return out
}
