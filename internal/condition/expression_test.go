package condition

import (
	"testing"
)

// mapRecord implements Record for tests.
type mapRecord map[string]string

func (m mapRecord) Field(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

var texture = mapRecord{
	"item.key":   "/Game/Env/T_Rock",
	"item.class": "Texture2D",
	"item.path":  "/Game/Env/T_Rock.uasset",
	"target":     "linux",
}

type evalCase struct {
	name string
	expr string
	rec  Record
	want bool
}

func TestEvaluate(t *testing.T) {
	cases := []evalCase{
		{name: "eq true", expr: `item.class == "Texture2D"`, rec: texture, want: true},
		{name: "eq false", expr: `item.class == "World"`, rec: texture, want: false},
		{name: "neq", expr: `target != "windows"`, rec: texture, want: true},
		{name: "contains", expr: `item.key contains "Env"`, rec: texture, want: true},
		{name: "startswith", expr: `item.path startswith "/Game/"`, rec: texture, want: true},
		{name: "endswith false", expr: `item.path endswith ".umap"`, rec: texture, want: false},
		{name: "matches", expr: `item.key matches "^/Game/.*/T_"`, rec: texture, want: true},
		{name: "in list", expr: `target in ["windows", "linux"]`, rec: texture, want: true},
		{name: "in list miss", expr: `target in ["ps5"]`, rec: texture, want: false},
		{name: "and", expr: `item.class == "Texture2D" AND target == "linux"`, rec: texture, want: true},
		{name: "and short", expr: `item.class == "World" AND target == "linux"`, rec: texture, want: false},
		{name: "or", expr: `item.class == "World" OR target == "linux"`, rec: texture, want: true},
		{name: "not", expr: `NOT item.class == "World"`, rec: texture, want: true},
		{name: "parens", expr: `NOT (item.class == "Texture2D" OR target == "ps5")`, rec: texture, want: false},
		{name: "lowercase keywords", expr: `item.class == "Texture2D" and not target == "ps5"`, rec: texture, want: true},
		{name: "escaped quote", expr: `item.key == "a\"b"`, rec: mapRecord{"item.key": `a"b`}, want: true},
		{name: "missing field", expr: `item.class == "Texture2D"`, rec: mapRecord{}, want: false},
		{name: "missing field negated", expr: `NOT item.class == "Texture2D"`, rec: mapRecord{}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ast, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.expr, err)
			}
			if got := Evaluate(ast, tc.rec); got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		``,
		`item.class`,
		`item.class = "x"`,
		`item.class == x`,
		`item.class == "x`,
		`item.class matches "("`,
		`target in []`,
		`target in ["a" "b"]`,
		`(item.class == "x"`,
		`item.class == "x" target == "y"`,
		`"x" == item.class`,
		`item.class > "x"`,
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) expected error", expr)
		}
	}
}

func TestCompileRejectsUnknownFields(t *testing.T) {
	known := []string{"item.key", "item.class", "item.path", "target"}
	if _, err := Compile(`item.class == "x" AND target == "linux"`, known...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Compile(`item.size == "10"`, known...); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestFields(t *testing.T) {
	ast, err := Parse(`item.class == "a" OR (NOT target == "b" AND item.class == "c")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := Fields(ast)
	if len(got) != 2 || got[0] != "item.class" || got[1] != "target" {
		t.Errorf("expected [item.class target], got %v", got)
	}
}
