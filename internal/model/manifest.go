package model

import "fmt"

// ContentKey is the content-addressed identity of one (item, target) build.
type ContentKey string

// DependencyKind tags a Dependency.
type DependencyKind int

const (
	Hard DependencyKind = iota
	EditorHard
	Soft
	Build
	Runtime
	TransitiveBuild
)

var kindNames = [...]string{"hard", "editor_hard", "soft", "build", "runtime", "transitive_build"}

func (k DependencyKind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("dependency_kind(%d)", int(k))
}

// ParseDependencyKind is the inverse of String.
func ParseDependencyKind(s string) (DependencyKind, error) {
	for i, name := range kindNames {
		if name == s {
			return DependencyKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown dependency kind %q", s)
}

func (k DependencyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DependencyKind) UnmarshalText(b []byte) error {
	v, err := ParseDependencyKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Dependency is one recorded edge of a manifest; Kind carries its meaning.
type Dependency struct {
	Kind DependencyKind `json:"kind" yaml:"kind"`
	Key  Key            `json:"key" yaml:"key"`
}

// Manifest is the previous build's record for one (item, target).
// A zero Manifest means "no previous build" and can never verify an item
// as unmodified.
type Manifest struct {
	ContentKey   ContentKey   `json:"content_key,omitempty" yaml:"content_key"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies"`
}

// Empty reports whether the manifest carries no previous-build data.
func (m *Manifest) Empty() bool {
	return m == nil || (m.ContentKey == "" && len(m.Dependencies) == 0)
}

// Of returns the keys of every dependency of the given kind, in recorded order.
func (m *Manifest) Of(kind DependencyKind) []Key {
	if m == nil {
		return nil
	}
	var out []Key
	for _, d := range m.Dependencies {
		if d.Kind == kind {
			out = append(out, d.Key)
		}
	}
	return out
}
