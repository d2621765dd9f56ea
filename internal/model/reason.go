package model

import "fmt"

// SuppressReason explains why an item is excluded from the build.
type SuppressReason int

const (
	NotSuppressed SuppressReason = iota
	NeverBuild
	ScriptItem
	NotInBuildUnit
	Filtered
	Invalid

	// ReasonUnknown marks a reason that has not been computed yet. It never
	// leaves the graph search.
	ReasonUnknown SuppressReason = -1
)

var reasonNames = map[SuppressReason]string{
	NotSuppressed:  "not_suppressed",
	NeverBuild:     "never_build",
	ScriptItem:     "script_item",
	NotInBuildUnit: "not_in_build_unit",
	Filtered:       "filtered",
	Invalid:        "invalid",
	ReasonUnknown:  "unknown",
}

func (r SuppressReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("suppress_reason(%d)", int(r))
}

// ParseSuppressReason is the inverse of String.
func ParseSuppressReason(s string) (SuppressReason, error) {
	for r, name := range reasonNames {
		if name == s {
			return r, nil
		}
	}
	return ReasonUnknown, fmt.Errorf("unknown suppress reason %q", s)
}

func (r SuppressReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *SuppressReason) UnmarshalText(b []byte) error {
	v, err := ParseSuppressReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
