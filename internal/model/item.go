package model

import "strings"

// Key uniquely identifies a work item, e.g. "/Game/Maps/Arena".
type Key string

// Target names one build configuration ("windows", "linux-server", ...).
type Target string

// Synthetic targets present in every session. Their names use a prefix that
// config validation rejects for user targets.
const (
	AgnosticTarget Target = "@agnostic"
	LoadingTarget  Target = "@loading"
)

// IsPseudo reports whether t is one of the synthetic targets.
func (t Target) IsPseudo() bool {
	return strings.HasPrefix(string(t), "@")
}

// Item is the canonical metadata for one work item as reported by the
// dependency index.
type Item struct {
	Key    Key    `json:"key" yaml:"key"`
	Class  string `json:"class,omitempty" yaml:"class"`
	Path   string `json:"path,omitempty" yaml:"path"`
	Digest string `json:"digest,omitempty" yaml:"digest"` // content hash of the source data
}

// Urgency raises scheduling priority for a requested item.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyHigh
)
