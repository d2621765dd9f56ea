package dag

import (
	"fmt"
	"sort"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Stable target indices. Session targets follow in sorted order.
const (
	agnosticIndex     = 0
	loadingIndex      = 1
	firstSessionIndex = 2

	// maxTargets bounds the per-dependency target mask.
	maxTargets = 64
)

// targetTable maps targets to their stable indices for one session.
type targetTable struct {
	targets []model.Target
	index   map[model.Target]int
}

func newTargetTable(session []model.Target) (*targetTable, error) {
	if len(session) == 0 {
		return nil, fmt.Errorf("no session targets")
	}
	sorted := append([]model.Target(nil), session...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	t := &targetTable{
		targets: []model.Target{model.AgnosticTarget, model.LoadingTarget},
		index: map[model.Target]int{
			model.AgnosticTarget: agnosticIndex,
			model.LoadingTarget:  loadingIndex,
		},
	}
	for _, target := range sorted {
		if target == "" || target.IsPseudo() {
			return nil, fmt.Errorf("invalid session target %q", target)
		}
		if _, dup := t.index[target]; dup {
			continue
		}
		t.index[target] = len(t.targets)
		t.targets = append(t.targets, target)
	}
	if len(t.targets) > maxTargets {
		return nil, fmt.Errorf("too many targets: %d (max %d)", len(t.targets)-firstSessionIndex, maxTargets-firstSessionIndex)
	}
	return t, nil
}

func (t *targetTable) len() int { return len(t.targets) }

// sessionIndices resolves request targets. An empty list means every
// session target.
func (t *targetTable) sessionIndices(targets []model.Target) ([]int, error) {
	if len(targets) == 0 {
		out := make([]int, 0, len(t.targets)-firstSessionIndex)
		for i := firstSessionIndex; i < len(t.targets); i++ {
			out = append(out, i)
		}
		return out, nil
	}
	out := make([]int, 0, len(targets))
	for _, target := range targets {
		i, ok := t.index[target]
		if !ok || i < firstSessionIndex {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// targetMask is a set of target indices.
type targetMask uint64

func (m targetMask) has(i int) bool { return m&(1<<uint(i)) != 0 }

func (m *targetMask) add(i int) { *m |= 1 << uint(i) }
