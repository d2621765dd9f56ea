package dag

import (
	"context"
	"sort"

	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Demotion is an item excluded from the build.
type Demotion struct {
	Key    model.Key            `json:"key"`
	Reason model.SuppressReason `json:"reason"`
}

// Result is the outcome of one exploration.
type Result struct {
	// Accepted lists items dependencies-first.
	Accepted []model.Key `json:"accepted"`
	// Demoted is sorted by key.
	Demoted []Demotion `json:"demoted"`
	// Edges maps an accepted item to the accepted items it must load after.
	Edges map[model.Key][]model.Key `json:"edges"`
	// Unmodified lists, per accepted item, the targets whose previous
	// build can be reused.
	Unmodified map[model.Key][]model.Target `json:"unmodified,omitempty"`
	// Urgent lists urgent accepted items in Accepted order.
	Urgent []model.Key `json:"urgent,omitempty"`
	// Instigators records why each discovered item joined the build.
	Instigators map[model.Key]Instigator `json:"instigators,omitempty"`
}

// Finish runs the search to completion, assembles the result and invokes
// every pending completion callback.
func (c *Cluster) Finish(ctx context.Context) (*Result, error) {
	if err := c.RunUntilIdle(ctx); err != nil {
		return nil, err
	}
	res := c.assemble()

	completions := c.completions
	c.completions = nil
	for _, cb := range completions {
		v := c.store.get(cb.id)
		if v.anyCookable {
			cb.onDone(v.item, nil)
		} else {
			cb.onDone(v.item, &SuppressedError{Key: v.key, Reason: v.reason})
		}
	}
	return res, nil
}

func (c *Cluster) assemble() *Result {
	res := &Result{
		Accepted:    []model.Key{},
		Demoted:     []Demotion{},
		Edges:       make(map[model.Key][]model.Key),
		Unmodified:  make(map[model.Key][]model.Target),
		Instigators: make(map[model.Key]Instigator),
	}

	var requested, discovered []VertexID
	for _, id := range c.members {
		v := c.store.get(id)
		if !v.exists() {
			continue
		}
		if !v.anyCookable {
			res.Demoted = append(res.Demoted, Demotion{Key: v.key, Reason: v.reason})
			metrics.ItemsDemoted.WithLabelValues(v.reason.String()).Inc()
			continue
		}
		if v.requestOrder >= 0 {
			requested = append(requested, id)
		} else {
			discovered = append(discovered, id)
		}
	}
	sort.Slice(res.Demoted, func(i, j int) bool { return res.Demoted[i].Key < res.Demoted[j].Key })
	sort.Slice(requested, func(i, j int) bool {
		return c.store.get(requested[i]).requestOrder < c.store.get(requested[j]).requestOrder
	})
	sort.Slice(discovered, func(i, j int) bool {
		return c.store.get(discovered[i]).key < c.store.get(discovered[j]).key
	})

	accepted := func(id VertexID) bool {
		v := c.store.get(id)
		return v.member && v.exists() && v.anyCookable
	}
	order := c.topoSort(append(requested, discovered...), accepted)

	for _, id := range order {
		v := c.store.get(id)
		res.Accepted = append(res.Accepted, v.key)
		if v.urgency > model.UrgencyNormal {
			res.Urgent = append(res.Urgent, v.key)
		}
		if v.hasInstig && !v.instigator.Requested {
			res.Instigators[v.key] = v.instigator
		}

		var deps []model.Key
		for _, d := range v.edges {
			if accepted(d) {
				deps = append(deps, c.store.get(d).key)
			}
		}
		if len(deps) > 0 {
			res.Edges[v.key] = deps
		}

		for i := firstSessionIndex; i < len(v.queries); i++ {
			if v.queries[i].unmodified == yes {
				res.Unmodified[v.key] = append(res.Unmodified[v.key], c.targets.targets[i])
			}
		}
	}
	return res
}

// topoSort emits roots and their edge-reachable accepted vertices in DFS
// postorder, so dependencies come first. The visited set makes cycles
// harmless: a back edge is simply not followed.
func (c *Cluster) topoSort(roots []VertexID, accepted func(VertexID) bool) []VertexID {
	type frame struct {
		id   VertexID
		next int
	}
	visited := make(map[VertexID]bool, len(roots))
	order := make([]VertexID, 0, len(roots))
	var stack []frame

	for _, root := range roots {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack = append(stack, frame{id: root})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := c.store.get(top.id).edges
			if top.next < len(edges) {
				d := edges[top.next]
				top.next++
				if !visited[d] && accepted(d) {
					visited[d] = true
					stack = append(stack, frame{id: d})
				}
				continue
			}
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}
