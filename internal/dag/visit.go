package dag

import (
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// evaluate asks the policy about (v, target) once and caches the verdict.
// Vertices that are only checked for incremental status get evaluated
// without being visited.
func (c *Cluster) evaluate(v *vertex, i int) *queryState {
	q := &v.queries[i]
	if !q.evaluated {
		d := c.collab.Policy.Evaluate(v.item, c.targets.targets[i])
		q.cookable = d.Cookable
		q.explorable = d.Explorable
		q.reason = d.Reason
		if d.Cookable {
			q.reason = model.NotSuppressed
		}
		q.evaluated = true
	}
	return q
}

// visit computes cookability for every reachable, unvisited target of the
// vertex and requests the fetches its exploration needs.
func (c *Cluster) visit(id VertexID) {
	v := c.store.get(id)
	if !v.exists() {
		return
	}
	metrics.VerticesVisited.Inc()
	tier := c.opts.Traversal

	var fetch targetMask
	anyReachable, anyCookable := false, false
	for i := firstSessionIndex; i < len(v.queries); i++ {
		q := &v.queries[i]
		if !q.reachable {
			continue
		}
		anyReachable = true
		if !q.visited {
			c.evaluate(v, i)
			q.visited = true
			if tier >= TraversalFetchEdges && ((tier >= TraversalFollow && q.explorable) || c.opts.Incremental) {
				fetch.add(i)
				if !q.exploreCompleted {
					q.exploreRequested = true
				}
			}
		}
		anyCookable = anyCookable || q.cookable
	}
	if !anyReachable {
		// Reached only through the loading target, or not at all.
		anyCookable = true
	}
	if anyCookable != v.anyCookable || v.reason == model.ReasonUnknown {
		v.anyCookable = anyCookable
		v.reason = c.suppressReason(v, anyCookable)
	}

	// Vertices outside the cluster are only here for an incremental check
	// and must not drag their loading dependencies into the build.
	if v.member {
		lq := &v.queries[loadingIndex]
		if anyCookable {
			lq.reachable = true
		}
		if lq.reachable && !lq.visited {
			lq.visited = true
			lq.evaluated = true
			lq.cookable = true
			lq.explorable = true
			lq.reason = model.NotSuppressed
			if tier >= TraversalFollow {
				fetch.add(loadingIndex)
				lq.exploreRequested = true
			}
		}
	}

	for i := firstSessionIndex; i < len(v.queries); i++ {
		q := &v.queries[i]
		if q.unmodifiedRequested && q.fetchStatus() == fetchNotRequested {
			fetch.add(i)
		}
	}
	if fetch == 0 {
		return
	}
	fetch.add(agnosticIndex)
	v.queries[agnosticIndex].exploreRequested = true
	c.queueEdgesFetch(id, fetch)
}

// suppressReason is NotSuppressed for a cookable vertex and otherwise the
// reason recorded for its first reachable session target.
func (c *Cluster) suppressReason(v *vertex, anyCookable bool) model.SuppressReason {
	if anyCookable {
		return model.NotSuppressed
	}
	for i := firstSessionIndex; i < len(v.queries); i++ {
		q := &v.queries[i]
		if q.reachable && q.evaluated {
			return q.reason
		}
	}
	return model.ReasonUnknown
}
