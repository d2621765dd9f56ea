package dag

import (
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
)

// resolveCycle runs once exploration has stalled with vertices still waiting
// on each other's incremental status. Nothing outside the pending set can
// invalidate them any more, so every waiting target is taken as unmodified.
// The pending set is emptied before any vertex is kicked so a resolution
// never feeds itself.
func (c *Cluster) resolveCycle() {
	pending := c.pendingCycle
	c.pendingCycle = nil

	resolved := 0
	var first *vertex
	for _, id := range pending {
		v := c.store.get(id)
		if !v.pendingCycle {
			continue // settled after it was queued, or a duplicate entry
		}
		v.pendingCycle = false

		marked := 0
		for i := firstSessionIndex; i < len(v.queries); i++ {
			q := &v.queries[i]
			if q.unmodified != unknown || !(q.unmodifiedRequested || q.exploreRequested) {
				continue
			}
			if !q.fetchCompleted || q.cycleResolved {
				continue
			}
			q.cycleResolved = true
			marked++
		}
		if marked == 0 {
			invariantf("vertex %s is waiting on a transitive build dependency but has no unresolved target", v.key)
		}
		v.listeners = nil
		c.kick(id)
		if first == nil {
			first = v
		}
		resolved++
	}
	if resolved == 0 {
		return
	}
	metrics.CycleResolutions.Inc()
	metrics.CycleSize.Observe(float64(resolved))
	c.logger.Info("resolved transitive build dependency cycle as unmodified",
		"first", first.key, "vertices", resolved)
}
