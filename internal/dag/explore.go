package dag

import (
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

type depEntry struct {
	key     model.Key
	targets targetMask
	kind    model.DependencyKind
}

// explorer holds scratch space reused across explores; the driver owns it.
type explorer struct {
	c *Cluster

	unmod  []int // targets needing an incremental decision
	expand []int // targets whose dependencies are discovered this pass

	deps     []depEntry
	depIndex map[model.Key]int

	hard, editor, soft []model.Key
	fetchedAgnostic    bool
}

// explore runs for a vertex whose requested fetches have all completed.
func (e *explorer) explore(id VertexID) {
	c := e.c
	v := c.store.get(id)
	if !v.exists() {
		return
	}
	metrics.VerticesExplored.Inc()

	e.calculateTargets(v)
	if !e.tryCalculateUnmodified(id, v) {
		return
	}
	if len(e.expand) == 0 {
		return
	}
	if c.opts.Traversal >= TraversalFollow {
		e.collectDependencies(v)
		e.queueVisits(id, v)
	}
	for _, i := range e.expand {
		v.queries[i].exploreCompleted = true
	}
	v.queries[agnosticIndex].exploreCompleted = true
}

func (e *explorer) calculateTargets(v *vertex) {
	e.unmod = e.unmod[:0]
	e.expand = e.expand[:0]
	agnosticReady := v.queries[agnosticIndex].fetchCompleted
	for i := loadingIndex; i < len(v.queries); i++ {
		q := &v.queries[i]
		if !q.fetchCompleted {
			continue
		}
		if i >= firstSessionIndex && q.unmodified == unknown {
			e.unmod = append(e.unmod, i)
		}
		// Session targets share the agnostic dependency lists, so they wait
		// for that fetch as well.
		if q.exploreRequested && !q.exploreCompleted && (i == loadingIndex || agnosticReady) {
			e.expand = append(e.expand, i)
		}
	}
}

// tryCalculateUnmodified decides iteratively-unmodified for every fetched
// target. It returns false when a decision waits on a transitive build
// dependency; the vertex then sits in the cycle-pending set until a
// listener kick or cycle resolution brings it back.
func (e *explorer) tryCalculateUnmodified(id VertexID, v *vertex) bool {
	c := e.c
	if !c.opts.Incremental {
		return true
	}
	allReady := true
	for _, i := range e.unmod {
		q := &v.queries[i]
		if !c.evaluate(v, i).cookable {
			decide(q, no)
			continue
		}
		target := c.targets.targets[i]
		key, err := c.collab.Keys.ComputeKey(v.item, target)
		if err != nil {
			c.logger.Warn("content key unavailable, item will rebuild",
				"key", v.key, "target", target, "error", err)
			decide(q, no)
			continue
		}
		if q.manifest.Empty() || key != q.manifest.ContentKey {
			decide(q, no)
			continue
		}
		if !q.cycleResolved {
			ready, modified := e.checkTransitive(id, v, i)
			if modified {
				decide(q, no)
				continue
			}
			if !ready {
				allReady = false
				continue
			}
		}
		decide(q, yes)
	}

	if !allReady {
		if !v.pendingCycle {
			v.pendingCycle = true
			c.pendingCycle = append(c.pendingCycle, id)
		}
		return false
	}
	v.pendingCycle = false
	if len(v.listeners) > 0 {
		listeners := v.listeners
		v.listeners = nil
		for _, l := range listeners {
			c.kick(l)
		}
	}
	return true
}

// checkTransitive looks at the transitive build dependencies recorded in
// target i's manifest. Unknown dependencies get this vertex as a listener.
func (e *explorer) checkTransitive(id VertexID, v *vertex, i int) (ready, modified bool) {
	c := e.c
	ready = true
	for _, dep := range v.queries[i].manifest.Of(model.TransitiveBuild) {
		did, dv := c.vertexFor(dep)
		if !dv.exists() {
			c.logger.Warn("transitive build dependency does not exist, item will rebuild",
				"key", v.key, "dependency", dep, "target", c.targets.targets[i])
			return false, true
		}
		dq := &dv.queries[i]
		switch dq.unmodified {
		case no:
			return false, true
		case yes:
			continue
		}
		if !dq.fetchCompleted && !dq.unmodifiedRequested {
			dq.unmodifiedRequested = true
			c.enqueueVisit(did)
		}
		dv.addListener(id)
		ready = false
	}
	return ready, false
}

func decide(q *queryState, v tristate) {
	q.unmodified = v
	if v == yes {
		metrics.IncrementalDecisions.WithLabelValues("unmodified").Inc()
	} else {
		metrics.IncrementalDecisions.WithLabelValues("modified").Inc()
	}
}

// -----------------------------------------------------------------------
// Dependency discovery
// -----------------------------------------------------------------------

func (e *explorer) resetDeps() {
	e.deps = e.deps[:0]
	if e.depIndex == nil {
		e.depIndex = make(map[model.Key]int)
	}
	clear(e.depIndex)
	e.hard, e.editor, e.soft = nil, nil, nil
	e.fetchedAgnostic = false
}

func (e *explorer) add(keys []model.Key, target int, kind model.DependencyKind) {
	for _, k := range keys {
		j, ok := e.depIndex[k]
		if !ok {
			j = len(e.deps)
			e.depIndex[k] = j
			e.deps = append(e.deps, depEntry{key: k, kind: kind})
		}
		e.deps[j].targets.add(target)
		if kind < e.deps[j].kind {
			e.deps[j].kind = kind
		}
	}
}

func (e *explorer) lookup(v *vertex, kind model.DependencyKind) []model.Key {
	keys, err := e.c.collab.Index.Dependencies(e.c.ctx, v.key, kind)
	if err != nil {
		e.c.logger.Warn("dependency index query failed", "key", v.key, "kind", kind, "error", err)
		return nil
	}
	return keys
}

// agnosticDependencies loads the lists shared by every target once per
// explore: index results plus whatever the agnostic manifest recorded.
func (e *explorer) agnosticDependencies(v *vertex) {
	if e.fetchedAgnostic {
		return
	}
	e.fetchedAgnostic = true
	c := e.c
	m := v.queries[agnosticIndex].manifest

	e.hard = append(e.lookup(v, model.Hard), m.Of(model.Hard)...)
	if !c.opts.SkipEditorOnly {
		e.editor = e.lookup(v, model.EditorHard)
	}
	if c.opts.AllowSoft {
		e.soft = append(e.lookup(v, model.Soft), m.Of(model.Soft)...)
	}
}

func (e *explorer) collectDependencies(v *vertex) {
	c := e.c
	e.resetDeps()
	for _, i := range e.expand {
		q := &v.queries[i]
		if i == loadingIndex {
			// Only hard dependencies must be loaded first.
			e.agnosticDependencies(v)
			e.add(e.hard, i, model.Hard)
			e.add(e.editor, i, model.EditorHard)
			continue
		}
		if !q.explorable {
			continue
		}
		e.agnosticDependencies(v)
		e.add(e.hard, i, model.Hard)
		e.add(e.editor, i, model.EditorHard)
		e.add(e.soft, i, model.Soft)
		if q.unmodified == yes && q.cookable {
			// The previous build already knows what this item pulls in at
			// runtime; nothing else would discover it without building.
			e.add(q.manifest.Of(model.Hard), i, model.Hard)
			if c.opts.AllowSoft {
				e.add(q.manifest.Of(model.Runtime), i, model.Runtime)
			}
		}
	}
}

// queueVisits marks discovered dependencies reachable and queues the ones
// that still need a visit. Loading-target dependencies become edges.
func (e *explorer) queueVisits(id VertexID, v *vertex) {
	c := e.c
	for _, i := range e.expand {
		if i == loadingIndex {
			v.edges = v.edges[:0]
			break
		}
	}
	for _, d := range e.deps {
		did, dv := c.vertexFor(d.key)
		if !dv.exists() || did == id {
			continue
		}
		needsVisit := false
		for i := loadingIndex; i < len(dv.queries); i++ {
			if !d.targets.has(i) {
				continue
			}
			if i == loadingIndex {
				v.edges = append(v.edges, did)
			}
			dq := &dv.queries[i]
			dq.reachable = true
			if !dq.visited {
				needsVisit = true
			}
		}
		dv.setInstigator(Instigator{Referencer: v.key, Kind: d.kind})
		c.pull(did)
		if needsVisit {
			c.enqueueVisit(did)
		}
	}
}
