package dag

import (
	"sync/atomic"

	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// batch groups vertices whose fetches are sent together. perTarget is
// filled by the driver in send; pending is decremented by fetch goroutines.
type batch struct {
	vertices  []VertexID
	perTarget [][]VertexID
	pending   atomic.Int32
}

func (b *batch) reset(numTargets int) {
	b.vertices = b.vertices[:0]
	if len(b.perTarget) != numTargets {
		b.perTarget = make([][]VertexID, numTargets)
	}
	for i := range b.perTarget {
		b.perTarget[i] = b.perTarget[i][:0]
	}
	b.pending.Store(0)
}

// allocBatch takes a batch from the free-list. Caller holds c.mu.
func (c *Cluster) allocBatch() *batch {
	var b *batch
	if n := len(c.free); n > 0 {
		b = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		b = &batch{}
	}
	b.reset(c.targets.len())
	c.batches[b] = struct{}{}
	return b
}

// queueEdgesFetch requests fetches for the given targets of id. If every
// target is already fetched the vertex is kicked straight back to explore.
func (c *Cluster) queueEdgesFetch(id VertexID, targets targetMask) {
	v := c.store.get(id)
	anyRequested := false
	allComplete := true
	for i := range v.queries {
		if !targets.has(i) {
			continue
		}
		q := &v.queries[i]
		if q.status.CompareAndSwap(int32(fetchNotRequested), int32(fetchSchedulerRequested)) {
			anyRequested = true
		}
		if q.fetchStatus() != fetchComplete {
			allComplete = false
		}
	}
	if anyRequested {
		c.preBatch = append(c.preBatch, id)
		c.createAvailableBatches(false)
	} else if allComplete {
		c.kick(id)
	}
}

// createAvailableBatches materializes full batches from the pre-batch, or
// everything that is left when all is set.
func (c *Cluster) createAvailableBatches(all bool) {
	size := c.opts.BatchSize
	if len(c.preBatch) == 0 || (!all && len(c.preBatch) < size) {
		return
	}

	var ready []*batch
	c.mu.Lock()
	for len(c.preBatch) >= size || (all && len(c.preBatch) > 0) {
		n := min(size, len(c.preBatch))
		b := c.allocBatch()
		b.vertices = append(b.vertices, c.preBatch[:n]...)
		c.preBatch = c.preBatch[n:]
		ready = append(ready, b)
	}
	c.mu.Unlock()
	if len(c.preBatch) == 0 {
		c.preBatch = nil
	}

	for _, b := range ready {
		c.send(b)
	}
}

type fetchPlan struct {
	target int
	ids    []VertexID
}

// send moves the batch's queries to AsyncRequested and issues one fetch per
// target. The batch can complete and be recycled while send is still
// running, so the plan is copied out before anything is issued.
func (c *Cluster) send(b *batch) {
	total := 0
	for _, id := range b.vertices {
		v := c.store.get(id)
		for i := range v.queries {
			q := &v.queries[i]
			if q.status.CompareAndSwap(int32(fetchSchedulerRequested), int32(fetchAsyncRequested)) {
				b.perTarget[i] = append(b.perTarget[i], id)
				total++
			}
		}
	}
	if total == 0 {
		c.onBatchCompleted(b)
		return
	}

	plans := make([]fetchPlan, 0, len(b.perTarget))
	for i, ids := range b.perTarget {
		if len(ids) > 0 {
			plans = append(plans, fetchPlan{target: i, ids: append([]VertexID(nil), ids...)})
		}
	}
	b.pending.Store(int32(total))
	metrics.BatchesSent.Inc()
	metrics.BatchSize.Observe(float64(total))

	for _, p := range plans {
		c.issueFetch(b, p)
	}
}

func (c *Cluster) issueFetch(b *batch, p fetchPlan) {
	target := c.targets.targets[p.target]
	if !c.opts.Incremental {
		for _, id := range p.ids {
			c.recordResult(b, p.target, id, nil, nil)
		}
		return
	}

	keys := make([]model.Key, len(p.ids))
	index := make(map[model.Key]VertexID, len(p.ids))
	for i, id := range p.ids {
		keys[i] = c.store.get(id).key
		index[keys[i]] = id
	}
	err := c.collab.Transport.FetchBatch(c.ctx, target, keys, func(key model.Key, m *model.Manifest, err error) {
		id, ok := index[key]
		if !ok {
			c.logger.Warn("fetch delivered unexpected key", "key", key, "target", target)
			return
		}
		c.recordResult(b, p.target, id, m, err)
	})
	if err != nil {
		c.logger.Warn("manifest fetch failed, treating batch as unbuilt",
			"target", target, "keys", len(keys), "error", err)
		metrics.FetchErrors.WithLabelValues(string(target)).Inc()
		for _, id := range p.ids {
			c.recordResult(b, p.target, id, nil, err)
		}
	}
}

// recordResult stores one fetch result. Called from any goroutine; the
// delivered flag makes a second delivery for the same query a no-op.
func (c *Cluster) recordResult(b *batch, target int, id VertexID, m *model.Manifest, err error) {
	v := c.store.get(id)
	q := &v.queries[target]
	if !q.delivered.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		c.logger.Debug("manifest fetch error", "key", v.key, "target", c.targets.targets[target], "error", err)
	}
	if m == nil {
		m = &model.Manifest{}
	}
	q.manifest = m
	q.status.Store(int32(fetchComplete))

	// Act on the vertex only once none of its targets is still in flight.
	inFlight := false
	for i := range v.queries {
		if i == target {
			continue
		}
		st := v.queries[i].fetchStatus()
		if st >= fetchAsyncRequested && st < fetchComplete {
			inFlight = true
			break
		}
	}
	if !inFlight {
		c.kick(id)
	}

	if b.pending.Add(-1) == 0 {
		c.onBatchCompleted(b)
	}
}

func (c *Cluster) onBatchCompleted(b *batch) {
	c.mu.Lock()
	delete(c.batches, b)
	c.free = append(c.free, b)
	c.mu.Unlock()
	c.ready.Set()
}

// kick hands a vertex to the driver's completion queue.
func (c *Cluster) kick(id VertexID) {
	c.kicks.Add(1)
	c.results.Push(id)
	c.ready.Set()
}
