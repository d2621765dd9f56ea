package dag

import (
	"context"
	"time"
)

// Budget bounds one Run call. Zero fields mean unlimited.
type Budget struct {
	MaxVisits int
	Timeout   time.Duration
}

type budgetState struct {
	maxUnits int
	deadline time.Time
	units    int
}

func (b Budget) start() budgetState {
	s := budgetState{maxUnits: b.MaxVisits}
	if b.Timeout > 0 {
		s.deadline = time.Now().Add(b.Timeout)
	}
	return s
}

// spend counts one visit or explore and reports whether the budget is
// exhausted. The clock is read every few units.
func (s *budgetState) spend() bool {
	s.units++
	if s.maxUnits > 0 && s.units >= s.maxUnits {
		return true
	}
	if !s.deadline.IsZero() && s.units%16 == 0 && time.Now().After(s.deadline) {
		return true
	}
	return false
}

func (s *budgetState) exhausted() bool {
	if s.maxUnits > 0 && s.units >= s.maxUnits {
		return true
	}
	return !s.deadline.IsZero() && time.Now().After(s.deadline)
}

type tickStatus int

const (
	tickProgress tickStatus = iota // did work, call again
	tickWaiting                    // only async fetches remain
	tickBudget                     // budget ran out mid-tick
	tickDone
)

// Run advances the search until it is done, the budget is spent, or it
// would have to wait for fetches. It never blocks and reports whether
// exploration is complete.
func (c *Cluster) Run(budget Budget) bool {
	if c.closed {
		return true
	}
	bs := budget.start()
	for {
		switch c.tick(&bs) {
		case tickDone:
			return true
		case tickWaiting, tickBudget:
			return false
		}
		if bs.exhausted() {
			return false
		}
	}
}

// RunUntilIdle runs the search to completion, sleeping on the wake event
// while fetches are in flight.
func (c *Cluster) RunUntilIdle(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	unlimited := Budget{}.start()
	for {
		switch c.tick(&unlimited) {
		case tickDone:
			c.waitStart = time.Time{}
			return nil
		case tickWaiting:
			if !c.ready.Wait(ctx, c.opts.PollInterval) {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			c.warnIfStalled()
		}
	}
}

func (c *Cluster) tick(bs *budgetState) tickStatus {
	explored, spent := c.drainResults(bs)
	if spent {
		return tickBudget
	}
	visited, spent := c.drainVisits(bs)
	if spent {
		return tickBudget
	}
	if explored+visited > 0 {
		c.activeTicks++
		if bound := 2 * c.runawayBound(); c.activeTicks > bound {
			invariantf("search still active after %d ticks (bound %d)", c.activeTicks, bound)
		}
		c.waitStart = time.Time{}
		return tickProgress
	}

	// Nothing local to do. Re-arm the wake event only once the completion
	// queue is confirmed empty, then check the queue again so a completion
	// that slipped in before the reset is not lost.
	c.mu.Lock()
	queueEmpty := c.results.IsEmpty()
	if queueEmpty {
		c.ready.Reset()
		queueEmpty = c.results.IsEmpty()
	}
	outstanding := len(c.batches)
	c.mu.Unlock()

	if !queueEmpty {
		return tickProgress
	}
	if len(c.preBatch) > 0 {
		c.createAvailableBatches(true)
		return tickProgress
	}
	if outstanding > 0 {
		if c.waitStart.IsZero() {
			c.waitStart = time.Now()
		}
		return tickWaiting
	}
	if len(c.pendingCycle) > 0 {
		c.resolveCycle()
		return tickProgress
	}
	return tickDone
}

// drainResults explores every vertex whose fetches completed.
func (c *Cluster) drainResults(bs *budgetState) (n int, spent bool) {
	for {
		id, ok := c.results.Pop()
		if !ok {
			return n, false
		}
		n++
		if bound := c.runawayBound(); n > bound {
			invariantf("completion queue yielded %d vertices in one pass (bound %d)", n, bound)
		}
		v := c.store.get(id)
		for i := range v.queries {
			q := &v.queries[i]
			if !q.fetchCompleted {
				q.fetchCompleted = q.fetchStatus() == fetchComplete
			}
		}
		c.explorer.explore(id)
		if bs.spend() {
			return n, true
		}
	}
}

// drainVisits visits queued vertices in snapshots so visits queued while
// visiting are handled in the next round.
func (c *Cluster) drainVisits(bs *budgetState) (n int, spent bool) {
	for len(c.visitQueue) > 0 {
		snapshot := c.visitQueue
		c.visitQueue = c.visitSpare[:0]
		for i, id := range snapshot {
			c.store.get(id).queued = false
			c.visit(id)
			n++
			if bound := c.runawayBound(); n > bound {
				invariantf("visited %d vertices in one pass (bound %d)", n, bound)
			}
			if bs.spend() {
				rest := append([]VertexID(nil), snapshot[i+1:]...)
				c.visitQueue = append(rest, c.visitQueue...)
				c.visitSpare = snapshot[:0]
				return n, true
			}
		}
		c.visitSpare = snapshot[:0]
	}
	return n, false
}

// runawayBound is the most work a correct search can do in one pass: every
// (vertex, target) pair twice plus every kick.
func (c *Cluster) runawayBound() int {
	return 2*c.store.len()*c.targets.len() + int(c.kicks.Load()) + 16
}

func (c *Cluster) warnIfStalled() {
	if c.waitStart.IsZero() {
		c.waitStart = time.Now()
		return
	}
	now := time.Now()
	if now.Sub(c.waitStart) < c.opts.WaitWarning || now.Sub(c.lastWarn) < c.opts.WaitWarning {
		return
	}
	c.lastWarn = now
	st := c.Stats()
	c.logger.Warn("still waiting for manifest fetches",
		"waited", now.Sub(c.waitStart).Round(time.Second),
		"batches", st.OutstandingBatches,
		"pending_requests", st.PendingFetches)
}
