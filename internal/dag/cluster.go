package dag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Traversal selects how far exploration goes past the requested items.
type Traversal int

const (
	// TraversalNone evaluates cookability only.
	TraversalNone Traversal = iota
	// TraversalFetchEdges fetches manifests for incremental decisions but
	// does not follow dependencies.
	TraversalFetchEdges
	// TraversalFollow explores the full dependency closure.
	TraversalFollow
)

var traversalNames = map[string]Traversal{
	"none":        TraversalNone,
	"fetch_edges": TraversalFetchEdges,
	"follow":      TraversalFollow,
}

// ParseTraversal accepts "none", "fetch_edges" or "follow".
func ParseTraversal(s string) (Traversal, error) {
	t, ok := traversalNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown traversal %q", s)
	}
	return t, nil
}

// Options configures one exploration session.
type Options struct {
	Targets        []model.Target
	Incremental    bool
	AllowSoft      bool
	SkipEditorOnly bool
	Traversal      Traversal
	BatchSize      int
	PollInterval   time.Duration // RunUntilIdle wake poll
	WaitWarning    time.Duration // RunUntilIdle logs once it has waited this long
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.WaitWarning <= 0 {
		o.WaitWarning = 10 * time.Second
	}
}

// Request asks for one item to be built for some targets. Empty Targets
// means every session target. OnDone, if set, is called once: immediately
// for a rejected request, otherwise from Finish.
type Request struct {
	Key     model.Key
	Targets []model.Target
	Urgent  bool
	OnDone  func(item *model.Item, err error)
}

type completion struct {
	id     VertexID
	onDone func(*model.Item, error)
}

// Cluster is one exploration session: it owns the vertex arena and drives
// the graph search. Every method except the fetch callbacks must be called
// from a single goroutine.
type Cluster struct {
	ctx     context.Context
	opts    Options
	collab  Collaborators
	logger  *slog.Logger
	targets *targetTable
	store   *vertexStore

	// driver state
	members      []VertexID
	visitQueue   []VertexID
	visitSpare   []VertexID
	preBatch     []VertexID
	pendingCycle []VertexID
	completions  []completion
	nextOrder    int
	activeTicks  int
	waitStart    time.Time
	lastWarn     time.Time
	explorer     explorer
	closed       bool

	// shared with fetch goroutines
	mu      sync.Mutex
	batches map[*batch]struct{}
	free    []*batch
	results *mpscQueue
	ready   *wakeEvent
	kicks   atomic.Int64
}

// NewCluster creates an empty session. ctx is passed to collaborator calls
// and bounds in-flight fetches.
func NewCluster(ctx context.Context, opts Options, collab Collaborators, logger *slog.Logger) (*Cluster, error) {
	if err := collab.validate(); err != nil {
		return nil, fmt.Errorf("cluster collaborators: %w", err)
	}
	targets, err := newTargetTable(opts.Targets)
	if err != nil {
		return nil, fmt.Errorf("cluster targets: %w", err)
	}
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cluster{
		ctx:     ctx,
		opts:    opts,
		collab:  collab,
		logger:  logger,
		targets: targets,
		store:   newVertexStore(targets.len()),
		batches: make(map[*batch]struct{}),
		results: newMPSCQueue(),
		ready:   newWakeEvent(),
	}
	c.explorer.c = c
	return c, nil
}

// Targets returns the session targets in index order.
func (c *Cluster) Targets() []model.Target {
	return append([]model.Target(nil), c.targets.targets[firstSessionIndex:]...)
}

// Submit registers requests. Rejected requests are reported to their own
// callbacks; Submit itself only fails on a closed cluster.
func (c *Cluster) Submit(reqs []Request) error {
	if c.closed {
		return ErrClosed
	}
	for _, r := range reqs {
		idxs, err := c.targets.sessionIndices(r.Targets)
		if err != nil {
			c.reject(r.OnDone, err)
			continue
		}
		id, ok := c.store.lookup(r.Key)
		if !ok {
			item, err := c.collab.Resolver.Resolve(c.ctx, r.Key)
			if err != nil {
				c.logger.Warn("item resolver failed, skipping request", "key", r.Key, "error", err)
				c.reject(r.OnDone, fmt.Errorf("resolve %s: %w", r.Key, err))
				continue
			}
			if item == nil {
				c.logger.Error("requested item does not exist", "key", r.Key)
				c.reject(r.OnDone, fmt.Errorf("%w: %s", ErrUnknownKey, r.Key))
				continue
			}
			id = c.createVertex(r.Key, item)
		}
		if !c.store.get(id).exists() {
			c.reject(r.OnDone, fmt.Errorf("%w: %s", ErrUnknownKey, r.Key))
			continue
		}
		urgency := model.UrgencyNormal
		if r.Urgent {
			urgency = model.UrgencyHigh
		}
		c.addRequest(id, idxs, urgency, r.OnDone)
	}
	return nil
}

// SubmitItems registers already-resolved items for the given targets.
func (c *Cluster) SubmitItems(items []model.Item, targets []model.Target) error {
	if c.closed {
		return ErrClosed
	}
	idxs, err := c.targets.sessionIndices(targets)
	if err != nil {
		return err
	}
	for i := range items {
		item := items[i]
		id, ok := c.store.lookup(item.Key)
		if !ok {
			id = c.createVertex(item.Key, &item)
		} else if !c.store.get(id).exists() {
			c.store.get(id).item = &item
		}
		c.addRequest(id, idxs, model.UrgencyNormal, nil)
	}
	return nil
}

// NotifyNewReachableTargets widens the targets a known item must build for
// and queues it for another visit.
func (c *Cluster) NotifyNewReachableTargets(key model.Key, targets ...model.Target) error {
	if c.closed {
		return ErrClosed
	}
	id, ok := c.store.lookup(key)
	if !ok || !c.store.get(id).exists() {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	idxs, err := c.targets.sessionIndices(targets)
	if err != nil {
		return err
	}
	v := c.store.get(id)
	for _, i := range idxs {
		v.queries[i].reachable = true
	}
	c.pull(id)
	c.enqueueVisit(id)
	return nil
}

// PendingCompletions is the number of registered callbacks Finish has not
// called yet.
func (c *Cluster) PendingCompletions() int {
	return len(c.completions)
}

func (c *Cluster) reject(onDone func(*model.Item, error), err error) {
	if onDone != nil {
		onDone(nil, err)
	}
}

func (c *Cluster) addRequest(id VertexID, idxs []int, urgency model.Urgency, onDone func(*model.Item, error)) {
	v := c.store.get(id)
	if v.requestOrder < 0 {
		v.requestOrder = c.nextOrder
		c.nextOrder++
	}
	v.setInstigator(Instigator{Requested: true})
	if urgency > v.urgency {
		v.urgency = urgency
	}
	newlyReachable := false
	for _, i := range idxs {
		q := &v.queries[i]
		if !q.reachable {
			q.reachable = true
			newlyReachable = true
		}
	}
	if newlyReachable {
		c.pull(id)
		c.enqueueVisit(id)
	}
	if onDone != nil {
		c.completions = append(c.completions, completion{id: id, onDone: onDone})
	}
}

func (c *Cluster) createVertex(key model.Key, item *model.Item) VertexID {
	id, created := c.store.findOrCreate(key)
	if created {
		c.store.get(id).item = item
		metrics.VerticesCreated.Inc()
	}
	return id
}

// vertexFor finds or creates the vertex for a discovered key. A key that
// fails to resolve gets a vertex without an item so it is asked only once.
func (c *Cluster) vertexFor(key model.Key) (VertexID, *vertex) {
	if id, ok := c.store.lookup(key); ok {
		return id, c.store.get(id)
	}
	item, err := c.collab.Resolver.Resolve(c.ctx, key)
	if err != nil {
		c.logger.Warn("item resolver failed for dependency", "key", key, "error", err)
		item = nil
	}
	id := c.createVertex(key, item)
	return id, c.store.get(id)
}

// pull makes the vertex part of the result set.
func (c *Cluster) pull(id VertexID) {
	v := c.store.get(id)
	if !v.member {
		v.member = true
		c.members = append(c.members, id)
	}
}

func (c *Cluster) enqueueVisit(id VertexID) {
	v := c.store.get(id)
	if !v.queued {
		v.queued = true
		c.visitQueue = append(c.visitQueue, id)
	}
}

// Stats is a point-in-time snapshot of the session's bookkeeping.
type Stats struct {
	Vertices           int `json:"vertices"`
	Members            int `json:"members"`
	QueuedVisits       int `json:"queued_visits"`
	PreBatch           int `json:"pre_batch"`
	OutstandingBatches int `json:"outstanding_batches"`
	PendingFetches     int `json:"pending_fetches"`
	PendingCycle       int `json:"pending_cycle"`
}

func (c *Cluster) Stats() Stats {
	s := Stats{
		Vertices:     c.store.len(),
		Members:      len(c.members),
		QueuedVisits: len(c.visitQueue),
		PreBatch:     len(c.preBatch),
		PendingCycle: len(c.pendingCycle),
	}
	c.mu.Lock()
	s.OutstandingBatches = len(c.batches)
	for b := range c.batches {
		s.PendingFetches += int(b.pending.Load())
	}
	c.mu.Unlock()
	return s
}

// Close drains every outstanding batch, discarding results, and releases
// the vertex arena. Fetch callbacks hold vertex IDs, so the arena cannot go
// while any batch is in flight.
func (c *Cluster) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.waitStart = time.Time{}
	for {
		c.mu.Lock()
		outstanding := len(c.batches)
		if outstanding > 0 {
			c.ready.Reset()
		}
		c.mu.Unlock()
		for {
			if _, ok := c.results.Pop(); !ok {
				break
			}
		}
		if outstanding == 0 {
			break
		}
		c.ready.Wait(context.Background(), c.opts.PollInterval)
		c.warnIfStalled()
	}
	c.store.release()
	c.members = nil
	c.visitQueue = nil
	c.preBatch = nil
	c.pendingCycle = nil
}
