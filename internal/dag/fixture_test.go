package dag_test

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

const linux model.Target = "linux"

// fakeGraph is an in-memory dependency index, resolver, key service and
// policy in one.
type fakeGraph struct {
	mu         sync.Mutex
	items      map[model.Key]*model.Item
	deps       map[model.Key]map[model.DependencyKind][]model.Key
	manifests  map[model.Target]map[model.Key]*model.Manifest
	suppressed map[model.Key]model.SuppressReason
	resolveErr map[model.Key]error
	evaluated  map[model.Target]int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		items:      make(map[model.Key]*model.Item),
		deps:       make(map[model.Key]map[model.DependencyKind][]model.Key),
		manifests:  make(map[model.Target]map[model.Key]*model.Manifest),
		suppressed: make(map[model.Key]model.SuppressReason),
		resolveErr: make(map[model.Key]error),
		evaluated:  make(map[model.Target]int),
	}
}

func (g *fakeGraph) add(keys ...model.Key) *fakeGraph {
	for _, k := range keys {
		g.items[k] = &model.Item{Key: k, Class: "Package", Path: string(k), Digest: "d-" + string(k)}
	}
	return g
}

func (g *fakeGraph) dep(from model.Key, kind model.DependencyKind, to ...model.Key) *fakeGraph {
	if g.deps[from] == nil {
		g.deps[from] = make(map[model.DependencyKind][]model.Key)
	}
	g.deps[from][kind] = append(g.deps[from][kind], to...)
	return g
}

// built records a previous build of key whose content key still matches.
func (g *fakeGraph) built(target model.Target, key model.Key, deps ...model.Dependency) *fakeGraph {
	ck, _ := g.ComputeKey(g.items[key], target)
	return g.record(target, key, &model.Manifest{ContentKey: ck, Dependencies: deps})
}

func (g *fakeGraph) record(target model.Target, key model.Key, m *model.Manifest) *fakeGraph {
	if g.manifests[target] == nil {
		g.manifests[target] = make(map[model.Key]*model.Manifest)
	}
	g.manifests[target][key] = m
	return g
}

func transitive(keys ...model.Key) []model.Dependency {
	out := make([]model.Dependency, len(keys))
	for i, k := range keys {
		out[i] = model.Dependency{Kind: model.TransitiveBuild, Key: k}
	}
	return out
}

func (g *fakeGraph) Resolve(_ context.Context, key model.Key) (*model.Item, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.resolveErr[key]; err != nil {
		return nil, err
	}
	item, ok := g.items[key]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (g *fakeGraph) Dependencies(_ context.Context, key model.Key, kind model.DependencyKind) ([]model.Key, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Key(nil), g.deps[key][kind]...), nil
}

func (g *fakeGraph) ComputeKey(item *model.Item, target model.Target) (model.ContentKey, error) {
	if item == nil {
		return "", errors.New("no item")
	}
	return model.ContentKey("ck:" + item.Digest + ":" + string(target)), nil
}

func (g *fakeGraph) Evaluate(item *model.Item, target model.Target) dag.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evaluated[target]++
	if r, ok := g.suppressed[item.Key]; ok {
		return dag.Decision{Reason: r}
	}
	return dag.Decision{Cookable: true, Explorable: true, Reason: model.NotSuppressed}
}

func (g *fakeGraph) manifest(target model.Target, key model.Key) *model.Manifest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manifests[target][key]
}

// asyncTransport delivers every key on its own goroutine in shuffled order.
type asyncTransport struct {
	g        *fakeGraph
	mu       sync.Mutex
	rng      *rand.Rand
	failKeys map[model.Key]bool
	failCall bool
	gate     chan struct{}
	calls    atomic.Int32
	wg       sync.WaitGroup
}

func newTransport(g *fakeGraph, seed uint64) *asyncTransport {
	return &asyncTransport{g: g, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b9)), failKeys: map[model.Key]bool{}}
}

func (t *asyncTransport) FetchBatch(ctx context.Context, target model.Target, keys []model.Key, deliver dag.DeliverFunc) error {
	t.calls.Add(1)
	if t.failCall {
		return errors.New("cache offline")
	}
	order := append([]model.Key(nil), keys...)
	t.mu.Lock()
	t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	delays := make([]time.Duration, len(order))
	for i := range delays {
		delays[i] = time.Duration(t.rng.IntN(200)) * time.Microsecond
	}
	t.mu.Unlock()

	for i, k := range order {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if t.gate != nil {
				<-t.gate
			}
			time.Sleep(delays[i])
			switch {
			case target.IsPseudo():
				deliver(k, t.g.manifest(target, k), nil)
			case t.failKeys[k]:
				deliver(k, nil, errors.New("read timeout"))
			default:
				deliver(k, t.g.manifest(target, k), nil)
			}
		}()
	}
	return nil
}

func defaultOptions() dag.Options {
	return dag.Options{
		Targets:      []model.Target{linux},
		Incremental:  true,
		AllowSoft:    true,
		Traversal:    dag.TraversalFollow,
		BatchSize:    2,
		PollInterval: 5 * time.Millisecond,
	}
}

func newCluster(t *testing.T, g *fakeGraph, tr dag.CacheReadTransport, opts dag.Options) *dag.Cluster {
	t.Helper()
	c, err := dag.NewCluster(context.Background(), opts, dag.Collaborators{
		Resolver:  g,
		Index:     g,
		Keys:      g,
		Transport: tr,
		Policy:    g,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func requests(keys ...model.Key) []dag.Request {
	out := make([]dag.Request, len(keys))
	for i, k := range keys {
		out[i] = dag.Request{Key: k}
	}
	return out
}

func finish(t *testing.T, c *dag.Cluster) *dag.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := c.Finish(ctx)
	require.NoError(t, err)
	return res
}

func position(keys []model.Key) map[model.Key]int {
	pos := make(map[model.Key]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}
	return pos
}
