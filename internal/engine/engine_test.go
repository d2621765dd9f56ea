package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/contentkey"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/depindex"
	"github.com/gyaneshwarpardhi/cookgraph/internal/engine"
	"github.com/gyaneshwarpardhi/cookgraph/internal/manifest"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy/rules"
)

type stack struct {
	index     *depindex.Index
	manifests *manifest.Store
	keys      *contentkey.Service
	transport *engine.Transport
	engine    *engine.Engine
}

func sessionConf() config.SessionConf {
	return config.SessionConf{
		Targets:        []string{"linux"},
		Traversal:      "follow",
		BatchSize:      2,
		TickBudgetMs:   50,
		TickIntervalMs: 1,
		PollIntervalMs: 5,
		WaitWarningMs:  10000,
	}
}

func newStack(t *testing.T, sc config.SessionConf, pol dag.CookabilityPolicy, entries ...depindex.Entry) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	idx, err := depindex.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	require.NoError(t, idx.Import(ctx, entries))

	ms, err := manifest.Open(manifest.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	if pol == nil {
		pol, err = policy.New(rules.Default(), &config.PolicyConf{ScriptPrefix: "/Script/"})
		require.NoError(t, err)
	}
	st := &stack{
		index:     idx,
		manifests: ms,
		keys:      contentkey.New("test"),
		transport: engine.NewTransport(ctx, ms, config.FetchConf{Workers: 2, QueueDepth: 4, ChunkSize: 1}, nil),
	}
	st.engine = engine.New(ctx, engine.Deps{
		Resolver:  idx,
		Index:     idx,
		Keys:      st.keys,
		Transport: st.transport,
	}, sc, pol, nil)
	t.Cleanup(func() {
		st.engine.Shutdown()
		st.transport.Close()
	})
	return st
}

func entry(key string, hard ...string) depindex.Entry {
	deps := make([]model.Key, len(hard))
	for i, h := range hard {
		deps[i] = model.Key(h)
	}
	return depindex.Entry{
		Item: model.Item{Key: model.Key(key), Class: "Asset", Digest: "d-" + key},
		Deps: map[model.DependencyKind][]model.Key{model.Hard: deps},
	}
}

func wait(t *testing.T, e *engine.Engine, id string) *dag.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func TestSessionExploresDependencies(t *testing.T) {
	st := newStack(t, sessionConf(), nil,
		entry("/Game/A", "/Game/B"),
		entry("/Game/B", "/Game/C"),
		entry("/Game/C"),
	)
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)
	assert.Equal(t, []model.Target{"linux"}, info.Targets)

	res := wait(t, st.engine, info.ID)
	assert.Equal(t, []model.Key{"/Game/C", "/Game/B", "/Game/A"}, res.Accepted)
	assert.Equal(t, []model.Key{"/Game/B"}, res.Edges["/Game/A"])

	status, err := st.engine.Status(info.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateDone, status.State)
}

func TestSessionRecordsRejections(t *testing.T) {
	st := newStack(t, sessionConf(), nil, entry("/Game/A"))
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{
		{Key: "/Game/A"},
		{Key: "/Game/Missing"},
		{Key: "/Game/A", Targets: []model.Target{"ps5"}},
	}})
	require.NoError(t, err)
	require.Len(t, info.Rejected, 2)
	assert.Equal(t, model.Key("/Game/Missing"), info.Rejected[0].Key)
	assert.Contains(t, info.Rejected[1].Error, "ps5")

	res := wait(t, st.engine, info.ID)
	assert.Equal(t, []model.Key{"/Game/A"}, res.Accepted)
}

func TestSuppressedRequestIsNotRejected(t *testing.T) {
	st := newStack(t, sessionConf(), nil, entry("/Script/Engine"))
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Script/Engine"}}})
	require.NoError(t, err)
	res := wait(t, st.engine, info.ID)
	assert.Empty(t, res.Accepted)
	assert.Equal(t, []dag.Demotion{{Key: "/Script/Engine", Reason: model.ScriptItem}}, res.Demoted)

	status, err := st.engine.Status(info.ID)
	require.NoError(t, err)
	assert.Empty(t, status.Rejected)
}

func TestIncrementalSessionReusesPreviousBuild(t *testing.T) {
	sc := sessionConf()
	sc.Incremental = true
	st := newStack(t, sc, nil,
		entry("/Game/A", "/Game/B"),
		entry("/Game/B"),
	)
	for _, k := range []model.Key{"/Game/A", "/Game/B"} {
		item, err := st.index.Resolve(context.Background(), k)
		require.NoError(t, err)
		ck, err := st.keys.ComputeKey(item, "linux")
		require.NoError(t, err)
		require.NoError(t, st.manifests.Put("linux", k, &model.Manifest{ContentKey: ck}))
	}

	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)
	res := wait(t, st.engine, info.ID)
	assert.Equal(t, []model.Key{"/Game/B", "/Game/A"}, res.Accepted)
	assert.Equal(t, []model.Target{"linux"}, res.Unmodified["/Game/A"])
	assert.Equal(t, []model.Target{"linux"}, res.Unmodified["/Game/B"])
}

func TestSubmitResumesFinishedSession(t *testing.T) {
	st := newStack(t, sessionConf(), nil, entry("/Game/A"), entry("/Game/B"))
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)
	wait(t, st.engine, info.ID)

	_, err = st.engine.Submit(info.ID, []engine.Request{{Key: "/Game/B", Urgent: true}})
	require.NoError(t, err)
	res := wait(t, st.engine, info.ID)
	assert.Equal(t, []model.Key{"/Game/A", "/Game/B"}, res.Accepted)
	assert.Equal(t, []model.Key{"/Game/B"}, res.Urgent)
}

func TestCloseForgetsSession(t *testing.T) {
	st := newStack(t, sessionConf(), nil, entry("/Game/A"))
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)
	require.NoError(t, st.engine.Close(info.ID))

	_, err = st.engine.Status(info.ID)
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	_, err = st.engine.Wait(context.Background(), info.ID)
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	assert.ErrorIs(t, st.engine.Close(info.ID), engine.ErrSessionNotFound)
}

func TestDrainAll(t *testing.T) {
	sc := sessionConf()
	sc.TickIntervalMs = int(time.Hour / time.Millisecond)
	st := newStack(t, sc, nil, entry("/Game/A", "/Game/B"), entry("/Game/B"))

	var ids []string
	for range 3 {
		info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}
	for _, id := range ids {
		_, err := st.engine.Result(id)
		require.ErrorIs(t, err, engine.ErrSessionRunning)
	}

	require.NoError(t, st.engine.DrainAll(context.Background()))
	for _, id := range ids {
		res, err := st.engine.Result(id)
		require.NoError(t, err)
		assert.Equal(t, []model.Key{"/Game/B", "/Game/A"}, res.Accepted)
	}
	assert.Len(t, st.engine.Sessions(), 3)
}

type panickingPolicy struct{}

func (panickingPolicy) Evaluate(*model.Item, model.Target) dag.Decision {
	panic(&dag.InvariantError{Msg: "boom"})
}

func TestInvariantPanicFailsSession(t *testing.T) {
	st := newStack(t, sessionConf(), panickingPolicy{}, entry("/Game/A"))
	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = st.engine.Wait(ctx, info.ID)
	require.ErrorIs(t, err, engine.ErrSessionFailed)
	assert.Contains(t, err.Error(), "boom")

	status, err := st.engine.Status(info.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, status.State)

	_, err = st.engine.Submit(info.ID, []engine.Request{{Key: "/Game/A"}})
	assert.True(t, errors.Is(err, engine.ErrSessionFailed))
}

func TestSwapAffectsNewSessions(t *testing.T) {
	st := newStack(t, sessionConf(), nil, entry("/Game/A"))
	sc := sessionConf()
	sc.Targets = []string{"ps5", "switch"}
	pol, err := policy.New(rules.Default(), &config.PolicyConf{NeverBuild: []string{"/Game/A"}})
	require.NoError(t, err)
	st.engine.Swap(sc, pol)
	assert.Equal(t, []model.Target{"ps5", "switch"}, st.engine.Targets())

	info, err := st.engine.Create(engine.Spec{Requests: []engine.Request{{Key: "/Game/A"}}})
	require.NoError(t, err)
	assert.Equal(t, []model.Target{"ps5", "switch"}, info.Targets)
	res := wait(t, st.engine, info.ID)
	assert.Equal(t, []dag.Demotion{{Key: "/Game/A", Reason: model.NeverBuild}}, res.Demoted)
}

func TestCreateRejectsBadTraversal(t *testing.T) {
	st := newStack(t, sessionConf(), nil)
	_, err := st.engine.Create(engine.Spec{Traversal: "sideways"})
	assert.Error(t, err)
}

type slowManifests struct{ delay time.Duration }

func (r slowManifests) GetMany(_ model.Target, keys []model.Key, fn func(model.Key, *model.Manifest, error)) error {
	time.Sleep(r.delay)
	for _, k := range keys {
		fn(k, nil, nil)
	}
	return nil
}

func TestRunBudgetHoldsUnderFetchBackPressure(t *testing.T) {
	ctx := context.Background()
	idx, err := depindex.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	var entries []depindex.Entry
	var reqs []dag.Request
	for i := range 10 {
		key := fmt.Sprintf("/Game/Item%d", i)
		entries = append(entries, entry(key))
		reqs = append(reqs, dag.Request{Key: model.Key(key)})
	}
	require.NoError(t, idx.Import(ctx, entries))

	tr := engine.NewTransport(ctx, slowManifests{delay: 50 * time.Millisecond}, config.FetchConf{Workers: 1, QueueDepth: 1, ChunkSize: 1}, nil)
	t.Cleanup(tr.Close)
	pol, err := policy.New(rules.Default(), &config.PolicyConf{})
	require.NoError(t, err)

	c, err := dag.NewCluster(ctx, dag.Options{
		Targets:     []model.Target{"linux"},
		Incremental: true,
		Traversal:   dag.TraversalFollow,
	}, dag.Collaborators{
		Resolver:  idx,
		Index:     idx,
		Keys:      contentkey.New("test"),
		Transport: tr,
		Policy:    pol,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Submit(reqs))

	start := time.Now()
	c.Run(dag.Budget{Timeout: 5 * time.Millisecond})
	assert.Less(t, time.Since(start), 200*time.Millisecond, "reading ten keys one at a time takes 500ms")
}
