package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

type mapReader struct {
	manifests map[model.Key]*model.Manifest
	err       error
}

func (r *mapReader) GetMany(_ model.Target, keys []model.Key, fn func(model.Key, *model.Manifest, error)) error {
	if r.err != nil {
		return r.err
	}
	for _, k := range keys {
		fn(k, r.manifests[k], nil)
	}
	return nil
}

// slowReader answers every key after a fixed delay, or after release is
// closed when set.
type slowReader struct {
	delay   time.Duration
	release chan struct{}
}

func (r slowReader) GetMany(_ model.Target, keys []model.Key, fn func(model.Key, *model.Manifest, error)) error {
	if r.release != nil {
		<-r.release
	}
	time.Sleep(r.delay)
	for _, k := range keys {
		fn(k, nil, nil)
	}
	return nil
}

type collected struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	got  map[model.Key]*model.Manifest
	errs map[model.Key]error
	n    map[model.Key]int
}

func newCollected(expect int) *collected {
	c := &collected{got: map[model.Key]*model.Manifest{}, errs: map[model.Key]error{}, n: map[model.Key]int{}}
	c.wg.Add(expect)
	return c
}

func (c *collected) deliver(k model.Key, m *model.Manifest, err error) {
	c.mu.Lock()
	c.got[k] = m
	c.errs[k] = err
	c.n[k]++
	c.mu.Unlock()
	c.wg.Done()
}

func newTestTransport(t *testing.T, r ManifestReader, conf config.FetchConf) *Transport {
	t.Helper()
	tr := NewTransport(context.Background(), r, conf, nil)
	t.Cleanup(tr.Close)
	return tr
}

func TestTransportDeliversEveryKeyOnce(t *testing.T) {
	r := &mapReader{manifests: map[model.Key]*model.Manifest{
		"a": {ContentKey: "ka"},
		"c": {ContentKey: "kc"},
	}}
	tr := newTestTransport(t, r, config.FetchConf{Workers: 3, QueueDepth: 1, ChunkSize: 2})

	keys := []model.Key{"a", "b", "c", "d", "e"}
	c := newCollected(len(keys))
	require.NoError(t, tr.FetchBatch(context.Background(), "linux", keys, c.deliver))
	c.wg.Wait()

	for _, k := range keys {
		assert.Equal(t, 1, c.n[k], "key %s", k)
		assert.NoError(t, c.errs[k])
	}
	assert.Equal(t, model.ContentKey("ka"), c.got["a"].ContentKey)
	assert.Nil(t, c.got["b"])
}

func TestTransportPseudoTargetsAreEmpty(t *testing.T) {
	tr := newTestTransport(t, &mapReader{err: errors.New("must not be read")}, config.FetchConf{Workers: 1})
	c := newCollected(2)
	require.NoError(t, tr.FetchBatch(context.Background(), model.AgnosticTarget, []model.Key{"a", "b"}, c.deliver))
	c.wg.Wait()
	assert.True(t, c.got["a"].Empty())
	assert.NoError(t, c.errs["b"])
}

func TestTransportReadErrorReachesEveryKey(t *testing.T) {
	boom := errors.New("disk gone")
	tr := newTestTransport(t, &mapReader{err: boom}, config.FetchConf{Workers: 1, ChunkSize: 1})
	c := newCollected(2)
	require.NoError(t, tr.FetchBatch(context.Background(), "linux", []model.Key{"a", "b"}, c.deliver))
	c.wg.Wait()
	assert.ErrorIs(t, c.errs["a"], boom)
	assert.ErrorIs(t, c.errs["b"], boom)
}

func TestTransportCancelledContext(t *testing.T) {
	tr := newTestTransport(t, &mapReader{}, config.FetchConf{Workers: 1, QueueDepth: 8})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newCollected(1)
	// The queue has room, so the chunk is accepted and answered with the
	// context error.
	require.NoError(t, tr.FetchBatch(ctx, "linux", []model.Key{"a"}, c.deliver))
	c.wg.Wait()
	assert.ErrorIs(t, c.errs["a"], context.Canceled)
}

func TestTransportFetchBatchDoesNotWaitForQueueSpace(t *testing.T) {
	tr := newTestTransport(t, slowReader{delay: 20 * time.Millisecond}, config.FetchConf{Workers: 1, QueueDepth: 1, ChunkSize: 1})
	keys := []model.Key{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	c := newCollected(len(keys))

	start := time.Now()
	require.NoError(t, tr.FetchBatch(context.Background(), "linux", keys, c.deliver))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "ten serial reads take 200ms")

	c.wg.Wait()
	for _, k := range keys {
		assert.Equal(t, 1, c.n[k], "key %s", k)
		assert.NoError(t, c.errs[k])
	}
}

func TestTransportSpilledChunksSeeCancel(t *testing.T) {
	release := make(chan struct{})
	tr := newTestTransport(t, slowReader{release: release}, config.FetchConf{Workers: 1, QueueDepth: 1, ChunkSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	keys := []model.Key{"a", "b", "c", "d"}
	c := newCollected(len(keys))

	require.NoError(t, tr.FetchBatch(ctx, "linux", keys, c.deliver))
	cancel()
	close(release)
	c.wg.Wait()

	// At most the chunk already being read escapes the cancel.
	cancelled := 0
	for _, k := range keys {
		assert.Equal(t, 1, c.n[k], "key %s", k)
		if errors.Is(c.errs[k], context.Canceled) {
			cancelled++
		}
	}
	assert.GreaterOrEqual(t, cancelled, len(keys)-1)
}

func TestWorkerPoolSubmitWait(t *testing.T) {
	release := make(chan struct{})
	var ran sync.WaitGroup
	p := newWorkerPool(context.Background(), 1, 1, func(context.Context, int) {
		<-release
		ran.Done()
	})
	ran.Add(2)
	require.True(t, p.Submit(1)) // picked up by the worker, which blocks
	require.True(t, p.SubmitWait(context.Background(), 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.SubmitWait(ctx, 3), "full queue with a dead context")

	close(release)
	ran.Wait()
	p.Drain()
}
