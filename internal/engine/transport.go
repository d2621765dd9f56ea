package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// ManifestReader is the storage a Transport reads previous builds from.
// *manifest.Store implements it.
type ManifestReader interface {
	GetMany(target model.Target, keys []model.Key, fn func(model.Key, *model.Manifest, error)) error
}

// fetchChunk is one slice of a FetchBatch call handed to a worker.
type fetchChunk struct {
	ctx     context.Context
	target  model.Target
	keys    []model.Key
	deliver dag.DeliverFunc
}

// Transport serves dag.CacheReadTransport from a ManifestReader using a
// worker pool. Batches are split into chunks so one large batch does not
// hold a worker for long. FetchBatch never waits for queue space: chunks
// that do not fit are handed to a spill goroutine.
type Transport struct {
	reader    ManifestReader
	pool      *workerPool[*fetchChunk]
	chunkSize int
	timeout   time.Duration
	logger    *slog.Logger
	spills    sync.WaitGroup
	closeOnce sync.Once
}

var _ dag.CacheReadTransport = (*Transport)(nil)

// NewTransport starts conf.Workers fetch workers. Close must be called
// after every session using the transport has been closed.
func NewTransport(ctx context.Context, reader ManifestReader, conf config.FetchConf, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(conf.Workers, 1)
	t := &Transport{
		reader:    reader,
		chunkSize: max(conf.ChunkSize, 1),
		timeout:   conf.Timeout(),
		logger:    logger,
	}
	t.pool = newWorkerPool(ctx, workers, max(conf.QueueDepth, workers), t.read)
	return t
}

// FetchBatch implements dag.CacheReadTransport.
func (t *Transport) FetchBatch(ctx context.Context, target model.Target, keys []model.Key, deliver dag.DeliverFunc) error {
	if target.IsPseudo() {
		for _, k := range keys {
			deliver(k, &model.Manifest{}, nil)
		}
		return nil
	}
	chunks := t.chunks(ctx, target, keys, deliver)
	for i, c := range chunks {
		if !t.pool.Submit(c) {
			t.spill(chunks[i:])
			break
		}
	}
	metrics.TransportQueueUtilization.Set(t.QueueUtilization())
	return nil
}

func (t *Transport) chunks(ctx context.Context, target model.Target, keys []model.Key, deliver dag.DeliverFunc) []*fetchChunk {
	out := make([]*fetchChunk, 0, (len(keys)+t.chunkSize-1)/t.chunkSize)
	for start := 0; start < len(keys); start += t.chunkSize {
		end := min(start+t.chunkSize, len(keys))
		out = append(out, &fetchChunk{ctx: ctx, target: target, keys: keys[start:end], deliver: deliver})
	}
	return out
}

// spill queues chunks from a goroutine of its own, in order. A chunk whose
// context ends before it gets a slot is answered with the context error.
func (t *Transport) spill(chunks []*fetchChunk) {
	t.logger.Debug("fetch queue full, spilling chunks", "target", chunks[0].target, "chunks", len(chunks))
	t.spills.Add(1)
	go func() {
		defer t.spills.Done()
		for _, c := range chunks {
			if !t.pool.SubmitWait(c.ctx, c) {
				for _, k := range c.keys {
					c.deliver(k, nil, c.ctx.Err())
				}
			}
		}
	}()
}

func (t *Transport) read(_ context.Context, c *fetchChunk) {
	ctx := c.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		for _, k := range c.keys {
			c.deliver(k, nil, err)
		}
		return
	}

	start := time.Now()
	delivered := 0
	err := t.reader.GetMany(c.target, c.keys, func(k model.Key, m *model.Manifest, err error) {
		delivered++
		c.deliver(k, m, err)
	})
	metrics.ManifestReadDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		t.logger.Warn("manifest read failed", "target", c.target, "keys", len(c.keys), "error", err)
		metrics.FetchErrors.WithLabelValues(string(c.target)).Inc()
		// Keys already delivered are ignored by the receiver.
		for _, k := range c.keys[delivered:] {
			c.deliver(k, nil, err)
		}
	}
}

// QueueUtilization returns queue used / capacity (0-1).
func (t *Transport) QueueUtilization() float64 {
	if t.pool.QueueCap() == 0 {
		return 0
	}
	return float64(t.pool.QueueLen()) / float64(t.pool.QueueCap())
}

// Close stops the workers after the queued and spilled chunks have been
// delivered.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.spills.Wait()
		t.pool.Drain()
	})
}
