package dag

import (
	"context"
	"sync"
	"time"
)

// wakeEvent is a manual-reset event: once Set, every Wait returns
// immediately until Reset.
type wakeEvent struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newWakeEvent() *wakeEvent {
	return &wakeEvent{ch: make(chan struct{})}
}

func (e *wakeEvent) Set() {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.mu.Unlock()
}

func (e *wakeEvent) Reset() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

// Wait blocks until the event is set, d elapses or ctx is done. It reports
// whether the event was set.
func (e *wakeEvent) Wait(ctx context.Context, d time.Duration) bool {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
