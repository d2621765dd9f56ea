package dag

import "sync/atomic"

type mpscNode struct {
	next atomic.Pointer[mpscNode]
	id   VertexID
}

// mpscQueue is an unbounded lock-free multi-producer single-consumer queue
// of vertex IDs. Push may be called from any goroutine; Pop and IsEmpty only
// from the driver.
type mpscQueue struct {
	head atomic.Pointer[mpscNode] // producers swap here
	tail *mpscNode                // consumer side, always a consumed node
}

func newMPSCQueue() *mpscQueue {
	q := &mpscQueue{tail: &mpscNode{}}
	q.head.Store(q.tail)
	return q
}

func (q *mpscQueue) Push(id VertexID) {
	n := &mpscNode{id: id}
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop may briefly report empty while a Push is half done; producers signal
// the wake event after Push returns, so the consumer always looks again.
func (q *mpscQueue) Pop() (VertexID, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return 0, false
	}
	q.tail = next
	return next.id, true
}

func (q *mpscQueue) IsEmpty() bool {
	return q.tail.next.Load() == nil
}
