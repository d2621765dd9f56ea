package dag

import (
	"sync/atomic"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// VertexID is a stable handle into the vertex arena. Fetch callbacks carry
// IDs, never pointers obtained from a map.
type VertexID uint32

// fetchStatus advances NotRequested → SchedulerRequested → AsyncRequested → Complete.
type fetchStatus int32

const (
	fetchNotRequested fetchStatus = iota
	fetchSchedulerRequested
	fetchAsyncRequested
	fetchComplete
)

// tristate is the iteratively-unmodified verdict.
type tristate uint8

const (
	unknown tristate = iota
	yes
	no
)

// queryState is the per-target state of one vertex.
//
// status, delivered and manifest are written by fetch goroutines; every
// other field belongs to the driver. manifest is published by the store
// of status = fetchComplete and must not be read before that is observed.
type queryState struct {
	status    atomic.Int32
	delivered atomic.Bool
	manifest  *model.Manifest

	fetchCompleted      bool
	exploreRequested    bool
	exploreCompleted    bool
	unmodifiedRequested bool
	cycleResolved       bool
	unmodified          tristate

	reachable  bool
	visited    bool
	evaluated  bool
	cookable   bool
	explorable bool
	reason     model.SuppressReason
}

func (q *queryState) fetchStatus() fetchStatus {
	return fetchStatus(q.status.Load())
}

// Instigator records what first made a vertex reachable.
type Instigator struct {
	Referencer model.Key            `json:"referencer,omitempty"`
	Kind       model.DependencyKind `json:"kind"`
	Requested  bool                 `json:"requested,omitempty"`
}

// precedes orders candidate instigators so that the recorded one does not
// depend on completion order.
func (a Instigator) precedes(b Instigator) bool {
	if a.Requested != b.Requested {
		return a.Requested
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Referencer < b.Referencer
}

type vertex struct {
	key     model.Key
	item    *model.Item // nil when the key does not exist
	queries []queryState

	listeners   []VertexID
	edges       []VertexID // loading target only
	anyCookable bool
	reason      model.SuppressReason
	urgency     model.Urgency
	instigator  Instigator
	hasInstig   bool

	requestOrder int // -1 unless submitted directly
	member       bool
	queued       bool
	pendingCycle bool
}

func (v *vertex) exists() bool { return v.item != nil }

func (v *vertex) setInstigator(in Instigator) {
	if !v.hasInstig || in.precedes(v.instigator) {
		v.instigator = in
		v.hasInstig = true
	}
}

func (v *vertex) addListener(id VertexID) {
	for _, l := range v.listeners {
		if l == id {
			return
		}
	}
	v.listeners = append(v.listeners, id)
}

// -----------------------------------------------------------------------
// vertexStore
// -----------------------------------------------------------------------

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

type chunk [chunkSize]vertex

// vertexStore is an append-only arena. Chunks never move; growth publishes
// a new chunk table atomically so fetch goroutines can resolve IDs while
// the driver allocates.
type vertexStore struct {
	chunks     atomic.Pointer[[]*chunk]
	n          int
	byKey      map[model.Key]VertexID
	numTargets int
}

func newVertexStore(numTargets int) *vertexStore {
	s := &vertexStore{
		byKey:      make(map[model.Key]VertexID),
		numTargets: numTargets,
	}
	empty := []*chunk{}
	s.chunks.Store(&empty)
	return s
}

// findOrCreate returns the vertex for key, allocating it on first use.
// created reports whether this call allocated it. Driver only.
func (s *vertexStore) findOrCreate(key model.Key) (id VertexID, created bool) {
	if id, ok := s.byKey[key]; ok {
		return id, false
	}
	cs := *s.chunks.Load()
	if s.n>>chunkBits >= len(cs) {
		grown := make([]*chunk, len(cs), len(cs)+1)
		copy(grown, cs)
		grown = append(grown, new(chunk))
		s.chunks.Store(&grown)
		cs = grown
	}
	id = VertexID(s.n)
	v := &cs[s.n>>chunkBits][s.n&chunkMask]
	v.key = key
	v.queries = make([]queryState, s.numTargets)
	v.reason = model.ReasonUnknown
	v.requestOrder = -1
	for i := range v.queries {
		v.queries[i].reason = model.ReasonUnknown
	}
	s.byKey[key] = id
	s.n++
	return id, true
}

// lookup returns the vertex for key if it exists. Driver only.
func (s *vertexStore) lookup(key model.Key) (VertexID, bool) {
	id, ok := s.byKey[key]
	return id, ok
}

// get is safe from any goroutine for IDs that were handed out.
func (s *vertexStore) get(id VertexID) *vertex {
	cs := *s.chunks.Load()
	return &cs[id>>chunkBits][id&chunkMask]
}

func (s *vertexStore) len() int { return s.n }

func (s *vertexStore) release() {
	empty := []*chunk{}
	s.chunks.Store(&empty)
	s.byKey = nil
	s.n = 0
}
