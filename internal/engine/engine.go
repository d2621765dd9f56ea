package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

var (
	// ErrSessionNotFound is returned for unknown or closed session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRunning is returned when a result is requested before the
	// session has finished exploring.
	ErrSessionRunning = errors.New("session still exploring")
	// ErrSessionFailed wraps the error that stopped a session.
	ErrSessionFailed = errors.New("session failed")
)

// State is the lifecycle stage of a session.
type State string

const (
	StateExploring State = "exploring"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// Deps are the shared services every session uses. The cookability policy
// is supplied separately so it can be swapped on reload.
type Deps struct {
	Resolver  dag.ItemResolver
	Index     dag.DependencyIndex
	Keys      dag.ContentKeyService
	Transport dag.CacheReadTransport
}

// Request is one item a session should build.
type Request struct {
	Key     model.Key      `json:"key"`
	Targets []model.Target `json:"targets,omitempty"`
	Urgent  bool           `json:"urgent,omitempty"`
}

// Spec describes a new session. Zero fields take the configured defaults.
type Spec struct {
	Targets     []model.Target `json:"targets,omitempty"`
	Incremental *bool          `json:"incremental,omitempty"`
	Traversal   string         `json:"traversal,omitempty"`
	Requests    []Request      `json:"requests"`
}

// Rejection is a request that could not join its session.
type Rejection struct {
	Key   model.Key `json:"key"`
	Error string    `json:"error"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Targets   []model.Target `json:"targets"`
	CreatedAt time.Time      `json:"created_at"`
	Stats     dag.Stats      `json:"stats"`
	Rejected  []Rejection    `json:"rejected,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// settings is the reloadable part of the engine.
type settings struct {
	session config.SessionConf
	policy  dag.CookabilityPolicy
}

type session struct {
	id      string
	created time.Time
	cancel  context.CancelFunc

	mu       sync.Mutex
	cluster  *dag.Cluster
	state    State
	result   *dag.Result
	err      error
	done     chan struct{} // closed when state leaves StateExploring
	rejected []Rejection
	started  time.Time // start of the current exploration
}

// Engine hosts exploration sessions and advances them on a ticking loop.
type Engine struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deps     Deps
	logger   *slog.Logger
	settings atomic.Pointer[settings]
	parallel int

	mu       sync.RWMutex
	sessions map[string]*session

	loopDone chan struct{}
}

// New creates an Engine and starts its host loop. Sessions inherit ctx.
func New(ctx context.Context, deps Deps, conf config.SessionConf, policy dag.CookabilityPolicy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		deps:     deps,
		logger:   logger,
		parallel: runtime.GOMAXPROCS(0),
		sessions: make(map[string]*session),
		loopDone: make(chan struct{}),
	}
	e.settings.Store(&settings{session: conf, policy: policy})
	go e.loop()
	return e
}

// Swap replaces the session defaults and policy used by new sessions
// (used on hot-reload). Running sessions keep what they started with.
func (e *Engine) Swap(conf config.SessionConf, policy dag.CookabilityPolicy) {
	e.settings.Store(&settings{session: conf, policy: policy})
}

// Targets returns the default session targets.
func (e *Engine) Targets() []model.Target {
	return toTargets(e.settings.Load().session.Targets)
}

func toTargets(names []string) []model.Target {
	out := make([]model.Target, len(names))
	for i, n := range names {
		out[i] = model.Target(n)
	}
	return out
}

func (st *settings) options(spec Spec) (dag.Options, error) {
	sc := st.session
	traversal := spec.Traversal
	if traversal == "" {
		traversal = sc.Traversal
	}
	tr, err := dag.ParseTraversal(traversal)
	if err != nil {
		return dag.Options{}, err
	}
	targets := spec.Targets
	if len(targets) == 0 {
		targets = toTargets(sc.Targets)
	}
	incremental := sc.Incremental
	if spec.Incremental != nil {
		incremental = *spec.Incremental
	}
	return dag.Options{
		Targets:        targets,
		Incremental:    incremental,
		AllowSoft:      sc.AllowSoft,
		SkipEditorOnly: sc.SkipEditorOnly,
		Traversal:      tr,
		BatchSize:      sc.BatchSize,
		PollInterval:   sc.PollInterval(),
		WaitWarning:    sc.WaitWarning(),
	}, nil
}

// Create starts a session and submits its initial requests.
func (e *Engine) Create(spec Spec) (*SessionInfo, error) {
	st := e.settings.Load()
	opts, err := st.options(spec)
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(e.ctx)
	cl, err := dag.NewCluster(ctx, opts, dag.Collaborators{
		Resolver:  e.deps.Resolver,
		Index:     e.deps.Index,
		Keys:      e.deps.Keys,
		Transport: e.deps.Transport,
		Policy:    st.policy,
	}, e.logger.With("session_id", id))
	if err != nil {
		cancel()
		return nil, err
	}

	s := &session{
		id:      id,
		created: time.Now(),
		cancel:  cancel,
		cluster: cl,
		state:   StateExploring,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cl.Submit(s.requests(spec.Requests)); err != nil {
		cancel()
		cl.Close()
		return nil, err
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	e.logger.Info("session created", "session_id", id, "targets", opts.Targets, "requests", len(spec.Requests), "rejected", len(s.rejected))
	return s.info(), nil
}

// requests converts API requests, recording rejections on s. Suppressed
// items are reported through the result instead. Called with s.mu held.
func (s *session) requests(reqs []Request) []dag.Request {
	out := make([]dag.Request, len(reqs))
	for i, r := range reqs {
		key := r.Key
		out[i] = dag.Request{
			Key:     key,
			Targets: r.Targets,
			Urgent:  r.Urgent,
			OnDone: func(_ *model.Item, err error) {
				var se *dag.SuppressedError
				if err != nil && !errors.As(err, &se) {
					s.rejected = append(s.rejected, Rejection{Key: key, Error: err.Error()})
				}
			},
		}
	}
	return out
}

// Submit adds requests to a session. A finished session resumes exploring.
func (e *Engine) Submit(id string, reqs []Request) (*SessionInfo, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, ErrSessionNotFound
	case StateFailed:
		return nil, fmt.Errorf("%w: %v", ErrSessionFailed, s.err)
	}
	if err := s.cluster.Submit(s.requests(reqs)); err != nil {
		return nil, err
	}
	if s.state == StateDone {
		s.state = StateExploring
		s.done = make(chan struct{})
		s.started = time.Now()
		metrics.SessionsActive.Inc()
	}
	return s.info(), nil
}

// Status returns the current view of a session.
func (e *Engine) Status(id string) (*SessionInfo, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// Result returns the finished result without waiting.
func (e *Engine) Result(id string) (*dag.Result, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, _, err := s.outcome()
	return res, err
}

// Wait blocks until the session stops exploring or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (*dag.Result, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	for {
		s.mu.Lock()
		res, done, err := s.outcome()
		wait := s.done
		s.mu.Unlock()
		if done {
			return res, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// outcome reports the result and whether the session has stopped
// exploring. Called with s.mu held.
func (s *session) outcome() (*dag.Result, bool, error) {
	switch s.state {
	case StateDone:
		return s.result, true, nil
	case StateFailed:
		return nil, true, fmt.Errorf("%w: %v", ErrSessionFailed, s.err)
	case StateClosed:
		return nil, true, ErrSessionNotFound
	}
	return nil, false, ErrSessionRunning
}

// Close stops a session, waits for its in-flight fetches and forgets it.
func (e *Engine) Close(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	e.closeSession(s)
	return nil
}

func (e *Engine) closeSession(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.cancel()
	s.cluster.Close()
	if s.state == StateExploring {
		close(s.done)
		metrics.SessionsActive.Dec()
	}
	s.state = StateClosed
	metrics.SessionsFinished.WithLabelValues(string(StateClosed)).Inc()
	e.logger.Info("session closed", "session_id", s.id)
}

// Sessions lists every open session in creation order.
func (e *Engine) Sessions() []*SessionInfo {
	e.mu.RLock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
	out := make([]*SessionInfo, len(all))
	for i, s := range all {
		s.mu.Lock()
		out[i] = s.info()
		s.mu.Unlock()
	}
	return out
}

// info is called with s.mu held.
func (s *session) info() *SessionInfo {
	in := &SessionInfo{
		ID:        s.id,
		State:     s.state,
		Targets:   s.cluster.Targets(),
		CreatedAt: s.created,
		Rejected:  append([]Rejection(nil), s.rejected...),
	}
	if s.state != StateClosed {
		in.Stats = s.cluster.Stats()
	}
	if s.err != nil {
		in.Error = s.err.Error()
	}
	return in
}

func (e *Engine) get(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (e *Engine) all() []*session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// loop gives every exploring session one budgeted Run per tick.
func (e *Engine) loop() {
	defer close(e.loopDone)
	timer := time.NewTimer(e.settings.Load().session.TickInterval())
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		sc := e.settings.Load().session
		budget := dag.Budget{MaxVisits: sc.MaxVisitsPerTick, Timeout: sc.TickBudget()}

		var g errgroup.Group
		g.SetLimit(e.parallel)
		for _, s := range e.all() {
			g.Go(func() error {
				e.step(s, budget)
				return nil
			})
		}
		_ = g.Wait()
		timer.Reset(sc.TickInterval())
	}
}

func (e *Engine) step(s *session, budget dag.Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExploring {
		return
	}
	defer e.recoverInvariant(s)
	if s.cluster.Run(budget) {
		e.finish(s)
	}
}

// DrainAll runs every exploring session to completion in parallel. Status
// calls on a draining session block until it finishes.
func (e *Engine) DrainAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, s := range e.all() {
		g.Go(func() error {
			return e.drain(ctx, s)
		})
	}
	return g.Wait()
}

func (e *Engine) drain(ctx context.Context, s *session) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExploring {
		return nil
	}
	defer func() {
		if err == nil && s.state == StateFailed {
			err = fmt.Errorf("session %s: %w", s.id, s.err)
		}
	}()
	defer e.recoverInvariant(s)
	if err := s.cluster.RunUntilIdle(ctx); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	e.finish(s)
	return nil
}

// finish assembles the result of an idle session. Called with s.mu held.
func (e *Engine) finish(s *session) {
	res, err := s.cluster.Finish(e.ctx)
	if err != nil {
		e.fail(s, err)
		return
	}
	s.result = res
	s.state = StateDone
	close(s.done)
	metrics.SessionsActive.Dec()
	metrics.SessionsFinished.WithLabelValues(string(StateDone)).Inc()
	metrics.SessionDuration.Observe(float64(time.Since(s.started).Milliseconds()))
	e.logger.Info("session finished", "session_id", s.id,
		"accepted", len(res.Accepted), "demoted", len(res.Demoted), "rejected", len(s.rejected))
}

// fail stops an exploring session with err. Called with s.mu held.
func (e *Engine) fail(s *session, err error) {
	s.err = err
	s.state = StateFailed
	close(s.done)
	metrics.SessionsActive.Dec()
	metrics.SessionsFinished.WithLabelValues(string(StateFailed)).Inc()
	e.logger.Error("session failed", "session_id", s.id, "error", err)
}

// recoverInvariant turns a graph search invariant panic into a failed
// session. Other panics propagate.
func (e *Engine) recoverInvariant(s *session) {
	r := recover()
	if r == nil {
		return
	}
	ie, ok := r.(*dag.InvariantError)
	if !ok {
		panic(r)
	}
	e.fail(s, ie)
}

// Shutdown stops the host loop and closes every session. The transport
// is closed by its owner afterwards.
func (e *Engine) Shutdown() {
	e.cancel()
	<-e.loopDone
	e.mu.Lock()
	all := make([]*session, 0, len(e.sessions))
	for id, s := range e.sessions {
		all = append(all, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	for _, s := range all {
		e.closeSession(s)
	}
}
