// Package registry owns every session of the process.
//
// Callers get handle-based access (ids, views, log tails); the id→record map
// is the only structure shared between session workers. Each started session
// runs as a named goroutine under a supervisor so shutdown can cancel and
// join all of them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"courtbot/internal/runtime/supervisor"
	"courtbot/internal/session"
	logx "courtbot/pkg/logx"
)

const (
	DefaultMaxFinished = 500
	DefaultRecentLimit = 20
	goroutinePrefix    = "session."
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyRunning = errors.New("session already running")
	ErrClosed         = errors.New("registry is shut down")
)

// Runner drives one session to a terminal status.
type Runner interface {
	Run(ctx context.Context, st *session.State) session.Status
}

type RunnerFunc func(ctx context.Context, st *session.State) session.Status

func (f RunnerFunc) Run(ctx context.Context, st *session.State) session.Status { return f(ctx, st) }

// Factory builds the runner for a session about to start.
type Factory func(st *session.State) (Runner, error)

type record struct {
	st       *session.State
	started  bool
	finished uint64 // finish order, 0 while running
}

type Registry struct {
	factory     Factory
	sup         *supervisor.Supervisor
	log         logx.Logger
	now         func() time.Time
	maxFinished int
	logCapacity int

	mu      sync.RWMutex
	closed  bool
	seq     uint64
	records map[string]*record
}

type Option func(*Registry)

func WithLogger(l logx.Logger) Option { return func(r *Registry) { r.log = l } }

// WithClock sets the timestamp source for new session states.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxFinished bounds how many finished sessions are kept for read-back.
func WithMaxFinished(n int) Option { return func(r *Registry) { r.maxFinished = n } }

// WithLogCapacity sets the per-session log ring size.
func WithLogCapacity(n int) Option { return func(r *Registry) { r.logCapacity = n } }

// New creates a registry whose workers live under a supervisor derived from parent.
func New(parent context.Context, factory Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:     factory,
		log:         logx.Nop(),
		now:         time.Now,
		maxFinished: DefaultMaxFinished,
		logCapacity: session.DefaultLogCapacity,
		records:     map[string]*record{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.maxFinished <= 0 {
		r.maxFinished = DefaultMaxFinished
	}
	r.sup = supervisor.New(parent, supervisor.WithLogger(r.log.With(logx.String("comp", "registry.supervisor"))))
	return r
}

// Create validates req and registers a new session in StatusStarting.
// A finished session under the same id is replaced.
func (r *Registry) Create(id string, req session.Request) (*session.State, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", session.ErrInvalidRequest)
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if prev, ok := r.records[id]; ok {
		if prev.st.Running() {
			return nil, ErrAlreadyRunning
		}
		if !prev.started {
			r.abandonLocked(prev, "replaced before start")
		}
		r.sup.Forget(goroutinePrefix + id)
	}
	st := session.NewState(id, req, session.WithClock(r.now), session.WithLogCapacity(r.logCapacity))
	r.records[id] = &record{st: st}
	return st, nil
}

// Start spawns the race for a created session.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if r.closed {
		if ok && !rec.started {
			r.abandonLocked(rec, "registry closed before start")
		}
		r.mu.Unlock()
		return ErrClosed
	}
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if rec.started {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	rec.started = true
	rec.st.MarkStarted()
	r.mu.Unlock()

	st := rec.st
	runner, err := r.factory(st)
	if err != nil {
		st.Transition(session.StatusError, fmt.Sprintf("cannot start: %v", err))
		r.finish(id, rec)
		return fmt.Errorf("start session: %w", err)
	}

	r.sup.Go(goroutinePrefix+id, func(ctx context.Context) error {
		defer r.finish(id, rec)
		status := runner.Run(ctx, st)
		r.log.Info("session finished", logx.String("sid", id), logx.String("status", status.String()))
		return nil
	})
	return nil
}

// Launch is Create followed by Start.
func (r *Registry) Launch(id string, req session.Request) (*session.State, error) {
	st, err := r.Create(id, req)
	if err != nil {
		return nil, err
	}
	if err := r.Start(id); err != nil {
		return st, err
	}
	return st, nil
}

func (r *Registry) finish(id string, rec *record) {
	if !rec.st.Status().Terminal() {
		rec.st.Transition(session.StatusError, "worker exited without an outcome")
	}
	rec.st.MarkDone()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec.finished = r.seq
	r.evictLocked()
}

// abandonLocked finalizes a record that never got a worker.
func (r *Registry) abandonLocked(rec *record, detail string) {
	rec.started = true
	rec.st.Transition(session.StatusCancelled, detail)
	rec.st.MarkDone()
	r.seq++
	rec.finished = r.seq
}

func (r *Registry) evictLocked() {
	var done []string
	for id, rec := range r.records {
		if rec.finished > 0 {
			done = append(done, id)
		}
	}
	excess := len(done) - r.maxFinished
	if excess <= 0 {
		return
	}
	sort.Slice(done, func(i, j int) bool { return r.records[done[i]].finished < r.records[done[j]].finished })
	for _, id := range done[:excess] {
		delete(r.records, id)
		r.sup.Forget(goroutinePrefix + id)
	}
}

// Cancel sets the session's cancel flag. Cancelling twice, or cancelling a
// finished session, is a no-op.
func (r *Registry) Cancel(id string) error {
	st, err := r.state(id)
	if err != nil {
		return err
	}
	if st.RequestCancel() {
		r.log.Info("session cancel requested", logx.String("sid", id))
	}
	return nil
}

func (r *Registry) Snapshot(id string) (session.View, error) {
	st, err := r.state(id)
	if err != nil {
		return session.View{}, err
	}
	return st.View(), nil
}

// Logs returns up to tail newest entries, oldest first (tail <= 0: all).
func (r *Registry) Logs(id string, tail int) ([]session.Entry, error) {
	st, err := r.state(id)
	if err != nil {
		return nil, err
	}
	return st.Logs(tail), nil
}

// ListActive returns views of running sessions, oldest start first.
func (r *Registry) ListActive() []session.View {
	out := r.views(func(rec *record) bool { return rec.st.Running() })
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ListRecentFinished returns up to limit finished sessions, newest first.
func (r *Registry) ListRecentFinished(limit int) []session.View {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	out := r.views(func(rec *record) bool { return rec.started && !rec.st.Running() })
	sort.Slice(out, func(i, j int) bool {
		return finishedAt(out[i]).After(finishedAt(out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ActiveCount is the number of running sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.st.Running() {
			n++
		}
	}
	return n
}

// Supervisor exposes worker stats for health output.
func (r *Registry) Supervisor() *supervisor.Supervisor { return r.sup }

// Shutdown refuses new sessions, cancels every running one and waits for
// all workers (bounded by ctx).
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	states := make([]*session.State, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.started {
			r.abandonLocked(rec, "registry shut down before start")
			continue
		}
		states = append(states, rec.st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.RequestCancel()
	}
	return r.sup.Stop(ctx)
}

// Wait blocks until every started worker has returned (bounded by ctx).
func (r *Registry) Wait(ctx context.Context) error {
	return r.sup.Wait(ctx)
}

func (r *Registry) state(id string) (*session.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.st, nil
}

func (r *Registry) views(keep func(*record) bool) []session.View {
	r.mu.RLock()
	states := make([]*session.State, 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			states = append(states, rec.st)
		}
	}
	r.mu.RUnlock()

	out := make([]session.View, 0, len(states))
	for _, st := range states {
		out = append(out, st.View())
	}
	return out
}

func finishedAt(v session.View) time.Time {
	if v.FinishedAt != nil {
		return *v.FinishedAt
	}
	return v.UpdatedAt
}
