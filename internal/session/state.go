package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Booking records the slot a session won.
type Booking struct {
	Resource     string `json:"resource"`
	ResourceName string `json:"resource_name,omitempty"`
	Date         string `json:"date"`
	Start        string `json:"start"`
	End          string `json:"end"`
}

// State is the mutable record of one race.
//
// Status, detail, log and booking are written only by the owning engine.
// The cancel flag is written only by RequestCancel and never reset.
type State struct {
	id  string
	req Request
	now func() time.Time

	started    atomic.Bool
	cancel     atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneOnce   sync.Once
	doneCh     chan struct{}

	hookMu      sync.Mutex
	cancelHooks []func()

	mu         sync.Mutex
	status     Status
	detail     string
	log        *Ring
	startedAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
	booking    *Booking
	date       string
}

type StateOption func(*State)

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) StateOption {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogCapacity overrides the log ring size.
func WithLogCapacity(n int) StateOption {
	return func(s *State) { s.log = NewRing(n) }
}

// NewState creates a session in StatusStarting. req should already be normalized.
func NewState(id string, req Request, opts ...StateOption) *State {
	s := &State{
		id:       id,
		req:      req,
		now:      time.Now,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
		status:   StatusStarting,
		detail:   "session created",
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = NewRing(DefaultLogCapacity)
	}
	now := s.now()
	s.startedAt = now
	s.updatedAt = now
	return s
}

func (s *State) ID() string       { return s.id }
func (s *State) Request() Request { return s.req }

// Log appends a message to the session log.
func (s *State) Log(msg string) {
	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()
}

func (s *State) Logf(format string, args ...any) {
	s.Log(fmt.Sprintf(format, args...))
}

func (s *State) appendLocked(msg string) {
	at := s.now()
	// Readers must never see timestamps go backwards, even if the wall clock does.
	if last, ok := s.log.Last(); ok && at.Before(last.At) {
		at = last.At
	}
	s.log.Append(Entry{At: at, Message: msg})
	if at.After(s.updatedAt) {
		s.updatedAt = at
	}
}

// Transition moves to status with detail and logs the detail.
// It returns false (and changes nothing) once a terminal status was recorded.
func (s *State) Transition(status Status, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.detail = detail
	s.appendLocked(fmt.Sprintf("[%s] %s", status, detail))
	if status.Terminal() {
		s.finishedAt = s.updatedAt
	}
	return true
}

// SetDetail updates the progress string without logging it (last write wins).
func (s *State) SetDetail(detail string) {
	s.mu.Lock()
	s.detail = detail
	if now := s.now(); now.After(s.updatedAt) {
		s.updatedAt = now
	}
	s.mu.Unlock()
}

// SetDate records the resolved booking date.
func (s *State) SetDate(day string) {
	s.mu.Lock()
	s.date = day
	s.mu.Unlock()
}

func (s *State) SetBooking(b Booking) {
	s.mu.Lock()
	s.booking = &b
	s.mu.Unlock()
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RequestCancel sets the cancel flag. It reports whether this call set it.
func (s *State) RequestCancel() bool {
	first := false
	s.cancelOnce.Do(func() {
		first = true
		s.hookMu.Lock()
		s.cancel.Store(true)
		hooks := s.cancelHooks
		s.cancelHooks = nil
		s.hookMu.Unlock()
		close(s.cancelCh)
		for _, f := range hooks {
			f()
		}
	})
	return first
}

// AfterCancel registers f to run synchronously inside the RequestCancel call
// that sets the flag, or immediately if the flag is already set.
func (s *State) AfterCancel(f func()) {
	s.hookMu.Lock()
	if s.cancel.Load() {
		s.hookMu.Unlock()
		f()
		return
	}
	s.cancelHooks = append(s.cancelHooks, f)
	s.hookMu.Unlock()
}

func (s *State) CancelRequested() bool { return s.cancel.Load() }

// Cancelled is closed when cancellation is requested.
func (s *State) Cancelled() <-chan struct{} { return s.cancelCh }

// MarkStarted records that an engine task owns the session. Idempotent.
func (s *State) MarkStarted() { s.started.Store(true) }

// MarkDone records that the engine task has returned. Idempotent.
func (s *State) MarkDone() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// Done is closed once the engine task has returned.
func (s *State) Done() <-chan struct{} { return s.doneCh }

// Running reports whether an engine task was started and has not yet returned.
func (s *State) Running() bool {
	if !s.started.Load() {
		return false
	}
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

// Logs returns up to tail newest log entries, oldest first (tail <= 0: all).
func (s *State) Logs(tail int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Tail(tail)
}

// View returns a consistent snapshot.
func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:              s.id,
		Status:          s.status,
		Detail:          s.detail,
		Running:         s.Running(),
		CancelRequested: s.cancel.Load(),
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
		Username:        s.req.MaskedUsername(),
		Date:            s.req.Date,
		Times:           append([]string(nil), s.req.Times...),
		Resources:       append([]string(nil), s.req.Resources...),
		LogLen:          s.log.Len(),
	}
	if s.date != "" {
		v.Date = s.date
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		v.FinishedAt = &t
	}
	if s.booking != nil {
		b := *s.booking
		v.Booking = &b
	}
	return v
}

// View is a read-only status snapshot of a session.
type View struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	Detail          string     `json:"detail"`
	Running         bool       `json:"running"`
	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       time.Time  `json:"started_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Username        string     `json:"username"`
	Date            string     `json:"date,omitempty"`
	Times           []string   `json:"times"`
	Resources       []string   `json:"resources"`
	Booking         *Booking   `json:"booking,omitempty"`
	LogLen          int        `json:"log_len"`
}
