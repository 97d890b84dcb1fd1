// Package race drives one session from start to a terminal outcome.
//
// The engine waits at the clock gate for the reservation opening,
// authenticates, then sweeps the availability grid in priority order until a
// reservation succeeds, the deadline passes, or the session is cancelled.
package race

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/clockgate"
	"courtbot/internal/eventbus"
	"courtbot/internal/session"
	logx "courtbot/pkg/logx"
)

const (
	DefaultOpenAt           = "07:00:00"
	DefaultCloseAt          = "07:10:00"
	DefaultFallbackWindow   = 12 * time.Second
	DefaultSweepInterval    = 600 * time.Millisecond
	DefaultTransientBackoff = time.Second
	DefaultAuthAttempts     = 3

	MinSweepInterval  = 500 * time.Millisecond
	MaxSweepInterval  = 800 * time.Millisecond
	MinFallbackWindow = 10 * time.Second
	MaxFallbackWindow = 15 * time.Second
)

// Config holds the timing of one race.
type Config struct {
	// OpenAt and CloseAt bound the reservation window (HH:MM:SS, local to Location).
	OpenAt   string
	CloseAt  string
	Location *time.Location

	// FallbackWindow is the deadline used when the loop is entered after CloseAt.
	FallbackWindow   time.Duration
	SweepInterval    time.Duration
	TransientBackoff time.Duration
	// AuthAttempts caps transient retries of the first login.
	AuthAttempts int

	GatePoll   time.Duration
	GateReport time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpenAt == "" {
		c.OpenAt = DefaultOpenAt
	}
	if c.CloseAt == "" {
		c.CloseAt = DefaultCloseAt
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	c.FallbackWindow = clamp(c.FallbackWindow, DefaultFallbackWindow, MinFallbackWindow, MaxFallbackWindow)
	c.SweepInterval = clamp(c.SweepInterval, DefaultSweepInterval, MinSweepInterval, MaxSweepInterval)
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = DefaultTransientBackoff
	}
	if c.AuthAttempts <= 0 {
		c.AuthAttempts = DefaultAuthAttempts
	}
	return c
}

// Validate checks the window bounds.
func (c Config) Validate() error {
	open, err := clockgate.ParseClock(c.OpenAt)
	if err != nil {
		return fmt.Errorf("open_at: %w", err)
	}
	closeAt, err := clockgate.ParseClock(c.CloseAt)
	if err != nil {
		return fmt.Errorf("close_at: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("close_at %s must be after open_at %s", closeAt, open)
	}
	return nil
}

func clamp(v, def, lo, hi time.Duration) time.Duration {
	switch {
	case v <= 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// TransitionEvent is published on every status change.
type TransitionEvent struct {
	SessionID string
	From      session.Status
	To        session.Status
	Detail    string
	At        time.Time
}

// FinishedEvent is published once, when a run returns.
type FinishedEvent struct {
	View     session.View
	Sweeps   int
	Attempts int
	Logins   int
}

// Engine runs races against one booking client.
//
// An Engine may run several sessions one after another; each Run keeps its
// own token and counters.
type Engine struct {
	client booking.Client
	cfg    Config
	clock  clockgate.Clock
	bus    eventbus.Bus
	log    logx.Logger
}

type Option func(*Engine)

func WithClock(c clockgate.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(client booking.Client, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		cfg:    cfg.withDefaults(),
		clock:  clockgate.SystemClock{},
		bus:    eventbus.Nop(),
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Run drives st to a terminal status and returns it. It never panics.
//
// ctx bounds network calls and is cancelled only on process shutdown; the
// session's own cancel flag stops the run at the next check point without
// aborting a request already in flight.
func (e *Engine) Run(ctx context.Context, st *session.State) (final session.Status) {
	cctx, stop := cancelContext(ctx, st)
	defer stop()

	r := &run{
		e:    e,
		st:   st,
		req:  st.Request(),
		ctx:  ctx,
		cctx: cctx,
		log:  e.log.With(logx.String("sid", st.ID())),
		seen: map[string]booking.SlotStatus{},
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("race panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			r.transition(session.StatusError, fmt.Sprintf("internal error: %v", p))
		}
		final = st.Status()
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionFinished,
			Time: e.clock.Now(),
			Data: FinishedEvent{View: st.View(), Sweeps: r.sweeps, Attempts: r.attempts, Logins: r.logins},
		})
	}()

	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionStarted, Time: e.clock.Now(), Data: st.View()})
	r.execute()
	return st.Status()
}

// cancelContext derives a context that the session flag cancels synchronously.
func cancelContext(parent context.Context, st *session.State) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	st.AfterCancel(cancel)
	return ctx, cancel
}
