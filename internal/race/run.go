package race

import (
	"context"
	"fmt"
	"strings"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/clockgate"
	"courtbot/internal/eventbus"
	"courtbot/internal/session"
	logx "courtbot/pkg/logx"
)

// run is the state of one Engine.Run call. It is owned by a single goroutine.
type run struct {
	e   *Engine
	st  *session.State
	req session.Request
	log logx.Logger

	// ctx carries network calls; cctx also ends on the session cancel flag.
	ctx  context.Context
	cctx context.Context

	token    booking.Token
	date     string
	deadline time.Time
	booked   bool

	sweeps   int
	attempts int
	logins   int

	// seen holds the last logged status per "CODE@HH:MM" so unchanged
	// slots are not logged on every sweep.
	seen map[string]booking.SlotStatus
}

type sweepResult int

const (
	sweepNoLuck sweepResult = iota
	sweepDeadline
	sweepStop
)

func (r *run) execute() {
	cfg := r.e.cfg
	r.logf("race for %s: times %s, resources %s",
		r.req.MaskedUsername(), strings.Join(r.req.Times, ","), strings.Join(r.req.Resources, ","))

	target := clockgate.NextOpening(r.e.clock.Now(), cfg.OpenAt, cfg.CloseAt, cfg.Location)
	r.date = r.req.Date
	if r.date == "" {
		r.date = nextDay(target.Day)
	}
	r.st.SetDate(r.date)
	if !r.transition(session.StatusWaiting, fmt.Sprintf("waiting for opening at %s (booking date %s)", target, r.date)) {
		return
	}

	gate := clockgate.Gate{Clock: r.e.clock, Location: cfg.Location, Poll: cfg.GatePoll, Report: cfg.GateReport}
	if !gate.Await(r.cctx, target, r.progress) {
		r.cancelled("while waiting for the opening")
		return
	}

	if !r.transition(session.StatusAuthenticating, "opening reached, logging in") {
		return
	}
	if !r.authenticate(cfg.AuthAttempts) {
		return
	}

	closeAt, err := clockgate.Target{Day: target.Day, Time: cfg.CloseAt}.Instant(cfg.Location)
	if err != nil {
		r.transition(session.StatusError, err.Error())
		return
	}
	r.deadline = closeAt
	if now := r.e.clock.Now(); !now.Before(closeAt) {
		r.deadline = now.Add(cfg.FallbackWindow)
		r.logf("window closed at %s; using a %s fallback window", cfg.CloseAt, cfg.FallbackWindow)
		r.log.Warn("race entered loop after close", logx.String("close_at", cfg.CloseAt), logx.Duration("fallback", cfg.FallbackWindow))
	}

	if !r.transition(session.StatusAttempting, "sweeping until "+r.deadline.In(cfg.Location).Format(clockgate.ClockLayout)) {
		return
	}
	r.attemptLoop()
}

func (r *run) attemptLoop() {
	cfg := r.e.cfg
	for {
		if r.stopped() {
			return
		}
		if !r.beforeDeadline() {
			r.failDeadline()
			return
		}

		grid, err := r.e.client.FetchGrid(r.ctx, r.token, r.date)
		if r.stopped() {
			return
		}
		if err != nil {
			if booking.KindOf(err) == booking.KindTokenExpired {
				r.logf("token expired while fetching the grid; logging in again")
				if !r.authenticate(0) {
					return
				}
				continue
			}
			r.logf("grid fetch failed (%v); retrying in %s", err, cfg.TransientBackoff)
			if !r.sleep(cfg.TransientBackoff) {
				return
			}
			continue
		}

		r.sweeps++
		switch r.sweep(grid) {
		case sweepStop:
			return
		case sweepDeadline:
			r.failDeadline()
			return
		}
		r.st.SetDetail(fmt.Sprintf("sweep %d: nothing booked yet, %d attempts", r.sweeps, r.attempts))
		if !r.sleep(cfg.SweepInterval) {
			return
		}
	}
}

// sweep walks desired times (outer, priority order) and accepted resources
// (inner, grid order) and fires a reservation at every free match.
func (r *run) sweep(grid []booking.Resource) sweepResult {
	for _, want := range r.req.Times {
		for _, res := range grid {
			if !r.req.Accepts(res.Code) {
				continue
			}
			for _, slot := range res.Slots {
				if slot.Start != want {
					continue
				}
				if slot.Status != booking.SlotFree {
					r.noteSlot(res, slot)
					continue
				}
				if out, done := r.reserve(res, slot); done {
					return out
				}
			}
		}
	}
	return sweepNoLuck
}

// reserve attempts one free slot. done reports that the sweep must end.
func (r *run) reserve(res booking.Resource, slot booking.Slot) (sweepResult, bool) {
	if r.booked {
		return sweepStop, true
	}
	if r.stopped() {
		return sweepStop, true
	}
	if !r.beforeDeadline() {
		return sweepDeadline, true
	}

	label := res.Code + "@" + slot.Start
	r.attempts++
	r.logf("slot %s is free; reserving", label)
	ok, err := r.e.client.Reserve(r.ctx, r.token, booking.ReserveRequest{
		ResourceCode: res.Code,
		Date:         r.date,
		Start:        slot.Start,
		MemberID:     r.req.MemberID,
	})
	if r.cctx.Err() != nil {
		if ok {
			r.logf("reservation of %s confirmed after cancellation; result ignored", label)
			r.log.Warn("reservation confirmed after cancel", logx.String("slot", label))
		}
		r.cancelled("during the attempt loop")
		return sweepStop, true
	}

	switch {
	case err != nil && booking.KindOf(err) == booking.KindTokenExpired:
		r.logf("token expired reserving %s; logging in again", label)
		if !r.authenticate(0) {
			return sweepStop, true
		}
		return sweepNoLuck, false
	case err != nil:
		r.logf("reserving %s failed: %v", label, err)
		return sweepNoLuck, false
	case !ok:
		r.logf("slot %s lost to a competitor", label)
		r.seen[label] = booking.SlotTaken
		return sweepNoLuck, false
	}

	r.booked = true
	end, _ := booking.EndTime(slot.Start)
	r.st.SetBooking(session.Booking{Resource: res.Code, ResourceName: res.Name, Date: r.date, Start: slot.Start, End: end})
	name := res.Code
	if res.Name != "" && res.Name != res.Code {
		name = res.Name + " (" + res.Code + ")"
	}
	r.transition(session.StatusSucceeded, fmt.Sprintf("booked %s on %s %s-%s", name, r.date, slot.Start, end))
	return sweepStop, true
}

// authenticate logs in and stores the token. It reports false after moving
// the session to a terminal status. maxAttempts <= 0 retries transient
// failures until the deadline.
func (r *run) authenticate(maxAttempts int) bool {
	for attempt := 1; ; attempt++ {
		if r.stopped() {
			return false
		}
		tok, err := r.e.client.Authenticate(r.ctx, r.req.Username, r.req.Secret)
		if r.stopped() {
			return false
		}
		if err == nil {
			r.token = tok
			r.logins++
			r.logf("logged in")
			return true
		}
		if booking.KindOf(err) == booking.KindAuth {
			r.transition(session.StatusError, fmt.Sprintf("login failed: %v", err))
			return false
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			r.transition(session.StatusError, fmt.Sprintf("login failed after %d attempts: %v", attempt, err))
			return false
		}
		if maxAttempts <= 0 && !r.deadline.IsZero() && !r.beforeDeadline() {
			r.failDeadline()
			return false
		}
		r.logf("login attempt %d failed (%v); retrying in %s", attempt, err, r.e.cfg.TransientBackoff)
		if !r.sleep(r.e.cfg.TransientBackoff) {
			return false
		}
	}
}

func (r *run) noteSlot(res booking.Resource, slot booking.Slot) {
	label := res.Code + "@" + slot.Start
	if prev, ok := r.seen[label]; ok && prev == slot.Status {
		return
	}
	r.seen[label] = slot.Status
	raw := slot.Raw
	if raw == "" {
		raw = slot.Status.String()
	}
	r.logf("slot %s is %s", label, raw)
}

func (r *run) progress(remaining time.Duration, target clockgate.Target) {
	msg := fmt.Sprintf("%s until opening at %s", remaining, target.Time)
	r.st.SetDetail(msg)
	r.logf("%s", msg)
}

func (r *run) beforeDeadline() bool {
	return r.e.clock.Now().Before(r.deadline)
}

func (r *run) failDeadline() {
	r.transition(session.StatusFailed, fmt.Sprintf("deadline %s exceeded without a booking (%d sweeps, %d attempts)",
		r.deadline.In(r.e.cfg.Location).Format(clockgate.ClockLayout), r.sweeps, r.attempts))
}

// sleep waits on the session clock; false means the run was cancelled.
func (r *run) sleep(d time.Duration) bool {
	if !r.e.clock.Sleep(r.cctx, d) {
		r.stopped()
		return false
	}
	return true
}

// stopped records cancellation once cctx is done and reports whether it is.
func (r *run) stopped() bool {
	if r.cctx.Err() == nil {
		return false
	}
	r.cancelled("")
	return true
}

func (r *run) cancelled(where string) {
	detail := "cancelled"
	if r.st.CancelRequested() {
		detail = "cancelled by request"
	} else if r.ctx.Err() != nil {
		detail = "cancelled by shutdown"
	}
	if where != "" {
		detail += " " + where
	}
	r.transition(session.StatusCancelled, detail)
}

// transition records a status change and reports whether the run may go on:
// false when to is terminal or a terminal status was already recorded.
func (r *run) transition(to session.Status, detail string) bool {
	from := r.st.Status()
	if !r.st.Transition(to, detail) {
		return false
	}
	r.log.Debug("session transition", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("detail", detail))
	r.e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionTransition,
		Time: r.e.clock.Now(),
		Data: TransitionEvent{SessionID: r.st.ID(), From: from, To: to, Detail: detail, At: r.e.clock.Now()},
	})
	return !to.Terminal()
}

func (r *run) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.st.Log(msg)
	r.log.Debug(msg)
}

func nextDay(day string) string {
	t, err := time.Parse(clockgate.DayLayout, day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, 1).Format(clockgate.DayLayout)
}
