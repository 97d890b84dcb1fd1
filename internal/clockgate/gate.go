// Package clockgate blocks a race until a wall-clock instant.
//
// Instants are compared as zero padded "YYYY-MM-DD HH:MM:SS" strings in the
// gate's location. Lexical order equals chronological order for that layout,
// and carrying the day makes "already passed today" unambiguous.
package clockgate

import (
	"context"
	"fmt"
	"time"
)

const (
	DayLayout   = "2006-01-02"
	ClockLayout = "15:04:05"

	DefaultPoll   = 400 * time.Millisecond
	MinPoll       = 300 * time.Millisecond
	MaxPoll       = 500 * time.Millisecond
	DefaultReport = 30 * time.Second
)

// Clock is the time source used by gates and race engines.
type Clock interface {
	Now() time.Time
	// Sleep waits for d and reports true, or returns false as soon as ctx is done.
	Sleep(ctx context.Context, d time.Duration) bool
}

// SystemClock uses the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}

// Target is a wall-clock instant split into day and time-of-day.
type Target struct {
	Day  string // YYYY-MM-DD
	Time string // HH:MM:SS
}

func (t Target) String() string { return t.Day + " " + t.Time }

// TargetAt formats an instant as a Target in loc.
func TargetAt(ts time.Time, loc *time.Location) Target {
	if loc == nil {
		loc = time.Local
	}
	ts = ts.In(loc)
	return Target{Day: ts.Format(DayLayout), Time: ts.Format(ClockLayout)}
}

// Instant parses the target back into a time in loc.
func (t Target) Instant(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	ts, err := time.ParseInLocation(DayLayout+" "+ClockLayout, t.String(), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("clockgate: invalid target %q: %w", t.String(), err)
	}
	return ts, nil
}

// Reached reports whether now is at or past target (lexical comparison).
func Reached(now time.Time, target Target, loc *time.Location) bool {
	return TargetAt(now, loc).String() >= target.String()
}

// NextOpening picks the reservation opening a race started at now should wait for.
//
// Today's opening is used while today's window (open..close) has not fully
// elapsed; a race started inside a live window is released immediately. Once
// the window has closed, tomorrow's opening is used.
func NextOpening(now time.Time, openAt, closeAt string, loc *time.Location) Target {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc)
	day := today.Format(DayLayout)
	if Reached(now, Target{Day: day, Time: closeAt}, loc) {
		day = today.AddDate(0, 0, 1).Format(DayLayout)
	}
	return Target{Day: day, Time: openAt}
}

// Openings lists the next n openings NextOpening would pick, starting at now.
func Openings(now time.Time, openAt, closeAt string, loc *time.Location, n int) []Target {
	if loc == nil {
		loc = time.Local
	}
	out := make([]Target, 0, n)
	for len(out) < n {
		t := NextOpening(now, openAt, closeAt, loc)
		out = append(out, t)
		closed, err := Target{Day: t.Day, Time: closeAt}.Instant(loc)
		if err != nil {
			break
		}
		now = closed
	}
	return out
}

// ParseClock validates an HH:MM:SS (or HH:MM) string and returns it zero padded with seconds.
func ParseClock(s string) (string, error) {
	for _, layout := range []string{ClockLayout, "15:04"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Format(ClockLayout), nil
		}
	}
	return "", fmt.Errorf("invalid time of day %q (want HH:MM:SS)", s)
}

// Progress receives time-remaining reports while a gate waits.
type Progress func(remaining time.Duration, target Target)

// Gate polls the clock until a target instant.
type Gate struct {
	Clock    Clock
	Location *time.Location
	// Poll is the sleep between checks (clamped to MinPoll..MaxPoll).
	Poll time.Duration
	// Report is the minimum spacing between progress reports.
	Report time.Duration
}

func (g Gate) withDefaults() Gate {
	if g.Clock == nil {
		g.Clock = SystemClock{}
	}
	if g.Location == nil {
		g.Location = time.Local
	}
	switch {
	case g.Poll <= 0:
		g.Poll = DefaultPoll
	case g.Poll < MinPoll:
		g.Poll = MinPoll
	case g.Poll > MaxPoll:
		g.Poll = MaxPoll
	}
	if g.Report <= 0 {
		g.Report = DefaultReport
	}
	return g
}

// Await blocks until target is reached (true) or ctx is cancelled (false).
// Cancellation is checked before every comparison and right after every sleep.
func (g Gate) Await(ctx context.Context, target Target, progress Progress) bool {
	g = g.withDefaults()

	var lastReport time.Time
	for {
		if ctx.Err() != nil {
			return false
		}
		now := g.Clock.Now()
		if Reached(now, target, g.Location) {
			return true
		}
		if progress != nil && (lastReport.IsZero() || now.Sub(lastReport) >= g.Report) {
			lastReport = now
			if at, err := target.Instant(g.Location); err == nil {
				progress(at.Sub(now).Truncate(time.Second), target)
			}
		}
		if !g.Clock.Sleep(ctx, g.Poll) {
			return false
		}
	}
}
