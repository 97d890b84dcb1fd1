package clockgate_test

import (
	"context"
	"testing"
	"time"

	"courtbot/internal/clockgate"
	"courtbot/internal/testutil"
)

func TestReachedIsLexicalWithDay(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	now := time.Date(2026, 10, 17, 9, 59, 59, 0, loc)
	tests := []struct {
		name   string
		target clockgate.Target
		want   bool
	}{
		{name: "one second early", target: clockgate.Target{Day: "2026-10-17", Time: "10:00:00"}, want: false},
		{name: "exact", target: clockgate.Target{Day: "2026-10-17", Time: "09:59:59"}, want: true},
		{name: "passed earlier today", target: clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, want: true},
		{name: "tomorrow earlier clock", target: clockgate.Target{Day: "2026-10-18", Time: "07:00:00"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := clockgate.Reached(now, tt.target, loc); got != tt.want {
				t.Fatalf("Reached(%s) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}

func TestNextOpening(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{name: "before opening", now: time.Date(2026, 10, 17, 6, 0, 0, 0, loc), want: "2026-10-17 07:00:00"},
		{name: "inside live window", now: time.Date(2026, 10, 17, 7, 3, 0, 0, loc), want: "2026-10-17 07:00:00"},
		{name: "window closed", now: time.Date(2026, 10, 17, 7, 10, 0, 0, loc), want: "2026-10-18 07:00:00"},
		{name: "late evening", now: time.Date(2026, 10, 17, 22, 0, 0, 0, loc), want: "2026-10-18 07:00:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := clockgate.NextOpening(tt.now, "07:00:00", "07:10:00", loc)
			if got.String() != tt.want {
				t.Fatalf("NextOpening = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAwaitReleasesAtTarget(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 17, 6, 59, 58, 0, time.UTC)
	clk := testutil.NewFakeClock(start)
	g := clockgate.Gate{Clock: clk, Location: time.UTC, Poll: 400 * time.Millisecond, Report: time.Second}

	var reports int
	ok := g.Await(context.Background(), clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, func(time.Duration, clockgate.Target) {
		reports++
	})
	if !ok {
		t.Fatal("expected gate release")
	}
	// Resolution: released within one poll interval after the target.
	if late := clk.Now().Sub(start.Add(2 * time.Second)); late < 0 || late > 400*time.Millisecond {
		t.Fatalf("released %v after target", late)
	}
	if reports == 0 {
		t.Fatal("expected at least one progress report")
	}
}

func TestAwaitAlreadyReachedReturnsImmediately(t *testing.T) {
	t.Parallel()
	clk := testutil.NewFakeClock(time.Date(2026, 10, 17, 7, 5, 0, 0, time.UTC))
	g := clockgate.Gate{Clock: clk, Location: time.UTC}
	if !g.Await(context.Background(), clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, nil) {
		t.Fatal("expected immediate release")
	}
	if clk.Sleeps() != 0 {
		t.Fatalf("Sleeps = %d, want 0", clk.Sleeps())
	}
}

func TestAwaitCancelledWithinOnePoll(t *testing.T) {
	t.Parallel()
	clk := testutil.NewFakeClock(time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk.OnSleep = func(n int, _ time.Time) {
		if n == 5 {
			cancel()
		}
	}
	g := clockgate.Gate{Clock: clk, Location: time.UTC}
	if g.Await(ctx, clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, nil) {
		t.Fatal("expected cancellation")
	}
	if clk.Sleeps() != 5 {
		t.Fatalf("Sleeps = %d, want 5 (no sleep after cancel)", clk.Sleeps())
	}
}

func TestGatePollIsClamped(t *testing.T) {
	t.Parallel()
	clk := testutil.NewFakeClock(time.Date(2026, 10, 17, 6, 59, 59, 0, time.UTC))
	g := clockgate.Gate{Clock: clk, Location: time.UTC, Poll: 5 * time.Second}
	g.Await(context.Background(), clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, nil)
	if per := clk.Slept() / time.Duration(clk.Sleeps()); per != clockgate.MaxPoll {
		t.Fatalf("poll = %v, want %v", per, clockgate.MaxPoll)
	}
}

func TestGatePollHasFloor(t *testing.T) {
	t.Parallel()
	clk := testutil.NewFakeClock(time.Date(2026, 10, 17, 6, 59, 58, 0, time.UTC))
	g := clockgate.Gate{Clock: clk, Location: time.UTC, Poll: 10 * time.Millisecond}
	g.Await(context.Background(), clockgate.Target{Day: "2026-10-17", Time: "07:00:00"}, nil)
	if per := clk.Slept() / time.Duration(clk.Sleeps()); per != clockgate.MinPoll {
		t.Fatalf("poll = %v, want %v", per, clockgate.MinPoll)
	}
	if clockgate.MinPoll < 300*time.Millisecond {
		t.Fatalf("MinPoll = %v, below 300ms", clockgate.MinPoll)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	if got, err := clockgate.ParseClock("7:00"); err != nil || got != "07:00:00" {
		t.Fatalf("ParseClock(7:00) = %q, %v", got, err)
	}
	if _, err := clockgate.ParseClock("24:00:00"); err == nil {
		t.Fatal("expected error for 24:00:00")
	}
}

func TestOpenings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		now   time.Time
		first string
	}{
		{time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC), "2026-10-17"},
		{time.Date(2026, 10, 17, 7, 5, 0, 0, time.UTC), "2026-10-17"},
		{time.Date(2026, 10, 17, 7, 10, 0, 0, time.UTC), "2026-10-18"},
	}
	for _, tc := range cases {
		got := clockgate.Openings(tc.now, "07:00:00", "07:10:00", time.UTC, 3)
		if len(got) != 3 || got[0].Day != tc.first {
			t.Fatalf("Openings(%v) = %v, want first day %s", tc.now, got, tc.first)
		}
		for i := 1; i < len(got); i++ {
			prev, _ := got[i-1].Instant(time.UTC)
			cur, _ := got[i].Instant(time.UTC)
			if cur.Sub(prev) != 24*time.Hour || got[i].Time != "07:00:00" {
				t.Fatalf("Openings(%v) = %v, want daily openings", tc.now, got)
			}
		}
	}
}
