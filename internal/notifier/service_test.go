package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"courtbot/internal/eventbus"
	"courtbot/internal/race"
	"courtbot/internal/session"
	kit "courtbot/internal/transport"
	logx "courtbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	fails int // fail this many calls first
	calls int
	texts []string
	sent  chan string
}

func newRecordingSender(fails int) *recordingSender {
	return &recordingSender{fails: fails, sent: make(chan string, 16)}
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.calls++
	if r.calls <= r.fails {
		r.mu.Unlock()
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.sent <- text
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
		Target:        kit.ChatTarget{ChatID: 42},
	}
}

func finished(id string, st session.Status) race.FinishedEvent {
	fin := time.Date(2026, 10, 17, 7, 0, 3, 0, time.UTC)
	v := session.View{
		ID:         id,
		Status:     st,
		Username:   "a***e",
		Times:      []string{"10:00", "11:15"},
		Resources:  []string{"Q1", "Q2"},
		FinishedAt: &fin,
	}
	if st == session.StatusSucceeded {
		v.Booking = &session.Booking{Resource: "Q2", ResourceName: "Quadra 2", Date: "2026-10-18", Start: "10:00", End: "11:15"}
	} else {
		v.Detail = "deadline exceeded"
	}
	return race.FinishedEvent{View: v, Sweeps: 3, Attempts: 2, Logins: 1}
}

func waitSent(t *testing.T, r *recordingSender) string {
	t.Helper()
	select {
	case s := <-r.sent:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("nothing sent")
		return ""
	}
}

func TestOutcomeEventsBecomeMessages(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := newRecordingSender(0)
	cfg := testConfig()
	cfg.Statuses = []string{"succeeded"}
	s := New(cfg, snd, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFinished, Data: finished("s1", session.StatusFailed)})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSessionTransition, Data: race.TransitionEvent{SessionID: "s2"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFinished, Data: finished("s2", session.StatusSucceeded)})

	text := waitSent(t, snd)
	for _, want := range []string{"court booked", "session s2", "Quadra 2 (Q2) on 2026-10-18, 10:00-11:15", "sweeps 3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q missing %q", text, want)
		}
	}
	select {
	case extra := <-snd.sent:
		t.Fatalf("filtered status was sent: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if h := s.Snapshot(); len(h) != 1 {
		t.Fatalf("history = %d", len(h))
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	snd := newRecordingSender(2)
	s := New(testConfig(), snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if got := waitSent(t, snd); got != "hello" {
		t.Fatalf("sent %q", got)
	}
	if n := snd.count(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()
	snd := newRecordingSender(0)
	s := New(testConfig(), snd, logx.Nop(), nil)
	s.Start(context.Background())

	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "same", Key: "k"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if c := snd.count(); c != 1 {
		t.Fatalf("calls = %d, want 1", c)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, newRecordingSender(0), logx.Nop(), nil)
	disabled.Start(context.Background())
	if err := disabled.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := New(testConfig(), newRecordingSender(0), logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor kept after stop")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	cases := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			if d := retryDelay(cfg, tc.attempt); d < tc.lo || d > tc.hi {
				t.Fatalf("attempt %d delay %s outside [%s, %s]", tc.attempt, d, tc.lo, tc.hi)
			}
		}
	}
}

func TestFormatOutcomeFailure(t *testing.T) {
	t.Parallel()
	text := FormatOutcome(finished("s9", session.StatusFailed))
	for _, want := range []string{"no court booked", "times 10:00 11:15, courts Q1 Q2", "deadline exceeded"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q missing %q", text, want)
		}
	}
}
