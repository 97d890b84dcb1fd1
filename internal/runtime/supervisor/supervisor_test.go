package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(ctx context.Context) error { return boom })
	s.Go("second", func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("late")
	})

	select {
	case <-s.Context().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("context not cancelled on error")
	}
	err := s.Wait(waitCtx(t))
	if !errors.Is(err, boom) || !strings.HasPrefix(err.Error(), "fails:") {
		t.Fatalf("Wait err = %v, want first error", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panics", func(ctx context.Context) { panic("kaboom") })
	_ = s.Wait(waitCtx(t))

	if s.Context().Err() != nil {
		t.Fatal("cancelled without WithCancelOnError")
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Err = %v", err)
	}
	snap := s.Snapshot(true)
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("clean", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(5*time.Millisecond, 10*time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want initial + 2 restarts", runs.Load())
	}
	var stats GoroutineStats
	for _, g := range s.Snapshot(true).Goroutines {
		if g.Name == "flaky" {
			stats = g
		}
	}
	if stats.Restarts != 2 || stats.LastErr == "" {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestGoRestartCleanReturnStops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
}

func TestForgetKeepsActive(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})
	s.Go0("session.a", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started
	s.Forget("session.a")
	if len(s.Snapshot(true).Goroutines) != 1 {
		t.Fatal("active stats were dropped")
	}
	close(release)
	_ = s.Wait(waitCtx(t))
	s.Forget("session.a")
	if len(s.Snapshot(true).Goroutines) != 0 {
		t.Fatal("finished stats were kept")
	}
}
