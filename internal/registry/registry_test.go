package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"courtbot/internal/session"
)

func validRequest() session.Request {
	return session.Request{Username: "bob", Secret: "pw", MemberID: "7", Times: []string{"9:00"}, Resources: []string{"q1"}}
}

// blockingFactory returns runners that wait for cancellation, then report cancelled.
func blockingFactory() Factory {
	return func(*session.State) (Runner, error) {
		return RunnerFunc(func(ctx context.Context, st *session.State) session.Status {
			st.Transition(session.StatusWaiting, "waiting")
			select {
			case <-st.Cancelled():
			case <-ctx.Done():
			}
			st.Transition(session.StatusCancelled, "cancelled")
			return session.StatusCancelled
		}), nil
	}
}

// instantFactory returns runners that finish with status immediately.
func instantFactory(status session.Status) Factory {
	return func(*session.State) (Runner, error) {
		return RunnerFunc(func(ctx context.Context, st *session.State) session.Status {
			st.Transition(status, "done")
			return status
		}), nil
	}
}

func waitDone(t *testing.T, r *Registry, id string) {
	t.Helper()
	st, err := r.state(id)
	if err != nil {
		t.Fatalf("state(%s): %v", id, err)
	}
	select {
	case <-st.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
	// finish() records the order right after MarkDone; Wait joins the worker.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.Wait(ctx)
}

func TestLaunchRunsToCompletion(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), instantFactory(session.StatusSucceeded))
	st, err := r.Launch("a", validRequest())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := st.Request().Times[0]; got != "09:00" {
		t.Fatalf("request not normalized: %q", got)
	}
	waitDone(t, r, "a")

	v, err := r.Snapshot("a")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if v.Status != session.StatusSucceeded || v.Running {
		t.Fatalf("view = %+v", v)
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount = %d", n)
	}
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), instantFactory(session.StatusSucceeded))
	req := validRequest()
	req.Times = nil
	if _, err := r.Create("a", req); !errors.Is(err, session.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Snapshot("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("invalid session was registered: %v", err)
	}
	if _, err := r.Create("", validRequest()); !errors.Is(err, session.ErrInvalidRequest) {
		t.Fatalf("empty id err = %v", err)
	}
}

func TestAlreadyRunningThenReplaceAfterFinish(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	if _, err := r.Launch("a", validRequest()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("a", validRequest()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if err := r.Start("a"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v", err)
	}

	if err := r.Cancel("a"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r, "a")

	st, err := r.Create("a", validRequest())
	if err != nil {
		t.Fatalf("Create after finish: %v", err)
	}
	if st.Status() != session.StatusStarting {
		t.Fatalf("replaced session status = %s", st.Status())
	}
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	if err := r.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.Launch("a", validRequest()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Cancel("a"); err != nil {
			t.Fatalf("Cancel #%d: %v", i+1, err)
		}
	}
	waitDone(t, r, "a")
	v, _ := r.Snapshot("a")
	if v.Status != session.StatusCancelled || !v.CancelRequested {
		t.Fatalf("view = %+v", v)
	}
	if err := r.Cancel("a"); err != nil {
		t.Fatalf("cancel after finish: %v", err)
	}
}

func TestListActiveAndRecent(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Launch(id, validRequest()); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(r.ListActive()); got != 3 {
		t.Fatalf("active = %d", got)
	}

	for _, id := range []string{"b", "a"} {
		_ = r.Cancel(id)
		st, _ := r.state(id)
		<-st.Done()
		time.Sleep(2 * time.Millisecond)
	}

	active := r.ListActive()
	if len(active) != 1 || active[0].ID != "c" {
		t.Fatalf("active = %+v", active)
	}
	recent := r.ListRecentFinished(0)
	if len(recent) != 2 || recent[0].ID != "a" || recent[1].ID != "b" {
		t.Fatalf("recent order = %v", ids(recent))
	}
	if got := r.ListRecentFinished(1); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("limit 1 = %v", ids(got))
	}
	_ = r.Shutdown(context.Background())
}

func TestFinishedSessionsAreEvicted(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), instantFactory(session.StatusFailed), WithMaxFinished(3))
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("s%d", i)
		if _, err := r.Launch(id, validRequest()); err != nil {
			t.Fatal(err)
		}
		waitDone(t, r, id)
	}
	// finish() runs after MarkDone; join every worker before counting.
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	recent := r.ListRecentFinished(100)
	if len(recent) != 3 {
		t.Fatalf("kept %d finished sessions, want 3", len(recent))
	}
	for _, old := range []string{"s0", "s1", "s2"} {
		if _, err := r.Snapshot(old); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s should be evicted", old)
		}
	}
}

func TestFactoryErrorMarksSessionError(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), func(*session.State) (Runner, error) { return nil, errors.New("no client") })
	st, err := r.Launch("a", validRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if st.Status() != session.StatusError || st.Running() {
		t.Fatalf("status = %s running = %v", st.Status(), st.Running())
	}
}

func TestRunnerPanicIsIsolated(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), func(*session.State) (Runner, error) {
		return RunnerFunc(func(context.Context, *session.State) session.Status { panic("kaboom") }), nil
	})
	if _, err := r.Launch("a", validRequest()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r, "a")
	v, _ := r.Snapshot("a")
	if v.Status != session.StatusError {
		t.Fatalf("status = %s, want error", v.Status)
	}
}

func TestShutdownCancelsAndJoins(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	for _, id := range []string{"a", "b"} {
		if _, err := r.Launch(id, validRequest()); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount after shutdown = %d", n)
	}
	if _, err := r.Create("c", validRequest()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after shutdown err = %v", err)
	}
}

func TestLogCapacityIsCapped(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory(), WithLogCapacity(1000))
	st, err := r.Create("a", validRequest())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		st.Log("tick")
	}
	logs, err := r.Logs("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) > session.MaxLogCapacity {
		t.Fatalf("log holds %d entries, cap is %d", len(logs), session.MaxLogCapacity)
	}
}

func TestStartAfterShutdownFinalizesSession(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	st, err := r.Create("a", validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := r.Start("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start err = %v, want ErrClosed", err)
	}
	v, err := r.Snapshot("a")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != session.StatusCancelled || v.Running || r.ActiveCount() != 0 {
		t.Fatalf("status=%s running=%v active=%d", v.Status, v.Running, r.ActiveCount())
	}
	select {
	case <-st.Done():
	default:
		t.Fatal("done channel still open")
	}
	if got := r.ListRecentFinished(0); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("recent = %v", ids(got))
	}
}

func TestCreatedButNotStartedIsNotActive(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), blockingFactory())
	first, err := r.Create("a", validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if first.Running() || r.ActiveCount() != 0 || len(r.ListActive()) != 0 {
		t.Fatalf("unstarted session counted as active")
	}
	if len(r.ListRecentFinished(0)) != 0 {
		t.Fatal("unstarted session listed as finished")
	}

	second, err := r.Create("a", validRequest())
	if err != nil {
		t.Fatalf("Create over unstarted session: %v", err)
	}
	if first.Status() != session.StatusCancelled {
		t.Fatalf("replaced session status = %s", first.Status())
	}
	if err := r.Start("a"); err != nil {
		t.Fatal(err)
	}
	if !second.Running() || r.ActiveCount() != 1 {
		t.Fatalf("started session not active")
	}
	_ = r.Shutdown(context.Background())
}

func ids(vs []session.View) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}
