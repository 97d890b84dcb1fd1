package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"courtbot/internal/config"
	"courtbot/internal/eventbus"
	"courtbot/internal/race"
	"courtbot/internal/session"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

const appConfig = `{
  "http": {"addr": "127.0.0.1:0", "admin_token": "adm"},
  "remote": {"base_url": "https://clube.example/api/", "tenant_id": "t1", "group_id": "12", "modality_id": 3},
  "race": {"open_at": "07:00:00", "close_at": "07:10:00", "timezone": "UTC"},
  "registry": {"max_finished": 10},
  "logging": {"level": "error", "console": false, "file": {}, "telegram": {}},
  "telegram": {},
  "storage": {"driver": "file", "path": %q},
  "keepalive": {"enabled": %t, "url": %q, "schedule": "@every 1s"}
}`

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, path, storePath string, keep bool, keepURL string) {
	t.Helper()
	body := fmt.Sprintf(appConfig, storePath, keep, keepURL)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// startApp runs a full app on a loopback port. Callers must not be parallel:
// logx.New sets package-level zerolog options.
func startApp(t *testing.T) (*App, string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "courtbot.json")
	storePath := filepath.Join(dir, "outcomes.jsonl")
	writeConfig(t, cfgPath, storePath, false, "")

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvLookup(noEnv)
	cfgm.SetDebounce(20 * time.Millisecond)
	a, err := New(cfgm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopAppStop)
		cancel()
	})
	return a, cfgPath, storePath
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer adm")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAppServesHealthAndRecordsOutcomes(t *testing.T) {
	a, _, _ := startApp(t)
	base := "http://" + a.Addr()

	var health map[string]any
	if code := getJSON(t, base+"/health", &health); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if health["status"] != "healthy" || health["storage"] != true {
		t.Fatalf("health = %v", health)
	}

	fin := time.Date(2026, 10, 17, 7, 0, 2, 0, time.UTC)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionFinished,
		Time: fin,
		Data: race.FinishedEvent{
			View: session.View{
				ID:       "sid-1",
				Status:   session.StatusSucceeded,
				Username: "jo***",
				Booking:  &session.Booking{Resource: "C2", Date: "2026-10-18", Start: "19:00", End: "20:00"},
			},
			Sweeps: 2, Attempts: 1, Logins: 1,
		},
	})

	var outcomes []storage.Outcome
	waitFor(t, 3*time.Second, func() bool {
		outcomes = nil
		return getJSON(t, base+"/api/outcomes", &outcomes) == http.StatusOK && len(outcomes) == 1
	})
	if o := outcomes[0]; o.SessionID != "sid-1" || o.Resource != "C2" || o.Status != "succeeded" {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestAppHotReloadStartsKeepalive(t *testing.T) {
	a, cfgPath, storePath := startApp(t)
	if a.keep.Running() {
		t.Fatal("keepalive running while disabled")
	}

	writeConfig(t, cfgPath, storePath, true, "http://"+a.Addr())
	waitFor(t, 5*time.Second, func() bool {
		last, n := a.keep.Last()
		return n > 0 && last != nil && last.Status == http.StatusOK
	})
}

func TestAppStopIsBounded(t *testing.T) {
	a, _, _ := startApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor context not cancelled")
	}
	if _, err := a.Registry().Launch("late", session.Request{}); err == nil {
		t.Fatal("registry accepted a session after stop")
	}
}

func TestOutcomeFromEvent(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 10, 17, 7, 0, 5, 0, time.UTC)
	cases := []struct {
		name string
		view session.View
		want storage.Outcome
	}{
		{
			name: "booked",
			view: session.View{ID: "a", Status: session.StatusSucceeded, Date: "",
				Booking: &session.Booking{Resource: "C1", Date: "2026-10-18", Start: "18:00", End: "19:00"}},
			want: storage.Outcome{At: at, SessionID: "a", Status: "succeeded", Date: "2026-10-18", Resource: "C1", Start: "18:00", End: "19:00"},
		},
		{
			name: "failed",
			view: session.View{ID: "b", Status: session.StatusFailed, Detail: "no court", Date: "2026-10-18"},
			want: storage.Outcome{At: at, SessionID: "b", Status: "failed", Detail: "no court", Date: "2026-10-18"},
		},
	}
	for _, tc := range cases {
		got := outcomeFromEvent(at, race.FinishedEvent{View: tc.view})
		if got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) AppendOutcome(context.Context, storage.Outcome) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return storage.ErrDisabled
}

func (s *failingStore) RecentOutcomes(context.Context, int) ([]storage.Outcome, error) {
	return nil, nil
}

func (s *failingStore) Close() error { return nil }

func TestRecordOutcomesSkipsOtherEvents(t *testing.T) {
	t.Parallel()
	st := &failingStore{}
	events := make(chan eventbus.Event, 4)
	events <- eventbus.Event{Type: eventbus.TypeSessionStarted}
	events <- eventbus.Event{Type: eventbus.TypeSessionFinished, Data: "not an event"}
	events <- eventbus.Event{Type: eventbus.TypeSessionFinished, Data: race.FinishedEvent{View: session.View{ID: "x"}}}
	close(events)

	recordOutcomes(context.Background(), st, events, logx.Nop())
	if st.calls != 1 {
		t.Fatalf("append calls = %d, want 1", st.calls)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"omitted", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "x.jsonl"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"bad busy", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, tc := range cases {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.sc})
		if (err != nil) != tc.wantErr || enabled != tc.enabled {
			t.Fatalf("%s: enabled=%v err=%v", tc.name, enabled, err)
		}
		if tc.name == "sqlite" && (sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second) {
			t.Fatalf("sqlite mapped to %+v", sc)
		}
	}
}

func TestMapRaceConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Race: config.RaceConfig{
		OpenAt: "07:00:00", CloseAt: "07:10:00", Timezone: "UTC",
		FallbackWindow: "13s", SweepInterval: "700ms", AuthAttempts: 5,
	}}
	rc, err := mapRaceConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Location != time.UTC || rc.FallbackWindow != 13*time.Second || rc.SweepInterval != 700*time.Millisecond || rc.AuthAttempts != 5 {
		t.Fatalf("race config = %+v", rc)
	}

	cfg.Race.GatePoll = "fast"
	if _, err := mapRaceConfig(cfg); err == nil || !strings.Contains(err.Error(), "race.gate_poll") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateConfigRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Keepalive: config.KeepaliveConfig{Enabled: true, Schedule: "whenever"}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected schedule error")
	}
	cfg.Keepalive.Schedule = ""
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("default schedule: %v", err)
	}
}

func TestSDNotifier(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var sent []string
	n := newSDNotifier(logx.Nop())
	n.notify = func(state string) (bool, error) {
		mu.Lock()
		sent = append(sent, state)
		mu.Unlock()
		return true, nil
	}
	n.watchdog = func() (time.Duration, error) { return 40 * time.Millisecond, nil }

	n.Ready()
	n.Status("serving")
	n.Stopping()
	if iv := n.WatchdogInterval(); iv != 20*time.Millisecond {
		t.Fatalf("interval = %v", iv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(sent) < 4 || sent[0] != "READY=1" || sent[1] != "STATUS=serving" || sent[2] != "STOPPING=1" {
		t.Fatalf("sent = %v", sent)
	}
	for _, s := range sent[3:] {
		if s != "WATCHDOG=1" {
			t.Fatalf("unexpected state %q", s)
		}
	}
}
