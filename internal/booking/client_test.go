package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/api/", TenantID: "tenant-7", GroupID: "12", ModalityID: 3})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestAuthenticateSendsDigestAndReadsToken(t *testing.T) {
	t.Parallel()
	var got loginRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/Logins" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Tenant-Id") != "tenant-7" {
			t.Errorf("missing tenant header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"sucesso":true,"dados":{"token":"tok-1"}}`)
	}))

	tok, err := c.Authenticate(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q", tok)
	}
	want := DigestSecret("s3cret")
	if got.Password != want || got.Password2 != want {
		t.Fatalf("secret not digested: %+v", got)
	}
	if got.TenantID != "tenant-7" || got.AuthMode != DefaultAuthMode || got.Module != DefaultModule {
		t.Fatalf("fixed metadata missing: %+v", got)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "envelope failure", status: 200, body: `{"sucesso":false,"mensagem":"senha invalida"}`, want: ErrAuth},
		{name: "token missing", status: 200, body: `{"sucesso":true,"dados":{}}`, want: ErrAuth},
		{name: "no envelope", status: 200, body: `not json`, want: ErrAuth},
		{name: "rejected status", status: 401, body: `{"sucesso":false}`, want: ErrAuth},
		{name: "server down", status: 503, body: ``, want: ErrTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			_, err := c.Authenticate(context.Background(), "alice", "x")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFetchGridParsesAndNormalizes(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/GruposDeDependencia/12/Horarios" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("data"); got != "2026-10-18T00:00:00" {
			t.Errorf("data = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		_, _ = io.WriteString(w, `[
			{"codigo":"Q1","nome":"Quadra 1","horarios":[{"horaInicial":"10:00:00","status":"Ocupado"},{"horaInicial":"11:00","status":"Livre"}]},
			{"codigo":"Q2","nome":"Quadra 2","horarios":[{"horaInicial":"2026-10-18T10:00:00","status":"livre"},{"horaInicial":"12:00","status":"manutencao"}]}
		]`)
	}))

	grid, err := c.FetchGrid(context.Background(), "tok", "2026-10-18")
	if err != nil {
		t.Fatalf("FetchGrid: %v", err)
	}
	if len(grid) != 2 || grid[0].Code != "Q1" || grid[1].Name != "Quadra 2" {
		t.Fatalf("grid = %+v", grid)
	}
	checks := []struct {
		r, s   int
		start  string
		status SlotStatus
	}{
		{0, 0, "10:00", SlotTaken},
		{0, 1, "11:00", SlotFree},
		{1, 0, "10:00", SlotFree},
		{1, 1, "12:00", SlotOther},
	}
	for _, ck := range checks {
		got := grid[ck.r].Slots[ck.s]
		if got.Start != ck.start || got.Status != ck.status {
			t.Fatalf("slot[%d][%d] = %+v, want %s %s", ck.r, ck.s, got, ck.start, ck.status)
		}
	}
}

func TestFetchGridClassifiesFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "unauthorized", status: 401, want: ErrTokenExpired},
		{name: "forbidden", status: 403, want: ErrTokenExpired},
		{name: "server error", status: 500, want: ErrTransient},
		{name: "bad gateway", status: 502, want: ErrTransient},
		{name: "garbage body", status: 200, body: "{", want: ErrTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			_, err := c.FetchGrid(context.Background(), "tok", "2026-10-18")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if KindOf(err) == KindAuth {
				t.Fatalf("grid failure must never be fatal: %v", err)
			}
		})
	}
}

func TestReserveOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr error
	}{
		{name: "accepted", status: 200, body: `{"sucesso":true}`, want: true},
		{name: "lost to competitor", status: 200, body: `{"sucesso":false,"mensagem":"horario indisponivel"}`},
		{name: "conflict status", status: 409, body: `{"sucesso":false}`},
		{name: "server error is a loss", status: 500},
		{name: "expired", status: 401, wantErr: ErrTokenExpired},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			ok, err := c.Reserve(context.Background(), "tok", ReserveRequest{ResourceCode: "Q1", Date: "2026-10-18", Start: "10:00", MemberID: "991"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestReserveBody(t *testing.T) {
	t.Parallel()
	var raw map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = io.WriteString(w, `{"sucesso":true}`)
	}))
	if _, err := c.Reserve(context.Background(), "tok", ReserveRequest{ResourceCode: "Q2", Date: "2026-10-18", Start: "22:00", MemberID: "991"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if raw["horaFinal"] != "23:15" {
		t.Fatalf("horaFinal = %v", raw["horaFinal"])
	}
	if raw["codigoDependencia"] != "Q2" || raw["matricula"] != "991" || raw["aceiteRegulamento"] != true {
		t.Fatalf("body = %v", raw)
	}
	if g, ok := raw["convidados"].([]any); !ok || len(g) != 0 {
		t.Fatalf("convidados = %v", raw["convidados"])
	}
	if raw["idModalidade"] != float64(3) || raw["captcha"] != DefaultPlaceholder {
		t.Fatalf("fixed fields = %v", raw)
	}
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL, GroupID: "1", RatePerSec: 0.001})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchGrid(context.Background(), "t", "2026-10-18"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchGrid(ctx, "t", "2026-10-18"); !errors.Is(err, ErrTransient) {
		t.Fatalf("second call err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewHTTPClientValidates(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{}, {BaseURL: "nota url", GroupID: "1"}, {BaseURL: "https://x.test"}} {
		if _, err := NewHTTPClient(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestEndTimeAndDigest(t *testing.T) {
	t.Parallel()
	if got, _ := EndTime("06:00"); got != "07:15" {
		t.Fatalf("EndTime = %s", got)
	}
	if _, err := EndTime("bad"); err == nil {
		t.Fatal("expected error")
	}
	if got := DigestSecret("abc"); got != "900150983cd24fb0d6963f7d28e17f72" {
		t.Fatalf("digest = %s", got)
	}
	if strings.ToLower(DigestSecret("X")) != DigestSecret("X") {
		t.Fatal("digest must be lowercase")
	}
}
