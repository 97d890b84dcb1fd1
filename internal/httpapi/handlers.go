package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"courtbot/internal/registry"
	"courtbot/internal/session"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

const (
	DefaultCookieName = "courtbot_sid"
	maxBodyBytes      = 64 << 10
)

// Sessions is the registry surface the API needs.
type Sessions interface {
	Launch(id string, req session.Request) (*session.State, error)
	Cancel(id string) error
	Snapshot(id string) (session.View, error)
	Logs(id string, tail int) ([]session.Entry, error)
	ListActive() []session.View
	ListRecentFinished(limit int) []session.View
	ActiveCount() int
}

// Outcomes reads back the audit trail.
type Outcomes interface {
	RecentOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error)
}

// API serves the session routes.
type API struct {
	sessions     Sessions
	outcomes     Outcomes
	log          logx.Logger
	adminToken   string
	cookieName   string
	cookieSecure bool
	now          func() time.Time
	newID        func() string
	startedAt    time.Time
	health       func() map[string]any
	recentLimit  int
}

type Option func(*API)

func WithLogger(l logx.Logger) Option { return func(a *API) { a.log = l } }

// WithOutcomes enables GET /api/outcomes.
func WithOutcomes(o Outcomes) Option { return func(a *API) { a.outcomes = o } }

// WithAdminToken requires a bearer token on the monitoring routes.
func WithAdminToken(tok string) Option {
	return func(a *API) { a.adminToken = strings.TrimSpace(tok) }
}

func WithCookie(name string, secure bool) Option {
	return func(a *API) {
		if strings.TrimSpace(name) != "" {
			a.cookieName = strings.TrimSpace(name)
		}
		a.cookieSecure = secure
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDs replaces the session id generator (uuid v4).
func WithIDs(gen func() string) Option {
	return func(a *API) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// WithRecentLimit sets the list size used when ?limit is absent or 0.
func WithRecentLimit(n int) Option { return func(a *API) { a.recentLimit = n } }

// WithHealth adds fields to GET /health.
func WithHealth(extra func() map[string]any) Option { return func(a *API) { a.health = extra } }

func NewAPI(sessions Sessions, opts ...Option) *API {
	a := &API{
		sessions:   sessions,
		log:        logx.Nop(),
		cookieName: DefaultCookieName,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	a.startedAt = a.now()
	return a
}

// Handler returns the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/cancel", a.withCookie(a.handleCancel))
	mux.HandleFunc("GET /api/session/status", a.withCookie(a.handleStatus))
	mux.HandleFunc("GET /api/session/logs", a.withCookie(a.handleLogs))

	mux.HandleFunc("GET /api/sessions", a.withAdmin(a.handleListActive))
	mux.HandleFunc("GET /api/sessions/recent", a.withAdmin(a.handleListRecent))
	mux.HandleFunc("GET /api/sessions/{id}", a.withAdmin(a.withPathID(a.handleStatus)))
	mux.HandleFunc("GET /api/sessions/{id}/logs", a.withAdmin(a.withPathID(a.handleLogs)))
	mux.HandleFunc("POST /api/sessions/{id}/cancel", a.withAdmin(a.withPathID(a.handleCancel)))
	mux.HandleFunc("GET /api/outcomes", a.withAdmin(a.handleOutcomes))

	return a.recoverer(mux)
}

type idHandler func(w http.ResponseWriter, r *http.Request, id string)

func (a *API) withCookie(h idHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(a.cookieName)
		if err != nil || strings.TrimSpace(c.Value) == "" {
			writeError(w, http.StatusNotFound, "no session for this client")
			return
		}
		h(w, r, c.Value)
	}
}

func (a *API) withPathID(h idHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { h(w, r, r.PathValue("id")) }
}

func (a *API) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	if a.adminToken == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		got := strings.TrimSpace(strings.TrimPrefix(ah, p))
		if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(got), []byte(a.adminToken)) == 1 {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				a.log.Error("http handler panic", logx.String("path", r.URL.Path), logx.Any("panic", p))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// startBody accepts "secret" or "password", and "resources" or "courts".
type startBody struct {
	Username  string   `json:"username"`
	Secret    string   `json:"secret"`
	Password  string   `json:"password"`
	MemberID  string   `json:"member_id"`
	Date      string   `json:"date"`
	Times     []string `json:"times"`
	Resources []string `json:"resources"`
	Courts    []string `json:"courts"`
}

func (b startBody) request() session.Request {
	req := session.Request{
		Username:  b.Username,
		Secret:    b.Secret,
		MemberID:  b.MemberID,
		Date:      b.Date,
		Times:     b.Times,
		Resources: b.Resources,
	}
	if req.Secret == "" {
		req.Secret = b.Password
	}
	if len(req.Resources) == 0 {
		req.Resources = b.Courts
	}
	return req
}

func (a *API) decodeStart(w http.ResponseWriter, r *http.Request) (session.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		var err error
		if ct == "multipart/form-data" {
			err = r.ParseMultipartForm(maxBodyBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return session.Request{}, err
		}
		b := startBody{
			Username:  r.PostForm.Get("username"),
			Secret:    r.PostForm.Get("secret"),
			Password:  r.PostForm.Get("password"),
			MemberID:  r.PostForm.Get("member_id"),
			Date:      r.PostForm.Get("date"),
			Times:     splitList(r.PostForm["times"]),
			Resources: splitList(r.PostForm["resources"]),
			Courts:    splitList(r.PostForm["courts"]),
		}
		return b.request(), nil
	}
	var b startBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return session.Request{}, err
	}
	return b.request(), nil
}

// splitList flattens repeated and comma separated form values.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeStart(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	id := ""
	if c, err := r.Cookie(a.cookieName); err == nil {
		id = strings.TrimSpace(c.Value)
	}
	if id == "" {
		id = a.newID()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	st, err := a.sessions.Launch(id, req)
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "a session is already running for this client")
		return
	case errors.Is(err, registry.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		a.log.Warn("session start failed", logx.String("sid", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"id": id, "error": err.Error()})
		return
	}
	a.log.Info("session started",
		logx.String("sid", id),
		logx.String("user", st.Request().MaskedUsername()),
		logx.Strings("times", st.Request().Times),
		logx.Strings("resources", st.Request().Resources),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": st.Status()})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.sessions.Cancel(id); err != nil {
		a.writeLookupError(w, err)
		return
	}
	v, err := a.sessions.Snapshot(id)
	if err != nil {
		a.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	v, err := a.sessions.Snapshot(id)
	if err != nil {
		a.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	tail, ok := intParam(r, "tail")
	if !ok {
		writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
		return
	}
	entries, err := a.sessions.Logs(id, tail)
	if err != nil {
		a.writeLookupError(w, err)
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "entries": entries})
}

func (a *API) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.sessions.ListActive()))
}

func (a *API) handleListRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = a.recentLimit
	}
	writeJSON(w, http.StatusOK, nonNil(a.sessions.ListRecentFinished(limit)))
}

func (a *API) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if a.outcomes == nil {
		writeError(w, http.StatusNotFound, "outcome storage is disabled")
		return
	}
	limit, ok := intParam(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	out, err := a.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		a.log.Warn("outcome read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "outcome read failed")
		return
	}
	if out == nil {
		out = []storage.Outcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	body := map[string]any{
		"status":          "healthy",
		"timestamp":       now.Format(time.RFC3339),
		"uptime":          now.Sub(a.startedAt).Truncate(time.Second).String(),
		"active_sessions": a.sessions.ActiveCount(),
	}
	if a.health != nil {
		for k, v := range a.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	a.log.Warn("session lookup failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// intParam reads a non-negative query integer; missing means 0.
func intParam(r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func nonNil(v []session.View) []session.View {
	if v == nil {
		return []session.View{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
