package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "courtbot/pkg/logx"
)

const (
	DefaultTimeout      = 4 * time.Second
	DefaultAuthMode     = "usuario"
	DefaultModule       = "socio"
	DefaultPlaceholder  = "nao-verificado"
	maxResponseBodySize = 4 << 20
)

// Config describes the remote service origin and its fixed protocol values.
type Config struct {
	BaseURL  string
	TenantID string
	GroupID  string

	AuthMode                string
	Module                  string
	ModalityID              int
	VerificationPlaceholder string

	Timeout time.Duration
	// RatePerSec spaces outbound calls from one client (0 disables).
	RatePerSec float64
	UserAgent  string
}

// HTTPClient implements Client over HTTPS/JSON.
type HTTPClient struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the transport (tests, custom TLS).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) ClientOption {
	return func(c *HTTPClient) { c.log = log }
}

func NewHTTPClient(cfg Config, opts ...ClientOption) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("booking: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("booking: invalid base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("booking: group id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = DefaultAuthMode
	}
	if cfg.Module == "" {
		cfg.Module = DefaultModule
	}
	if cfg.VerificationPlaceholder == "" {
		cfg.VerificationPlaceholder = DefaultPlaceholder
	}

	c := &HTTPClient{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logx.Nop(),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

type loginRequest struct {
	TenantID  string `json:"idCliente"`
	AuthMode  string `json:"tipoAutenticacao"`
	Module    string `json:"modulo"`
	Login     string `json:"login"`
	Password  string `json:"senha"`
	Password2 string `json:"senhaHash"`
}

type envelope struct {
	Success bool            `json:"sucesso"`
	Message string          `json:"mensagem"`
	Data    json.RawMessage `json:"dados"`
}

type loginData struct {
	Token string `json:"token"`
}

type wireSlot struct {
	Start  string `json:"horaInicial"`
	Status string `json:"status"`
}

type wireResource struct {
	Code  string     `json:"codigo"`
	Name  string     `json:"nome"`
	Slots []wireSlot `json:"horarios"`
}

type reserveRequest struct {
	ResourceCode string   `json:"codigoDependencia"`
	Date         string   `json:"data"`
	Start        string   `json:"horaInicial"`
	End          string   `json:"horaFinal"`
	MemberID     string   `json:"matricula"`
	ModalityID   int      `json:"idModalidade"`
	Guests       []string `json:"convidados"`
	AcceptTerms  bool     `json:"aceiteRegulamento"`
	Verification string   `json:"captcha"`
}

// ---- operations ----

func (c *HTTPClient) Authenticate(ctx context.Context, username, secret string) (Token, error) {
	const op = "authenticate"
	digest := DigestSecret(secret)
	body := loginRequest{
		TenantID:  c.cfg.TenantID,
		AuthMode:  c.cfg.AuthMode,
		Module:    c.cfg.Module,
		Login:     username,
		Password:  digest,
		Password2: digest,
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/Logins", nil, "", body)
	if err != nil {
		return "", newError(KindTransient, op, 0, err)
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return "", newError(KindTransient, op, status, nil)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", newError(KindAuth, op, status, fmt.Errorf("decode envelope: %w", err))
	}
	if status < 200 || status > 299 || !env.Success {
		return "", newError(KindAuth, op, status, errors.New(messageOr(env.Message, "login rejected")))
	}
	var data loginData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil || strings.TrimSpace(data.Token) == "" {
		return "", newError(KindAuth, op, status, errors.New("token missing from login response"))
	}
	return Token(data.Token), nil
}

func (c *HTTPClient) FetchGrid(ctx context.Context, token Token, date string) ([]Resource, error) {
	const op = "fetch_grid"
	q := url.Values{}
	q.Set("data", date+"T00:00:00")
	path := "/GruposDeDependencia/" + url.PathEscape(c.cfg.GroupID) + "/Horarios"

	status, raw, err := c.do(ctx, http.MethodGet, path, q, token, nil)
	if err != nil {
		return nil, newError(KindTransient, op, 0, err)
	}
	if isAuthFailure(status) {
		return nil, newError(KindTokenExpired, op, status, nil)
	}
	if status < 200 || status > 299 {
		return nil, newError(KindTransient, op, status, nil)
	}

	var wire []wireResource
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, newError(KindTransient, op, status, fmt.Errorf("decode grid: %w", err))
	}
	out := make([]Resource, 0, len(wire))
	for _, w := range wire {
		r := Resource{Code: strings.TrimSpace(w.Code), Name: strings.TrimSpace(w.Name), Slots: make([]Slot, 0, len(w.Slots))}
		for _, s := range w.Slots {
			r.Slots = append(r.Slots, Slot{Start: normalizeStart(s.Start), Status: ParseSlotStatus(s.Status), Raw: s.Status})
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *HTTPClient) Reserve(ctx context.Context, token Token, req ReserveRequest) (bool, error) {
	const op = "reserve"
	end, err := EndTime(req.Start)
	if err != nil {
		return false, err
	}
	body := reserveRequest{
		ResourceCode: req.ResourceCode,
		Date:         req.Date + "T00:00:00",
		Start:        req.Start,
		End:          end,
		MemberID:     req.MemberID,
		ModalityID:   c.cfg.ModalityID,
		Guests:       []string{},
		AcceptTerms:  true,
		Verification: c.cfg.VerificationPlaceholder,
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/Reservas", nil, token, body)
	if err != nil {
		// Outcome unknown; the engine treats it like a lost slot and moves on.
		c.log.Debug("reserve transport error", logx.String("resource", req.ResourceCode), logx.String("start", req.Start), logx.Err(err))
		return false, nil
	}
	if isAuthFailure(status) {
		return false, newError(KindTokenExpired, op, status, nil)
	}
	if status < 200 || status > 299 {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, nil
	}
	return env.Success, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, token Token, body any) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.cfg.TenantID)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	c.log.Trace("remote call", logx.String("method", method), logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func messageOr(msg, def string) string {
	if strings.TrimSpace(msg) == "" {
		return def
	}
	return msg
}
