// Package keepalive pings the service's own /health endpoint on a cron
// schedule so free-tier hosts that sleep on inactivity stay awake through
// the night before a reservation opening.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "courtbot/pkg/logx"
)

const (
	DefaultSchedule = "@every 10m"
	DefaultTimeout  = 5 * time.Second
	HealthPath      = "/health"
)

// parser accepts 5- and 6-field specs and descriptors like "@every 10m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Enabled  bool
	URL      string // service origin; /health is appended
	Schedule string
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Result is the outcome of the last ping.
type Result struct {
	At     time.Time     `json:"at"`
	Status int           `json:"status,omitempty"`
	Took   time.Duration `json:"took"`
	Error  string        `json:"error,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	client *http.Client
	c      *cron.Cron
	ctx    context.Context
	last   *Result
	pings  uint64
}

type Option func(*Service)

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		if hc != nil {
			s.client = hc
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg.withDefaults(), log: log, client: &http.Client{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ParseSchedule validates a cron spec with the parser used for pings.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("keepalive schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NextRuns lists the next n activation times of spec after from.
func NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Start schedules pings until Stop or ctx cancellation. It does nothing when
// disabled or when no URL is known.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil {
		return nil
	}
	cfg := s.cfg
	if !cfg.Enabled {
		return nil
	}
	if cfg.URL == "" {
		s.log.Info("keepalive enabled but no url is set; skipping")
		return nil
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.c.Schedule(sched, cron.FuncJob(func() { _ = s.Ping(ctx) }))
	s.c.Start()
	s.log.Info("keepalive started", logx.String("url", cfg.URL+HealthPath), logx.String("schedule", cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running ping (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config, restarting the schedule when it is running.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg == s.cfg {
		s.mu.Unlock()
		return nil
	}
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.cfg = cfg
	old := s.c
	s.c = nil
	var err error
	if s.ctx != nil {
		err = s.startLocked()
	}
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	return err
}

// Ping performs one GET <url>/health and records the result.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.URL == "" {
		return errors.New("keepalive url is empty")
	}

	start := time.Now()
	res := Result{At: start}
	err := s.get(ctx, cfg, &res)
	res.Took = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("keepalive ping failed", logx.Err(err), logx.Duration("took", res.Took))
	} else {
		s.log.Debug("keepalive ping ok", logx.Int("status", res.Status), logx.Duration("took", res.Took))
	}

	s.mu.Lock()
	s.last = &res
	s.pings++
	s.mu.Unlock()
	return err
}

func (s *Service) get(ctx context.Context, cfg Config, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL+HealthPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "courtbot-keepalive")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	res.Status = resp.StatusCode
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

// Last returns the most recent ping result and the total ping count.
func (s *Service) Last() (*Result, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, s.pings
	}
	r := *s.last
	return &r, s.pings
}

// Running reports whether pings are scheduled.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}
