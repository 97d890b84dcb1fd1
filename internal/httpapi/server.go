// Package httpapi exposes sessions over HTTP: a cookie-scoped surface for the
// person racing, bearer-guarded monitoring routes, and /health.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"courtbot/internal/runtime/supervisor"
	logx "courtbot/pkg/logx"
)

const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Server runs the HTTP listener under its own supervisor.
type Server struct {
	mu      sync.Mutex
	cfg     Config
	handler http.Handler
	log     logx.Logger

	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), handler: handler, log: log}
}

// Supervisor returns the serving supervisor (nil if not started).
func (s *Server) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listen address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Bind errors are
// returned; a serve loop that dies unexpectedly is logged and cancels nothing
// else.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil || s.stopDone != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "http.supervisor"))),
		supervisor.WithCancelOnError(false),
	)
	s.ln, s.srv, s.sup = ln, srv, sup
	s.mu.Unlock()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("http server exited", logx.Err(err))
		return err
	})
	// Process shutdown closes the server even when Stop is never called.
	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx and the configured
// shutdown timeout.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup, timeout := s.srv, s.sup, s.cfg.ShutdownTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		_ = srv.Shutdown(sctx)
		cancel()
		_ = srv.Close()
		_ = sup.Stop(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = srv.Close()
	}
}
