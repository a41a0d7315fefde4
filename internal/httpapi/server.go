package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "offlinewatch/internal/runtime/supervisor"
	logx "offlinewatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the API server.
//
// Security: an empty JWTSecret disables auth on /v1. Binding such a server to
// a non-loopback address is allowed but logged as insecure.
type Config struct {
	Enabled     bool
	Addr        string
	CORSOrigins []string
	JWTSecret   string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	h   http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

// NewServer builds the router from d and returns an unstarted server.
func NewServer(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Log.IsZero() {
		d.Log = log
	}
	h := NewRouter(d, RouterConfig{CORSOrigins: cfg.CORSOrigins, JWTSecret: cfg.JWTSecret})
	return &Server{cfg: cfg, log: log, h: h}
}

func (s *Server) Enabled() bool { return s.cfg.Enabled }

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds synchronously (so a busy port fails startup) and serves in the
// background. It is a no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(s.cfg.JWTSecret) == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api running without auth on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	rht := s.cfg.ReadHeaderTimeout
	if rht <= 0 {
		rht = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: rht,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	// The API is an outer surface; losing it must not take the job down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	s.sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		s.log.Error("http api stopped unexpectedly", logx.Err(err))
		return err
	})
	s.log.Info("http api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", strings.TrimSpace(s.cfg.JWTSecret) != ""),
		logx.Int("cors_origins", len(s.cfg.CORSOrigins)),
	)
	return nil
}

// Stop shuts the server down gracefully within ctx, then closes it.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http api shutdown", logx.Err(err))
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("http api stopped")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
