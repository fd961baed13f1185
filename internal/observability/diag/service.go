// Package diag serves an optional HTTP endpoint for operators: /healthz,
// /status (JSON snapshot of the running services) and net/http/pprof.
package diag

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	rtsup "servidor/internal/runtime/supervisor"
	logx "servidor/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the listener. A non-loopback Addr needs Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Probes are the read-only views the endpoint exposes. Either may be nil.
type Probes struct {
	// Status is encoded as JSON by /status.
	Status func() any
	// Health makes /healthz answer 503 with the error text.
	Health func() error
}

var errInsecureBind = errors.New("non-loopback diagnostics addr requires token or allow_insecure")

type Service struct {
	log    logx.Logger
	probes Probes

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor
	ln  net.Listener
}

func New(cfg Config, probes Probes, log logx.Logger) *Service {
	return &Service{cfg: cfg, probes: probes, log: log.With(logx.Comp("diag"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg from a config reload, restarting the listener only
// when something changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed, running := s.cfg != cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		_ = s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start does nothing when disabled or already serving. A failing listener is
// retried with backoff and never stops the daemon.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("diag.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("diagnostics stopped")
	return err
}

// serve runs one listener until ctx ends. An insecure bind is reported once
// and not retried.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := cfg.addr()
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(addr) {
		s.log.Error("diagnostics not started", logx.String("addr", addr), logx.Err(errInsecureBind))
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:      s.handler(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("diagnostics listening", logx.String("url", "http://"+ln.Addr().String()+"/status"), logx.Bool("token", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("diagnostics server closed")
	}
	return err
}
