// Package ctl is the local control plane: a JSON-RPC 2.0 surface over a
// loopback HTTP bridge, driven by clickctl. It talks to the scheduling
// core directly; every mutation goes through the same operations the
// daemon itself uses.
package ctl

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/jrpc2/jhttp"

	"clickd/internal/breaker"
	"clickd/internal/health"
	rtsup "clickd/internal/runtime/supervisor"
	"clickd/internal/sched"
	logx "clickd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8419"

// Config controls the control plane listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Core is the scheduling surface the control plane drives.
type Core interface {
	StartTimer(ctx context.Context, targetID string, interval time.Duration) error
	StopTimer(ctx context.Context, targetID string) error
	PauseTimer(ctx context.Context, targetID string) error
	ResumeTimer(ctx context.Context, targetID string) error
	TriggerNow(targetID string) error
	Status(targetID string) sched.Status
	Snapshot() []sched.TimerRecord
}

// LogTailer serves recent log lines for system.logs. *logx.Service
// satisfies it.
type LogTailer interface {
	Tail(n int) []string
}

// RecoveryInfo exposes remediation bookkeeping for status output.
type RecoveryInfo interface {
	Snapshot() (tracked, exhausted int)
}

// HealthInfo exposes reconciliation stats for status output.
type HealthInfo interface {
	Snapshot() health.Stats
}

// TargetInfo is one configured target as the app sees it.
type TargetInfo struct {
	ID       string
	Match    string
	Paused   bool
	Interval time.Duration
}

// Deps wires the control plane to the rest of the daemon. Core is
// required; everything else degrades to absent fields in the output.
type Deps struct {
	Core     Core
	Logs     LogTailer
	Breaker  *breaker.Breaker
	Recovery RecoveryInfo
	Health   HealthInfo
	InFlight func() int
	Targets  func() []TargetInfo
	Paused   func() bool

	Version   string
	StartedAt time.Time
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	log    logx.Logger
	now    func() time.Time
	ln     net.Listener
	srv    *http.Server
	bridge jhttp.Bridge
	sup    *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "ctl")),
		now:  time.Now,
	}
}

// Addr returns the bound listen address, or "" when not running. Useful
// for tests and for logging the effective port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and begins serving. Unlike the optional
// observability servers this fails loudly: a daemon that cannot expose
// its control plane should say so at startup, not retry quietly.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	token := strings.TrimSpace(s.cfg.Token)
	if !s.cfg.AllowInsecure && token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("ctl: non-loopback addr %s requires token or allow_insecure", addr)
	}
	if s.cfg.AllowInsecure && token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("control plane without token on non-loopback addr (insecure)",
			logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ctl: listen %s: %w", addr, err)
	}

	bridge := jhttp.NewBridge(s.methods(), nil)
	mux := http.NewServeMux()
	mux.Handle("/rpc", requireToken(token, bridge))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, IdleTimeout: time.Minute}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.ln, s.srv, s.bridge, s.sup = ln, srv, bridge, sup

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})
	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})

	s.log.Info("control plane started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", token != ""))
	return nil
}

// Stop shuts the server down, bounded by ctx. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	ln, srv, bridge, sup := s.ln, s.srv, s.bridge, s.sup
	s.ln, s.srv, s.sup = nil, nil, nil
	s.bridge = jhttp.Bridge{}
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	_ = bridge.Close()
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("control plane stopped")
}

// requireToken wraps an http.Handler with Bearer token authentication.
// Failures get a JSON-RPC shaped 401 so clickctl can show one error
// format. An empty token disables the check; Start only allows that on
// loopback binds.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validToken(token, r.Header.Get("Authorization")) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    -32600,
					"message": "Unauthorized",
				},
				"id": nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validToken(token, authHeader string) bool {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
