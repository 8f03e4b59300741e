// Package ops is the loopback-only operator HTTP surface: health, counters,
// on-demand lookups, cache invalidation, broadcasts and manual bucket runs.
package ops

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"schedbot/internal/cache"
	"schedbot/internal/delivery"
	"schedbot/internal/lookup"
	"schedbot/internal/notify"
	rtsup "schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/timetable"
	logx "schedbot/pkg/logx"
)

var ErrNotLoopback = errors.New("ops listen address must be loopback")

type Config struct {
	Enabled bool
	Addr    string
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token        string
	EnablePprof  bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

type ScheduleLookup interface {
	Lookup(ctx context.Context, q timetable.Query, hint *schedule.Subject) (lookup.Result, error)
	Location() *time.Location
}

type CacheAdmin interface {
	InvalidateAll(ctx context.Context) int
	Stats() cache.Stats
}

type Broadcaster interface {
	Broadcast(ctx context.Context, name string, recipients []int64, body string) (string, error)
	Job(id string) (delivery.JobStatus, bool)
	Stats() delivery.Stats
}

type RecipientLister interface {
	ListRecipients(ctx context.Context) ([]int64, error)
}

type BucketRunner interface {
	RunNow(ctx context.Context, bucket string) (notify.TickReport, error)
	Buckets() []string
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are all optional; routes backed by a nil dependency answer 503.
type Deps struct {
	Lookup     ScheduleLookup
	Cache      CacheAdmin
	Dispatcher Broadcaster
	Recipients RecipientLister
	Scheduler  BucketRunner
	Audit      Auditor
	// Runtime reports supervisor snapshots keyed by owner.
	Runtime func() map[string]rtsup.Snapshot
	Now     func() time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	srv     *http.Server
	addr    string
	started time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.Component("ops"))}
}

// Handler builds the router. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/stats", s.stats)
		r.Get("/week", s.week)
		r.Get("/schedule", s.schedule)
		r.Post("/cache/invalidate", s.invalidate)
		r.Post("/broadcasts", s.createBroadcast)
		r.Get("/broadcasts/{id}", s.getBroadcast)
		r.Post("/buckets/{bucket}/run", s.runBucket)
		if s.cfg.EnablePprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Start listens on the configured loopback address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := checkLoopback(s.cfg.Addr); err != nil {
		return err
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.started = s.deps.Now()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server exited", logx.Err(err))
		}
	}()
	s.log.Info("ops server listening", logx.String("addr", s.addr), logx.Bool("auth", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.EnablePprof))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("ops server stopped")
	return err
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops addr %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.String("req_id", middleware.GetReqID(r.Context())),
			logx.Duration("took", time.Since(start)),
		)
	})
}
