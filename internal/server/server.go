// Package server is robotflow's HTTP control surface: submit workflows, follow
// their events, answer confirmation gates and cancel runs.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/store"
	"github.com/danshapiro/robotflow/internal/tool"
)

const shutdownGrace = 15 * time.Second

type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8765"
}

// Options wires the server to the rest of robotflow. Tools is required.
type Options struct {
	Tools *tool.Registry
	// Store journals runs. Nil keeps runs in memory only.
	Store store.Store
	// RunDir maps a run id to its progress/report directory. Nil disables both.
	RunDir      func(runID string) string
	Workflows   []orchestrator.Definition
	Policy      orchestrator.RetryPolicy
	MaxParallel int
	Logger      *zerolog.Logger
	Metrics     *orchestrator.Metrics
	// Gatherer backs GET /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP server for managing workflow runs.
type Server struct {
	config   Config
	opts     Options
	registry *RunRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	handler  http.Handler
	httpSrv  *http.Server
	logger   zerolog.Logger
	runs     sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, opts Options) (*Server, error) {
	if opts.Tools == nil {
		return nil, errors.New("server: tool registry is required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "server").Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		opts:     opts,
		registry: NewRunRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/gates", s.handleGetGates)
	mux.HandleFunc("POST /runs/{id}/gates/{gid}/decision", s.handleDecide)
	mux.HandleFunc("GET /runs/{id}/notices", s.handleGetNotices)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.handler = csrfProtect(mux)

	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Runs returns the registry of runs started by this server.
func (s *Server) Runs() *RunRegistry { return s.registry }

// ListenAndServe serves until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down")
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set Origin on
// cross-origin requests; CLI callers omit it or send a local one.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown aborts running workflows, drains HTTP connections and waits for
// the runs to record their final state.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.registry.CancelAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			s.runs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.logger.Warn().Msg("runs still finishing after shutdown grace period")
		}
		s.cancel()
	})
}
