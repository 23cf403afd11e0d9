// Package server exposes the budget, cache and inference client over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/livebs/governor/pkg/budget"
	"github.com/livebs/governor/pkg/cache"
	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/llm"
	"github.com/livebs/governor/pkg/logging"
	"github.com/livebs/governor/pkg/metrics"
	"github.com/livebs/governor/pkg/store"
	"github.com/livebs/governor/pkg/tracker"
)

// UserHeader carries the authenticated user id, set by the auth layer in front.
const UserHeader = "X-User-ID"

// Deps are the components the server routes to. Tracker and Metrics may be nil.
type Deps struct {
	Store    *store.Store
	Cache    *cache.Manager
	Enforcer *budget.Enforcer
	Tracker  tracker.Tracker
	LLM      llm.Completer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Server is the governor HTTP surface.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	cache    *cache.Manager
	enforcer *budget.Enforcer
	tracker  tracker.Tracker
	llm      llm.Completer
	metrics  *metrics.Metrics
	logger   *zap.Logger
	limiter  *userLimiter
	mux      *http.ServeMux
	handler  http.Handler
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		cache:    d.Cache,
		enforcer: d.Enforcer,
		tracker:  d.Tracker,
		llm:      d.LLM,
		metrics:  d.Metrics,
		logger:   logging.OrNop(d.Logger).With(zap.String("component", "server")),
		limiter:  newUserLimiter(cfg.Limiter.RequestsPerMinute, cfg.Limiter.Burst),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/tokens/status", s.requireUser(s.handleTokenStatus))
	s.mux.HandleFunc("POST /v1/chat", s.requireUser(s.rateLimited(s.handleChat)))
	s.mux.HandleFunc("GET /v1/admin/tokens/stats", s.handleAdminStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.handler = s.instrument(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.sweep(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("governor listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}
