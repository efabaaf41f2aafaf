// Package server exposes the agent gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	perrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pario-ai/agentgate/pkg/agents"
	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/gateway"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
	"github.com/pario-ai/agentgate/pkg/sweeper"
)

// maxRequestSize caps inbound request bodies.
const maxRequestSize = 1 << 20

// Server is the agentgate HTTP gateway.
type Server struct {
	provider *config.Provider
	gateway  *gateway.Gateway
	agents   *agents.Registry
	sweeper  *sweeper.Sweeper
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *mux.Router
	addr     string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAddr overrides the configured listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server wired with all dependencies.
func New(provider *config.Provider, gw *gateway.Gateway, reg *agents.Registry, sw *sweeper.Sweeper, opts ...Option) *Server {
	s := &Server{
		provider: provider,
		gateway:  gw,
		agents:   reg,
		sweeper:  sw,
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.requestID, s.identify)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/agents/{agent}", s.handleAgentCall).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(adminOnly)
	admin.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	admin.HandleFunc("/cache/{agent}", s.handleCacheFlush).Methods(http.MethodDelete)
	admin.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)
	admin.HandleFunc("/limits", s.handleLimits).Methods(http.MethodGet)
	admin.HandleFunc("/limits/{agent}", s.handleLimits).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server and shuts it down gracefully when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.addr
	if addr == "" {
		addr = s.provider.Current().Listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agentgate listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
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

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(agents.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := resolveCaller(r, s.provider.Current().Auth)
		if err != nil {
			s.logger.Debug("rejected bearer token", zap.Error(err))
			writeJSONError(w, http.StatusUnauthorized, perrors.Wrap(err, perrors.CodeUnauthorized, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(gateway.WithCaller(r.Context(), caller)))
	})
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gateway.CallerFrom(r.Context()).Privileged {
			writeJSONError(w, http.StatusForbidden, perrors.New(perrors.CodeForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentCall(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	fn, err := s.agents.Func(agent)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, perrors.Wrap(err, perrors.CodeInvalidInput, "failed to read request body"))
		return
	}
	var req models.Request
	if err := json.Unmarshal(body, &req); err != nil || req == nil {
		writeJSONError(w, http.StatusBadRequest, perrors.New(perrors.CodeInvalidInput, "request body must be a JSON object"))
		return
	}

	caller := gateway.CallerFrom(r.Context())
	start := time.Now()
	res, err := s.gateway.Call(r.Context(), agent, caller, req, fn)
	fields := []zap.Field{
		zap.String("agent", agent),
		zap.String("request_id", agents.RequestID(r.Context())),
		zap.String("user", caller.UserID),
		zap.String("addr", caller.Addr),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		s.writeCallError(w, r, err, fields)
		return
	}

	cacheState := "miss"
	if res.Cached {
		cacheState = "hit"
		w.Header().Set("X-Cache-Hits", strconv.FormatInt(res.HitCount, 10))
	}
	s.logger.Info("agent call", append(fields, zap.String("cache", cacheState))...)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheState)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Response)
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error, fields []zap.Field) {
	var upErr *agents.UpstreamError
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		s.logger.Info("agent call rate limited", fields...)
		w.Header().Set("Retry-After", strconv.Itoa(int(models.WindowDuration.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, ratelimit.ErrRateLimited)
	case errors.Is(err, cache.ErrStoreUnavailable):
		s.logger.Error("rate limiter unavailable", append(fields, zap.Error(err))...)
		writeJSONError(w, http.StatusServiceUnavailable, cache.ErrStoreUnavailable)
	case r.Context().Err() != nil:
		s.logger.Info("agent call cancelled", fields...)
	case errors.As(err, &upErr):
		s.logger.Warn("agent returned error", append(fields, zap.Int("status", upErr.StatusCode))...)
		if upErr.ContentType != "" {
			w.Header().Set("Content-Type", upErr.ContentType)
		}
		w.WriteHeader(upErr.StatusCode)
		w.Write(upErr.Body)
	default:
		s.logger.Warn("agent call failed", append(fields, zap.Error(err))...)
		writeJSONError(w, http.StatusBadGateway, perrors.Wrap(err, perrors.CodeNetwork, "agent call failed"))
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	top := 0
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, perrors.New(perrors.CodeInvalidInput, "top must be a non-negative integer"))
			return
		}
		top = n
	}
	stats, err := s.gateway.Stats(r.Context(), top)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	n, err := s.gateway.FlushAgent(r.Context(), agent)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "flushed": n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sweeper.RunOnce(r.Context()))
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	windows, err := s.gateway.Windows(r.Context(), agent)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	if windows == nil {
		windows = []models.RateLimitWindow{}
	}
	writeJSON(w, http.StatusOK, windows)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": perrors.ToJSON(err)})
}
