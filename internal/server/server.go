// Package server exposes the session coordinator and the order poller to
// other local processes over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/dvcrn/storefront-session/internal/poller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SessionManager is the part of the session coordinator served over HTTP
type SessionManager interface {
	Login(ctx context.Context, identifier, secret string) (*credentials.Credential, error)
	Logout(ctx context.Context)
	GetValidAccessToken(ctx context.Context) (string, error)
	Current() *credentials.Credential
}

type Options struct {
	// AdminAPIKey guards every route that reveals or changes the session.
	// Empty disables those routes.
	AdminAPIKey string
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	// Now is used for expiry reporting; nil uses time.Now
	Now func() time.Time
}

type Server struct {
	sessions SessionManager
	polls    *poller.Registry
	router   chi.Router
	logger   zerolog.Logger
	adminKey string
	gatherer prometheus.Gatherer
	now      func() time.Time
}

func New(logger zerolog.Logger, sessions SessionManager, polls *poller.Registry, opts Options) *Server {
	s := &Server{
		sessions: sessions,
		polls:    polls,
		router:   chi.NewRouter(),
		logger:   logger,
		adminKey: opts.AdminAPIKey,
		gatherer: opts.Gatherer,
		now:      opts.Now,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/v1/session", s.sessionStatusHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.adminMiddleware)

		r.Post("/v1/session/login", s.loginHandler)
		r.Post("/v1/session/logout", s.logoutHandler)
		r.Get("/v1/session/token", s.tokenHandler)

		r.Route("/v1/orders/{ref}/poll", func(r chi.Router) {
			r.Post("/", s.startPollHandler)
			r.Get("/", s.pollStatusHandler)
			r.Delete("/", s.cancelPollHandler)
			r.Get("/stream", s.pollStreamHandler)
		})
	})

	r.NotFound(s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidCredentials),
		apperrors.Is(err, apperrors.ErrSessionExpired),
		apperrors.Is(err, apperrors.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case apperrors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrServer):
		status = http.StatusBadGateway
	case apperrors.Is(err, context.DeadlineExceeded), apperrors.Is(err, apperrors.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
