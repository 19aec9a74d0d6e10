// Package api exposes the statistics service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eida/eidastats/internal/auth"
	"github.com/eida/eidastats/internal/storage"
	"github.com/eida/eidastats/pkg/models"
)

// Config parameterizes the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// Prefix is prepended to every route.
	Prefix string

	// ReadTimeout and WriteTimeout bound request handling; zero values fall
	// back to defaults sized for large payload submissions.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP facade over the store and the query engine.
type Server struct {
	store    storage.Store
	verifier *auth.Verifier
	log      zerolog.Logger
	router   *chi.Mux
	server   *http.Server
}

// NewServer wires the routes under the configured URL prefix. The verifier
// may be nil, in which case the authenticated endpoints reject every token.
func NewServer(cfg Config, store storage.Store, verifier *auth.Verifier, log zerolog.Logger) *Server {
	s := &Server{
		store:    store,
		verifier: verifier,
		log:      log,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, models.ErrMethodNotAllowed.Error())
	})

	s.router.Route(cfg.Prefix, func(r chi.Router) {
		r.Get("/_health", s.health)
		r.Get("/_nodes", s.listNodes)
		r.Get("/_networks", s.listNetworks)
		r.Get("/_isRestricted", s.isRestricted)
		r.Get("/node_restriction_policy", s.getNodePolicy)
		r.Post("/node_restriction_policy", s.setNodePolicy)
		r.Get("/network_restriction_policy", s.getNetworkPolicy)
		r.Post("/network_restriction_policy", s.setNetworkPolicy)

		r.Get("/dataselect/public", s.statsHandler(queryPublic))
		r.Post("/dataselect/restricted", s.statsHandler(queryRestricted))
		r.Post("/dataselect/raw", s.statsHandler(queryRaw))

		r.Post("/submit", s.submit)
		r.Put("/submit", s.submit)
	})

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// fail maps a typed error to its HTTP response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		s.respondError(w, status, "internal server error")
		return
	}
	s.respondError(w, status, err.Error())
}

// statusFor maps the closed error set to HTTP statuses.
func statusFor(err error) int {
	var unknownParam *models.UnknownParameterError
	var badValue *models.BadValueError
	switch {
	case errors.As(err, &unknownParam), errors.As(err, &badValue):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrMandatory),
		errors.Is(err, models.ErrNoNetwork),
		errors.Is(err, models.ErrBothMonthYear),
		errors.Is(err, models.ErrNoMatchingEntry),
		errors.Is(err, models.ErrDuplicateSubmission),
		errors.Is(err, models.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthenticated),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidBearerToken),
		errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
