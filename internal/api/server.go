// Package api provides the HTTP server for the gridcoin engine.
// It exposes the ledger, reward purchases and result reports as JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/app/ledger"
	"github.com/tutu-network/gridcoin/internal/app/purchase"
	"github.com/tutu-network/gridcoin/internal/app/results"
	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration // per-request deadline (default: 30s)
	CORSOrigins    []string      // allowed origins; empty disables CORS
	Metrics        bool          // mount /metrics
}

// DefaultConfig returns API defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, Metrics: true}
}

// Server is the gridcoin HTTP API server.
type Server struct {
	cfg       Config
	ledger    *ledger.Ledger
	purchases *purchase.Service
	results   *results.Tracker
	tracer    *observability.Tracer
	log       zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, l *ledger.Ledger, p *purchase.Service, r *results.Tracker, tracer *observability.Tracer, log zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Server{
		cfg:       cfg,
		ledger:    l,
		purchases: p,
		results:   r,
		tracer:    tracer,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(traceMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api/ledger", func(r chi.Router) {
		r.Post("/grants", s.handleGrant)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/accounts/{id}/transactions", s.handleTransactions)
		r.Get("/accounts/{id}/audit", s.handleAudit)
	})

	r.Post("/api/purchases", s.handlePurchase)

	r.Route("/api/results", func(r chi.Router) {
		r.Post("/client", s.handleClientReport)
		r.Post("/provider", s.handleProviderCallback)
		r.Get("/users/{id}", s.handleResultHistory)
	})

	r.Get("/api/debug/spans", s.handleSpans)

	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	if len(s.cfg.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

// traceMiddleware carries the request id into spans as their trace id.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    kind,
		},
	})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnknownAccount), errors.Is(err, domain.ErrUnknownUser),
		errors.Is(err, domain.ErrUnknownProject), errors.Is(err, domain.ErrUnknownReward):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrRewardUnavailable),
		errors.Is(err, domain.ErrWrongBuyer):
		status = http.StatusConflict
	case kind == "validation":
		status = http.StatusBadRequest
	case kind == "timeout":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("kind", kind).Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeError(w, status, kind, err.Error())
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
