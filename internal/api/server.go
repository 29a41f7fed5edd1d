// Package api provides the HTTP server for tallyd. It exposes the ledger,
// streaming session, and usage operations to the inference service, plus a
// role-gated administration surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tally-network/tallyd/internal/app/admin"
	"github.com/tally-network/tallyd/internal/app/identity"
	"github.com/tally-network/tallyd/internal/app/ledger"
	"github.com/tally-network/tallyd/internal/app/session"
	"github.com/tally-network/tallyd/internal/app/usage"
	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/metrics"
)

// Server is the tallyd HTTP API server.
type Server struct {
	ids            *identity.Service
	ledger         *ledger.Service
	sessions       *session.Manager
	usage          *usage.Service
	admin          *admin.Service
	metricsEnabled bool
}

// NewServer creates a new API server over the wired services.
func NewServer(ids *identity.Service, led *ledger.Service, sess *session.Manager, rec *usage.Service, adm *admin.Service) *Server {
	return &Server{ids: ids, ledger: led, sessions: sess, usage: rec, admin: adm}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)
	r.Use(durationMiddleware)

	// Health check for load balancers
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "tallyd is running",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Authenticated surface. The identity middleware trusts the verified
	// claim headers the auth collaborator injects upstream.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.identityMiddleware)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/history", s.handleHistory)
			r.Post("/check", s.handleCheck)
			r.Post("/deduct", s.handleDeduct)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleActiveSessions)
			r.Post("/", s.handleInitializeSession)
			r.Post("/{sessionID}/finalize", s.handleFinalizeSession)
			r.Post("/{sessionID}/abort", s.handleAbortSession)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", s.handleRecentUsage)
			r.Get("/stats", s.handleUsageStats)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/credits/allocate", s.handleAdminAllocate)
			r.Post("/credits/set", s.handleAdminSet)
			r.Post("/credits/adjust", s.handleAdminAdjust)
			r.Post("/credits/remove", s.handleAdminRemove)
			r.Get("/users/{ref}", s.handleAdminResolve)
			r.Get("/sessions/active", s.handleAdminActiveSessions)
			r.Get("/sessions/recent", s.handleAdminRecentSessions)
			r.Get("/usage/stats", s.handleAdminUsageStats)
		})
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps a domain sentinel to an HTTP status. Business-rule
// rejections carry their detail (balance, required amount) in the message;
// unexpected errors surface as opaque internal errors.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSessionExists),
		errors.Is(err, domain.ErrSessionAlreadySettled),
		errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrAmbiguousUser):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits),
		errors.Is(err, domain.ErrInsufficientCreditsForSession):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// durationMiddleware records request latency per matched route pattern and
// status class. Route patterns keep label cardinality bounded — raw paths
// would mint a label per session id.
func durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := fmt.Sprintf("%dxx", ww.Status()/100)
		metrics.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tally-User, X-Tally-Username, X-Tally-Email, X-Tally-Role")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
