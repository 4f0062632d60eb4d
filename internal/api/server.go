// Package api exposes the admin HTTP surface: tenant and account
// management, message submission, operational commands and status.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mail-relay/internal/metrics"
	"github.com/ignite/mail-relay/internal/store"
	"github.com/ignite/mail-relay/internal/supervisor"
)

// APITokenHeader authenticates every /api request.
const APITokenHeader = "X-API-Token"

// Server is the admin HTTP server.
type Server struct {
	store    *store.Store
	sup      *supervisor.Supervisor
	reporter SyncStatusSource
	db       *sql.DB
	apiToken string
	handler  http.Handler
	server   *http.Server
}

// SyncStatusSource exposes per-tenant sync stamps for the status listing.
type SyncStatusSource interface {
	LastSync(tenantID string) int64
}

// NewServer wires the routes. An empty apiToken disables authentication;
// that is only sensible in development.
func NewServer(st *store.Store, sup *supervisor.Supervisor, reporter SyncStatusSource, db *sql.DB, apiToken string) *Server {
	s := &Server{
		store:    st,
		sup:      sup,
		reporter: reporter,
		db:       db,
		apiToken: apiToken,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", APITokenHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)
			r.Post("/", s.handleCreateTenant)
			r.Get("/sync-status", s.handleSyncStatus)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", s.handleGetTenant)
				r.Put("/", s.handleUpdateTenant)
				r.Delete("/", s.handleDeleteTenant)

				r.Get("/accounts", s.handleListAccounts)
				r.Post("/accounts", s.handleUpsertAccount)
				r.Delete("/accounts/{accountID}", s.handleDeleteAccount)
			})
		})

		r.Post("/messages", s.handleInsertMessages)
		r.Post("/messages/{tenantID}/{messageID}/events", s.handleAddEvent)

		r.Route("/commands", func(r chi.Router) {
			r.Post("/run-now", s.handleRunNow)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/activate", s.handleActivate)
		})
	})

	return r
}

// requireToken is the shared-token gate on the admin API.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" && r.Header.Get(APITokenHeader) != s.apiToken {
			respondError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
