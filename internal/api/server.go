// Package api exposes the control plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"proxyplane/internal/auth"
	"proxyplane/internal/backup"
	"proxyplane/internal/gateway"
	"proxyplane/internal/metrics"
	"proxyplane/internal/store"
)

const maxBodyBytes = 10 << 20

type Deps struct {
	Gateway       *gateway.Service
	Backups       *backup.Service
	Auth          *auth.Service
	Metrics       *metrics.Collector
	UpdateTimeout time.Duration
	Log           zerolog.Logger
}

type Server struct {
	gw            *gateway.Service
	backups       *backup.Service
	auth          *auth.Service
	metrics       *metrics.Collector
	updateTimeout time.Duration
	log           zerolog.Logger
}

func New(d Deps) *Server {
	if d.UpdateTimeout <= 0 {
		d.UpdateTimeout = gateway.DefaultUpdateTimeout
	}
	return &Server{
		gw:            d.Gateway,
		backups:       d.Backups,
		auth:          d.Auth,
		metrics:       d.Metrics,
		updateTimeout: d.UpdateTimeout,
		log:           d.Log.With().Str("component", "api").Logger(),
	}
}

// Router wires every endpoint. Reads need any authenticated caller,
// mutations need the admin role.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Get("/routes", list(s.gw.GetRoutes))
		r.Get("/routes/{id}", get(s.gw.GetRoute))
		r.Get("/clusters", list(s.gw.GetClusters))
		r.Get("/clusters/{id}", get(s.gw.GetCluster))
		r.Get("/clusters/{id}/destinations", s.handleClusterDestinations)
		r.Get("/destinations", s.handleListDestinations)
		r.Get("/destinations/{id}", get(s.gw.GetDestination))
		r.Get("/webhosts", list(s.gw.GetWebHosts))
		r.Get("/webhosts/{id}", get(s.gw.GetWebHost))

		r.Get("/config/status", s.handleStatus)
		r.Get("/config/proxy", s.handleProxyConfig)
		r.Get("/config/export", s.handleExport)
		r.Get("/config/validate", s.handleValidateStored)
		r.Get("/backups", s.handleListBackups)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))

			r.Post("/auth/token", s.handleIssueToken)

			r.Post("/routes", create(s.gw.CreateRoute))
			r.Put("/routes/{id}", update(s.gw.UpdateRoute))
			r.Delete("/routes/{id}", remove(s.gw.DeleteRoute))
			r.Post("/clusters", create(s.gw.CreateCluster))
			r.Put("/clusters/{id}", update(s.gw.UpdateCluster))
			r.Delete("/clusters/{id}", remove(s.gw.DeleteCluster))
			r.Post("/clusters/{id}/destinations", s.handleCreateClusterDestination)
			r.Post("/destinations", create(s.gw.CreateDestination))
			r.Put("/destinations/{id}", update(s.gw.UpdateDestination))
			r.Delete("/destinations/{id}", remove(s.gw.DeleteDestination))
			r.Post("/webhosts", create(s.gw.CreateWebHost))
			r.Put("/webhosts/{id}", update(s.gw.UpdateWebHost))
			r.Delete("/webhosts/{id}", remove(s.gw.DeleteWebHost))

			r.Post("/config/reload", s.handleReload)
			r.Post("/config/validate", s.handleValidateDocument)
			r.Post("/config/import", s.handleImport)
			r.Post("/config/update", s.handleUpdate)
			r.Post("/config/rollback", s.handleRollback)

			r.Post("/backups", s.handleCreateBackup)
			r.Post("/backups/cleanup", s.handleCleanup)
			r.Post("/backups/{id}/restore", s.handleRestore)
		})
	})
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, backup.ErrNotFound),
		errors.Is(err, gateway.ErrNoBackup):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	errorJSON(w, statusFor(err), strings.TrimSpace(err.Error()))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func list[T any](fn func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := fn(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func get[T any](fn func(context.Context, string) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func create[T any](fn func(context.Context, T) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		if !decodeJSON(w, r, &in) {
			return
		}
		out, err := fn(r.Context(), in)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func update[T any](fn func(context.Context, string, T) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		if !decodeJSON(w, r, &in) {
			return
		}
		out, err := fn(r.Context(), chi.URLParam(r, "id"), in)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func remove(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
