// Package api is the HTTP/JSON API adapter (spec §6): routing, request
// validation into typed core calls, error-to-status mapping, and audit
// logging. The adapter itself is outside the spec's core but its contract
// with the core — enqueue a deployment, dispatch lifecycle operations,
// surface state and logs — is required (spec §1, §6).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"proximity/internal/allocator"
	"proximity/internal/appliance"
	"proximity/internal/auth"
	"proximity/internal/backup"
	"proximity/internal/catalog"
	"proximity/internal/ent"
	"proximity/internal/hypervisor"
	"proximity/internal/jobqueue"
	"proximity/internal/lifecycle"
	"proximity/internal/logger"
	"proximity/internal/orchestrator"
)

// Deps bundles every core service the API adapter dispatches into. All
// fields except the ent client are optional seams: a nil jobqueue, for
// instance, just means deploy requests run inline instead of queued.
type Deps struct {
	Client       *ent.Client
	Orchestrator *orchestrator.Orchestrator
	Lifecycle    *lifecycle.Manager
	Allocator    *allocator.Allocator
	Driver       *hypervisor.Driver
	Appliance    *appliance.Manager
	Catalog      *catalog.Catalog
	Queue        *jobqueue.Queue
	Verifier     *auth.Verifier
	Backup       *backup.Manager

	CORSOrigins []string
}

// NewRouter builds the full chi router for the public API surface of
// spec §6. It is deliberately a plain *chi.Mux so cmd/proximityd can mount
// it under a base path or alongside other handlers (health, pprof) without
// another layer of wrapping.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOriginsOrDefault(deps.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	h := &handlers{deps: deps}

	r.Group(func(r chi.Router) {
		// Per spec §5 rate limiting sits in front of the mutating deploy
		// path specifically; reads are unthrottled at this layer.
		r.With(httprate.LimitByIP(10, time.Minute)).Post("/apps/deploy", withAuth(deps.Verifier, h.deploy))

		r.Get("/apps", withAuth(deps.Verifier, h.listApps))
		r.Get("/apps/{id}", withAuth(deps.Verifier, h.getApp))
		r.Post("/apps/{id}/start", withAuth(deps.Verifier, h.operation("start")))
		r.Post("/apps/{id}/stop", withAuth(deps.Verifier, h.operation("stop")))
		r.Post("/apps/{id}/restart", withAuth(deps.Verifier, h.operation("restart")))
		r.Post("/apps/{id}/clone", withAuth(deps.Verifier, h.clone))
		r.Patch("/apps/{id}/config", withAuth(deps.Verifier, h.updateConfig))
		r.Delete("/apps/{id}", withAuth(deps.Verifier, h.deleteApp))
		r.Get("/apps/{id}/logs", withAuth(deps.Verifier, h.logsTail))
		r.Get("/apps/{id}/logs/stream", withAuth(deps.Verifier, h.logsStream))

		r.Get("/apps/{id}/backups", withAuth(deps.Verifier, h.listBackups))
		r.Get("/backups/{backupID}/download", withAuth(deps.Verifier, h.backupDownloadURL))

		r.Get("/nodes", withAuth(deps.Verifier, h.listNodes))
		r.Get("/system/appliance", withAuth(deps.Verifier, h.applianceInfo))
	})

	return r
}

func corsOriginsOrDefault(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:5173"}
	}
	return origins
}

// withAuth adapts auth.Verifier's net/http middleware shape to a single
// terminal handler, since chi routes are registered one at a time here
// rather than through a Use() chain (the deploy route needs its own rate
// limiter ahead of auth, the rest don't).
func withAuth(v *auth.Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v.Middleware(next).ServeHTTP(w, r)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := logger.WithFields(r.Context(), zap.String("request_id", reqID), zap.String("component", "api"))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.GetLogger(ctx).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// parseAppID extracts and parses the {id} path parameter shared by every
// per-application route.
func parseAppID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// parseBackupID extracts and parses the {backupID} path parameter.
func parseBackupID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "backupID"))
}
