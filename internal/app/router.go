package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	audithttp "github.com/meridian-gallery/meridian/internal/audit/http"
	"github.com/meridian-gallery/meridian/internal/authz"
	"github.com/meridian-gallery/meridian/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Identity     IdentityResolver
	AuthzHandler *authz.Handler
	AuthzMW      authz.Middleware
	AuditHandler *audithttp.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:   params.Logger,
		Config:   params.Config,
		Identity: params.Identity,
		Metrics:  params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/admin/authz", func(gr chi.Router) {
		params.AuthzHandler.MountRoutes(gr)
	})

	if params.AuditHandler != nil {
		exportLimiter := httprate.Limit(10, time.Minute,
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			}),
		)
		r.Route("/admin/audit", func(gr chi.Router) {
			gr.Group(func(gg chi.Router) {
				gg.Use(params.AuthzMW.Require(authz.PermAuditView))
				gg.Get("/", params.AuditHandler.HandleTimeline)
			})
			gr.Group(func(gg chi.Router) {
				gg.Use(params.AuthzMW.Require(authz.PermAuditExport), exportLimiter)
				gg.Get("/export.csv", params.AuditHandler.HandleExport)
			})
		})
	}

	return r
}
