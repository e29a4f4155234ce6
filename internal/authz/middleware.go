package authz

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/meridian-gallery/meridian/internal/shared"
)

// Middleware wires the Guard into chi handler chains. It is the only
// HTTP-facing capability gate; handlers behind it never re-check
// capabilities themselves.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// Require gates a route on one permission key.
func (m Middleware) Require(key PermissionKey) func(http.Handler) http.Handler {
	return m.gate(m.Guard.RequirePermission(key))
}

// RequireSuperAdmin gates a route on the super_admin tier.
func (m Middleware) RequireSuperAdmin() func(http.Handler) http.Handler {
	return m.gate(m.Guard.RequireSuperAdmin())
}

func (m Middleware) gate(check CheckFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			rc := RequestContext{
				SourceIP: shared.SourceIPFromContext(r.Context()),
				Now:      time.Now().UTC(),
			}
			decision := check(r.Context(), Identity(actor), rc)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			if decision.Reason == ReasonUnavailable {
				// Not a denial: authorization could not be computed.
				// 503 keeps it distinguishable and retryable.
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("request forbidden",
					slog.String("actor", actor),
					slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
