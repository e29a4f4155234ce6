package app

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/unrolled/secure"

	"github.com/meridian-gallery/meridian/internal/observability"
	"github.com/meridian-gallery/meridian/internal/shared"
)

// IdentityResolver is the contract of the session layer: it maps a
// request to an already-authenticated actor. Authentication itself is
// outside this backend; whatever the resolver returns is trusted.
type IdentityResolver interface {
	// Actor returns the verified actor for the request, or "" when the
	// request carries no authenticated identity.
	Actor(r *http.Request) (string, error)
}

// MiddlewareConfig aggregates dependencies shared by the middleware
// stack.
type MiddlewareConfig struct {
	Logger   *slog.Logger
	Config   *Config
	Identity IdentityResolver
	Metrics  *observability.Metrics
}

// MiddlewareStack installs the Meridian middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	identityMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			// RealIP strips the port when the request came through a
			// trusted proxy; direct connections keep host:port.
			if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
				ctx = shared.ContextWithSourceIP(ctx, addr)
			} else if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
				ctx = shared.ContextWithSourceIP(ctx, ap.Addr())
			}
			if cfg.Identity != nil {
				actor, err := cfg.Identity.Actor(r)
				if err != nil {
					cfg.Logger.Error("resolve identity", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if actor != "" {
					ctx = shared.ContextWithActor(ctx, actor)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	return []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		identityMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		secureMiddleware.Handler,
		cfg.Metrics.Middleware,
	}
}
