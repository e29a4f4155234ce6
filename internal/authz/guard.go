package authz

import (
	"context"
	"log/slog"

	"github.com/meridian-gallery/meridian/internal/observability"
)

// PermissionReader is the part of the Cache the guard depends on.
type PermissionReader interface {
	Get(ctx context.Context, identity Identity, rc RequestContext) (EffectivePermissionSet, error)
}

// CheckFunc evaluates one guard requirement against an identity.
type CheckFunc func(ctx context.Context, identity Identity, rc RequestContext) Decision

// Guard is the sole capability enforcement point. Every protected
// action boundary goes through it; capability logic living anywhere
// else is a defect. The guard is read-only: it never mutates the cache
// or the role store, and it fails closed when resolution is impossible.
type Guard struct {
	cache   PermissionReader
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewGuard constructs a Guard over the permission cache.
func NewGuard(cache PermissionReader, logger *slog.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cache: cache, logger: logger, metrics: metrics}
}

// RequirePermission returns a check that allows an identity holding the
// key, or any super_admin.
func (g *Guard) RequirePermission(key PermissionKey) CheckFunc {
	return func(ctx context.Context, identity Identity, rc RequestContext) Decision {
		set, err := g.cache.Get(ctx, identity, rc)
		if err != nil {
			return g.unavailable(identity, err)
		}
		if set.IsSuperAdmin || set.Has(key) {
			return g.allow()
		}
		return g.forbid()
	}
}

// RequireSuperAdmin returns a check that only a super_admin passes.
func (g *Guard) RequireSuperAdmin() CheckFunc {
	return func(ctx context.Context, identity Identity, rc RequestContext) Decision {
		set, err := g.cache.Get(ctx, identity, rc)
		if err != nil {
			return g.unavailable(identity, err)
		}
		if set.IsSuperAdmin {
			return g.allow()
		}
		return g.forbid()
	}
}

func (g *Guard) allow() Decision {
	g.metrics.Decision("allowed")
	return Decision{Allowed: true}
}

func (g *Guard) forbid() Decision {
	g.metrics.Decision("forbidden")
	return Decision{Allowed: false, Reason: ReasonForbidden}
}

// unavailable denies but reports a reason distinguishable from
// "forbidden": the caller may retry or surface a service error instead
// of a misleading denial.
func (g *Guard) unavailable(identity Identity, err error) Decision {
	g.logger.Error("authorization unavailable",
		slog.String("identity", string(identity)),
		slog.Any("error", err))
	g.metrics.Decision("unavailable")
	return Decision{Allowed: false, Reason: ReasonUnavailable}
}
