package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Store is the read side of the role store.
type Store interface {
	// GrantsByIdentity returns every grant row recorded for the
	// identity, newest first. The schema enforces at most one row, but
	// the resolver still tolerates duplicates defensively.
	GrantsByIdentity(ctx context.Context, identity Identity) ([]Grant, error)
}

// RequestContext carries the per-request inputs of a resolution.
type RequestContext struct {
	SourceIP netip.Addr
	Now      time.Time
}

func (rc RequestContext) now() time.Time {
	if rc.Now.IsZero() {
		return time.Now().UTC()
	}
	return rc.Now
}

// Resolver computes the effective authorization state of an identity
// from its persisted grant. It is deterministic given the grant, the
// request time and the source address, and it always fails closed: a
// store failure surfaces as ErrStoreUnavailable, never as a grant.
type Resolver struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewResolver constructs a Resolver. The timeout bounds every store
// read; zero falls back to five seconds.
func NewResolver(store Store, logger *slog.Logger, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, timeout: timeout}
}

// Resolve looks up the identity's grant and derives its effective
// permission set. An absent, inactive, expired or IP-inapplicable grant
// yields the empty baseline, not an error.
func (r *Resolver) Resolve(ctx context.Context, identity Identity, rc RequestContext) (EffectivePermissionSet, error) {
	now := rc.now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	grants, err := r.store.GrantsByIdentity(ctx, identity)
	if err != nil {
		return EffectivePermissionSet{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(grants) == 0 {
		return r.noGrant(identity, now, false), nil
	}
	if len(grants) > 1 {
		// Exactly one grant per identity is an invariant; if it is ever
		// broken the most recently created record wins.
		r.logger.Warn("duplicate grants for identity",
			slog.String("identity", string(identity)),
			slog.Int("count", len(grants)))
	}
	grant := newestGrant(grants)

	if !grant.Active || grant.Expired(now) {
		return r.noGrant(identity, now, false), nil
	}
	if !grant.AllowsIP(rc.SourceIP) {
		// Inapplicable for this network only. NetworkScoped tells the
		// cache to key the denial by network bucket, never by the bare
		// identity.
		return r.noGrant(identity, now, true), nil
	}
	return r.effective(grant, now), nil
}

func (r *Resolver) noGrant(identity Identity, now time.Time, networkScoped bool) EffectivePermissionSet {
	return EffectivePermissionSet{
		Identity:      identity,
		Tier:          TierNone,
		Permissions:   map[PermissionKey]struct{}{},
		ResolvedAt:    now,
		NetworkScoped: networkScoped,
	}
}

func (r *Resolver) effective(grant Grant, now time.Time) EffectivePermissionSet {
	permissions := InheritedPermissions(grant.Tier)
	for _, key := range grant.ExplicitPermissions {
		for _, granular := range expandLegacy(key) {
			permissions[granular] = struct{}{}
		}
	}
	return EffectivePermissionSet{
		Identity:       grant.Identity,
		Tier:           grant.Tier,
		IsAdmin:        grant.Tier.AtLeast(TierAdmin),
		IsSuperAdmin:   grant.Tier == TierSuperAdmin,
		Permissions:    permissions,
		ResolvedAt:     now,
		GrantExpiresAt: grant.ExpiresAt,
		NetworkScoped:  len(grant.IPAllowList) > 0,
	}
}

func newestGrant(grants []Grant) Grant {
	newest := grants[0]
	for _, grant := range grants[1:] {
		if grant.CreatedAt.After(newest.CreatedAt) {
			newest = grant
		}
	}
	return newest
}
