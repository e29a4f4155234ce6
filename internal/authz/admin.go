package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-gallery/meridian/internal/audit"
)

// AdminStore is the write side of the role store. Every write method
// persists the grant change and its audit record in one transaction:
// a grant write with no audit entry must be impossible.
type AdminStore interface {
	Store
	CreateGrant(ctx context.Context, grant Grant, record audit.Record) (Grant, error)
	UpdateGrant(ctx context.Context, grant Grant, record audit.Record) (Grant, error)
	DeactivateGrant(ctx context.Context, target Identity, updatedBy Identity, at time.Time, record audit.Record) error
	ListGrants(ctx context.Context) ([]Grant, error)
}

// CacheInvalidator is the only write access Role Administration has to
// the permission cache.
type CacheInvalidator interface {
	Invalidate(identity Identity)
}

// InvalidationPublisher broadcasts an invalidation to other processes.
// Best effort: local invalidation has already happened when it runs.
type InvalidationPublisher interface {
	Publish(ctx context.Context, identity Identity) error
}

// GrantParams describes a grant to create.
type GrantParams struct {
	Tier        Tier
	Permissions []PermissionKey
	ExpiresAt   time.Time
	IPAllowList []netip.Prefix
	Reason      string
}

// GrantChanges describes a partial grant update. Nil fields are left
// untouched; a zero ExpiresAt pointed at clears the expiry.
type GrantChanges struct {
	Tier        *Tier
	Permissions *[]PermissionKey
	Active      *bool
	ExpiresAt   *time.Time
	IPAllowList *[]netip.Prefix
	Reason      string
}

// Admin is the only writer of the role store. Every mutation is gated
// through the Guard, validated against the permission registry, written
// atomically with its audit record, and followed by a cache
// invalidation before the call returns.
type Admin struct {
	store     AdminStore
	guard     *Guard
	cache     CacheInvalidator
	publisher InvalidationPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdmin constructs the role administration service. The publisher
// may be nil in single-process deployments.
func NewAdmin(store AdminStore, guard *Guard, cache CacheInvalidator, publisher InvalidationPublisher, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:     store,
		guard:     guard,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateGrant records a new grant for target. The actor must be a
// super_admin and the permission set must be legal for the tier.
func (a *Admin) CreateGrant(ctx context.Context, actor Identity, rc RequestContext, target Identity, params GrantParams) (Grant, error) {
	if err := a.requireSuperAdmin(ctx, actor, rc); err != nil {
		return Grant{}, fmt.Errorf("authz: create grant: %w", err)
	}
	if strings.TrimSpace(string(target)) == "" {
		return Grant{}, fmt.Errorf("authz: create grant: %w: target identity required", ErrInvalidPermissionSet)
	}
	if params.Tier == TierNone {
		return Grant{}, fmt.Errorf("authz: create grant: %w: a grant requires a tier", ErrInvalidPermissionSet)
	}
	if err := validateKeys(params.Tier, params.Permissions); err != nil {
		return Grant{}, fmt.Errorf("authz: create grant: %w", err)
	}

	now := a.now()
	grant := Grant{
		Identity:            target,
		Tier:                params.Tier,
		ExplicitPermissions: params.Permissions,
		Active:              true,
		ExpiresAt:           params.ExpiresAt,
		IPAllowList:         params.IPAllowList,
		CreatedBy:           actor,
		CreatedAt:           now,
		UpdatedBy:           actor,
		UpdatedAt:           now,
	}
	record := audit.Record{
		ID:             uuid.New(),
		Actor:          string(actor),
		TargetIdentity: string(target),
		Action:         audit.ActionCreate,
		AfterState:     snapshotJSON(grant),
		Reason:         params.Reason,
		CreatedAt:      now,
	}

	created, err := a.store.CreateGrant(ctx, grant, record)
	if err != nil {
		return Grant{}, fmt.Errorf("authz: create grant: %w", err)
	}
	a.finishMutation(ctx, target)
	return created, nil
}

// UpdateGrant applies changes to target's existing grant.
func (a *Admin) UpdateGrant(ctx context.Context, actor Identity, rc RequestContext, target Identity, changes GrantChanges) (Grant, error) {
	existing, err := a.guardMutation(ctx, actor, rc, target)
	if err != nil {
		return Grant{}, fmt.Errorf("authz: update grant: %w", err)
	}

	updated := existing
	if changes.Tier != nil {
		if *changes.Tier == TierNone {
			return Grant{}, fmt.Errorf("authz: update grant: %w: a grant requires a tier", ErrInvalidPermissionSet)
		}
		updated.Tier = *changes.Tier
	}
	if changes.Permissions != nil {
		updated.ExplicitPermissions = *changes.Permissions
	}
	if changes.Active != nil {
		updated.Active = *changes.Active
	}
	if changes.ExpiresAt != nil {
		updated.ExpiresAt = *changes.ExpiresAt
	}
	if changes.IPAllowList != nil {
		updated.IPAllowList = *changes.IPAllowList
	}
	if err := validateKeys(updated.Tier, updated.ExplicitPermissions); err != nil {
		return Grant{}, fmt.Errorf("authz: update grant: %w", err)
	}

	now := a.now()
	updated.UpdatedBy = actor
	updated.UpdatedAt = now
	record := audit.Record{
		ID:             uuid.New(),
		Actor:          string(actor),
		TargetIdentity: string(target),
		Action:         audit.ActionUpdate,
		BeforeState:    snapshotJSON(existing),
		AfterState:     snapshotJSON(updated),
		Reason:         changes.Reason,
		CreatedAt:      now,
	}

	persisted, err := a.store.UpdateGrant(ctx, updated, record)
	if err != nil {
		return Grant{}, fmt.Errorf("authz: update grant: %w", err)
	}
	a.finishMutation(ctx, target)
	return persisted, nil
}

// RevokeGrant deactivates target's grant. The row is kept so the grant
// history stays inspectable; the identity resolves to the empty
// baseline from the next read on.
func (a *Admin) RevokeGrant(ctx context.Context, actor Identity, rc RequestContext, target Identity, reason string) error {
	existing, err := a.guardMutation(ctx, actor, rc, target)
	if err != nil {
		return fmt.Errorf("authz: revoke grant: %w", err)
	}

	now := a.now()
	record := audit.Record{
		ID:             uuid.New(),
		Actor:          string(actor),
		TargetIdentity: string(target),
		Action:         audit.ActionRevoke,
		BeforeState:    snapshotJSON(existing),
		Reason:         reason,
		CreatedAt:      now,
	}
	if err := a.store.DeactivateGrant(ctx, target, actor, now, record); err != nil {
		return fmt.Errorf("authz: revoke grant: %w", err)
	}
	a.finishMutation(ctx, target)
	return nil
}

// ListGrants returns every grant on record. Read-only; route-level
// guarding is the caller's responsibility.
func (a *Admin) ListGrants(ctx context.Context) ([]Grant, error) {
	grants, err := a.store.ListGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return grants, nil
}

// guardMutation runs the shared preamble of update and revoke: the
// target-relationship rule on freshly read state, then the actor's
// capability check, then the existing grant lookup.
func (a *Admin) guardMutation(ctx context.Context, actor Identity, rc RequestContext, target Identity) (Grant, error) {
	now := rc.now()

	// The rule reads persisted tiers directly, bypassing both the cache
	// and IP gating: a target promoted moments ago must already be
	// protected, and an IP-bound super_admin is no less a super_admin
	// when viewed from another network.
	targetGrant, targetTier, err := a.currentTier(ctx, target, now)
	if err != nil {
		return Grant{}, err
	}
	if targetTier == TierSuperAdmin {
		_, actorTier, err := a.currentTier(ctx, actor, now)
		if err != nil {
			return Grant{}, err
		}
		if actorTier != TierSuperAdmin {
			return Grant{}, ErrTargetProtected
		}
	}

	if err := a.requireSuperAdmin(ctx, actor, rc); err != nil {
		return Grant{}, err
	}
	if targetGrant.Identity == "" {
		return Grant{}, ErrGrantNotFound
	}
	return targetGrant, nil
}

func (a *Admin) requireSuperAdmin(ctx context.Context, actor Identity, rc RequestContext) error {
	decision := a.guard.RequireSuperAdmin()(ctx, actor, rc)
	if decision.Allowed {
		return nil
	}
	if decision.Reason == ReasonUnavailable {
		return ErrStoreUnavailable
	}
	return ErrUnauthorized
}

// currentTier reads the identity's persisted grant and derives the tier
// it holds right now, ignoring IP constraints.
func (a *Admin) currentTier(ctx context.Context, identity Identity, now time.Time) (Grant, Tier, error) {
	grants, err := a.store.GrantsByIdentity(ctx, identity)
	if err != nil {
		return Grant{}, TierNone, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(grants) == 0 {
		return Grant{}, TierNone, nil
	}
	grant := newestGrant(grants)
	if !grant.Active || grant.Expired(now) {
		return grant, TierNone, nil
	}
	return grant, grant.Tier, nil
}

// finishMutation completes the ordering guarantee: the local cache
// entry is gone before the mutating call returns, then the invalidation
// is broadcast to other processes on a best-effort basis.
func (a *Admin) finishMutation(ctx context.Context, target Identity) {
	a.cache.Invalidate(target)
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, target); err != nil {
		a.logger.Warn("invalidation broadcast failed",
			slog.String("identity", string(target)),
			slog.Any("error", err))
	}
}

func validateKeys(tier Tier, keys []PermissionKey) error {
	for _, key := range keys {
		if !ValidKey(key) {
			return fmt.Errorf("%w: unknown key %q", ErrInvalidPermissionSet, key)
		}
		if !TierAllows(tier, key) {
			return fmt.Errorf("%w: key %q is not grantable at tier %s", ErrInvalidPermissionSet, key, tier)
		}
	}
	return nil
}

// grantSnapshot is the JSON shape stored in audit before/after states.
type grantSnapshot struct {
	Identity    string   `json:"identity"`
	Tier        string   `json:"tier"`
	Permissions []string `json:"permissions"`
	Active      bool     `json:"active"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	IPAllowList []string `json:"ip_allow_list,omitempty"`
}

func snapshotJSON(grant Grant) []byte {
	snapshot := grantSnapshot{
		Identity: string(grant.Identity),
		Tier:     grant.Tier.String(),
		Active:   grant.Active,
	}
	for _, key := range grant.ExplicitPermissions {
		snapshot.Permissions = append(snapshot.Permissions, string(key))
	}
	if !grant.ExpiresAt.IsZero() {
		snapshot.ExpiresAt = grant.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for _, prefix := range grant.IPAllowList {
		snapshot.IPAllowList = append(snapshot.IPAllowList, prefix.String())
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return []byte("{}")
	}
	return data
}
