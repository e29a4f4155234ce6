package authz

import (
	"context"
	"testing"
)

type stubReader struct {
	sets map[Identity]EffectivePermissionSet
	err  error
}

func (s *stubReader) Get(ctx context.Context, identity Identity, rc RequestContext) (EffectivePermissionSet, error) {
	if s.err != nil {
		return EffectivePermissionSet{}, s.err
	}
	if set, ok := s.sets[identity]; ok {
		return set, nil
	}
	return EffectivePermissionSet{Identity: identity, Permissions: map[PermissionKey]struct{}{}}, nil
}

func moderatorSet(identity Identity, extra ...PermissionKey) EffectivePermissionSet {
	perms := InheritedPermissions(TierModerator)
	for _, key := range extra {
		perms[key] = struct{}{}
	}
	return EffectivePermissionSet{Identity: identity, Tier: TierModerator, Permissions: perms}
}

func superSet(identity Identity) EffectivePermissionSet {
	return EffectivePermissionSet{
		Identity:     identity,
		Tier:         TierSuperAdmin,
		IsAdmin:      true,
		IsSuperAdmin: true,
		Permissions:  InheritedPermissions(TierSuperAdmin),
	}
}

func TestGuardModeratorWithExplicitGrant(t *testing.T) {
	reader := &stubReader{sets: map[Identity]EffectivePermissionSet{
		"mod@example.com": moderatorSet("mod@example.com", PermFavoritesManage),
	}}
	g := NewGuard(reader, nil, nil)

	allowed := g.RequirePermission(PermFavoritesManage)(context.Background(), "mod@example.com", testRC())
	if !allowed.Allowed {
		t.Fatalf("expected explicit grant to pass: %+v", allowed)
	}

	denied := g.RequirePermission(PermSystemManageSettings)(context.Background(), "mod@example.com", testRC())
	if denied.Allowed {
		t.Fatalf("expected system.manageSettings denied for moderator")
	}
	if denied.Reason != ReasonForbidden {
		t.Fatalf("expected forbidden reason, got %q", denied.Reason)
	}
}

func TestGuardSuperAdminPassesEverything(t *testing.T) {
	reader := &stubReader{sets: map[Identity]EffectivePermissionSet{
		"root@example.com": superSet("root@example.com"),
	}}
	g := NewGuard(reader, nil, nil)

	for _, key := range AllKeys() {
		d := g.RequirePermission(key)(context.Background(), "root@example.com", testRC())
		if !d.Allowed {
			t.Fatalf("super_admin denied %s", key)
		}
	}
	if d := g.RequireSuperAdmin()(context.Background(), "root@example.com", testRC()); !d.Allowed {
		t.Fatalf("super_admin failed RequireSuperAdmin")
	}
}

func TestGuardRequireSuperAdminRejectsAdmin(t *testing.T) {
	reader := &stubReader{sets: map[Identity]EffectivePermissionSet{
		"ops@example.com": {
			Identity:    "ops@example.com",
			Tier:        TierAdmin,
			IsAdmin:     true,
			Permissions: InheritedPermissions(TierAdmin),
		},
	}}
	g := NewGuard(reader, nil, nil)

	d := g.RequireSuperAdmin()(context.Background(), "ops@example.com", testRC())
	if d.Allowed {
		t.Fatalf("admin must not pass RequireSuperAdmin")
	}
	if d.Reason != ReasonForbidden {
		t.Fatalf("expected forbidden, got %q", d.Reason)
	}
}

func TestGuardFailsClosedOnResolverError(t *testing.T) {
	g := NewGuard(&stubReader{err: ErrStoreUnavailable}, nil, nil)

	d := g.RequirePermission(PermContentView)(context.Background(), "any@example.com", testRC())
	if d.Allowed {
		t.Fatalf("store failure must deny")
	}
	if d.Reason != ReasonUnavailable {
		t.Fatalf("failure must be distinguishable from a denial, got %q", d.Reason)
	}
}

func TestGuardNoGrantIdentity(t *testing.T) {
	g := NewGuard(&stubReader{}, nil, nil)

	d := g.RequirePermission(PermContentView)(context.Background(), "nobody@example.com", testRC())
	if d.Allowed {
		t.Fatalf("identity without a grant must be denied")
	}
	if d.Reason != ReasonForbidden {
		t.Fatalf("absence of a grant is a denial, not an error: %q", d.Reason)
	}
}
