package authz

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"
)

// Identity is an opaque reference to an already-authenticated account.
// The session layer verifies it before this package ever sees it.
type Identity string

// PermissionKey is a granular, namespaced capability tag such as
// "users.edit" or "system.viewLogs".
type PermissionKey string

// Tier is an ordered privilege level. Each tier inherits every
// permission of the tiers below it.
type Tier int

const (
	// TierNone is the empty-privilege baseline of an identity without
	// an applicable grant.
	TierNone Tier = iota
	TierModerator
	TierAdmin
	TierSuperAdmin
)

var tierNames = map[Tier]string{
	TierNone:       "none",
	TierModerator:  "moderator",
	TierAdmin:      "admin",
	TierSuperAdmin: "super_admin",
}

// String returns the wire name of the tier.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "none"
}

// AtLeast reports whether t carries at least the privilege of other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// ParseTier maps a wire name back to a Tier. TierNone is not a valid
// grant tier and is rejected here.
func ParseTier(name string) (Tier, error) {
	switch name {
	case "moderator":
		return TierModerator, nil
	case "admin":
		return TierAdmin, nil
	case "super_admin":
		return TierSuperAdmin, nil
	}
	return TierNone, fmt.Errorf("%w: unknown tier %q", ErrInvalidPermissionSet, name)
}

// Grant is the single persisted authorization record of an identity.
type Grant struct {
	Identity            Identity
	Tier                Tier
	ExplicitPermissions []PermissionKey
	Active              bool
	ExpiresAt           time.Time // zero means no expiry
	IPAllowList         []netip.Prefix
	CreatedBy           Identity
	CreatedAt           time.Time
	UpdatedBy           Identity
	UpdatedAt           time.Time
}

// Expired reports whether the grant's expiry has passed at the given time.
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// AllowsIP reports whether the request address passes the grant's IP
// allow-list. An empty list allows every address.
func (g Grant) AllowsIP(addr netip.Addr) bool {
	if len(g.IPAllowList) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	for _, prefix := range g.IPAllowList {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// EffectivePermissionSet is the resolved, point-in-time authorization
// state of an identity. It is derived data; nothing else in the system
// may carry an independently written copy of these fields.
type EffectivePermissionSet struct {
	Identity     Identity
	Tier         Tier
	IsAdmin      bool
	IsSuperAdmin bool
	Permissions  map[PermissionKey]struct{}
	ResolvedAt   time.Time

	// GrantExpiresAt projects the grant's own expiry so the cache can
	// shorten an entry's lifetime; zero when the grant never expires.
	GrantExpiresAt time.Time

	// NetworkScoped marks a result computed under an IP allow-list.
	// Such results are only valid for the network they were computed
	// for and must never be cached under the bare identity key.
	NetworkScoped bool
}

// NoGrant reports whether the set is the empty-privilege baseline.
func (s EffectivePermissionSet) NoGrant() bool {
	return s.Tier == TierNone
}

// Has reports whether the set contains the permission key.
func (s EffectivePermissionSet) Has(key PermissionKey) bool {
	_, ok := s.Permissions[key]
	return ok
}

// Keys returns the permission keys in sorted order.
func (s EffectivePermissionSet) Keys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(s.Permissions))
	for key := range s.Permissions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Guard decision reasons. ReasonUnavailable is deliberately distinct
// from ReasonForbidden so callers can surface a retryable service error
// instead of a misleading denial.
const (
	ReasonForbidden   = "forbidden"
	ReasonUnavailable = "authorization unavailable"
)

// Error taxonomy. NoGrant is not part of it: an absent, inactive or
// expired grant resolves to the empty baseline, not to an error.
var (
	// ErrUnauthorized means the acting identity failed a guard check.
	ErrUnauthorized = errors.New("authz: actor not authorized")
	// ErrTargetProtected means the target-relationship rule rejected a
	// mutation against a super_admin target.
	ErrTargetProtected = errors.New("authz: target grant is protected")
	// ErrInvalidPermissionSet means the request carried unknown or
	// tier-inconsistent permission keys.
	ErrInvalidPermissionSet = errors.New("authz: invalid permission set")
	// ErrStoreUnavailable means the role store or audit log could not
	// be reached. Every consumer fails closed on it.
	ErrStoreUnavailable = errors.New("authz: role store unavailable")
	// ErrGrantExists means a grant already exists for the identity.
	ErrGrantExists = errors.New("authz: grant already exists")
	// ErrGrantNotFound means no grant exists for the identity.
	ErrGrantNotFound = errors.New("authz: grant not found")
)
