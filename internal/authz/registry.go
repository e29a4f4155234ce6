package authz

import "sort"

// Permission keys. The registry below is the single source of truth;
// these constants exist so call sites never spell a key as a bare
// string literal.
const (
	PermUsersView    PermissionKey = "users.view"
	PermUsersEdit    PermissionKey = "users.edit"
	PermUsersSuspend PermissionKey = "users.suspend"

	PermContentView     PermissionKey = "content.view"
	PermContentModerate PermissionKey = "content.moderate"
	PermContentDelete   PermissionKey = "content.delete"

	PermUploadsView    PermissionKey = "uploads.view"
	PermUploadsApprove PermissionKey = "uploads.approve"
	PermUploadsDelete  PermissionKey = "uploads.delete"

	PermCategoriesView   PermissionKey = "categories.view"
	PermCategoriesManage PermissionKey = "categories.manage"

	PermCollectionsView   PermissionKey = "collections.view"
	PermCollectionsManage PermissionKey = "collections.manage"

	PermFavoritesView   PermissionKey = "favorites.view"
	PermFavoritesManage PermissionKey = "favorites.manage"

	PermCommentsView     PermissionKey = "comments.view"
	PermCommentsModerate PermissionKey = "comments.moderate"

	PermAuditView   PermissionKey = "audit.view"
	PermAuditExport PermissionKey = "audit.export"

	PermRolesView   PermissionKey = "roles.view"
	PermRolesManage PermissionKey = "roles.manage"

	PermSystemViewLogs       PermissionKey = "system.viewLogs"
	PermSystemExportData     PermissionKey = "system.exportData"
	PermSystemManageSettings PermissionKey = "system.manageSettings"
)

// registryEntry describes one capability in the static registry.
// BaseTier is the lowest tier whose inherited baseline includes the
// key; GrantTier is the lowest tier that may hold the key as an
// explicit grant. BaseTier ≥ GrantTier always, and baselines are
// monotonic across tiers by construction.
type registryEntry struct {
	Key         PermissionKey
	Category    string
	Description string
	BaseTier    Tier
	GrantTier   Tier
}

var registry = []registryEntry{
	{PermUsersView, "users", "View user accounts", TierModerator, TierModerator},
	{PermUsersEdit, "users", "Edit user accounts", TierAdmin, TierModerator},
	{PermUsersSuspend, "users", "Suspend user accounts", TierAdmin, TierAdmin},

	{PermContentView, "content", "View published content", TierModerator, TierModerator},
	{PermContentModerate, "content", "Moderate reported content", TierModerator, TierModerator},
	{PermContentDelete, "content", "Delete content permanently", TierAdmin, TierModerator},

	{PermUploadsView, "uploads", "View the upload queue", TierModerator, TierModerator},
	{PermUploadsApprove, "uploads", "Approve pending uploads", TierAdmin, TierModerator},
	{PermUploadsDelete, "uploads", "Delete uploads", TierAdmin, TierModerator},

	{PermCategoriesView, "categories", "View categories", TierModerator, TierModerator},
	{PermCategoriesManage, "categories", "Create and edit categories", TierAdmin, TierModerator},

	{PermCollectionsView, "collections", "View curated collections", TierModerator, TierModerator},
	{PermCollectionsManage, "collections", "Curate collections", TierAdmin, TierModerator},

	{PermFavoritesView, "favorites", "View favorite statistics", TierModerator, TierModerator},
	{PermFavoritesManage, "favorites", "Manage favorite lists", TierAdmin, TierModerator},

	{PermCommentsView, "comments", "View comments", TierModerator, TierModerator},
	{PermCommentsModerate, "comments", "Moderate comments", TierModerator, TierModerator},

	{PermAuditView, "audit", "View the audit timeline", TierAdmin, TierAdmin},
	{PermAuditExport, "audit", "Export audit records", TierSuperAdmin, TierAdmin},

	{PermRolesView, "roles", "View grants and the permission registry", TierAdmin, TierAdmin},
	{PermRolesManage, "roles", "Administer grants", TierSuperAdmin, TierSuperAdmin},

	{PermSystemViewLogs, "system", "View system logs", TierSuperAdmin, TierAdmin},
	{PermSystemExportData, "system", "Export system data", TierSuperAdmin, TierAdmin},
	{PermSystemManageSettings, "system", "Manage system settings", TierSuperAdmin, TierSuperAdmin},
}

var registryByKey = func() map[PermissionKey]registryEntry {
	m := make(map[PermissionKey]registryEntry, len(registry))
	for _, entry := range registry {
		m[entry.Key] = entry
	}
	return m
}()

// AllKeys returns every registered permission key in sorted order.
func AllKeys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(registry))
	for _, entry := range registry {
		keys = append(keys, entry.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ValidKey reports whether the key is a registered capability or a
// known legacy name.
func ValidKey(key PermissionKey) bool {
	if _, ok := registryByKey[key]; ok {
		return true
	}
	_, ok := legacyMap[key]
	return ok
}

// TierAllows reports whether the tier may hold the key as an explicit
// grant. Legacy names are legal when every key they map to is.
func TierAllows(tier Tier, key PermissionKey) bool {
	if mapped, ok := legacyMap[key]; ok {
		for _, k := range mapped {
			if !TierAllows(tier, k) {
				return false
			}
		}
		return true
	}
	entry, ok := registryByKey[key]
	if !ok {
		return false
	}
	return tier.AtLeast(entry.GrantTier)
}

// InheritedPermissions returns the baseline permission set of a tier.
// A super_admin baseline is the whole registry.
func InheritedPermissions(tier Tier) map[PermissionKey]struct{} {
	set := make(map[PermissionKey]struct{})
	if tier == TierNone {
		return set
	}
	for _, entry := range registry {
		if tier.AtLeast(entry.BaseTier) {
			set[entry.Key] = struct{}{}
		}
	}
	return set
}

// RegistryGroup is a display grouping of registered keys. Groups carry
// no authorization semantics; they only shape the managing interface.
type RegistryGroup struct {
	Category string          `json:"category"`
	Keys     []RegistryEntry `json:"keys"`
}

// RegistryEntry is the read-only projection of one registry row.
type RegistryEntry struct {
	Key         PermissionKey `json:"key"`
	Description string        `json:"description"`
	BaseTier    string        `json:"base_tier"`
	GrantTier   string        `json:"grant_tier"`
}

// RegistryGroups returns the registry grouped by display category,
// categories and keys both sorted.
func RegistryGroups() []RegistryGroup {
	byCategory := make(map[string][]RegistryEntry)
	for _, entry := range registry {
		byCategory[entry.Category] = append(byCategory[entry.Category], RegistryEntry{
			Key:         entry.Key,
			Description: entry.Description,
			BaseTier:    entry.BaseTier.String(),
			GrantTier:   entry.GrantTier.String(),
		})
	}
	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	groups := make([]RegistryGroup, 0, len(categories))
	for _, category := range categories {
		keys := byCategory[category]
		sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
		groups = append(groups, RegistryGroup{Category: category, Keys: keys})
	}
	return groups
}
