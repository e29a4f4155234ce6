package authz

// LegacyMapVersion identifies the revision of the legacy permission
// table. Bump it whenever a mapping changes so stored grants can be
// audited against the table that resolved them.
const LegacyMapVersion = 2

// legacyMap translates coarse permission names from the previous admin
// system into granular registry keys. Legacy names may still appear in
// a grant's explicit permissions; resolution expands them in place so a
// legacy grant and its granular equivalent produce identical effective
// sets.
var legacyMap = map[PermissionKey][]PermissionKey{
	"legacy.manager": {
		PermUsersView,
		PermUsersEdit,
		PermContentModerate,
		PermCategoriesManage,
	},
	"legacy.editor": {
		PermContentView,
		PermContentModerate,
		PermUploadsApprove,
	},
	"legacy.uploader": {
		PermUploadsView,
		PermUploadsApprove,
	},
	"legacy.curator": {
		PermCollectionsView,
		PermCollectionsManage,
		PermFavoritesManage,
	},
	"legacy.reports": {
		PermSystemViewLogs,
		PermSystemExportData,
	},
}

// LegacyKeys returns the legacy names known to the current table.
func LegacyKeys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(legacyMap))
	for key := range legacyMap {
		keys = append(keys, key)
	}
	return keys
}

// expandLegacy resolves one permission key to its granular form. A
// registry key maps to itself.
func expandLegacy(key PermissionKey) []PermissionKey {
	if mapped, ok := legacyMap[key]; ok {
		return mapped
	}
	return []PermissionKey{key}
}
