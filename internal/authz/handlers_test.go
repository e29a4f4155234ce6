package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-gallery/meridian/internal/shared"
)

type stubSweeper struct {
	calls     int
	retention int
	err       error
}

func (s *stubSweeper) EnqueueGrantSweep(ctx context.Context, retentionHours int) (string, error) {
	s.calls++
	s.retention = retentionHours
	if s.err != nil {
		return "", s.err
	}
	return "task-123", nil
}

// handlerFixture wires the full administration stack over a stub store,
// with a test middleware standing in for the session layer.
func handlerFixture(t *testing.T, store *stubAdminStore) http.Handler {
	return handlerFixtureWith(t, store, nil)
}

func handlerFixtureWith(t *testing.T, store *stubAdminStore, sweeper SweepEnqueuer) http.Handler {
	t.Helper()

	resolver := NewResolver(store, nil, 0)
	cache := NewCache(resolver, CacheConfig{TTL: time.Minute})
	t.Cleanup(cache.Close)
	guard := NewGuard(cache, nil, nil)
	mw := Middleware{Guard: guard}
	admin := NewAdmin(store, guard, cache, nil, nil)
	handler := NewHandler(nil, admin, cache, sweeper, mw)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			if actor := req.Header.Get("X-Test-Actor"); actor != "" {
				ctx = shared.ContextWithActor(ctx, actor)
			}
			ctx = shared.ContextWithSourceIP(ctx, netip.MustParseAddr("203.0.113.10"))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/admin/authz", handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Test-Actor", actor)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateGrant(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodPost, "/admin/authz/grants", "root@example.com", `{
		"identity": "mod@example.com",
		"tier": "moderator",
		"permissions": ["favorites.manage"],
		"reason": "new moderator"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Identity string `json:"identity"`
		Tier     string `json:"tier"`
		Active   bool   `json:"active"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Identity != "mod@example.com" || resp.Tier != "moderator" || !resp.Active {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected audit record written")
	}
}

func TestHandlerCreateGrantValidation(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	h := handlerFixture(t, store)

	// Missing reason.
	rec := doJSON(t, h, http.MethodPost, "/admin/authz/grants", "root@example.com",
		`{"identity": "mod@example.com", "tier": "moderator"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing reason, got %d", rec.Code)
	}

	// Malformed CIDR.
	rec = doJSON(t, h, http.MethodPost, "/admin/authz/grants", "root@example.com",
		`{"identity": "mod@example.com", "tier": "moderator", "reason": "x", "ip_allow_list": ["not-a-cidr"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cidr, got %d", rec.Code)
	}

	// Unknown permission key.
	rec = doJSON(t, h, http.MethodPost, "/admin/authz/grants", "root@example.com",
		`{"identity": "mod@example.com", "tier": "moderator", "reason": "x", "permissions": ["gallery.fly"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown key, got %d", rec.Code)
	}
}

func TestHandlerMutationRequiresSuperAdmin(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "ops@example.com", TierAdmin)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodPost, "/admin/authz/grants", "ops@example.com",
		`{"identity": "mod@example.com", "tier": "moderator", "reason": "x"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin actor, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/admin/authz/grants", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous, got %d", rec.Code)
	}
}

func TestHandlerUpdateAndRevoke(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	seedGrant(store, "mod@example.com", TierModerator)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodPatch, "/admin/authz/grants/mod@example.com", "root@example.com",
		`{"tier": "admin", "reason": "promotion"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodDelete, "/admin/authz/grants/mod@example.com", "root@example.com",
		`{"reason": "offboarding"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPatch, "/admin/authz/grants/ghost@example.com", "root@example.com",
		`{"reason": "noop"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing grant, got %d", rec.Code)
	}
}

func TestHandlerProtectedTargetIs403(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "ops@example.com", TierAdmin)
	seedGrant(store, "root@example.com", TierSuperAdmin)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodDelete, "/admin/authz/grants/root@example.com", "ops@example.com",
		`{"reason": "takeover"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for protected target, got %d", rec.Code)
	}
}

func TestHandlerListGrantsNeedsRolesView(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "ops@example.com", TierAdmin)
	seedGrant(store, "mod@example.com", TierModerator)
	h := handlerFixture(t, store)

	// roles.view sits in the admin baseline.
	rec := doJSON(t, h, http.MethodGet, "/admin/authz/grants", "ops@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Grants []grantResponse `json:"grants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(resp.Grants))
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/authz/grants", "mod@example.com", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("moderator must not list grants, got %d", rec.Code)
	}
}

func TestHandlerRegistry(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "ops@example.com", TierAdmin)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodGet, "/admin/authz/permissions", "ops@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Groups           []RegistryGroup `json:"groups"`
		LegacyMapVersion int             `json:"legacy_map_version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LegacyMapVersion != LegacyMapVersion {
		t.Fatalf("expected legacy map version %d, got %d", LegacyMapVersion, resp.LegacyMapVersion)
	}
	if len(resp.Groups) == 0 {
		t.Fatalf("expected registry groups")
	}
}

func TestHandlerMyPermissions(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "mod@example.com", TierModerator)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodGet, "/admin/authz/me", "mod@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Identity     string   `json:"identity"`
		Tier         string   `json:"tier"`
		IsAdmin      bool     `json:"is_admin"`
		IsSuperAdmin bool     `json:"is_super_admin"`
		Permissions  []string `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Identity != "mod@example.com" || resp.Tier != "moderator" {
		t.Fatalf("unexpected projection: %+v", resp)
	}
	if resp.IsAdmin || resp.IsSuperAdmin {
		t.Fatalf("moderator must not carry admin flags")
	}
	if len(resp.Permissions) == 0 {
		t.Fatalf("expected baseline permissions in projection")
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/authz/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous, got %d", rec.Code)
	}
}

func TestHandlerCacheStats(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	seedGrant(store, "ops@example.com", TierAdmin)
	h := handlerFixture(t, store)

	rec := doJSON(t, h, http.MethodGet, "/admin/authz/cache/stats", "root@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Total   int `json:"total"`
		MaxSize int `json:"max_size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MaxSize == 0 {
		t.Fatalf("expected configured max size in stats")
	}

	rec = doJSON(t, h, http.MethodGet, "/admin/authz/cache/stats", "ops@example.com", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cache stats are super_admin only, got %d", rec.Code)
	}
}

func TestHandlerMutationRateLimit(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	seedGrant(store, "mod@example.com", TierModerator)
	h := handlerFixture(t, store)

	var last int
	for i := 0; i < mutationRateLimit+1; i++ {
		rec := doJSON(t, h, http.MethodPatch, "/admin/authz/grants/mod@example.com", "root@example.com",
			`{"reason": "touch"}`)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d mutations, got %d", mutationRateLimit, last)
	}
}

func TestHandlerTriggerSweep(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	sweeper := &stubSweeper{}
	h := handlerFixtureWith(t, store, sweeper)

	rec := doJSON(t, h, http.MethodPost, "/admin/authz/sweep", "root@example.com",
		`{"retention_hours": 6}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID != "task-123" {
		t.Fatalf("expected queued task id, got %q", resp.TaskID)
	}
	if sweeper.calls != 1 || sweeper.retention != 6 {
		t.Fatalf("expected one enqueue with retention 6, got %d/%d", sweeper.calls, sweeper.retention)
	}

	rec = doJSON(t, h, http.MethodPost, "/admin/authz/sweep", "root@example.com", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("empty body uses the default window, got %d", rec.Code)
	}
	if sweeper.retention != 0 {
		t.Fatalf("expected zero retention to defer to the job default, got %d", sweeper.retention)
	}
}

func TestHandlerTriggerSweepIsSuperAdminOnly(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)
	seedGrant(store, "ops@example.com", TierAdmin)
	sweeper := &stubSweeper{}
	h := handlerFixtureWith(t, store, sweeper)

	rec := doJSON(t, h, http.MethodPost, "/admin/authz/sweep", "ops@example.com", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin actor, got %d", rec.Code)
	}
	if sweeper.calls != 0 {
		t.Fatalf("sweep must not be enqueued for a denied actor")
	}
}

func TestHandlerTriggerSweepUnavailable(t *testing.T) {
	store := newStubAdminStore()
	seedGrant(store, "root@example.com", TierSuperAdmin)

	h := handlerFixture(t, store)
	rec := doJSON(t, h, http.MethodPost, "/admin/authz/sweep", "root@example.com", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a queue client, got %d", rec.Code)
	}

	sweeper := &stubSweeper{err: errors.New("queue down")}
	h = handlerFixtureWith(t, store, sweeper)
	rec = doJSON(t, h, http.MethodPost, "/admin/authz/sweep", "root@example.com", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on enqueue failure, got %d", rec.Code)
	}
}
