package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-gallery/meridian/internal/shared"
)

const (
	mutationRateLimit  = 30
	mutationRateWindow = time.Minute
)

// SweepEnqueuer submits an out-of-schedule grant sweep to the job
// queue and returns the queued task id.
type SweepEnqueuer interface {
	EnqueueGrantSweep(ctx context.Context, retentionHours int) (string, error)
}

// Handler serves the grant administration API.
type Handler struct {
	logger   *slog.Logger
	admin    *Admin
	cache    *Cache
	reader   PermissionReader
	sweeper  SweepEnqueuer
	validate *validator.Validate
	mw       Middleware
}

// NewHandler builds the authorization API handler. A nil sweeper
// disables the on-demand sweep endpoint.
func NewHandler(logger *slog.Logger, admin *Admin, cache *Cache, sweeper SweepEnqueuer, mw Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		admin:    admin,
		cache:    cache,
		reader:   cache,
		sweeper:  sweeper,
		validate: validator.New(),
		mw:       mw,
	}
}

// MountRoutes registers the authorization endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(mutationRateLimit, mutationRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(h.mw.Require(PermRolesView))
		gr.Get("/grants", h.listGrants)
		gr.Get("/permissions", h.listRegistry)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(h.mw.RequireSuperAdmin(), limiter)
		gr.Post("/grants", h.createGrant)
		gr.Patch("/grants/{identity}", h.updateGrant)
		gr.Delete("/grants/{identity}", h.revokeGrant)
		gr.Post("/sweep", h.triggerSweep)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(h.mw.RequireSuperAdmin())
		gr.Get("/cache/stats", h.cacheStats)
	})
	r.Get("/me", h.myPermissions)
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

type createGrantRequest struct {
	Identity    string     `json:"identity" validate:"required"`
	Tier        string     `json:"tier" validate:"required"`
	Permissions []string   `json:"permissions" validate:"omitempty,dive,required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	IPAllowList []string   `json:"ip_allow_list" validate:"omitempty,dive,cidr"`
	Reason      string     `json:"reason" validate:"required"`
}

type updateGrantRequest struct {
	Tier        *string    `json:"tier"`
	Permissions *[]string  `json:"permissions"`
	Active      *bool      `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
	IPAllowList *[]string  `json:"ip_allow_list" validate:"omitempty,dive,cidr"`
	Reason      string     `json:"reason" validate:"required"`
}

type revokeGrantRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type grantResponse struct {
	Identity    string     `json:"identity"`
	Tier        string     `json:"tier"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IPAllowList []string   `json:"ip_allow_list,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedBy   string     `json:"updated_by"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.admin.ListGrants(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	responses := make([]grantResponse, 0, len(grants))
	for _, grant := range grants {
		responses = append(responses, toGrantResponse(grant))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"grants": responses})
}

func (h *Handler) createGrant(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	params, err := toGrantParams(req.Tier, req.Permissions, req.ExpiresAt, req.IPAllowList, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	actor, rc := h.requestActor(r)
	grant, err := h.admin.CreateGrant(r.Context(), actor, rc, Identity(req.Identity), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toGrantResponse(grant))
}

func (h *Handler) updateGrant(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "identity")
	var req updateGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	changes := GrantChanges{Active: req.Active, Reason: req.Reason}
	if req.Tier != nil {
		tier, err := ParseTier(*req.Tier)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		changes.Tier = &tier
	}
	if req.Permissions != nil {
		keys := toPermissionKeys(*req.Permissions)
		changes.Permissions = &keys
	}
	if req.ExpiresAt != nil {
		changes.ExpiresAt = req.ExpiresAt
	} else if req.ClearExpiry {
		var zero time.Time
		changes.ExpiresAt = &zero
	}
	if req.IPAllowList != nil {
		prefixes, err := toPrefixes(*req.IPAllowList)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		changes.IPAllowList = &prefixes
	}
	actor, rc := h.requestActor(r)
	grant, err := h.admin.UpdateGrant(r.Context(), actor, rc, Identity(target), changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toGrantResponse(grant))
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "identity")
	var req revokeGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, rc := h.requestActor(r)
	if err := h.admin.RevokeGrant(r.Context(), actor, rc, Identity(target), req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRegistry(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"groups":             RegistryGroups(),
		"legacy_map_version": LegacyMapVersion,
	})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":       stats.Total,
		"valid":       stats.Valid,
		"expired":     stats.Expired,
		"max_size":    stats.MaxSize,
		"ttl_seconds": int(stats.TTL.Seconds()),
	})
}

type triggerSweepRequest struct {
	RetentionHours int `json:"retention_hours" validate:"omitempty,min=1,max=8760"`
}

// triggerSweep enqueues a grant sweep outside the cron schedule, for
// cleaning up after a bulk revocation without waiting half an hour.
func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	req := triggerSweepRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	taskID, err := h.sweeper.EnqueueGrantSweep(r.Context(), req.RetentionHours)
	if err != nil {
		h.logger.Error("enqueue grant sweep", slog.Any("error", err))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "sweep could not be queued"})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

// myPermissions returns the caller's effective permission projection.
// Advisory only: the authoritative check is always re-run by the Guard
// at the protected action itself.
func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	_, rc := h.requestActor(r)
	set, err := h.reader.Get(r.Context(), Identity(actor), rc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	keys := set.Keys()
	permissions := make([]string, len(keys))
	for i, key := range keys {
		permissions[i] = string(key)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"identity":       string(set.Identity),
		"tier":           set.Tier.String(),
		"is_admin":       set.IsAdmin,
		"is_super_admin": set.IsSuperAdmin,
		"permissions":    permissions,
		"resolved_at":    set.ResolvedAt,
	})
}

func (h *Handler) requestActor(r *http.Request) (Identity, RequestContext) {
	actor, _ := shared.ActorFromContext(r.Context())
	return Identity(actor), RequestContext{
		SourceIP: shared.SourceIPFromContext(r.Context()),
		Now:      time.Now().UTC(),
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidPermissionSet):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrTargetProtected):
		status = http.StatusForbidden
	case errors.Is(err, ErrGrantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrGrantExists):
		status = http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("authz request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	h.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func toGrantParams(tierName string, permissions []string, expiresAt *time.Time, allowList []string, reason string) (GrantParams, error) {
	tier, err := ParseTier(tierName)
	if err != nil {
		return GrantParams{}, err
	}
	prefixes, err := toPrefixes(allowList)
	if err != nil {
		return GrantParams{}, err
	}
	params := GrantParams{
		Tier:        tier,
		Permissions: toPermissionKeys(permissions),
		IPAllowList: prefixes,
		Reason:      reason,
	}
	if expiresAt != nil {
		params.ExpiresAt = expiresAt.UTC()
	}
	return params, nil
}

func toPermissionKeys(raw []string) []PermissionKey {
	keys := make([]PermissionKey, len(raw))
	for i, key := range raw {
		keys[i] = PermissionKey(key)
	}
	return keys
}

func toPrefixes(raw []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, entry := range raw {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: bad CIDR %q", ErrInvalidPermissionSet, entry)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func toGrantResponse(grant Grant) grantResponse {
	response := grantResponse{
		Identity:    string(grant.Identity),
		Tier:        grant.Tier.String(),
		Permissions: keyStrings(grant.ExplicitPermissions),
		Active:      grant.Active,
		IPAllowList: prefixStrings(grant.IPAllowList),
		CreatedBy:   string(grant.CreatedBy),
		CreatedAt:   grant.CreatedAt,
		UpdatedBy:   string(grant.UpdatedBy),
		UpdatedAt:   grant.UpdatedAt,
	}
	if !grant.ExpiresAt.IsZero() {
		expires := grant.ExpiresAt
		response.ExpiresAt = &expires
	}
	return response
}
