package audithttp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-gallery/meridian/internal/audit"
)

const (
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService is the business contract for audit queries.
type TimelineService interface {
	Query(ctx context.Context, filter audit.Filter) (audit.Result, error)
	Export(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
}

// Handler serves the audit trail endpoints.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleTimeline returns one page of audit records, newest first.
func (h *Handler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	result, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit log unavailable"})
		return
	}
	records := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		records = append(records, recordJSON(record))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

// HandleExport streams every matching record as CSV.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	records, err := h.service.Export(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit log unavailable"})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"id", "created_at", "actor", "target_identity", "action", "reason", "before_state", "after_state"})
	for _, record := range records {
		_ = writer.Write([]string{
			record.ID.String(),
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.Actor,
			record.TargetIdentity,
			string(record.Action),
			record.Reason,
			string(record.BeforeState),
			string(record.AfterState),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Error("audit csv flush", slog.Any("error", err))
	}
}

func (h *Handler) parseFilter(r *http.Request) (audit.Filter, error) {
	query := r.URL.Query()
	filter := audit.Filter{
		Actor:  strings.TrimSpace(query.Get("actor")),
		Target: strings.TrimSpace(query.Get("target")),
		Action: audit.Action(strings.TrimSpace(query.Get("action"))),
	}
	if filter.Action != "" && !filter.Action.Valid() {
		return audit.Filter{}, errInvalidFilter("unknown action")
	}
	now := h.now()
	filter.To = now
	filter.From = now.Add(-defaultDateRange)
	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errInvalidFilter("from must be RFC3339")
		}
		filter.From = from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errInvalidFilter("to must be RFC3339")
		}
		filter.To = to
	}
	if filter.To.Before(filter.From) {
		return audit.Filter{}, errInvalidFilter("to precedes from")
	}
	if filter.To.Sub(filter.From) > maxDateRange {
		filter.From = filter.To.Add(-maxDateRange)
	}
	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return audit.Filter{}, errInvalidFilter("page must be a positive integer")
		}
		filter.Page = page
	}
	if raw := query.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return audit.Filter{}, errInvalidFilter("page_size must be a positive integer")
		}
		filter.PageSize = size
	}
	return filter, nil
}

type errInvalidFilter string

func (e errInvalidFilter) Error() string { return "audit: " + string(e) }

func recordJSON(record audit.Record) map[string]any {
	entry := map[string]any{
		"id":         record.ID.String(),
		"actor":      record.Actor,
		"target":     record.TargetIdentity,
		"action":     string(record.Action),
		"reason":     record.Reason,
		"created_at": record.CreatedAt,
	}
	if len(record.BeforeState) > 0 {
		entry["before_state"] = json.RawMessage(record.BeforeState)
	}
	if len(record.AfterState) > 0 {
		entry["after_state"] = json.RawMessage(record.AfterState)
	}
	return entry
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}
