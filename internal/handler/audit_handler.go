package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"trust-service/internal/audit"
	"trust-service/internal/models"
	"trust-service/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditHandler exposes read access to the audit trail.
type AuditHandler struct {
	base
	trail *audit.Trail
	now   func() time.Time
}

func NewAuditHandler(trail *audit.Trail, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{base: newBase(logger), trail: trail, now: time.Now}
}

// RegisterRoutes registers all audit routes
func (h *AuditHandler) RegisterRoutes(router chi.Router) {
	router.Route("/audit", func(r chi.Router) {
		r.Get("/logs", h.QueryLogs)
		r.Get("/stats", h.GetStats)
		r.Get("/export", h.Export)
	})
}

// parseAuditFilter reads eventType, result, severity, startDate, endDate,
// searchTerm, limit and offset. Dates accept RFC 3339 or YYYY-MM-DD; a bare
// end date covers the whole day.
func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Type:       models.AuditEventType(q.Get("eventType")),
		Outcome:    models.Outcome(q.Get("result")),
		Severity:   models.Severity(q.Get("severity")),
		SearchTerm: q.Get("searchTerm"),
	}

	var err error
	if filter.Start, err = parseDate(q.Get("startDate"), false); err != nil {
		return filter, err
	}
	if filter.End, err = parseDate(q.Get("endDate"), true); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.Join(service.ErrValidation, fmt.Errorf("invalid date %q", raw))
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *AuditHandler) QueryLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	if filter.Limit == 0 {
		filter.Limit = defaultAuditLimit
	}
	filter.Limit = min(filter.Limit, maxAuditLimit)

	res, err := h.trail.Query(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to query audit logs")
		return
	}

	resp := successResponse(map[string]any{"events": res.Events}, "Audit logs retrieved successfully")
	resp.Meta = &Meta{Total: res.Total, Limit: filter.Limit, Offset: filter.Offset}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.trail.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to get audit stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Audit stats retrieved successfully"))
}

// Export streams matching events as an attachment, ?format=json|csv.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query parameters")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSON
	}

	var contentType string
	switch format {
	case audit.FormatJSON:
		contentType = "application/json"
	case audit.FormatCSV:
		contentType = "text/csv"
	default:
		h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, audit.ErrUnsupportedFormat), "Unsupported export format")
		return
	}

	filename := fmt.Sprintf("audit-export-%s.%s", h.now().UTC().Format(time.DateOnly), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := h.trail.Export(r.Context(), w, filter, format); err != nil {
		// headers are gone; the truncated body is all the client will see
		h.logger.Error("Audit export failed", zap.Error(err))
	}
}
