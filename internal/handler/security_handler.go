package handler

import (
	"errors"
	"net/http"
	"strconv"

	"trust-service/internal/models"
	"trust-service/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SecurityHandler serves alert listing, resolution and summary metrics.
type SecurityHandler struct {
	base
	alerts *service.AlertStore
	audit  service.AuditReader
}

func NewSecurityHandler(alerts *service.AlertStore, audit service.AuditReader, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{base: newBase(logger), alerts: alerts, audit: audit}
}

// RegisterRoutes registers all security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/{id}", h.GetAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
		r.Get("/metrics", h.GetMetrics)
	})
}

// ListAlerts supports ?severity=&type=&resolved=&limit=
func (h *SecurityHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AlertFilter{
		Severity: models.AlertSeverity(q.Get("severity")),
		Type:     models.AlertType(q.Get("type")),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, errors.New("unknown severity")), "Invalid severity filter")
		return
	}
	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, errors.Join(service.ErrValidation, err), "Invalid resolved filter")
			return
		}
		filter.Resolved = &resolved
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	filter.Limit = limit

	alerts := h.alerts.List(filter)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	}, "Alerts retrieved successfully"))
}

func (h *SecurityHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := h.alerts.Get(chi.URLParam(r, "id"))
	if !ok {
		h.respondWithError(w, http.StatusNotFound, service.ErrNotFound, "Alert not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(alert, "Alert retrieved successfully"))
}

func (h *SecurityHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.alerts.Resolve(r.Context(), id)
	if err != nil {
		// resolution is kept in memory even when the snapshot write fails
		h.logger.Error("Failed to persist alert resolution", zap.String("alert_id", id), zap.Error(err))
	}
	if !ok {
		h.respondWithError(w, http.StatusNotFound, service.ErrNotFound, "Alert not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]any{"id": id, "resolved": true}, "Alert resolved"))
}

// GetMetrics summarises alert and audit counters for dashboards.
func (h *SecurityHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	auditStats, err := h.audit.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to get audit stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]any{
		"alerts": h.alerts.Stats(),
		"audit":  auditStats,
	}, "Security metrics retrieved successfully"))
}
