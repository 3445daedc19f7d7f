package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"go.uber.org/zap"
)

const notifyTimeout = 15 * time.Second

// AuditRecorder is the write side of the audit trail.
type AuditRecorder interface {
	Append(ctx context.Context, event models.AuditEvent)
}

// AlertStore owns the alert collection and its alerts.json snapshot. Every
// mutation holds mu for the whole read-modify-write.
type AlertStore struct {
	path      string
	retention time.Duration
	maxAlerts int

	audit    AuditRecorder
	notifier Notifier
	clock    util.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	alerts []*models.SecurityAlert // oldest first
}

// NewAlertStore loads any existing snapshot. A corrupt or unreadable file is
// logged and the store starts empty. notifier may be nil.
func NewAlertStore(cfg config.AlertsConfig, audit AuditRecorder, notifier Notifier, clock util.Clock, m *metrics.Metrics, logger *zap.Logger) *AlertStore {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}
	maxAlerts := cfg.MaxAlerts
	if maxAlerts <= 0 {
		maxAlerts = 10000
	}

	s := &AlertStore{
		path:      cfg.FilePath,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		maxAlerts: maxAlerts,
		audit:     audit,
		notifier:  notifier,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
	s.load()
	return s
}

func (s *AlertStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Could not read alerts file, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	var alerts []*models.SecurityAlert
	if err := json.Unmarshal(data, &alerts); err != nil {
		s.logger.Warn("Alerts file is corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Timestamp.Before(alerts[j].Timestamp) })
	s.alerts = alerts
	s.metrics.SetActiveAlerts(s.activeLocked())
	s.logger.Info("Loaded security alerts", zap.Int("count", len(alerts)))
}

// Create records an unresolved alert, emits one SECURITY_ALERT audit event and
// hands the alert to the notifier in the background. If the snapshot cannot
// be written the alert is still kept in memory and the returned error wraps
// ErrPersistence.
func (s *AlertStore) Create(ctx context.Context, alertType models.AlertType, severity models.AlertSeverity, message string, details map[string]any) (*models.SecurityAlert, error) {
	if alertType == "" {
		return nil, validationError("alert type is required")
	}
	if !severity.Valid() {
		return nil, validationError("unknown alert severity %q", severity)
	}

	now := s.clock.Now()
	alert := &models.SecurityAlert{
		ID:        newAlertID(now),
		Timestamp: now,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Details:   maps.Clone(details),
	}

	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.pruneLocked(now)
	persistErr := s.persistLocked()
	snapshot := *alert
	s.metrics.SetActiveAlerts(s.activeLocked())
	s.mu.Unlock()

	s.metrics.AlertCreated(string(alertType), string(severity))
	s.logger.Warn("Security alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)),
		zap.String("message", message),
	)

	s.audit.Append(ctx, models.AuditEvent{
		Type:     models.EventSecurityAlert,
		Severity: auditSeverity(severity),
		Actor:    "security-monitor",
		Outcome:  models.OutcomeSuccess,
		Details: map[string]any{
			"alert_id":       alert.ID,
			"alert_type":     string(alertType),
			"alert_severity": string(severity),
			"summary":        message,
		},
	})

	s.dispatch(snapshot)

	if persistErr != nil {
		return &snapshot, fmt.Errorf("%w: %v", ErrPersistence, persistErr)
	}
	return &snapshot, nil
}

func (s *AlertStore) dispatch(alert models.SecurityAlert) {
	if s.notifier == nil {
		return
	}
	notifier := s.notifier
	util.SafeGo("alert-notify", func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := notifier.Notify(ctx, alert); err != nil {
			s.metrics.NotifyFailed()
			s.logger.Error("Alert notification failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	})
}

// Resolve marks an alert resolved. It returns false for unknown ids.
// Resolving an already resolved alert keeps the original resolvedAt.
func (s *AlertStore) Resolve(ctx context.Context, id string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	var target *models.SecurityAlert
	for _, a := range s.alerts {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return false, nil
	}
	if target.Resolved {
		s.mu.Unlock()
		return true, nil
	}
	target.Resolved = true
	target.ResolvedAt = &now
	persistErr := s.persistLocked()
	s.metrics.SetActiveAlerts(s.activeLocked())
	alertType := target.Type
	s.mu.Unlock()

	s.audit.Append(ctx, models.AuditEvent{
		Type:    models.EventSecurityAlertResolved,
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{"alert_id": id, "alert_type": string(alertType)},
	})

	if persistErr != nil {
		return true, fmt.Errorf("%w: %v", ErrPersistence, persistErr)
	}
	return true, nil
}

// List returns matching alerts newest first.
func (s *AlertStore) List(filter models.AlertFilter) []models.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SecurityAlert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *AlertStore) Get(id string) (*models.SecurityAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			c := *a
			return &c, true
		}
	}
	return nil, false
}

func (s *AlertStore) Stats() models.AlertStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.AlertStats{
		BySeverity: map[models.AlertSeverity]int{},
		ByType:     map[models.AlertType]int{},
	}
	since := s.clock.Now().Add(-24 * time.Hour)
	for _, a := range s.alerts {
		stats.Total++
		if a.Resolved {
			stats.Resolved++
		} else {
			stats.Active++
		}
		stats.BySeverity[a.Severity]++
		stats.ByType[a.Type]++
		if !a.Timestamp.Before(since) {
			stats.Last24h++
		}
	}
	return stats
}

// Maintain applies the retention policy and rewrites the snapshot. It returns
// how many alerts were dropped.
func (s *AlertStore) Maintain(ctx context.Context) (int, error) {
	s.mu.Lock()
	before := len(s.alerts)
	s.pruneLocked(s.clock.Now())
	removed := before - len(s.alerts)
	err := s.persistLocked()
	s.metrics.SetActiveAlerts(s.activeLocked())
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("Pruned security alerts", zap.Int("removed", removed))
	}
	if err != nil {
		return removed, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return removed, nil
}

// pruneLocked drops resolved alerts past retention, then enforces the cap by
// dropping the oldest resolved alerts before any unresolved one. Unresolved
// alerts never expire by age.
func (s *AlertStore) pruneLocked(now time.Time) {
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.Resolved && s.retention > 0 && a.Timestamp.Before(now.Add(-s.retention)) {
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept

	excess := len(s.alerts) - s.maxAlerts
	if excess <= 0 {
		return
	}
	drop := make(map[*models.SecurityAlert]bool, excess)
	for _, resolved := range []bool{true, false} {
		for _, a := range s.alerts {
			if len(drop) == excess {
				break
			}
			if a.Resolved == resolved {
				drop[a] = true
			}
		}
	}
	kept = s.alerts[:0]
	for _, a := range s.alerts {
		if !drop[a] {
			kept = append(kept, a)
		}
	}
	s.alerts = kept
}

// persistLocked writes the snapshot to a temp file and renames it into place.
func (s *AlertStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.alerts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create alerts directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".alerts-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write alerts: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync alerts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close alerts: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace alerts file: %w", err)
	}
	return nil
}

func (s *AlertStore) activeLocked() int {
	n := 0
	for _, a := range s.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func newAlertID(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "alert_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + hex.EncodeToString(b)
}

func auditSeverity(s models.AlertSeverity) models.Severity {
	switch s {
	case models.AlertCritical:
		return models.SeverityCritical
	case models.AlertHigh:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
