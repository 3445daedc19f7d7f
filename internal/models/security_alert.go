package models

import "time"

type AlertType string

const (
	AlertBruteForce             AlertType = "BRUTE_FORCE_ATTACK"
	AlertMultipleBackupRestores AlertType = "MULTIPLE_BACKUP_RESTORES"
	AlertAuditLogFailure        AlertType = "AUDIT_LOG_FAILURE"
	AlertSystemHealthCritical   AlertType = "SYSTEM_HEALTH_CRITICAL"
	AlertUnauthorizedAccess     AlertType = "UNAUTHORIZED_ACCESS"
	AlertEncryptionFailure      AlertType = "ENCRYPTION_FAILURE"
	AlertDSROverdue             AlertType = "DSR_OVERDUE"
)

type AlertSeverity string

const (
	AlertLow      AlertSeverity = "LOW"
	AlertMedium   AlertSeverity = "MEDIUM"
	AlertHigh     AlertSeverity = "HIGH"
	AlertCritical AlertSeverity = "CRITICAL"
)

// Valid reports whether s is one of the four alert severities.
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertLow, AlertMedium, AlertHigh, AlertCritical:
		return true
	}
	return false
}

type SecurityAlert struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       AlertType      `json:"type"`
	Severity   AlertSeverity  `json:"severity"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

type AlertFilter struct {
	Severity AlertSeverity
	Type     AlertType
	Resolved *bool
	Limit    int
}

type AlertStats struct {
	Total      int                   `json:"total"`
	Active     int                   `json:"active"`
	Resolved   int                   `json:"resolved"`
	BySeverity map[AlertSeverity]int `json:"bySeverity"`
	ByType     map[AlertType]int     `json:"byType"`
	Last24h    int                   `json:"last24h"`
}
