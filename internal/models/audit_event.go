package models

import "time"

type AuditEventType string

const (
	EventAuthLoginSuccess AuditEventType = "AUTH_LOGIN_SUCCESS"
	EventAuthLoginFailed  AuditEventType = "AUTH_LOGIN_FAILED"
	EventAuthLogout       AuditEventType = "AUTH_LOGOUT"

	EventDataAccess AuditEventType = "DATA_ACCESS"
	EventDataExport AuditEventType = "DATA_EXPORT"
	EventDataDelete AuditEventType = "DATA_DELETE"

	EventBackupCreate  AuditEventType = "BACKUP_CREATE"
	EventBackupRestore AuditEventType = "BACKUP_RESTORE"

	EventEncryptionKeyRotated AuditEventType = "ENCRYPTION_KEY_ROTATED"
	EventConfigChange         AuditEventType = "CONFIG_CHANGE"
	EventSystemStart          AuditEventType = "SYSTEM_START"
	EventSystemError          AuditEventType = "SYSTEM_ERROR"

	EventSecurityAlert         AuditEventType = "SECURITY_ALERT"
	EventSecurityAlertResolved AuditEventType = "SECURITY_ALERT_RESOLVED"

	EventVerificationRequested   AuditEventType = "VERIFICATION_REQUESTED"
	EventVerificationRateLimited AuditEventType = "VERIFICATION_RATE_LIMITED"
	EventVerificationSucceeded   AuditEventType = "VERIFICATION_SUCCEEDED"
	EventVerificationFailed      AuditEventType = "VERIFICATION_FAILED"

	EventDSRCreated       AuditEventType = "DSR_CREATED"
	EventDSRStatusChanged AuditEventType = "DSR_STATUS_CHANGED"
	EventDSRCompleted     AuditEventType = "DSR_COMPLETED"
	EventDSRFailed        AuditEventType = "DSR_FAILED"

	EventAuditCleanup AuditEventType = "AUDIT_CLEANUP"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// AuditEvent is one line of the audit log. Events are never modified after
// they are written.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp" ch:"timestamp"`
	Type      AuditEventType `json:"type" ch:"event_type"`
	Severity  Severity       `json:"severity" ch:"severity"`
	Actor     string         `json:"actor,omitempty" ch:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	Outcome   Outcome        `json:"outcome" ch:"outcome"`
}

// AuditFilter selects events from the log. Zero values mean "no constraint";
// Limit <= 0 means no limit.
type AuditFilter struct {
	Type       AuditEventType
	Outcome    Outcome
	Severity   Severity
	Start      *time.Time
	End        *time.Time
	SearchTerm string
	Offset     int
	Limit      int
}

type AuditQueryResult struct {
	Events []AuditEvent `json:"events"`
	Total  int          `json:"total"`
}

type AuditStats struct {
	Total          int                    `json:"total"`
	ByType         map[AuditEventType]int `json:"byType"`
	BySeverity     map[Severity]int       `json:"bySeverity"`
	ByOutcome      map[Outcome]int        `json:"byOutcome"`
	RecentFailures int                    `json:"recentFailures"`
}
