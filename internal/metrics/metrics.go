package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trust"

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
type Metrics struct {
	AuditEventsWritten  *prometheus.CounterVec
	AuditWriteFailures  prometheus.Counter
	AuditRotations      prometheus.Counter
	AuditMirrorDropped  *prometheus.CounterVec
	AuditFilesRemoved   prometheus.Counter
	AlertsCreated       *prometheus.CounterVec
	AlertsActive        prometheus.Gauge
	AlertNotifyFailures prometheus.Counter
	MonitorChecks       *prometheus.CounterVec
	MonitorTicksSkipped prometheus.Counter
	VerificationIssued  *prometheus.CounterVec
	VerificationResults *prometheus.CounterVec
	DSRCreated          *prometheus.CounterVec
	DSRTransitions      *prometheus.CounterVec
	DSROverdue          prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuditEventsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_written_total",
			Help:      "Audit events appended to the local log, by event type",
		}, []string{"type"}),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit events that could not be written",
		}),
		AuditRotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_rotations_total",
			Help:      "Audit log file rotations",
		}),
		AuditMirrorDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_mirror_dropped_total",
			Help:      "Audit events not delivered to a mirror sink",
		}, []string{"sink"}),
		AuditFilesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_files_removed_total",
			Help:      "Rotated audit files removed by retention cleanup",
		}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_created_total",
			Help:      "Security alerts raised",
		}, []string{"type", "severity"}),
		AlertsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "security_alerts_active",
			Help:      "Unresolved security alerts currently held",
		}),
		AlertNotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alert_notify_failures_total",
			Help:      "Alert notifications that failed to deliver",
		}),
		MonitorChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_checks_total",
			Help:      "Security monitor check executions",
		}, []string{"check", "result"}),
		MonitorTicksSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_skipped_total",
			Help:      "Monitor ticks skipped because the previous tick was still running",
		}),
		VerificationIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_requests_total",
			Help:      "Verification code requests",
		}, []string{"outcome"}),
		VerificationResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_attempts_total",
			Help:      "Verification attempts by result",
		}, []string{"result"}),
		DSRCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dsr_requests_created_total",
			Help:      "Data subject requests created",
		}, []string{"type"}),
		DSRTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dsr_status_transitions_total",
			Help:      "Data subject request status changes",
		}, []string{"status"}),
		DSROverdue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dsr_overdue_requests",
			Help:      "Data subject requests past their due date and not completed",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route template and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) AuditWritten(eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsWritten.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AuditFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) AuditRotated() {
	if m == nil {
		return
	}
	m.AuditRotations.Inc()
}

func (m *Metrics) MirrorDropped(sink string, n int) {
	if m == nil {
		return
	}
	m.AuditMirrorDropped.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) AuditFilesCleaned(n int) {
	if m == nil {
		return
	}
	m.AuditFilesRemoved.Add(float64(n))
}

func (m *Metrics) AlertCreated(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) SetActiveAlerts(n int) {
	if m == nil {
		return
	}
	m.AlertsActive.Set(float64(n))
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.AlertNotifyFailures.Inc()
}

func (m *Metrics) MonitorCheck(check string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MonitorChecks.WithLabelValues(check, result).Inc()
}

func (m *Metrics) MonitorTickSkipped() {
	if m == nil {
		return
	}
	m.MonitorTicksSkipped.Inc()
}

func (m *Metrics) VerificationRequested(outcome string) {
	if m == nil {
		return
	}
	m.VerificationIssued.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VerificationAttempt(result string) {
	if m == nil {
		return
	}
	m.VerificationResults.WithLabelValues(result).Inc()
}

func (m *Metrics) DSRRequestCreated(dsrType string) {
	if m == nil {
		return
	}
	m.DSRCreated.WithLabelValues(dsrType).Inc()
}

func (m *Metrics) DSRStatusChanged(status string) {
	if m == nil {
		return
	}
	m.DSRTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) SetOverdueDSRs(n int) {
	if m == nil {
		return
	}
	m.DSROverdue.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
