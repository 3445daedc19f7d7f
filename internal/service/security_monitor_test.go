package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trust-service/internal/audit"
	"trust-service/internal/config"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var monitorCfg = config.MonitorConfig{
	Interval:               time.Minute,
	BruteForceThreshold:    5,
	BruteForceWindow:       15 * time.Minute,
	BackupRestoreThreshold: 3,
	BackupRestoreWindow:    time.Hour,
	CriticalThreshold:      3,
	CriticalWindow:         time.Hour,
}

type monitorFixture struct {
	monitor *SecurityMonitor
	trail   *audit.Trail
	alerts  *AlertStore
	clock   *util.FakeClock
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	clock := util.NewFakeClock(t0)
	trail := newTestTrail(t, clock)
	alerts := NewAlertStore(config.AlertsConfig{FilePath: filepath.Join(t.TempDir(), "alerts.json")}, trail, nil, clock, nil, zaptest.NewLogger(t))
	monitor := NewSecurityMonitor(monitorCfg, trail, alerts, clock, newTestMetrics(), zaptest.NewLogger(t))
	return &monitorFixture{monitor: monitor, trail: trail, alerts: alerts, clock: clock}
}

func (f *monitorFixture) emit(n int, ev models.AuditEvent) {
	for i := 0; i < n; i++ {
		f.trail.Append(context.Background(), ev)
	}
}

func (f *monitorFixture) count(t models.AlertType) int {
	return len(f.alerts.List(models.AlertFilter{Type: t}))
}

func TestMonitor_BruteForceAtThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(5, models.AuditEvent{Type: models.EventAuthLoginFailed, Outcome: models.OutcomeFailure})

	require.True(t, f.monitor.RunChecks(context.Background()))
	alerts := f.alerts.List(models.AlertFilter{Type: models.AlertBruteForce})
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertCritical, alerts[0].Severity)
	assert.Len(t, alerts[0].Details["samples"], 5)

	// events fall out of the trailing window
	f.clock.Advance(16 * time.Minute)
	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 1, f.count(models.AlertBruteForce))
}

func TestMonitor_BruteForceBelowThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(4, models.AuditEvent{Type: models.EventAuthLoginFailed, Outcome: models.OutcomeFailure})

	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 0, f.count(models.AlertBruteForce))
}

func TestMonitor_BruteForceSamplesCapped(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(14, models.AuditEvent{Type: models.EventAuthLoginFailed, Outcome: models.OutcomeFailure})

	f.monitor.RunChecks(context.Background())
	alerts := f.alerts.List(models.AlertFilter{Type: models.AlertBruteForce})
	require.Len(t, alerts, 1)
	assert.Len(t, alerts[0].Details["samples"], maxAlertSamples)
	assert.Equal(t, 14, alerts[0].Details["count"])
}

func TestMonitor_BackupRestores(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(2, models.AuditEvent{Type: models.EventBackupRestore})
	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 0, f.count(models.AlertMultipleBackupRestores))

	f.emit(1, models.AuditEvent{Type: models.EventBackupRestore})
	f.monitor.RunChecks(context.Background())
	alerts := f.alerts.List(models.AlertFilter{Type: models.AlertMultipleBackupRestores})
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertHigh, alerts[0].Severity)
}

func TestMonitor_AuditHealth(t *testing.T) {
	f := newMonitorFixture(t)
	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 0, f.count(models.AlertAuditLogFailure))

	f.emit(1, models.AuditEvent{Type: models.EventSystemError, Outcome: models.OutcomeFailure})
	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 1, f.count(models.AlertAuditLogFailure))
}

func TestMonitor_CriticalClustering(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(3, models.AuditEvent{Type: models.EventSystemError, Severity: models.SeverityCritical})
	f.emit(2, models.AuditEvent{Type: models.EventConfigChange, Severity: models.SeverityCritical})

	f.monitor.RunChecks(context.Background())
	alerts := f.alerts.List(models.AlertFilter{Type: models.AlertSystemHealthCritical})
	require.Len(t, alerts, 1)
	assert.Equal(t, string(models.EventSystemError), alerts[0].Details["eventType"])
}

func TestMonitor_CriticalClusteringIgnoresAlertEvents(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(3, models.AuditEvent{Type: models.EventSecurityAlert, Severity: models.SeverityCritical})

	f.monitor.RunChecks(context.Background())
	assert.Equal(t, 0, f.count(models.AlertSystemHealthCritical))
}

// blockingReader holds Query until released so a tick stays in flight.
type blockingReader struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReader) Query(ctx context.Context, _ models.AuditFilter) (*models.AuditQueryResult, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return &models.AuditQueryResult{}, nil
}

func (b *blockingReader) Stats(context.Context) (*models.AuditStats, error) {
	return &models.AuditStats{}, nil
}

func TestMonitor_OverlappingTickSkipped(t *testing.T) {
	reader := &blockingReader{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestMetrics()
	monitor := NewSecurityMonitor(monitorCfg, reader, &AlertStore{}, util.NewFakeClock(t0), m, zaptest.NewLogger(t))

	first := make(chan bool)
	go func() { first <- monitor.RunChecks(context.Background()) }()
	<-reader.entered

	assert.False(t, monitor.RunChecks(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitorTicksSkipped))

	close(reader.release)
	assert.True(t, <-first)
}

func TestMonitor_StartRunsImmediately(t *testing.T) {
	f := newMonitorFixture(t)
	f.emit(5, models.AuditEvent{Type: models.EventAuthLoginFailed, Outcome: models.OutcomeFailure})

	f.monitor.Start(context.Background())
	f.monitor.Start(context.Background())
	assert.Eventually(t, func() bool {
		return f.count(models.AlertBruteForce) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.monitor.Stop()
	f.monitor.Stop()
}
