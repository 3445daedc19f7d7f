package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxAlertSamples = 10

// AuditReader is the query side of the audit trail.
type AuditReader interface {
	Query(ctx context.Context, filter models.AuditFilter) (*models.AuditQueryResult, error)
	Stats(ctx context.Context) (*models.AuditStats, error)
}

// AlertCreator raises security alerts. AlertStore implements it.
type AlertCreator interface {
	Create(ctx context.Context, alertType models.AlertType, severity models.AlertSeverity, message string, details map[string]any) (*models.SecurityAlert, error)
}

// SecurityMonitor periodically scans the audit trail for suspicious patterns
// and raises alerts. A tick that fires while the previous one is still
// running is skipped.
type SecurityMonitor struct {
	cfg     config.MonitorConfig
	audit   AuditReader
	alerts  AlertCreator
	clock   util.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSecurityMonitor(cfg config.MonitorConfig, audit AuditReader, alerts AlertCreator, clock util.Clock, m *metrics.Metrics, logger *zap.Logger) *SecurityMonitor {
	if clock == nil {
		clock = util.SystemClock{}
	}
	if logger == nil {
		logger = util.Get()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &SecurityMonitor{
		cfg:     cfg,
		audit:   audit,
		alerts:  alerts,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// Start runs one check immediately and then one per interval until Stop is
// called or ctx is done. Calling Start on a running monitor is a no-op.
func (m *SecurityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		m.logger.Info("Security monitor started", zap.Duration("interval", m.cfg.Interval))

		var wg sync.WaitGroup
		fire := func() {
			wg.Add(1)
			util.SafeGo("security-monitor-tick", func() {
				defer wg.Done()
				m.RunChecks(ctx)
			})
		}

		fire()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				m.logger.Info("Security monitor stopped")
				return
			case <-ticker.C:
				fire()
			}
		}
	}(m.done)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (m *SecurityMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunChecks performs one tick. It returns false when a previous tick is still
// in progress. Each check runs independently; a failing check is logged and
// does not stop the others.
func (m *SecurityMonitor) RunChecks(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		m.metrics.MonitorTickSkipped()
		m.logger.Warn("Security monitor tick skipped, previous tick still running")
		return false
	}
	defer m.running.Store(false)

	now := m.clock.Now()
	checks := []struct {
		name string
		run  func(context.Context, time.Time) error
	}{
		{"brute_force", m.checkBruteForce},
		{"backup_restores", m.checkBackupRestores},
		{"audit_health", m.checkAuditHealth},
		{"critical_events", m.checkCriticalEvents},
	}

	var g errgroup.Group
	for _, c := range checks {
		c := c
		g.Go(func() error {
			err := c.run(ctx, now)
			m.metrics.MonitorCheck(c.name, err)
			if err != nil {
				m.logger.Error("Security check failed", zap.String("check", c.name), zap.Error(err))
			}
			return err
		})
	}
	_ = g.Wait()
	return true
}

func (m *SecurityMonitor) checkBruteForce(ctx context.Context, now time.Time) error {
	since := now.Add(-m.cfg.BruteForceWindow)
	res, err := m.audit.Query(ctx, models.AuditFilter{
		Type:  models.EventAuthLoginFailed,
		Start: &since,
		End:   &now,
		Limit: maxAlertSamples,
	})
	if err != nil {
		return fmt.Errorf("query failed logins: %w", err)
	}
	if res.Total < m.cfg.BruteForceThreshold {
		return nil
	}

	_, err = m.alerts.Create(ctx, models.AlertBruteForce, models.AlertCritical,
		fmt.Sprintf("%d failed login attempts in the last %s", res.Total, m.cfg.BruteForceWindow),
		map[string]any{
			"count":   res.Total,
			"window":  m.cfg.BruteForceWindow.String(),
			"samples": res.Events,
		})
	return err
}

func (m *SecurityMonitor) checkBackupRestores(ctx context.Context, now time.Time) error {
	since := now.Add(-m.cfg.BackupRestoreWindow)
	res, err := m.audit.Query(ctx, models.AuditFilter{
		Type:  models.EventBackupRestore,
		Start: &since,
		End:   &now,
		Limit: maxAlertSamples,
	})
	if err != nil {
		return fmt.Errorf("query backup restores: %w", err)
	}
	if res.Total < m.cfg.BackupRestoreThreshold {
		return nil
	}

	_, err = m.alerts.Create(ctx, models.AlertMultipleBackupRestores, models.AlertHigh,
		fmt.Sprintf("%d backup restores in the last %s", res.Total, m.cfg.BackupRestoreWindow),
		map[string]any{
			"count":  res.Total,
			"window": m.cfg.BackupRestoreWindow.String(),
		})
	return err
}

func (m *SecurityMonitor) checkAuditHealth(ctx context.Context, _ time.Time) error {
	stats, err := m.audit.Stats(ctx)
	if err != nil {
		return fmt.Errorf("audit stats: %w", err)
	}
	if stats.RecentFailures == 0 {
		return nil
	}

	_, err = m.alerts.Create(ctx, models.AlertAuditLogFailure, models.AlertHigh,
		fmt.Sprintf("%d failed operations recorded in the last 24h", stats.RecentFailures),
		map[string]any{"recentFailures": stats.RecentFailures})
	return err
}

// checkCriticalEvents groups CRITICAL events by type. SECURITY_ALERT events
// are ignored so alerts do not feed back into themselves.
func (m *SecurityMonitor) checkCriticalEvents(ctx context.Context, now time.Time) error {
	since := now.Add(-m.cfg.CriticalWindow)
	res, err := m.audit.Query(ctx, models.AuditFilter{
		Severity: models.SeverityCritical,
		Start:    &since,
		End:      &now,
	})
	if err != nil {
		return fmt.Errorf("query critical events: %w", err)
	}

	counts := map[models.AuditEventType]int{}
	for _, ev := range res.Events {
		if ev.Type == models.EventSecurityAlert {
			continue
		}
		counts[ev.Type]++
	}

	types := make([]models.AuditEventType, 0, len(counts))
	for t, n := range counts {
		if n >= m.cfg.CriticalThreshold {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		if _, err := m.alerts.Create(ctx, models.AlertSystemHealthCritical, models.AlertHigh,
			fmt.Sprintf("%d critical %s events in the last %s", counts[t], t, m.cfg.CriticalWindow),
			map[string]any{
				"eventType": string(t),
				"count":     counts[t],
			}); err != nil {
			return err
		}
	}
	return nil
}
