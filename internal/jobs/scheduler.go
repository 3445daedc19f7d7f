// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

type AuditMaintainer interface {
	Append(ctx context.Context, event models.AuditEvent)
	Cleanup(ctx context.Context, retentionDays int) int
}

type TokenSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type AlertMaintainer interface {
	Maintain(ctx context.Context) (int, error)
	Create(ctx context.Context, alertType models.AlertType, severity models.AlertSeverity, message string, details map[string]any) (*models.SecurityAlert, error)
}

type OverdueLister interface {
	ListOverdue(ctx context.Context) ([]*models.DSRRequest, error)
}

// Pruner drops expired in-process rate limit windows.
type Pruner interface {
	Prune() int
}

// Scheduler owns the cron runner. Overlapping runs of the same job are
// skipped and panics are recovered by the cron chain.
type Scheduler struct {
	cron *cron.Cron
	cfg  config.JobsConfig

	retentionDays int
	audit         AuditMaintainer
	tokens        TokenSweeper
	limiter       Pruner
	alerts        AlertMaintainer
	requests      OverdueLister
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewScheduler builds the scheduler. limiter may be nil when the rate limiter
// lives in Redis.
func NewScheduler(
	cfg config.JobsConfig,
	retentionDays int,
	audit AuditMaintainer,
	tokens TokenSweeper,
	limiter Pruner,
	alerts AlertMaintainer,
	requests OverdueLister,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:          cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		cfg:           cfg,
		retentionDays: retentionDays,
		audit:         audit,
		tokens:        tokens,
		limiter:       limiter,
		alerts:        alerts,
		requests:      requests,
		metrics:       m,
		logger:        logger,
	}
}

// Start registers every job and starts the runner. An invalid schedule is
// returned as an error before anything runs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"audit_cleanup", s.cfg.AuditCleanupSchedule, s.RunAuditCleanup},
		{"token_sweep", s.cfg.TokenSweepSchedule, s.RunTokenSweep},
		{"alert_maintenance", s.cfg.AlertMaintainSchedule, s.RunAlertMaintenance},
		{"overdue_report", s.cfg.OverdueReportSchedule, s.RunOverdueReport},
	}

	for _, j := range jobs {
		j := j
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := j.run(ctx); err != nil {
				s.logger.Warn("Scheduled job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", j.schedule, j.name, err)
		}
		s.logger.Info("Scheduled job", zap.String("job", j.name), zap.String("schedule", j.schedule))
	}

	s.cron.Start()
	s.logger.Info("Job scheduler started")
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Job scheduler stopped")
}

func (s *Scheduler) RunAuditCleanup(ctx context.Context) error {
	removed := s.audit.Cleanup(ctx, s.retentionDays)
	s.audit.Append(ctx, models.AuditEvent{
		Type:    models.EventAuditCleanup,
		Actor:   "scheduler",
		Outcome: models.OutcomeSuccess,
		Details: map[string]any{"removed_files": removed, "retention_days": s.retentionDays},
	})
	return nil
}

func (s *Scheduler) RunTokenSweep(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Prune()
	}
	_, err := s.tokens.SweepExpired(ctx)
	return err
}

func (s *Scheduler) RunAlertMaintenance(ctx context.Context) error {
	_, err := s.alerts.Maintain(ctx)
	return err
}

// RunOverdueReport updates the overdue gauge and raises one DSR_OVERDUE alert
// when any request is past its due date.
func (s *Scheduler) RunOverdueReport(ctx context.Context) error {
	overdue, err := s.requests.ListOverdue(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetOverdueDSRs(len(overdue))
	if len(overdue) == 0 {
		return nil
	}

	ids := make([]string, 0, len(overdue))
	for _, r := range overdue {
		ids = append(ids, r.ID)
	}
	s.logger.Warn("Overdue data subject requests", zap.Int("count", len(overdue)), zap.Strings("request_ids", ids))

	_, err = s.alerts.Create(ctx, models.AlertDSROverdue, models.AlertMedium,
		fmt.Sprintf("%d data subject requests are past their due date", len(overdue)),
		map[string]any{"count": len(overdue), "requestIds": ids})
	return err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
