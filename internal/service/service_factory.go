package service

import (
	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/repository"
	"trust-service/internal/util"

	"go.uber.org/zap"
)

// Dependencies are the collaborators the services are built from. The
// factory package fills them from config.
type Dependencies struct {
	Audit interface {
		AuditRecorder
		AuditReader
	}
	Tokens   repository.TokenRepository
	Requests repository.DSRRepository
	Data     repository.DataStore
	Limiter  RateLimiter
	Hasher   CodeHasher
	Random   RandomSource
	Sender   CodeSender
	Notifier Notifier
	Clock    util.Clock
	Metrics  *metrics.Metrics
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg    *config.Config
	deps   Dependencies
	logger *zap.Logger

	alertStore *AlertStore
	monitor    *SecurityMonitor
	verifier   *IdentityVerifier
	dsr        *DSRService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(cfg *config.Config, deps Dependencies, logger *zap.Logger) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = util.SystemClock{}
	}
	return &ServiceFactory{cfg: cfg, deps: deps, logger: logger}
}

// AlertStore returns the alert store instance (singleton)
func (f *ServiceFactory) AlertStore() *AlertStore {
	if f.alertStore == nil {
		f.alertStore = NewAlertStore(
			f.cfg.Alerts,
			f.deps.Audit,
			f.deps.Notifier,
			f.deps.Clock,
			f.deps.Metrics,
			f.logger.Named("alerts"),
		)
	}
	return f.alertStore
}

// SecurityMonitor returns the monitor instance (singleton). It is not started.
func (f *ServiceFactory) SecurityMonitor() *SecurityMonitor {
	if f.monitor == nil {
		f.monitor = NewSecurityMonitor(
			f.cfg.Monitor,
			f.deps.Audit,
			f.AlertStore(),
			f.deps.Clock,
			f.deps.Metrics,
			f.logger.Named("monitor"),
		)
	}
	return f.monitor
}

// IdentityVerifier returns the verifier instance (singleton)
func (f *ServiceFactory) IdentityVerifier() *IdentityVerifier {
	if f.verifier == nil {
		limiter := f.deps.Limiter
		if limiter == nil {
			limiter = NewMemoryRateLimiter(f.cfg.Verification.RateLimitMax, f.cfg.Verification.RateLimitWindow, f.deps.Clock)
		}
		sender := f.deps.Sender
		if sender == nil {
			sender = NewLogCodeSender(f.logger.Named("codes"), f.cfg.IsDevelopment())
		}
		f.verifier = NewIdentityVerifier(
			f.cfg.Verification,
			f.deps.Tokens,
			limiter,
			f.deps.Hasher,
			f.deps.Random,
			sender,
			f.deps.Audit,
			f.deps.Clock,
			f.deps.Metrics,
			f.logger.Named("verification"),
		)
	}
	return f.verifier
}

// DSRService returns the DSR workflow instance (singleton)
func (f *ServiceFactory) DSRService() *DSRService {
	if f.dsr == nil {
		f.dsr = NewDSRService(
			f.cfg.DSR,
			f.deps.Requests,
			f.deps.Data,
			f.deps.Audit,
			f.deps.Clock,
			f.deps.Metrics,
			f.logger.Named("dsr"),
		)
	}
	return f.dsr
}

// Cleanup stops background work owned by the services
func (f *ServiceFactory) Cleanup() {
	if f.monitor != nil {
		f.monitor.Stop()
	}
}
