package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trust-service/internal/audit"
	"trust-service/internal/bucketing"
	"trust-service/internal/client"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/handler"
	"trust-service/internal/hashing"
	"trust-service/internal/jobs"
	"trust-service/internal/metrics"
	"trust-service/internal/repository"
	"trust-service/internal/repository/memory"
	"trust-service/internal/repository/redis"
	"trust-service/internal/repository/scylla"
	"trust-service/internal/service"
	"trust-service/internal/tls"
	"trust-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      util.Clock
	tlsManager *tls.TLSManager

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	trail         *audit.Trail
	memoryLimiter *service.MemoryRateLimiter
	deps          service.Dependencies

	serviceFactory *service.ServiceFactory
	scheduler      *jobs.Scheduler
	router         http.Handler

	cancelBackground context.CancelFunc
	closeOnce        sync.Once
	closed           chan struct{}
}

// NewFactory connects every enabled backend and builds the service graph.
// Outside production a backend that cannot be reached is logged and replaced
// by its in-memory counterpart.
func NewFactory(cfg *config.Config) (*Factory, error) {
	logger := util.Get()
	f := &Factory{
		config: cfg,
		logger: logger,
		clock:  util.SystemClock{},
		closed: make(chan struct{}),
	}

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.New(f.registry)

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, !cfg.IsProduction())
	}

	if err := f.initializeClients(); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeManagers(); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeAudit(); err != nil {
		f.closeClients()
		return nil, err
	}

	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis", f.redisClient != nil),
		util.Bool("scylla", f.scyllaClient != nil),
		util.Bool("kafka", f.kafkaProducer != nil),
		util.Bool("clickhouse", f.clickhouseClient != nil),
		util.Bool("elasticsearch", f.esClient != nil),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients dials the enabled backends concurrently. Every failure is
// collected so the log names all of them at once.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	var (
		mu         sync.Mutex
		initErrors []error
	)
	record := func(name string, err error) {
		mu.Lock()
		initErrors = append(initErrors, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
	}

	var g errgroup.Group

	if cfg.Redis.Enabled {
		g.Go(func() error {
			c, err := client.NewRedisClient(cfg.Redis, f.logger.Named("redis"))
			if err != nil {
				record("redis", err)
				return nil
			}
			f.redisClient = c
			return nil
		})
	}

	if cfg.Scylla.Enabled {
		g.Go(func() error {
			c, err := scylla.NewScyllaClient(cfg.Scylla, cfg.IsProduction(), f.logger.Named("scylla"))
			if err != nil {
				record("scylla", err)
				return nil
			}
			if err := c.Migrate(ctx); err != nil {
				c.Close()
				record("scylla migrate", err)
				return nil
			}
			f.scyllaClient = c
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		g.Go(func() error {
			p, err := client.NewKafkaProducer(cfg.Kafka, f.logger.Named("kafka"))
			if err != nil {
				record("kafka", err)
				return nil
			}
			f.kafkaProducer = p
			return nil
		})
	}

	if cfg.Audit.ClickhouseMirror {
		g.Go(func() error {
			c, err := client.NewClickHouseClient(cfg.Clickhouse, cfg.IsProduction(), f.logger.Named("clickhouse"))
			if err != nil {
				record("clickhouse", err)
				return nil
			}
			if err := c.EnsureAuditTable(ctx); err != nil {
				_ = c.Close()
				record("clickhouse schema", err)
				return nil
			}
			f.clickhouseClient = c
			return nil
		})
	}

	if cfg.Audit.ElasticMirror {
		g.Go(func() error {
			c, err := client.NewElasticsearchClient(cfg.Elasticsearch, cfg.IsDevelopment(), f.logger.Named("elasticsearch"))
			if err != nil {
				record("elasticsearch", err)
				return nil
			}
			f.esClient = c
			return nil
		})
	}

	_ = g.Wait()

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning, using in-memory fallback", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config.Hashing)
	if err != nil {
		return err
	}
	f.hasher = hasher

	// Tokens in Scylla or Redis outlive the process and are read by other
	// instances, so their hashes need a pepper every instance knows.
	if !hasher.Static() && (f.scyllaClient != nil || f.redisClient != nil) {
		if f.config.IsProduction() {
			return errors.New("HASHING_PEPPERS is required when verification tokens are stored in scylla or redis")
		}
		util.Warn("Using an in-memory pepper with a shared token store; codes will not verify after a restart")
	}

	// A nil *kms.Client must not reach the interface, or the manager would
	// treat KMS as available.
	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("load aws config: %w", err)
			}
			util.Warn("AWS config unavailable, using local data keys", util.ErrorField(err))
		} else {
			kmsAPI = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsAPI)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Bool("kms_client", kmsAPI != nil),
		util.Int("token_buckets", f.bucketingManager.TokenBuckets()),
	)
	return nil
}

// initializeAudit opens the trail and attaches the mirror when any sink is
// connected. Failing to open the trail is fatal.
func (f *Factory) initializeAudit() error {
	trail, err := audit.NewTrail(f.config.Audit, f.clock, f.metrics, f.logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	f.trail = trail

	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Audit.ElasticIndex))
	}
	if len(sinks) > 0 {
		trail.AttachMirror(audit.NewMirror(audit.MirrorConfig{
			Buffer:        f.config.Audit.MirrorBuffer,
			BatchSize:     f.config.Audit.MirrorBatchSize,
			FlushInterval: f.config.Audit.MirrorFlush,
		}, sinks, f.metrics, f.logger.Named("audit-mirror")))
	}
	return nil
}

func (f *Factory) initializeServices() {
	cfg := f.config

	var (
		tokens   repository.TokenRepository
		requests repository.DSRRepository
		data     repository.DataStore
	)
	if f.scyllaClient != nil {
		tokens = scylla.NewTokenRepository(f.scyllaClient, f.bucketingManager)
		requests = scylla.NewDSRRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
		data = scylla.NewConversationStore(f.scyllaClient, f.clock)
	} else {
		tokens = memory.NewTokenRepository()
		requests = memory.NewDSRRepository()
		data = memory.NewConversationStore(f.clock)
		if f.redisClient != nil {
			tokens = redis.NewTokenCache(f.redisClient, cfg.Verification.TokenTTL, f.clock)
		}
	}

	var limiter service.RateLimiter
	if f.redisClient != nil {
		limiter = redis.NewRateLimitCache(f.redisClient, cfg.Verification.RateLimitMax, cfg.Verification.RateLimitWindow)
	} else {
		f.memoryLimiter = service.NewMemoryRateLimiter(cfg.Verification.RateLimitMax, cfg.Verification.RateLimitWindow, f.clock)
		limiter = f.memoryLimiter
	}

	var notifiers service.MultiNotifier
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, service.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout, nil))
	}
	if f.kafkaProducer != nil {
		notifiers = append(notifiers, service.NewKafkaNotifier(f.kafkaProducer, cfg.Alerts.KafkaTopic))
	}
	var notifier service.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	f.deps = service.Dependencies{
		Audit:    f.trail,
		Tokens:   tokens,
		Requests: requests,
		Data:     data,
		Limiter:  limiter,
		Hasher:   f.hasher,
		Random:   f.encryptionManager,
		Notifier: notifier,
		Clock:    f.clock,
		Metrics:  f.metrics,
	}
	f.serviceFactory = service.NewServiceFactory(cfg, f.deps, f.logger)

	// A typed nil would make the scheduler call Prune on a nil limiter.
	var pruner jobs.Pruner
	if f.memoryLimiter != nil {
		pruner = f.memoryLimiter
	}
	f.scheduler = jobs.NewScheduler(
		cfg.Jobs,
		cfg.Audit.RetentionDays,
		f.trail,
		f.serviceFactory.IdentityVerifier(),
		pruner,
		f.serviceFactory.AlertStore(),
		f.serviceFactory.DSRService(),
		f.metrics,
		f.logger.Named("jobs"),
	)
}

// Router builds the HTTP handler once.
func (f *Factory) Router() http.Handler {
	if f.router == nil {
		sf := f.serviceFactory
		f.router = handler.NewRouter(handler.RouterConfig{
			RequireTLS:     f.config.IsProduction() && f.config.Server.EnableTLS,
			AllowedOrigins: f.config.Server.AllowedOrigins,
			RequestTimeout: f.config.Server.WriteTimeout,
			HealthChecks:   f.HealthChecks(),
			Gatherer:       f.registry,
			Metrics:        f.metrics,
		}, handler.Handlers{
			DSR: handler.NewDSRHandler(sf.IdentityVerifier(), sf.DSRService(),
				f.config.Server.VerifyRPS, f.config.Server.VerifyBurst, f.logger.Named("http")),
			Security: handler.NewSecurityHandler(sf.AlertStore(), f.trail, f.logger.Named("http")),
			Audit:    handler.NewAuditHandler(f.trail, f.logger.Named("http")),
		}, f.logger.Named("http"))
	}
	return f.router
}

// Start launches the background work: the security monitor, the maintenance
// jobs and pepper rotation.
func (f *Factory) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancelBackground = cancel

	if err := f.scheduler.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start jobs: %w", err)
	}
	f.serviceFactory.SecurityMonitor().Start(ctx)
	f.hasher.StartPepperRotation(ctx)
	return nil
}

// ==============================
// Health Checks
// ==============================

// HealthChecks returns one check per connected backend.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"audit": func(ctx context.Context) error {
			_, err := f.trail.Stats(ctx)
			return err
		},
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	return checks
}

func (f *Factory) Close() error {
	var closeErr error
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.cancelBackground != nil {
			f.cancelBackground()
		}
		if f.scheduler != nil {
			f.scheduler.Stop()
			util.Info("Scheduler stopped")
		}
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		// The trail flushes its mirror, so it closes before the sinks.
		if f.trail != nil {
			if err := f.trail.Close(); err != nil {
				util.Error("Failed to close audit trail", util.ErrorField(err))
				closeErr = err
			}
		}

		f.closeClients()

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return closeErr
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		} else {
			util.Info("Kafka producer closed")
		}
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
		util.Info("ScyllaDB client closed")
	}

	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		} else {
			util.Info("Redis client closed")
		}
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

// Audit is the trail every component records to.
func (f *Factory) Audit() *audit.Trail {
	return f.trail
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Scheduler() *jobs.Scheduler {
	return f.scheduler
}
