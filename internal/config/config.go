package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Audit         AuditConfig
	Alerts        AlertsConfig
	Monitor       MonitorConfig
	Verification  VerificationConfig
	DSR           DSRConfig
	Jobs          JobsConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	// VerifyRPS and VerifyBurst bound per-IP traffic on the verification endpoints.
	VerifyRPS   float64
	VerifyBurst int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AuditConfig struct {
	Dir              string
	MaxFileSizeBytes int64
	RetentionDays    int
	MirrorBuffer     int
	MirrorBatchSize  int
	MirrorFlush      time.Duration
	ClickhouseMirror bool
	ElasticMirror    bool
	ElasticIndex     string
}

type AlertsConfig struct {
	FilePath       string
	RetentionDays  int
	MaxAlerts      int
	WebhookURL     string
	WebhookTimeout time.Duration
	KafkaTopic     string
}

type MonitorConfig struct {
	Interval               time.Duration
	BruteForceThreshold    int
	BruteForceWindow       time.Duration
	BackupRestoreThreshold int
	BackupRestoreWindow    time.Duration
	CriticalThreshold      int
	CriticalWindow         time.Duration
}

type VerificationConfig struct {
	TokenTTL        time.Duration
	MaxAttempts     int
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type DSRConfig struct {
	DueDays int
}

type JobsConfig struct {
	AuditCleanupSchedule  string
	TokenSweepSchedule    string
	AlertMaintainSchedule string
	OverdueReportSchedule string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
	// Peppers are "version:secret" pairs. When set, every instance shares
	// them and in-memory rotation is off.
	Peppers []string
}

type BucketingConfig struct {
	TokenBuckets   int
	RequestBuckets int
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getInt("SERVER_PORT", 8080),
			TLSPort:        getInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./data/certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:    getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			VerifyRPS:      getFloat("SERVER_VERIFY_RPS", 1),
			VerifyBurst:    getInt("SERVER_VERIFY_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Audit: AuditConfig{
			Dir:              getEnv("AUDIT_DIR", "./data/audit"),
			MaxFileSizeBytes: int64(getInt("AUDIT_MAX_FILE_SIZE_BYTES", 10*1024*1024)),
			RetentionDays:    getInt("AUDIT_RETENTION_DAYS", 365),
			MirrorBuffer:     getInt("AUDIT_MIRROR_BUFFER", 1000),
			MirrorBatchSize:  getInt("AUDIT_MIRROR_BATCH_SIZE", 100),
			MirrorFlush:      getDuration("AUDIT_MIRROR_FLUSH", 5*time.Second),
			ClickhouseMirror: getBool("AUDIT_CLICKHOUSE_MIRROR", false),
			ElasticMirror:    getBool("AUDIT_ELASTIC_MIRROR", false),
			ElasticIndex:     getEnv("AUDIT_ELASTIC_INDEX", "audit-events"),
		},
		Alerts: AlertsConfig{
			FilePath:       getEnv("ALERTS_FILE", "./data/alerts.json"),
			RetentionDays:  getInt("ALERTS_RETENTION_DAYS", 90),
			MaxAlerts:      getInt("ALERTS_MAX", 10000),
			WebhookURL:     getEnv("ALERTS_WEBHOOK_URL", ""),
			WebhookTimeout: getDuration("ALERTS_WEBHOOK_TIMEOUT", 10*time.Second),
			KafkaTopic:     getEnv("ALERTS_KAFKA_TOPIC", "security-alerts"),
		},
		Monitor: MonitorConfig{
			Interval:               getDuration("MONITOR_INTERVAL", 5*time.Minute),
			BruteForceThreshold:    getInt("MONITOR_BRUTE_FORCE_THRESHOLD", 5),
			BruteForceWindow:       getDuration("MONITOR_BRUTE_FORCE_WINDOW", 15*time.Minute),
			BackupRestoreThreshold: getInt("MONITOR_BACKUP_RESTORE_THRESHOLD", 3),
			BackupRestoreWindow:    getDuration("MONITOR_BACKUP_RESTORE_WINDOW", time.Hour),
			CriticalThreshold:      getInt("MONITOR_CRITICAL_THRESHOLD", 3),
			CriticalWindow:         getDuration("MONITOR_CRITICAL_WINDOW", time.Hour),
		},
		Verification: VerificationConfig{
			TokenTTL:        getDuration("VERIFICATION_TOKEN_TTL", 30*time.Minute),
			MaxAttempts:     getInt("VERIFICATION_MAX_ATTEMPTS", 5),
			RateLimitMax:    getInt("VERIFICATION_RATE_LIMIT_MAX", 5),
			RateLimitWindow: getDuration("VERIFICATION_RATE_LIMIT_WINDOW", time.Hour),
		},
		DSR: DSRConfig{
			DueDays: getInt("DSR_DUE_DAYS", 30),
		},
		Jobs: JobsConfig{
			AuditCleanupSchedule:  getEnv("JOBS_AUDIT_CLEANUP", "@daily"),
			TokenSweepSchedule:    getEnv("JOBS_TOKEN_SWEEP", "@every 10m"),
			AlertMaintainSchedule: getEnv("JOBS_ALERT_MAINTAIN", "@hourly"),
			OverdueReportSchedule: getEnv("JOBS_OVERDUE_REPORT", "@daily"),
		},
		Redis: RedisConfig{
			Enabled:  getBool("REDIS_ENABLED", false),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Enabled:  getBool("SCYLLA_ENABLED", false),
			Nodes:    getList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "trust"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getBool("KAFKA_ENABLED", false),
			Brokers: getList("KAFKA_BROKERS", []string{"localhost:9092"}),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "trust"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "eu-west-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:     getInt("ARGON2_ITERATIONS", 1),
			Argon2Parallelism:  getInt("ARGON2_PARALLELISM", 2),
			PepperRotationDays: getInt("PEPPER_ROTATION_DAYS", 30),
			Peppers:            getList("HASHING_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			TokenBuckets:   getInt("BUCKETS_TOKENS", 64),
			RequestBuckets: getInt("BUCKETS_REQUESTS", 16),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
