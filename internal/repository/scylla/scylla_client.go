package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/config"
	"trust-service/internal/util"
)

// schema is applied by Migrate. Tables are bucketed with murmur3 so a full
// listing walks a bounded set of partitions.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS verification_tokens (
		token_bucket int,
		id text,
		email text,
		code_hash text,
		code_salt text,
		pepper_version int,
		related_request_id text,
		created_at timestamp,
		expires_at timestamp,
		verified_at timestamp,
		attempts int,
		source_address text,
		PRIMARY KEY ((token_bucket), id)
	) WITH default_time_to_live = 86400`,
	`CREATE INDEX IF NOT EXISTS verification_tokens_email_idx ON verification_tokens (email)`,
	`CREATE INDEX IF NOT EXISTS verification_tokens_expires_idx ON verification_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS dsr_requests (
		request_bucket int,
		id text,
		type text,
		status text,
		created_at timestamp,
		due_date timestamp,
		completed_at timestamp,
		requester_info text,
		request_details text,
		response_data text,
		notes text,
		PRIMARY KEY ((request_bucket), id)
	)`,
	`CREATE INDEX IF NOT EXISTS dsr_requests_status_idx ON dsr_requests (status)`,
	`CREATE INDEX IF NOT EXISTS dsr_requests_due_idx ON dsr_requests (due_date)`,
	`CREATE TABLE IF NOT EXISTS conversation_sessions (
		id text PRIMARY KEY,
		title text,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		session_id text,
		created_at timestamp,
		id text,
		role text,
		content text,
		PRIMARY KEY ((session_id), created_at, id)
	)`,
}

// Statements holds the CQL the repositories run. gocql prepares and caches
// each statement on first use.
type Statements struct {
	InsertToken      string
	GetToken         string
	TokensByEmail    string
	TokensInBucket   string
	DeleteToken      string
	SwapTokenRequest string
	InsertRequest    string
	GetRequest       string
	RequestsInBucket string
	RequestsByStatus string
	SelectSessions   string
	SelectMessages   string
	CountSessions    string
	CountMessages    string
	TruncateSessions string
	TruncateMessages string
}

const tokenColumns = `token_bucket, id, email, code_hash, code_salt, pepper_version, related_request_id,
		created_at, expires_at, verified_at, attempts, source_address`

const requestColumns = `request_bucket, id, type, status, created_at, due_date, completed_at,
		requester_info, request_details, response_data, notes`

func newStatements() *Statements {
	return &Statements{
		InsertToken:      `INSERT INTO verification_tokens (` + tokenColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetToken:         `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE token_bucket = ? AND id = ?`,
		TokensByEmail:    `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE email = ?`,
		TokensInBucket:   `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE token_bucket = ?`,
		DeleteToken:      `DELETE FROM verification_tokens WHERE token_bucket = ? AND id = ?`,
		SwapTokenRequest: `UPDATE verification_tokens SET related_request_id = ? WHERE token_bucket = ? AND id = ? IF related_request_id = ?`,
		InsertRequest:    `INSERT INTO dsr_requests (` + requestColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetRequest:       `SELECT ` + requestColumns + ` FROM dsr_requests WHERE request_bucket = ? AND id = ?`,
		RequestsInBucket: `SELECT ` + requestColumns + ` FROM dsr_requests WHERE request_bucket = ?`,
		RequestsByStatus: `SELECT ` + requestColumns + ` FROM dsr_requests WHERE status = ?`,
		SelectSessions:   `SELECT id, title, created_at, updated_at FROM conversation_sessions`,
		SelectMessages:   `SELECT id, session_id, role, content, created_at FROM conversation_messages`,
		CountSessions:    `SELECT COUNT(*) FROM conversation_sessions`,
		CountMessages:    `SELECT COUNT(*) FROM conversation_messages`,
		TruncateSessions: `TRUNCATE conversation_sessions`,
		TruncateMessages: `TRUNCATE conversation_messages`,
	}
}

type ScyllaClient struct {
	Session *gocql.Session
	Stmt    *Statements
}

func NewScyllaClient(cfg config.ScyllaConfig, secure bool, logger *zap.Logger) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if secure {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/client.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/client.key"),
			EnableHostVerification: true,
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return &ScyllaClient{Session: session, Stmt: newStatements()}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied", zap.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(retryBackoff(i))
		}
	}
	return lastErr
}

// ScanWithRetry does not retry gocql.ErrNotFound.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...any) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 {
			time.Sleep(retryBackoff(i))
		}
	}
	return lastErr
}

func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 100 * time.Millisecond
}
