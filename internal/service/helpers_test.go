package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"trust-service/internal/audit"
	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recordingAudit keeps appended events in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *recordingAudit) Append(_ context.Context, ev models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Details = util.RedactDetails(ev.Details)
	r.events = append(r.events, ev)
}

func (r *recordingAudit) ofType(t models.AuditEventType) []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestTrail(t *testing.T, clock util.Clock) *audit.Trail {
	t.Helper()
	trail, err := audit.NewTrail(config.AuditConfig{Dir: t.TempDir()}, clock, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })
	return trail
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}
