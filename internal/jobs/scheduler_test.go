package jobs

import (
	"context"
	"errors"
	"testing"

	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAudit struct {
	cleanedWith int
	events      []models.AuditEvent
}

func (f *fakeAudit) Append(_ context.Context, ev models.AuditEvent) { f.events = append(f.events, ev) }
func (f *fakeAudit) Cleanup(_ context.Context, days int) int {
	f.cleanedWith = days
	return 2
}

type fakeTokens struct{ calls int }

func (f *fakeTokens) SweepExpired(context.Context) (int, error) {
	f.calls++
	return 1, nil
}

type fakePruner struct{ calls int }

func (f *fakePruner) Prune() int {
	f.calls++
	return 0
}

type fakeAlerts struct {
	maintained int
	created    []models.AlertType
}

func (f *fakeAlerts) Maintain(context.Context) (int, error) {
	f.maintained++
	return 0, nil
}

func (f *fakeAlerts) Create(_ context.Context, t models.AlertType, _ models.AlertSeverity, _ string, _ map[string]any) (*models.SecurityAlert, error) {
	f.created = append(f.created, t)
	return &models.SecurityAlert{Type: t}, nil
}

type fakeRequests struct {
	overdue []*models.DSRRequest
	err     error
}

func (f *fakeRequests) ListOverdue(context.Context) ([]*models.DSRRequest, error) {
	return f.overdue, f.err
}

type fixture struct {
	s        *Scheduler
	audit    *fakeAudit
	tokens   *fakeTokens
	pruner   *fakePruner
	alerts   *fakeAlerts
	requests *fakeRequests
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, cfg config.JobsConfig) *fixture {
	f := &fixture{
		audit:    &fakeAudit{},
		tokens:   &fakeTokens{},
		pruner:   &fakePruner{},
		alerts:   &fakeAlerts{},
		requests: &fakeRequests{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.s = NewScheduler(cfg, 365, f.audit, f.tokens, f.pruner, f.alerts, f.requests, f.metrics, zaptest.NewLogger(t))
	return f
}

func TestRunAuditCleanup(t *testing.T) {
	f := newFixture(t, config.JobsConfig{})
	require.NoError(t, f.s.RunAuditCleanup(context.Background()))

	assert.Equal(t, 365, f.audit.cleanedWith)
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, models.EventAuditCleanup, f.audit.events[0].Type)
	assert.Equal(t, 2, f.audit.events[0].Details["removed_files"])
}

func TestRunTokenSweep(t *testing.T) {
	f := newFixture(t, config.JobsConfig{})
	require.NoError(t, f.s.RunTokenSweep(context.Background()))
	assert.Equal(t, 1, f.tokens.calls)
	assert.Equal(t, 1, f.pruner.calls)
}

func TestRunOverdueReport(t *testing.T) {
	f := newFixture(t, config.JobsConfig{})
	ctx := context.Background()

	require.NoError(t, f.s.RunOverdueReport(ctx))
	assert.Empty(t, f.alerts.created)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.DSROverdue))

	f.requests.overdue = []*models.DSRRequest{{ID: "a"}, {ID: "b"}}
	require.NoError(t, f.s.RunOverdueReport(ctx))
	assert.Equal(t, []models.AlertType{models.AlertDSROverdue}, f.alerts.created)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.DSROverdue))

	f.requests.err = errors.New("scylla down")
	assert.Error(t, f.s.RunOverdueReport(ctx))
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t, config.JobsConfig{AuditCleanupSchedule: "not a schedule"})
	assert.Error(t, f.s.Start())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, config.JobsConfig{
		AuditCleanupSchedule:  "@daily",
		TokenSweepSchedule:    "@every 10m",
		AlertMaintainSchedule: "@hourly",
	})
	require.NoError(t, f.s.Start())
	f.s.Stop()
	assert.Equal(t, 0, f.alerts.maintained)
}
