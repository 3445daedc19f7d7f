package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trust-service/internal/metrics"
	"trust-service/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.AuditEvent
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, events []models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestMirror_DeliversOnClose(t *testing.T) {
	f := newFixture(t, 0)
	sink := &recordingSink{}
	f.trail.AttachMirror(NewMirror(MirrorConfig{BatchSize: 100, FlushInterval: time.Hour}, []Sink{sink}, f.metrics, zaptest.NewLogger(t)))

	for i := 0; i < 3; i++ {
		f.append(models.EventDataAccess, models.OutcomeSuccess, nil)
	}
	require.NoError(t, f.trail.Close())
	assert.Equal(t, 3, sink.count())
}

func TestMirror_FlushesFullBatch(t *testing.T) {
	sink := &recordingSink{}
	mr := NewMirror(MirrorConfig{BatchSize: 2, FlushInterval: time.Hour}, []Sink{sink}, nil, zaptest.NewLogger(t))
	defer mr.Close()

	mr.Enqueue(models.AuditEvent{Type: models.EventDataAccess})
	mr.Enqueue(models.AuditEvent{Type: models.EventDataAccess})

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestMirror_SinkFailureCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &recordingSink{err: errors.New("down")}
	mr := NewMirror(MirrorConfig{}, []Sink{sink}, m, zaptest.NewLogger(t))

	mr.Enqueue(models.AuditEvent{Type: models.EventDataAccess})
	mr.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditMirrorDropped.WithLabelValues("recording")))
}

type fakeInserter struct {
	query string
	rows  [][]any
}

func (f *fakeInserter) BatchInsert(_ context.Context, query string, rows [][]any) error {
	f.query, f.rows = query, rows
	return nil
}

type fakeIndexer struct {
	index string
	docs  map[string]any
}

func (f *fakeIndexer) BulkIndex(_ context.Context, index string, docs map[string]any) error {
	f.index, f.docs = index, docs
	return nil
}

func TestSinks(t *testing.T) {
	events := []models.AuditEvent{
		{Timestamp: t0, Type: models.EventDataAccess, Severity: models.SeverityInfo, Outcome: models.OutcomeSuccess, Details: map[string]any{"a": 1}},
		{Timestamp: t0, Type: models.EventDataAccess, Severity: models.SeverityInfo, Outcome: models.OutcomeSuccess},
	}

	ins := &fakeInserter{}
	require.NoError(t, NewClickHouseSink(ins).Write(context.Background(), events))
	assert.Contains(t, ins.query, "audit_events")
	require.Len(t, ins.rows, 2)
	assert.Equal(t, `{"a":1}`, ins.rows[0][5])

	idx := &fakeIndexer{}
	require.NoError(t, NewElasticsearchSink(idx, "").Write(context.Background(), events))
	assert.Equal(t, "audit-events", idx.index)
	assert.Len(t, idx.docs, 2, "same-timestamp events get distinct ids")
}
