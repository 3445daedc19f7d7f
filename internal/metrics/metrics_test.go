package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AuditWritten("DATA_ACCESS")
		m.MonitorCheck("brute_force", errors.New("x"))
		m.SetOverdueDSRs(3)
		m.ObserveHTTP("GET", "/health", "200", 0)
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AuditWritten("DATA_ACCESS")
	m.AuditWritten("DATA_ACCESS")
	m.MonitorCheck("brute_force", nil)
	m.MonitorCheck("brute_force", errors.New("boom"))
	m.SetOverdueDSRs(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditEventsWritten.WithLabelValues("DATA_ACCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitorChecks.WithLabelValues("brute_force", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DSROverdue))
}
