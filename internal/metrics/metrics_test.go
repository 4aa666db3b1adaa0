package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := New()

	m.Queued()
	m.Queued()
	m.Rejected("rate_limited")
	m.Started()
	m.Finished(true, time.Now().Add(-time.Second))
	m.Finished(false, time.Time{})
	m.SetPending(7)
	m.Stage("start")
	m.Stage("start")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BacktestsQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacktestsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacktestsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BacktestsRejected.WithLabelValues("rate_limited")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BacktestsRunning))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueuePending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BacktestStages.WithLabelValues("start")))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.Queued()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "strategy_lab_backtest_queued_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Queued()
		m.Rejected("x")
		m.Started()
		m.Finished(true, time.Now())
		m.SetPending(1)
		m.Stage("done")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
