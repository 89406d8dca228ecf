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

func TestRecording(t *testing.T) {
	m := New()

	m.ObserveStage(3, 120*time.Millisecond)
	m.StageFailed(3, "DB_TIMEOUT")
	m.StageFailed(3, "DB_TIMEOUT")
	m.EstimationFailed()

	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StageErrors.WithLabelValues("3", "DB_TIMEOUT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EstimationFailures))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage(1, time.Second)
	m.StageFailed(1, "UNKNOWN")
	m.EstimationFailed()
	m.RegisterSessionGauge(func() int { return 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandlerExposesSessionGauge(t *testing.T) {
	m := New()
	m.RegisterSessionGauge(func() int { return 3 })
	m.ObserveStage(0, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "orphanfinder_sessions_active 3")
	assert.Contains(t, string(body), "orphanfinder_pipeline_stage_duration_seconds_count{stage=\"0\"} 1")
}
