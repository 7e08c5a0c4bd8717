package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_HandlerExposesRecordedSeries(t *testing.T) {
	m := NewPrometheusMetrics()
	m.IncCounter("orchestrator.job.completed", 1, "type", "research")
	m.RecordTimer("orchestrator.job.duration", 2*time.Second, "type", "research")
	m.RecordGauge("index.size", 42, "shard", "0")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "orchestrator_job_completed")
	assert.Contains(t, body, "orchestrator_job_duration")
	assert.Contains(t, body, "index_size")
	assert.True(t, strings.Contains(body, `type="research"`))
}

func TestNoopTelemetry_NeverPanics(t *testing.T) {
	logger := NewNoopLogger()
	metrics := NewNoopMetrics()
	tracer := NewNoopTracer()

	ctx, span := tracer.Start(context.Background(), "op")
	logger.Info(ctx, "hello", "k", "v")
	metrics.IncCounter("x", 1)
	span.AddEvent("event")
	span.End()
}
