package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	healthy bool
	ready   bool
}

func (s *stubHealth) Healthy() bool { return s.healthy }
func (s *stubHealth) Ready() bool   { return s.ready }

type stubMetrics struct{}

func (stubMetrics) Snapshot() domain.EngineMetrics {
	return domain.EngineMetrics{ExecutionsStarted: 7}
}

func newTestServer(health *stubHealth) *Server {
	config := domain.DefaultObservabilityConfig()
	config.EnableMetrics = true
	s := NewServer(config, health, stubMetrics{}, nil, nil)
	s.startTime = time.Now()
	return s
}

func TestServer_HealthEndpoint(t *testing.T) {
	s := newTestServer(&stubHealth{healthy: true, ready: true})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)

	var body map[string]interface{}
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_UnhealthyReturns503(t *testing.T) {
	s := newTestServer(&stubHealth{healthy: false})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestServer_ReadyEndpoint(t *testing.T) {
	s := newTestServer(&stubHealth{healthy: true, ready: false})

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 503, rec.Code)

	s.health = &stubHealth{ready: true}
	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestServer_MetricsSnapshot(t *testing.T) {
	s := newTestServer(&stubHealth{healthy: true, ready: true})

	rec := httptest.NewRecorder()
	s.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	var body metricsResponse
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.Application.ExecutionsStarted)
	assert.NotEmpty(t, body.Runtime.GoVersion)
}
